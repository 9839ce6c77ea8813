// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "astraldock"
	keyringUser    = "credential-key"

	// SecretEnvVar overrides the keychain-stored secret; intended for
	// headless environments where no OS keychain is available.
	SecretEnvVar = "ASTRALDOCK_SECRET"
)

// AppSecret returns the secret used to derive the credential encryption key.
//
// Resolution order:
//  1. ASTRALDOCK_SECRET environment variable
//  2. the OS keychain entry for this application
//  3. a freshly generated secret, stored in the keychain for next time
//
// The keychain-first design means a stolen data directory alone is not
// enough to decrypt stored refresh tokens.
func AppSecret() (string, error) {
	if secret := os.Getenv(SecretEnvVar); secret != "" {
		return secret, nil
	}

	secret, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("keychain lookup failed: %w", err)
	}

	secret, err = generateSecret()
	if err != nil {
		return "", err
	}
	if err := keyring.Set(keyringService, keyringUser, secret); err != nil {
		return "", fmt.Errorf("keychain store failed: %w", err)
	}
	return secret, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}
