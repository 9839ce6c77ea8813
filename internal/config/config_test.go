// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsLowWaterAboveBudget(t *testing.T) {
	cfg := defaultConfig()
	cfg.RateLimit.LowWaterMark = cfg.RateLimit.DefaultBudget

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error when low water mark >= default budget")
	}
	if !strings.Contains(err.Error(), "low_water_mark") {
		t.Errorf("error should name the offending field, got: %v", err)
	}
}

func TestValidateRejectsMissingBaseURL(t *testing.T) {
	cfg := defaultConfig()
	cfg.ESI.BaseURL = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing base URL")
	}
}

func TestTTLFor(t *testing.T) {
	cfg := CacheConfig{
		DefaultTTL: 5 * time.Minute,
		ResourceTTL: map[string]time.Duration{
			"market_prices": time.Hour,
			"wallet":        0,
		},
	}

	tests := []struct {
		resource string
		want     time.Duration
	}{
		{"market_prices", time.Hour},
		{"skill_queue", 5 * time.Minute},
		{"wallet", 5 * time.Minute}, // zero override falls back to default
	}
	for _, tt := range tests {
		if got := cfg.TTLFor(tt.resource); got != tt.want {
			t.Errorf("TTLFor(%q) = %v, want %v", tt.resource, got, tt.want)
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewCredentialEncryptor("test-secret")
	if err != nil {
		t.Fatalf("NewCredentialEncryptor: %v", err)
	}

	plaintext := "refresh-token-abc123"
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("ciphertext must differ from plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plaintext {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	enc, err := NewCredentialEncryptor("test-secret")
	if err != nil {
		t.Fatalf("NewCredentialEncryptor: %v", err)
	}

	a, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext must not produce identical ciphertexts")
	}
}

func TestDecryptWithWrongSecretFails(t *testing.T) {
	enc1, err := NewCredentialEncryptor("secret-one")
	if err != nil {
		t.Fatalf("NewCredentialEncryptor: %v", err)
	}
	enc2, err := NewCredentialEncryptor("secret-two")
	if err != nil {
		t.Fatalf("NewCredentialEncryptor: %v", err)
	}

	ciphertext, err := enc1.Encrypt("token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := enc2.Decrypt(ciphertext); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, err := NewCredentialEncryptor("test-secret")
	if err != nil {
		t.Fatalf("NewCredentialEncryptor: %v", err)
	}

	if _, err := enc.Decrypt("not base64!!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
	if _, err := enc.Decrypt("YWJj"); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("expected ErrCiphertextTooShort, got %v", err)
	}
}

func TestNewCredentialEncryptorEmptySecret(t *testing.T) {
	if _, err := NewCredentialEncryptor(""); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("expected ErrEmptySecret, got %v", err)
	}
}

func TestMaskCredential(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"ab", "****"},
		{"abcd", "****"},
		{"abcdefgh", "****...efgh"},
	}
	for _, tt := range tests {
		if got := MaskCredential(tt.in); got != tt.want {
			t.Errorf("MaskCredential(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"SSO_CLIENT_ID", "sso.client_id"},
		{"HEALTH_OFFLINE_THRESHOLD", "health.offline_threshold"},
		{"PATH", ""},
		{"HOME", ""},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.key); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
