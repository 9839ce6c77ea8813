// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package sso

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// eveClaims mirrors the EVE SSO access token payload. The "sub" claim is
// "CHARACTER:EVE:<id>", "scp" is a string for one scope and an array for
// several.
type eveClaims struct {
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	Scope    any    `json:"scp"`
	Audience any    `json:"aud"`
	jwt.RegisteredClaims
}

type accessTokenClaims struct {
	characterID   int64
	characterName string
	scopes        []string
}

// parseAccessToken extracts character identity and granted scopes from an
// access token. The token arrived moments ago over TLS from the issuer, so
// signature validation is skipped; structural and audience checks still run.
func parseAccessToken(accessToken, audience string) (*accessTokenClaims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	var claims eveClaims
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if audience != "" && !hasAudience(claims.Audience, audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrMalformedToken)
	}

	characterID, err := characterIDFromSubject(claims.Subject)
	if err != nil {
		return nil, err
	}
	if claims.Name == "" {
		return nil, fmt.Errorf("%w: missing name claim", ErrMalformedToken)
	}

	return &accessTokenClaims{
		characterID:   characterID,
		characterName: claims.Name,
		scopes:        scopesFromClaim(claims.Scope),
	}, nil
}

func characterIDFromSubject(subject string) (int64, error) {
	const prefix = "CHARACTER:EVE:"
	if !strings.HasPrefix(subject, prefix) {
		return 0, fmt.Errorf("%w: unexpected subject %q", ErrMalformedToken, subject)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(subject, prefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: unparseable character id in subject", ErrMalformedToken)
	}
	return id, nil
}

func scopesFromClaim(scp any) []string {
	switch v := scp.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		scopes := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		return scopes
	default:
		return nil
	}
}

func hasAudience(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}
