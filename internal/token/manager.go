// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package token manages per-identity access token lifecycles: proactive
// refresh ahead of expiry, single-flight refresh under concurrency, rotated
// refresh token persistence, and terminal invalid-grant handling.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astraldock/astraldock/internal/config"
	"github.com/astraldock/astraldock/internal/credstore"
	"github.com/astraldock/astraldock/internal/logging"
	"github.com/astraldock/astraldock/internal/metrics"
	"github.com/astraldock/astraldock/internal/sso"
)

var (
	// ErrReauthenticationRequired indicates the identity's refresh token was
	// rejected as invalid or revoked. The identity stays registered but
	// cannot make authenticated calls until the user logs in again.
	ErrReauthenticationRequired = errors.New("token: re-authentication required")

	// ErrTemporarilyUnavailable indicates refresh failed for transient
	// reasons after exhausting retries. The stored refresh token is intact.
	ErrTemporarilyUnavailable = errors.New("token: refresh temporarily unavailable")

	// ErrUnknownIdentity indicates no credentials exist for the character.
	ErrUnknownIdentity = errors.New("token: unknown identity")
)

// refresher is the slice of the SSO client the manager needs.
type refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*sso.TokenSet, error)
}

// identity holds one character's token state. The mutex serializes refresh:
// whichever caller wins starts the refresh, everyone else blocks on the
// lock and finds a fresh token when they acquire it.
type identity struct {
	mu              sync.Mutex
	characterID     int64
	characterName   string
	scopes          []string
	accessToken     string
	expiresAt       time.Time
	refreshToken    string
	unauthenticated bool
}

// Manager issues valid access tokens for registered identities.
type Manager struct {
	sso   refresher
	creds *credstore.Store
	cfg   config.SSOConfig
	now   func() time.Time

	// While set, proactive refresh is suspended: tokens are served until
	// actual expiry instead of the refresh margin. The offline coordinator
	// toggles this so a down remote is not hammered with refresh attempts.
	suppress atomic.Bool

	mu     sync.Mutex
	idents map[int64]*identity
}

// NewManager creates a token manager over the credential store.
func NewManager(ssoClient refresher, creds *credstore.Store, cfg config.SSOConfig) *Manager {
	return &Manager{
		sso:    ssoClient,
		creds:  creds,
		cfg:    cfg,
		now:    time.Now,
		idents: make(map[int64]*identity),
	}
}

// Adopt seeds an identity from a completed login. The refresh token is
// persisted by the caller (session manager) before Adopt runs.
func (m *Manager) Adopt(set *sso.TokenSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idents[set.CharacterID] = &identity{
		characterID:   set.CharacterID,
		characterName: set.CharacterName,
		scopes:        set.Scopes,
		accessToken:   set.AccessToken,
		expiresAt:     set.ExpiresAt,
		refreshToken:  set.RefreshToken,
	}
}

// Forget drops in-memory token state for a removed identity.
func (m *Manager) Forget(characterID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idents, characterID)
}

// SuppressProactive toggles proactive refresh suspension.
func (m *Manager) SuppressProactive(suppress bool) {
	m.suppress.Store(suppress)
}

// identityFor returns the in-memory identity, loading credentials from the
// store on first use after a restart.
func (m *Manager) identityFor(ctx context.Context, characterID int64) (*identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.idents[characterID]; ok {
		return id, nil
	}

	record, err := m.creds.Get(ctx, characterID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: character %d", ErrUnknownIdentity, characterID)
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	id := &identity{
		characterID:   record.CharacterID,
		characterName: record.CharacterName,
		scopes:        record.Scopes,
		refreshToken:  record.RefreshToken,
	}
	m.idents[characterID] = id
	return id, nil
}

// AccessToken returns a valid access token for the character, refreshing if
// the cached one is expired or inside the refresh margin. Concurrent callers
// share a single refresh.
func (m *Manager) AccessToken(ctx context.Context, characterID int64) (string, error) {
	id, err := m.identityFor(ctx, characterID)
	if err != nil {
		return "", err
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	if id.unauthenticated {
		return "", fmt.Errorf("%w: character %d", ErrReauthenticationRequired, characterID)
	}
	if m.tokenUsable(id) {
		return id.accessToken, nil
	}
	if err := m.refreshLocked(ctx, id); err != nil {
		return "", err
	}
	return id.accessToken, nil
}

// Invalidate discards the cached access token so the next call refreshes.
// Used when the remote rejects a token the manager thought was valid.
func (m *Manager) Invalidate(characterID int64) {
	m.mu.Lock()
	id, ok := m.idents[characterID]
	m.mu.Unlock()
	if !ok {
		return
	}
	id.mu.Lock()
	id.accessToken = ""
	id.expiresAt = time.Time{}
	id.mu.Unlock()
}

// NeedsReauthentication reports whether the identity's grant was rejected.
func (m *Manager) NeedsReauthentication(characterID int64) bool {
	m.mu.Lock()
	id, ok := m.idents[characterID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.unauthenticated
}

// tokenUsable decides whether the cached token can be served as-is.
// Callers hold id.mu.
func (m *Manager) tokenUsable(id *identity) bool {
	if id.accessToken == "" {
		return false
	}
	now := m.now()
	if m.suppress.Load() {
		// Suspended proactive refresh: ride the token to actual expiry.
		return now.Before(id.expiresAt)
	}
	return now.Before(id.expiresAt.Add(-m.cfg.RefreshMargin))
}

// refreshLocked performs the refresh grant with retry, persists the rotated
// refresh token before exposing the new access token, and classifies
// terminal grant rejections. Callers hold id.mu.
func (m *Manager) refreshLocked(ctx context.Context, id *identity) error {
	var set *sso.TokenSet
	err := retryWithBackoff(ctx, m.cfg.RetryAttempts, m.cfg.RetryDelay, func() error {
		var refreshErr error
		set, refreshErr = m.sso.Refresh(ctx, id.refreshToken)
		if sso.IsInvalidGrant(refreshErr) {
			return permanent(refreshErr)
		}
		return refreshErr
	})
	if err != nil {
		if sso.IsInvalidGrant(err) {
			id.unauthenticated = true
			id.accessToken = ""
			metrics.TokenRefreshes.WithLabelValues("invalid_grant").Inc()
			logging.Warn().
				Int64("character_id", id.characterID).
				Msg("Refresh token rejected, re-authentication required")
			return fmt.Errorf("%w: %v", ErrReauthenticationRequired, err)
		}
		metrics.TokenRefreshes.WithLabelValues("transient").Inc()
		return fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, err)
	}

	// Rotation: the old refresh token may already be dead at the SSO, so
	// the new one must be durable before anything depends on this refresh.
	if set.RefreshToken != "" && set.RefreshToken != id.refreshToken {
		record := credstore.Record{
			CharacterID:     id.characterID,
			CharacterName:   id.characterName,
			RefreshToken:    set.RefreshToken,
			Scopes:          id.scopes,
			LastRefreshedAt: m.now(),
		}
		if err := m.creds.Put(ctx, record); err != nil {
			return fmt.Errorf("persist rotated refresh token: %w", err)
		}
		id.refreshToken = set.RefreshToken
	}

	id.accessToken = set.AccessToken
	id.expiresAt = set.ExpiresAt
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	logging.Debug().
		Int64("character_id", id.characterID).
		Time("expires_at", set.ExpiresAt).
		Msg("Access token refreshed")
	return nil
}
