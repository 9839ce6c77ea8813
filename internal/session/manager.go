// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package session owns the set of logged-in characters and which one is
// active. Identity membership survives restarts through a session file plus
// the encrypted credential store; the two are reconciled on startup with
// the credential store as the source of truth.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/astraldock/astraldock/internal/credstore"
	"github.com/astraldock/astraldock/internal/logging"
	"github.com/astraldock/astraldock/internal/sso"
)

const sessionFile = "session.json"

// ErrUnknownIdentity indicates the character is not part of the session.
var ErrUnknownIdentity = errors.New("session: unknown identity")

// Identity is one logged-in character.
type Identity struct {
	CharacterID   int64     `json:"character_id"`
	CharacterName string    `json:"character_name"`
	Scopes        []string  `json:"scopes"`
	AddedAt       time.Time `json:"added_at"`
}

// EventType describes a session membership change.
type EventType int

const (
	IdentityAdded EventType = iota
	IdentityRemoved
	ActiveSwitched
)

// Event notifies listeners of a session change.
type Event struct {
	Type        EventType
	CharacterID int64
}

// Listener receives session events. Called outside the manager lock.
type Listener func(Event)

// sessionState is the persisted shape of the session file.
type sessionState struct {
	ActiveCharacterID int64      `json:"active_character_id"`
	Identities        []Identity `json:"identities"`
}

// ssoFlow is the slice of the SSO client the manager drives.
type ssoFlow interface {
	GeneratePKCE() (*sso.PKCEChallenge, error)
	AuthorizeURL(*sso.PKCEChallenge) string
	WaitForCallback(ctx context.Context, expectedState string) (*sso.CallbackResult, error)
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*sso.TokenSet, error)
	Revoke(ctx context.Context, refreshToken string) error
}

// tokenAdopter is the slice of the token manager the manager drives.
type tokenAdopter interface {
	Adopt(*sso.TokenSet)
	Forget(characterID int64)
}

// cleaner releases per-identity state on removal.
type cleaner interface {
	Invalidate(characterID int64) error
}

// budgetCleaner drops per-identity rate-limit state on removal.
type budgetCleaner interface {
	Forget(characterID int64)
}

// Manager tracks session membership. Safe for concurrent use.
type Manager struct {
	sso    ssoFlow
	tokens tokenAdopter
	creds  *credstore.Store
	cache  cleaner
	limits budgetCleaner
	path   string

	mu         sync.Mutex
	active     int64
	identities map[int64]Identity
	listeners  []Listener
}

// NewManager creates a session manager persisting to dataDir.
func NewManager(ssoClient ssoFlow, tokens tokenAdopter, creds *credstore.Store, cache cleaner, limits budgetCleaner, dataDir string) *Manager {
	return &Manager{
		sso:        ssoClient,
		tokens:     tokens,
		creds:      creds,
		cache:      cache,
		limits:     limits,
		path:       filepath.Join(dataDir, sessionFile),
		identities: make(map[int64]Identity),
	}
}

// Restore loads the session file and reconciles it against the credential
// store. Credentials without a session entry are re-admitted; session
// entries without credentials are dropped. A corrupt session file starts
// the session empty rather than failing startup.
func (m *Manager) Restore(ctx context.Context) error {
	records, err := m.creds.List(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	known := make(map[int64]credstore.Record, len(records))
	for _, rec := range records {
		known[rec.CharacterID] = rec
	}

	var state sessionState
	data, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run.
	case err != nil:
		return fmt.Errorf("read session file: %w", err)
	default:
		if err := json.Unmarshal(data, &state); err != nil {
			logging.Warn().Err(err).Str("path", m.path).Msg("Session file corrupt, starting empty")
			state = sessionState{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range state.Identities {
		if _, ok := known[id.CharacterID]; !ok {
			logging.Warn().
				Int64("character_id", id.CharacterID).
				Msg("Dropping session identity without stored credentials")
			continue
		}
		m.identities[id.CharacterID] = id
		delete(known, id.CharacterID)
	}
	// Credentials the session file does not know about, e.g. after the
	// file was lost but the store survived.
	for _, rec := range known {
		m.identities[rec.CharacterID] = Identity{
			CharacterID:   rec.CharacterID,
			CharacterName: rec.CharacterName,
			Scopes:        rec.Scopes,
			AddedAt:       rec.LastRefreshedAt,
		}
	}

	if _, ok := m.identities[state.ActiveCharacterID]; ok {
		m.active = state.ActiveCharacterID
	} else {
		m.active = m.anyIdentityLocked()
	}
	return m.persistLocked()
}

// Login runs the full browser authorization flow and adds the resulting
// character to the session. openBrowser receives the authorization URL;
// the call blocks until the callback arrives or ctx expires.
func (m *Manager) Login(ctx context.Context, openBrowser func(url string) error) (*Identity, error) {
	pkce, err := m.sso.GeneratePKCE()
	if err != nil {
		return nil, fmt.Errorf("generate login challenge: %w", err)
	}

	callbackCh := make(chan *sso.CallbackResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, waitErr := m.sso.WaitForCallback(ctx, pkce.State)
		if waitErr != nil {
			errCh <- waitErr
			return
		}
		callbackCh <- result
	}()

	if err := openBrowser(m.sso.AuthorizeURL(pkce)); err != nil {
		return nil, fmt.Errorf("open login page: %w", err)
	}

	var callback *sso.CallbackResult
	select {
	case callback = <-callbackCh:
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	set, err := m.sso.ExchangeCode(ctx, callback.Code, pkce.CodeVerifier)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return m.AddIdentity(ctx, set)
}

// AddIdentity admits a character from a completed token exchange: persists
// credentials, seeds the token manager, and updates the session. The first
// identity becomes active automatically.
func (m *Manager) AddIdentity(ctx context.Context, set *sso.TokenSet) (*Identity, error) {
	record := credstore.Record{
		CharacterID:     set.CharacterID,
		CharacterName:   set.CharacterName,
		RefreshToken:    set.RefreshToken,
		Scopes:          set.Scopes,
		LastRefreshedAt: time.Now(),
	}
	if err := m.creds.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}
	m.tokens.Adopt(set)

	m.mu.Lock()
	identity := Identity{
		CharacterID:   set.CharacterID,
		CharacterName: set.CharacterName,
		Scopes:        set.Scopes,
		AddedAt:       time.Now(),
	}
	if existing, ok := m.identities[set.CharacterID]; ok {
		identity.AddedAt = existing.AddedAt
	}
	m.identities[set.CharacterID] = identity
	if m.active == 0 {
		m.active = set.CharacterID
	}
	err := m.persistLocked()
	notify := m.notifyLocked(Event{Type: IdentityAdded, CharacterID: set.CharacterID})
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	notify()

	logging.Info().
		Int64("character_id", identity.CharacterID).
		Str("character_name", identity.CharacterName).
		Msg("Character added to session")
	return &identity, nil
}

// Remove logs a character out: revokes the refresh token (best effort),
// deletes credentials, drops token and rate-limit state, and clears the
// cache partition.
// Removing the active character promotes another identity, if any.
func (m *Manager) Remove(ctx context.Context, characterID int64) error {
	m.mu.Lock()
	if _, ok := m.identities[characterID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: character %d", ErrUnknownIdentity, characterID)
	}
	m.mu.Unlock()

	if record, err := m.creds.Get(ctx, characterID); err == nil {
		if err := m.sso.Revoke(ctx, record.RefreshToken); err != nil {
			logging.Warn().Err(err).Int64("character_id", characterID).Msg("Token revocation failed")
		}
	}
	if err := m.creds.Delete(ctx, characterID); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	m.tokens.Forget(characterID)
	m.limits.Forget(characterID)
	if err := m.cache.Invalidate(characterID); err != nil {
		logging.Warn().Err(err).Int64("character_id", characterID).Msg("Cache invalidation failed")
	}

	m.mu.Lock()
	delete(m.identities, characterID)
	if m.active == characterID {
		m.active = m.anyIdentityLocked()
	}
	err := m.persistLocked()
	notify := m.notifyLocked(Event{Type: IdentityRemoved, CharacterID: characterID})
	m.mu.Unlock()

	if err != nil {
		return err
	}
	notify()

	logging.Info().Int64("character_id", characterID).Msg("Character removed from session")
	return nil
}

// SwitchActive changes the active character. Purely a pointer move; no
// remote traffic.
func (m *Manager) SwitchActive(characterID int64) error {
	m.mu.Lock()
	if _, ok := m.identities[characterID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: character %d", ErrUnknownIdentity, characterID)
	}
	m.active = characterID
	err := m.persistLocked()
	notify := m.notifyLocked(Event{Type: ActiveSwitched, CharacterID: characterID})
	m.mu.Unlock()

	if err != nil {
		return err
	}
	notify()
	return nil
}

// Active returns the active identity, if any.
func (m *Manager) Active() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[m.active]
	return id, ok
}

// Identities lists session members ordered by character name.
func (m *Manager) Identities() []Identity {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Identity, 0, len(m.identities))
	for _, id := range m.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CharacterName != out[j].CharacterName {
			return out[i].CharacterName < out[j].CharacterName
		}
		return out[i].CharacterID < out[j].CharacterID
	})
	return out
}

// Subscribe registers a session event listener.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// anyIdentityLocked picks a deterministic fallback active identity.
func (m *Manager) anyIdentityLocked() int64 {
	var lowest int64
	for id := range m.identities {
		if lowest == 0 || id < lowest {
			lowest = id
		}
	}
	return lowest
}

// persistLocked writes the session file atomically.
func (m *Manager) persistLocked() error {
	state := sessionState{ActiveCharacterID: m.active}
	for _, id := range m.identities {
		state.Identities = append(state.Identities, id)
	}
	sort.Slice(state.Identities, func(i, j int) bool {
		return state.Identities[i].CharacterID < state.Identities[j].CharacterID
	})

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func (m *Manager) notifyLocked(event Event) func() {
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	return func() {
		for _, l := range listeners {
			l(event)
		}
	}
}
