// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package credstore persists OAuth2 credentials per character, with the
// refresh token encrypted at rest. It is pure storage: no network calls,
// no token refresh logic.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/astraldock/astraldock/internal/config"
	"github.com/astraldock/astraldock/internal/logging"
)

const credentialKeyPrefix = "credential:"

var (
	// ErrNotFound is returned when no credential record exists for a character.
	ErrNotFound = errors.New("credential record not found")

	// ErrCorruptRecord is returned when a stored record cannot be decoded
	// or its refresh token cannot be decrypted.
	ErrCorruptRecord = errors.New("credential record corrupt")
)

// Record is one character's persisted credential state. The refresh token
// is encrypted before marshaling; the raw access token is never persisted.
type Record struct {
	CharacterID     int64     `json:"character_id"`
	CharacterName   string    `json:"character_name"`
	RefreshToken    string    `json:"refresh_token"` // ciphertext on disk
	Scopes          []string  `json:"scopes"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
}

// Store is a badger-backed credential store. Writes to the same character
// are serialized by badger's transaction model; distinct characters do not
// contend.
type Store struct {
	db        *badger.DB
	encryptor *config.CredentialEncryptor
}

// New creates a credential store over the shared badger handle.
func New(db *badger.DB, encryptor *config.CredentialEncryptor) *Store {
	return &Store{db: db, encryptor: encryptor}
}

func credentialKey(characterID int64) []byte {
	return []byte(credentialKeyPrefix + strconv.FormatInt(characterID, 10))
}

// Put stores (or replaces) a character's credential record. The refresh
// token in rec is plaintext; it is encrypted before it touches disk. The
// write is atomic: a crash mid-Put leaves either the old or the new record,
// never a mix.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if rec.RefreshToken == "" {
		return fmt.Errorf("refresh token is required for character %d", rec.CharacterID)
	}

	ciphertext, err := s.encryptor.Encrypt(rec.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	stored := rec
	stored.RefreshToken = ciphertext

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal credential record: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(credentialKey(rec.CharacterID), data)
	})
}

// Get retrieves a character's credential record with the refresh token
// decrypted.
func (s *Store) Get(ctx context.Context, characterID int64) (*Record, error) {
	var rec Record

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(credentialKey(characterID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get credential record: %w", err)
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("%w: %s", ErrCorruptRecord, err.Error())
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	plaintext, err := s.encryptor.Decrypt(rec.RefreshToken)
	if err != nil {
		logging.Error().Err(err).Int64("character_id", characterID).Msg("refresh token decryption failed")
		return nil, fmt.Errorf("%w: %s", ErrCorruptRecord, err.Error())
	}
	rec.RefreshToken = plaintext

	return &rec, nil
}

// Delete removes a character's credential record. Deleting a missing record
// is not an error.
func (s *Store) Delete(ctx context.Context, characterID int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(credentialKey(characterID))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete credential record: %w", err)
		}
		return nil
	})
}

// List returns all stored credential records with decrypted refresh tokens.
// Records that fail to decode or decrypt are skipped and logged, never
// fatal: one corrupt record must not strand the remaining identities.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var records []Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(credentialKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("skipping undecodable credential record")
				continue
			}

			plaintext, err := s.encryptor.Decrypt(rec.RefreshToken)
			if err != nil {
				logging.Warn().Err(err).Int64("character_id", rec.CharacterID).Msg("skipping undecryptable credential record")
				continue
			}
			rec.RefreshToken = plaintext
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list credential records: %w", err)
	}

	return records, nil
}
