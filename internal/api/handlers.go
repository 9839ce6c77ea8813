// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/astraldock/astraldock/internal/esi"
	"github.com/astraldock/astraldock/internal/logging"
	"github.com/astraldock/astraldock/internal/offline"
	"github.com/astraldock/astraldock/internal/session"
)

// dataEnvelope wraps every resource response with its provenance so the UI
// can flag possibly-outdated values.
type dataEnvelope struct {
	Data      json.RawMessage `json:"data"`
	Stale     bool            `json:"stale"`
	FromCache bool            `json:"from_cache"`
	FetchedAt time.Time       `json:"fetched_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("Response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"api_health": s.monitor.State().String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type budget struct {
		CharacterID int64     `json:"character_id"`
		Remain      int       `json:"remain"`
		ResetAt     time.Time `json:"reset_at"`
	}
	resp := struct {
		Health  string   `json:"health"`
		Offline bool     `json:"offline"`
		Budgets []budget `json:"budgets"`
	}{
		Health:  s.monitor.State().String(),
		Offline: s.coord.Offline(),
	}
	for _, id := range s.session.Identities() {
		remain, resetAt := s.limits.Snapshot(id.CharacterID)
		resp.Budgets = append(resp.Budgets, budget{
			CharacterID: id.CharacterID,
			Remain:      remain,
			ResetAt:     resetAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		ActiveCharacterID int64              `json:"active_character_id"`
		Identities        []session.Identity `json:"identities"`
	}{
		Identities: s.session.Identities(),
	}
	if active, ok := s.session.Active(); ok {
		resp.ActiveCharacterID = active.CharacterID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSwitchActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CharacterID int64 `json:"character_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.session.SwitchActive(body.CharacterID); err != nil {
		if errors.Is(err, session.ErrUnknownIdentity) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.handleSession(w, r)
}

func (s *Server) handleRemoveCharacter(w http.ResponseWriter, r *http.Request) {
	characterID, ok := pathCharacterID(w, r)
	if !ok {
		return
	}
	if err := s.session.Remove(r.Context(), characterID); err != nil {
		if errors.Is(err, session.ErrUnknownIdentity) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	s.serveResource(w, r, esi.ResourceSkills, "all")
}

func (s *Server) handleSkillQueue(w http.ResponseWriter, r *http.Request) {
	s.serveResource(w, r, esi.ResourceSkillQueue, "all")
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	s.serveResource(w, r, esi.ResourceWallet, "balance")
}

// serveResource reads a character resource from the cache. The UI never
// triggers live fetches itself: background sync owns the network, so a miss
// here means the data simply is not there yet.
func (s *Server) serveResource(w http.ResponseWriter, r *http.Request, resource, key string) {
	characterID, ok := pathCharacterID(w, r)
	if !ok {
		return
	}

	result, err := s.coord.Fetch(r.Context(), offline.Request{
		CharacterID: characterID,
		Resource:    resource,
		Key:         key,
		TTL:         s.ttls.TTLFor(resource),
		Fetch: func(context.Context) ([]byte, error) {
			return nil, errNotSynced
		},
	})
	if err != nil {
		if errors.Is(err, offline.ErrNoData) || errors.Is(err, errNotSynced) {
			writeError(w, http.StatusNotFound, "no data available yet for this character")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, dataEnvelope{
		Data:      json.RawMessage(result.Payload),
		Stale:     result.Stale,
		FromCache: result.FromCache,
		FetchedAt: result.FetchedAt,
	})
}

func (s *Server) handleMarketPrices(w http.ResponseWriter, r *http.Request) {
	result, err := s.coord.Fetch(r.Context(), offline.Request{
		Resource: esi.ResourceMarketPrices,
		Key:      "all",
		TTL:      s.ttls.TTLFor(esi.ResourceMarketPrices),
		Fetch: func(context.Context) ([]byte, error) {
			return nil, errNotSynced
		},
	})
	if err != nil {
		if errors.Is(err, offline.ErrNoData) || errors.Is(err, errNotSynced) {
			writeError(w, http.StatusNotFound, "market prices not synced yet")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dataEnvelope{
		Data:      json.RawMessage(result.Payload),
		Stale:     result.Stale,
		FromCache: result.FromCache,
		FetchedAt: result.FetchedAt,
	})
}

var errNotSynced = errors.New("resource not synced yet")

func pathCharacterID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	characterID, err := strconv.ParseInt(chi.URLParam(r, "characterID"), 10, 64)
	if err != nil || characterID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid character id")
		return 0, false
	}
	return characterID, true
}
