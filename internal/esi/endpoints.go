// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package esi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Resource names used for cache partitioning and sync scheduling.
const (
	ResourceSkills       = "skills"
	ResourceSkillQueue   = "skill_queue"
	ResourceWallet       = "wallet"
	ResourceMarketPrices = "market_prices"
)

// CharacterSkills is the /characters/{id}/skills/ response.
type CharacterSkills struct {
	TotalSP int64 `json:"total_sp"`
	Skills  []struct {
		SkillID            int32 `json:"skill_id"`
		ActiveSkillLevel   int32 `json:"active_skill_level"`
		TrainedSkillLevel  int32 `json:"trained_skill_level"`
		SkillpointsInSkill int64 `json:"skillpoints_in_skill"`
	} `json:"skills"`
}

// SkillQueueEntry is one entry of /characters/{id}/skillqueue/.
type SkillQueueEntry struct {
	SkillID         int32      `json:"skill_id"`
	QueuePosition   int32      `json:"queue_position"`
	FinishedLevel   int32      `json:"finished_level"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	FinishDate      *time.Time `json:"finish_date,omitempty"`
	TrainingStartSP int64      `json:"training_start_sp"`
	LevelEndSP      int64      `json:"level_end_sp"`
}

// MarketPrice is one entry of /markets/prices/.
type MarketPrice struct {
	TypeID        int32   `json:"type_id"`
	AdjustedPrice float64 `json:"adjusted_price"`
	AveragePrice  float64 `json:"average_price"`
}

// ServerStatus is the /status/ response, used as the reachability probe.
type ServerStatus struct {
	Players       int       `json:"players"`
	ServerVersion string    `json:"server_version"`
	StartTime     time.Time `json:"start_time"`
}

// SkillsRaw fetches a character's trained skills as raw JSON, suitable for
// caching.
func (c *Client) SkillsRaw(ctx context.Context, characterID int64) ([]byte, error) {
	return c.Get(ctx, characterID, characterPath(characterID, "skills"), nil)
}

// SkillQueueRaw fetches a character's skill queue as raw JSON.
func (c *Client) SkillQueueRaw(ctx context.Context, characterID int64) ([]byte, error) {
	return c.Get(ctx, characterID, characterPath(characterID, "skillqueue"), nil)
}

// WalletBalanceRaw fetches a character's wallet balance as raw JSON. The
// response body is a bare number.
func (c *Client) WalletBalanceRaw(ctx context.Context, characterID int64) ([]byte, error) {
	return c.Get(ctx, characterID, characterPath(characterID, "wallet"), nil)
}

// MarketPricesRaw fetches the region-independent market price list. The
// endpoint is unauthenticated and shared across identities.
func (c *Client) MarketPricesRaw(ctx context.Context) ([]byte, error) {
	return c.Get(ctx, 0, "/markets/prices/", nil)
}

// Status fetches the server status. Unauthenticated and cheap; the health
// prober uses it as its reachability check.
func (c *Client) Status(ctx context.Context) (*ServerStatus, error) {
	body, err := c.Get(ctx, 0, "/status/", nil)
	if err != nil {
		return nil, err
	}
	var status ServerStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode server status: %w", err)
	}
	return &status, nil
}

// DecodeSkills parses a cached or live skills payload.
func DecodeSkills(payload []byte) (*CharacterSkills, error) {
	var skills CharacterSkills
	if err := json.Unmarshal(payload, &skills); err != nil {
		return nil, fmt.Errorf("decode skills: %w", err)
	}
	return &skills, nil
}

// DecodeSkillQueue parses a cached or live skill queue payload.
func DecodeSkillQueue(payload []byte) ([]SkillQueueEntry, error) {
	var queue []SkillQueueEntry
	if err := json.Unmarshal(payload, &queue); err != nil {
		return nil, fmt.Errorf("decode skill queue: %w", err)
	}
	return queue, nil
}

// DecodeWalletBalance parses a wallet balance payload.
func DecodeWalletBalance(payload []byte) (float64, error) {
	var balance float64
	if err := json.Unmarshal(payload, &balance); err != nil {
		return 0, fmt.Errorf("decode wallet balance: %w", err)
	}
	return balance, nil
}

// DecodeMarketPrices parses a market price list payload.
func DecodeMarketPrices(payload []byte) ([]MarketPrice, error) {
	var prices []MarketPrice
	if err := json.Unmarshal(payload, &prices); err != nil {
		return nil, fmt.Errorf("decode market prices: %w", err)
	}
	return prices, nil
}

func characterPath(characterID int64, suffix string) string {
	return "/characters/" + strconv.FormatInt(characterID, 10) + "/" + suffix + "/"
}

// metricEndpoint collapses character IDs out of paths so metric label
// cardinality stays bounded.
func metricEndpoint(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}
