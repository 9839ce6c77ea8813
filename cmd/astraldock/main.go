// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package main is the entry point for the Astraldock companion service.
//
// Astraldock keeps EVE Online character data (skills, skill queue, wallet,
// market prices) cached locally for a desktop UI, talking to the ESI API
// through a resilience layer: error-budget rate limiting, circuit breaking,
// health tracking with an offline mode, and per-character OAuth2 token
// management.
//
// The service initializes in the following order:
//
//  1. Configuration: Koanf v2 layering defaults, config file, environment
//  2. Durable store: BadgerDB holding credentials and the response cache
//  3. Resilience stack: rate limiter, health monitor, circuit breaker
//  4. Session: restore logged-in characters from disk
//  5. Supervisor tree: background sync, reachability prober, local API
//
// Run with -login to add a character through the browser before the
// services start.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/astraldock/astraldock/internal/api"
	"github.com/astraldock/astraldock/internal/cache"
	"github.com/astraldock/astraldock/internal/config"
	"github.com/astraldock/astraldock/internal/credstore"
	"github.com/astraldock/astraldock/internal/esi"
	"github.com/astraldock/astraldock/internal/health"
	"github.com/astraldock/astraldock/internal/logging"
	"github.com/astraldock/astraldock/internal/offline"
	"github.com/astraldock/astraldock/internal/ratelimit"
	"github.com/astraldock/astraldock/internal/session"
	"github.com/astraldock/astraldock/internal/sso"
	"github.com/astraldock/astraldock/internal/store"
	"github.com/astraldock/astraldock/internal/supervisor"
	"github.com/astraldock/astraldock/internal/syncer"
	"github.com/astraldock/astraldock/internal/token"
)

var version = "dev"

func main() {
	loginFlag := flag.Bool("login", false, "add a character via browser login before starting")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println("astraldock", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("version", version).Msg("Starting Astraldock")

	secret, err := config.AppSecret()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to obtain credential encryption secret")
	}
	encryptor, err := config.NewCredentialEncryptor(secret)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize credential encryption")
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		logging.Fatal().Err(err).Str("data_dir", cfg.DataDir).Msg("Failed to open durable store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing durable store")
		}
	}()

	creds := credstore.New(db, encryptor)
	ssoClient := sso.NewClient(cfg.SSO)
	tokens := token.NewManager(ssoClient, creds, cfg.SSO)
	limits := ratelimit.NewLimiter(cfg.RateLimit)
	monitor := health.NewMonitor(cfg.Health)
	client := esi.NewClient(cfg.ESI, tokens, limits, monitor)
	breaker := esi.NewBreaker(client)
	twoTier := cache.New(db, cfg.Cache.MemoryCapacity)
	coord := offline.NewCoordinator(twoTier, monitor, tokens)
	sess := session.NewManager(ssoClient, tokens, creds, coord, limits, cfg.DataDir)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sess.Restore(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to restore session")
	}
	logging.Info().Int("characters", len(sess.Identities())).Msg("Session restored")

	if *loginFlag {
		identity, err := sess.Login(ctx, openBrowser)
		if err != nil {
			logging.Fatal().Err(err).Msg("Login failed")
		}
		logging.Info().
			Int64("character_id", identity.CharacterID).
			Str("character_name", identity.CharacterName).
			Msg("Character logged in")
	}

	sync := syncer.New(coord, breaker, monitor, sess, cfg.Cache, cfg.Sync)
	prober := health.NewProber(monitor, cfg.Health.ProbeInterval, func(ctx context.Context) error {
		_, err := client.Status(ctx)
		return err
	})

	tree := supervisor.NewTree("astraldock")
	tree.Add(sync.Supervisor())
	tree.Add(prober)
	tree.Add(store.NewGC(db, 5*time.Minute))
	if cfg.API.Enabled {
		tree.Add(api.NewServer(cfg.API, sess, coord, monitor, limits, cfg.Cache))
	}

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("Supervisor tree exited")
	}
	logging.Info().Msg("Shutdown complete")
}

// openBrowser launches the system browser at the login URL. Falls back to
// printing the URL when no launcher is available.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Open this URL to log in:\n%s\n", url)
	}
	return nil
}
