// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package supervisor assembles the application's suture tree. Services that
// crash are restarted with backoff; supervisor events flow into the
// structured log through the slog bridge.
package supervisor

import (
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/astraldock/astraldock/internal/logging"
)

// NewTree creates the root supervisor.
func NewTree(name string) *suture.Supervisor {
	hook := (&sutureslog.Handler{
		Logger: logging.NewSlogLogger(),
	}).MustHook()

	return suture.New(name, suture.Spec{
		EventHook:        hook,
		FailureDecay:     30,
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
}
