// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package health

import (
	"context"
	"time"

	"github.com/astraldock/astraldock/internal/logging"
)

// ProbeFunc tests remote reachability with one cheap unauthenticated call.
// A nil error means the remote answered.
type ProbeFunc func(ctx context.Context) error

// Prober periodically probes the remote while the monitor reports Offline.
// It runs as a supervised service; while the monitor is Healthy or Degraded
// the ticker fires but no traffic is generated.
type Prober struct {
	monitor  *Monitor
	probe    ProbeFunc
	interval time.Duration
}

// NewProber creates a prober around the given monitor.
func NewProber(monitor *Monitor, interval time.Duration, probe ProbeFunc) *Prober {
	return &Prober{
		monitor:  monitor,
		probe:    probe,
		interval: interval,
	}
}

// Serve implements suture.Service.
func (p *Prober) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context) {
	if p.monitor.State() != Offline {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := p.probe(probeCtx)
	if err != nil {
		logging.Debug().Err(err).Msg("Reachability probe failed")
	}
	p.monitor.ProbeResult(err == nil)
}

// String implements fmt.Stringer for supervisor logs.
func (p *Prober) String() string {
	return "health-prober"
}
