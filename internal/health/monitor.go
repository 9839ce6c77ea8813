// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package health tracks remote API health as a three-state machine fed by
// per-call outcome reports, plus a background prober that tests reachability
// while the remote is considered offline.
//
// States and their transitions:
//
//	Healthy  -> Degraded  failure ratio over the sliding window crosses the
//	                      configured threshold, or a run of remote-unavailable
//	                      outcomes
//	Degraded -> Healthy   a run of consecutive successes
//	Degraded -> Offline   the remote-unavailable run continues past the
//	                      threshold, or a probe reports the service down
//	Offline  -> Degraded  a successful probe
//
// There is no direct Offline -> Healthy edge: a recovering remote always
// passes through Degraded so traffic ramps up behind the success-run
// requirement instead of all at once.
package health

import (
	"sync"

	"github.com/astraldock/astraldock/internal/config"
	"github.com/astraldock/astraldock/internal/logging"
	"github.com/astraldock/astraldock/internal/metrics"
)

// State is the monitor's view of the remote API.
type State int

const (
	Healthy State = iota
	Degraded
	Offline
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Outcome classifies a completed remote call for health accounting.
type Outcome int

const (
	// Success is a completed call, including remote-side 4xx responses
	// that prove the remote is up and serving.
	Success Outcome = iota
	// TransientFailure is a timeout, connection error, or other failure
	// that does not by itself suggest the remote is down.
	TransientFailure
	// RemoteUnavailable is a 502/503/504 or connection refusal pointing at
	// remote-side outage.
	RemoteUnavailable
)

// Listener receives state transitions. Called outside the monitor lock, in
// subscription order.
type Listener func(from, to State)

// transition is one queued state change awaiting listener delivery.
type transition struct {
	from, to  State
	listeners []Listener
}

// Monitor is the health state machine. Safe for concurrent use.
type Monitor struct {
	cfg config.HealthConfig

	mu                sync.Mutex
	state             State
	window            []bool // true marks a failure
	windowIdx         int
	windowCount       int
	consecSuccesses   int
	consecUnavailable int
	listeners         []Listener
	pending           []transition
	delivering        bool
}

// NewMonitor creates a monitor in the Healthy state.
func NewMonitor(cfg config.HealthConfig) *Monitor {
	metrics.HealthState.Set(float64(Healthy))
	return &Monitor{
		cfg:    cfg,
		state:  Healthy,
		window: make([]bool, cfg.WindowSize),
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a transition listener.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Report feeds one call outcome into the state machine.
func (m *Monitor) Report(outcome Outcome) {
	m.mu.Lock()

	failure := outcome != Success
	m.window[m.windowIdx] = failure
	m.windowIdx = (m.windowIdx + 1) % len(m.window)
	if m.windowCount < len(m.window) {
		m.windowCount++
	}

	if outcome == RemoteUnavailable {
		m.consecUnavailable++
	} else {
		m.consecUnavailable = 0
	}
	if failure {
		m.consecSuccesses = 0
	} else {
		m.consecSuccesses++
	}

	from := m.state
	to := from

	switch m.state {
	case Healthy:
		// Offline is never entered from Healthy directly; a run of
		// unavailable outcomes first lands in Degraded and the run
		// continuing from there confirms the outage.
		if m.consecUnavailable >= m.cfg.OfflineThreshold {
			to = Degraded
		} else if m.windowCount == len(m.window) && m.failureRatio() >= m.cfg.FailureRatio {
			to = Degraded
		}
	case Degraded:
		if m.consecUnavailable >= m.cfg.OfflineThreshold {
			to = Offline
		} else if m.consecSuccesses >= m.cfg.RecoverySuccesses {
			to = Healthy
			m.resetWindow()
		}
	case Offline:
		// Outcome reports while offline come from in-flight calls that
		// started before the transition; probing owns the exit path.
	}

	notify := m.transitionLocked(from, to)
	m.mu.Unlock()
	notify()
}

// ProbeResult feeds a reachability probe into the state machine. A probe
// succeeding while Offline re-admits traffic at Degraded; a probe failing
// while Degraded confirms the outage.
func (m *Monitor) ProbeResult(up bool) {
	m.mu.Lock()

	from := m.state
	to := from

	switch {
	case m.state == Offline && up:
		to = Degraded
		m.resetWindow()
		m.consecUnavailable = 0
	case m.state == Degraded && !up:
		to = Offline
	}

	notify := m.transitionLocked(from, to)
	m.mu.Unlock()
	notify()
}

// failureRatio is computed over the full window. Callers hold the lock.
func (m *Monitor) failureRatio() float64 {
	failures := 0
	for _, f := range m.window {
		if f {
			failures++
		}
	}
	return float64(failures) / float64(len(m.window))
}

func (m *Monitor) resetWindow() {
	for i := range m.window {
		m.window[i] = false
	}
	m.windowIdx = 0
	m.windowCount = 0
	m.consecSuccesses = 0
}

// transitionLocked applies a state change, queues its listener delivery,
// and returns the drain to run after the lock is released. Queueing under
// the lock keeps delivery in transition order even when transitions race;
// only one caller drains at a time, so a transition made from inside a
// listener is delivered after the current one instead of nested inside it.
func (m *Monitor) transitionLocked(from, to State) func() {
	if from == to {
		return func() {}
	}

	m.state = to
	m.consecSuccesses = 0
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)

	metrics.HealthState.Set(float64(to))
	metrics.HealthTransitions.WithLabelValues(from.String(), to.String()).Inc()

	m.pending = append(m.pending, transition{from: from, to: to, listeners: listeners})
	if m.delivering {
		return func() {}
	}
	m.delivering = true
	return m.drain
}

func (m *Monitor) drain() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.delivering = false
			m.mu.Unlock()
			return
		}
		t := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		logging.Info().
			Str("from", t.from.String()).
			Str("to", t.to.String()).
			Msg("API health state changed")
		for _, l := range t.listeners {
			l(t.from, t.to)
		}
	}
}
