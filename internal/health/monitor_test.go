// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/astraldock/astraldock/internal/config"
)

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		WindowSize:        20,
		FailureRatio:      0.5,
		RecoverySuccesses: 5,
		OfflineThreshold:  3,
		ProbeInterval:     30 * time.Second,
	}
}

func TestDegradesExactlyAtThreshold(t *testing.T) {
	m := NewMonitor(testConfig())

	for i := 0; i < 10; i++ {
		m.Report(Success)
	}
	// Nine failures leave the ratio just under 0.5.
	for i := 0; i < 9; i++ {
		m.Report(TransientFailure)
		if got := m.State(); got != Healthy {
			t.Fatalf("state after failure %d = %v, want Healthy", i+1, got)
		}
	}

	m.Report(TransientFailure)
	if got := m.State(); got != Degraded {
		t.Fatalf("state after 10th failure = %v, want Degraded", got)
	}
}

func TestPartialWindowDoesNotDegrade(t *testing.T) {
	m := NewMonitor(testConfig())

	for i := 0; i < 19; i++ {
		m.Report(TransientFailure)
		if m.consecUnavailable != 0 {
			t.Fatal("transient failures must not count toward the offline threshold")
		}
	}
	if got := m.State(); got != Healthy {
		t.Fatalf("state on partial window = %v, want Healthy", got)
	}
}

func TestRecoveryRequiresSuccessRun(t *testing.T) {
	m := NewMonitor(testConfig())
	for i := 0; i < 20; i++ {
		m.Report(TransientFailure)
	}
	if m.State() != Degraded {
		t.Fatalf("precondition: state = %v, want Degraded", m.State())
	}

	// A failure in the middle restarts the run.
	m.Report(Success)
	m.Report(Success)
	m.Report(TransientFailure)
	for i := 0; i < 4; i++ {
		m.Report(Success)
		if m.State() != Degraded {
			t.Fatalf("state recovered after only %d consecutive successes", i+1)
		}
	}
	m.Report(Success)
	if got := m.State(); got != Healthy {
		t.Fatalf("state after 5 consecutive successes = %v, want Healthy", got)
	}
}

func TestConsecutiveUnavailableGoesOfflineViaDegraded(t *testing.T) {
	m := NewMonitor(testConfig())

	m.Report(RemoteUnavailable)
	m.Report(RemoteUnavailable)
	if got := m.State(); got != Healthy {
		t.Fatalf("state before the unavailable threshold = %v, want Healthy", got)
	}

	// The third unavailable crosses the threshold, but from Healthy it
	// lands in Degraded first.
	m.Report(RemoteUnavailable)
	if got := m.State(); got != Degraded {
		t.Fatalf("state at the unavailable threshold = %v, want Degraded", got)
	}

	// The run continuing from Degraded confirms the outage.
	m.Report(RemoteUnavailable)
	if got := m.State(); got != Offline {
		t.Fatalf("state after continued unavailable run = %v, want Offline", got)
	}
}

func TestUnavailableRunBrokenBySuccess(t *testing.T) {
	m := NewMonitor(testConfig())

	m.Report(RemoteUnavailable)
	m.Report(RemoteUnavailable)
	m.Report(Success)
	m.Report(RemoteUnavailable)
	m.Report(RemoteUnavailable)
	if m.State() == Offline {
		t.Fatal("interrupted unavailable run must not trigger Offline")
	}
}

func TestNoDirectOfflineToHealthy(t *testing.T) {
	m := NewMonitor(testConfig())
	for i := 0; i < 4; i++ {
		m.Report(RemoteUnavailable)
	}
	if m.State() != Offline {
		t.Fatalf("precondition: state = %v, want Offline", m.State())
	}

	m.ProbeResult(true)
	if got := m.State(); got != Degraded {
		t.Fatalf("state after successful probe = %v, want Degraded", got)
	}

	// Full recovery still requires the success run.
	for i := 0; i < 5; i++ {
		m.Report(Success)
	}
	if got := m.State(); got != Healthy {
		t.Fatalf("state after recovery run = %v, want Healthy", got)
	}
}

func TestProbeFailureWhileDegraded(t *testing.T) {
	m := NewMonitor(testConfig())
	for i := 0; i < 20; i++ {
		m.Report(TransientFailure)
	}

	m.ProbeResult(false)
	if got := m.State(); got != Offline {
		t.Fatalf("state after failed probe while degraded = %v, want Offline", got)
	}
}

func TestListenersObserveTransitions(t *testing.T) {
	m := NewMonitor(testConfig())

	var mu sync.Mutex
	var transitions []string
	m.Subscribe(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	for i := 0; i < 4; i++ {
		m.Report(RemoteUnavailable)
	}
	m.ProbeResult(true)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"healthy->degraded", "degraded->offline", "offline->degraded"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestDeliveryOrderSurvivesReentrantTransition(t *testing.T) {
	m := NewMonitor(testConfig())

	// A listener that reacts to going offline by feeding a successful
	// probe back in. The resulting transition must be delivered after the
	// one being handled, never nested inside it.
	var transitions []string
	m.Subscribe(func(from, to State) {
		if from == Degraded && to == Offline {
			m.ProbeResult(true)
		}
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	for i := 0; i < 4; i++ {
		m.Report(RemoteUnavailable)
	}

	want := []string{"healthy->degraded", "degraded->offline", "offline->degraded"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestProberOnlyProbesWhileOffline(t *testing.T) {
	m := NewMonitor(testConfig())

	var mu sync.Mutex
	probes := 0
	p := NewProber(m, 5*time.Millisecond, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		probes++
		return errors.New("still down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Serve(ctx)
	}()

	// Healthy: the ticker fires but no probes go out.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	healthyProbes := probes
	mu.Unlock()
	if healthyProbes != 0 {
		t.Errorf("probes while healthy = %d, want 0", healthyProbes)
	}

	for i := 0; i < 4; i++ {
		m.Report(RemoteUnavailable)
	}
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	offlineProbes := probes
	mu.Unlock()
	if offlineProbes == 0 {
		t.Error("expected probes while offline")
	}

	cancel()
	<-done
}
