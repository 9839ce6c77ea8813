// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/astraldock/astraldock/internal/cache"
	"github.com/astraldock/astraldock/internal/config"
	"github.com/astraldock/astraldock/internal/credstore"
	"github.com/astraldock/astraldock/internal/health"
	"github.com/astraldock/astraldock/internal/offline"
	"github.com/astraldock/astraldock/internal/ratelimit"
	"github.com/astraldock/astraldock/internal/session"
	"github.com/astraldock/astraldock/internal/sso"
	"github.com/astraldock/astraldock/internal/store"
)

type fakeESI struct {
	mu    sync.Mutex
	calls map[string]int
}

func newFakeESI() *fakeESI {
	return &fakeESI{calls: make(map[string]int)}
}

func (f *fakeESI) record(resource string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[resource]++
}

func (f *fakeESI) count(resource string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[resource]
}

func (f *fakeESI) SkillsRaw(context.Context, int64) ([]byte, error) {
	f.record("skills")
	return []byte(`{"total_sp":1}`), nil
}

func (f *fakeESI) SkillQueueRaw(context.Context, int64) ([]byte, error) {
	f.record("skill_queue")
	return []byte(`[]`), nil
}

func (f *fakeESI) WalletBalanceRaw(context.Context, int64) ([]byte, error) {
	f.record("wallet")
	return []byte(`42.0`), nil
}

func (f *fakeESI) MarketPricesRaw(context.Context) ([]byte, error) {
	f.record("market_prices")
	return []byte(`[]`), nil
}

type noopFlow struct{}

func (noopFlow) GeneratePKCE() (*sso.PKCEChallenge, error) { return &sso.PKCEChallenge{}, nil }
func (noopFlow) AuthorizeURL(*sso.PKCEChallenge) string    { return "" }
func (noopFlow) WaitForCallback(context.Context, string) (*sso.CallbackResult, error) {
	return &sso.CallbackResult{}, nil
}
func (noopFlow) ExchangeCode(context.Context, string, string) (*sso.TokenSet, error) {
	return &sso.TokenSet{}, nil
}
func (noopFlow) Revoke(context.Context, string) error { return nil }

type noopAdopter struct{}

func (noopAdopter) Adopt(*sso.TokenSet) {}
func (noopAdopter) Forget(int64)        {}

type testRig struct {
	syncer  *Syncer
	esi     *fakeESI
	cache   *cache.TwoTier
	monitor *health.Monitor
	session *session.Manager
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	encryptor, err := config.NewCredentialEncryptor("syncer-test-secret")
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	creds := credstore.New(db, encryptor)

	twoTier := cache.New(db, 32)
	monitor := health.NewMonitor(config.HealthConfig{
		WindowSize:        20,
		FailureRatio:      0.5,
		RecoverySuccesses: 5,
		OfflineThreshold:  3,
		ProbeInterval:     time.Minute,
	})
	coord := offline.NewCoordinator(twoTier, monitor, suppressorFunc(func(bool) {}))
	limits := ratelimit.NewLimiter(config.RateLimitConfig{
		DefaultBudget:  100,
		LowWaterMark:   10,
		SmoothingRPS:   1000,
		SmoothingBurst: 100,
	})
	sess := session.NewManager(noopFlow{}, noopAdopter{}, creds, coord, limits, t.TempDir())

	client := newFakeESI()
	s := New(coord, client, monitor, sess, config.CacheConfig{
		MemoryCapacity: 32,
		DefaultTTL:     time.Hour,
	}, config.SyncConfig{
		Interval:      time.Hour,
		MaxConcurrent: 2,
	})
	return &testRig{syncer: s, esi: client, cache: twoTier, monitor: monitor, session: sess}
}

type suppressorFunc func(bool)

func (f suppressorFunc) SuppressProactive(v bool) { f(v) }

func addCharacter(t *testing.T, rig *testRig, characterID int64, name string) {
	t.Helper()
	_, err := rig.session.AddIdentity(context.Background(), &sso.TokenSet{
		AccessToken:   "a",
		RefreshToken:  "r",
		ExpiresAt:     time.Now().Add(time.Hour),
		CharacterID:   characterID,
		CharacterName: name,
	})
	if err != nil {
		t.Fatalf("AddIdentity: %v", err)
	}
}

func TestWorkerSyncsAllResources(t *testing.T) {
	rig := newRig(t)
	addCharacter(t, rig, 1001, "Kira")

	worker := &characterWorker{syncer: rig.syncer, characterID: 1001}
	worker.syncAll(context.Background())

	for resource, key := range map[string]string{
		"skills":      "all",
		"skill_queue": "all",
		"wallet":      "balance",
	} {
		if got := rig.esi.count(resource); got != 1 {
			t.Errorf("%s fetches = %d, want 1", resource, got)
		}
		if _, _, err := rig.cache.Get(cache.Key(1001, resource, key)); err != nil {
			t.Errorf("%s not cached: %v", resource, err)
		}
	}

	// A second pass inside the freshness window is a no-op.
	worker.syncAll(context.Background())
	if got := rig.esi.count("skills"); got != 1 {
		t.Errorf("skills fetches after warm pass = %d, want 1", got)
	}
}

func TestDegradedSyncsOnlyActiveCharacter(t *testing.T) {
	rig := newRig(t)
	addCharacter(t, rig, 1001, "Kira")
	addCharacter(t, rig, 1002, "Aron")

	for i := 0; i < 20; i++ {
		rig.monitor.Report(health.TransientFailure)
	}
	if rig.monitor.State() != health.Degraded {
		t.Fatalf("precondition: state = %v", rig.monitor.State())
	}

	if !rig.syncer.shouldSync(1001) {
		t.Error("active character must keep syncing while degraded")
	}
	if rig.syncer.shouldSync(1002) {
		t.Error("inactive characters must not sync while degraded")
	}
}

func TestOfflineSyncsNothing(t *testing.T) {
	rig := newRig(t)
	addCharacter(t, rig, 1001, "Kira")

	for i := 0; i < 4; i++ {
		rig.monitor.Report(health.RemoteUnavailable)
	}

	worker := &characterWorker{syncer: rig.syncer, characterID: 1001}
	worker.syncAll(context.Background())
	if got := rig.esi.count("skills"); got != 0 {
		t.Errorf("fetches while offline = %d, want 0", got)
	}
}

func TestWorkersFollowSessionMembership(t *testing.T) {
	rig := newRig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.syncer.Supervisor().ServeBackground(ctx)

	addCharacter(t, rig, 1001, "Kira")
	rig.syncer.mu.Lock()
	_, running := rig.syncer.workers[1001]
	rig.syncer.mu.Unlock()
	if !running {
		t.Fatal("worker not registered after identity added")
	}

	if err := rig.session.Remove(context.Background(), 1001); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	rig.syncer.mu.Lock()
	_, running = rig.syncer.workers[1001]
	rig.syncer.mu.Unlock()
	if running {
		t.Fatal("worker still registered after identity removed")
	}
}

func TestMarketWorkerRunsOnlyWhileHealthy(t *testing.T) {
	rig := newRig(t)
	worker := &marketWorker{syncer: rig.syncer}

	worker.syncOnce(context.Background())
	if got := rig.esi.count("market_prices"); got != 1 {
		t.Fatalf("market fetches = %d, want 1", got)
	}

	for i := 0; i < 20; i++ {
		rig.monitor.Report(health.TransientFailure)
	}
	worker.syncOnce(context.Background())
	if got := rig.esi.count("market_prices"); got != 1 {
		t.Errorf("market fetches while degraded = %d, want unchanged", got)
	}
}
