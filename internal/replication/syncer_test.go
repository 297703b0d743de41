package replication

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cofrinho/internal/core"
	"cofrinho/internal/store"
	"cofrinho/internal/store/memory"
)

func testConfig() Config {
	return Config{
		MaxRetries:   2,
		RetryBackoff: 5 * time.Millisecond,
		PushTimeout:  time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startedSyncer(t *testing.T) (*Syncer, *memory.Store, *memory.Store) {
	t.Helper()
	local := memory.New()
	remote := memory.New()
	s := NewSyncer(local, remote, testConfig())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(stopCtx)
	})
	s.EstablishSession(ctx, Session{FamilyID: "fam", Token: "anon"})
	return s, local, remote
}

func doc(updatedAt int64, marker string) *core.Period {
	return &core.Period{
		Expenses: []core.Transaction{{
			ID:          marker,
			Description: marker,
			Amount:      decimal.NewFromInt(1),
			Category:    core.CategoryOther,
		}},
		UpdatedAt: updatedAt,
	}
}

func TestSaveIsSynchronousLocallyAndEventuallyRemote(t *testing.T) {
	s, local, remote := startedSyncer(t)
	ctx := context.Background()
	m := core.NewMonth(2026, 1)

	p := doc(0, "e1")
	if err := s.Save(ctx, m, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if p.UpdatedAt == 0 {
		t.Fatal("Save must stamp UpdatedAt")
	}

	// Local is visible immediately.
	got, err := local.Get(ctx, m)
	if err != nil {
		t.Fatalf("local read after Save: %v", err)
	}
	if got.UpdatedAt != p.UpdatedAt {
		t.Errorf("local UpdatedAt = %d, want %d", got.UpdatedAt, p.UpdatedAt)
	}

	waitFor(t, "remote convergence", func() bool {
		r, err := remote.Get(ctx, m)
		return err == nil && r.UpdatedAt == p.UpdatedAt
	})
	waitFor(t, "online status", func() bool { return s.Status() == StatusOnline })
}

func TestSaveStampsStrictlyIncreasingTimestamps(t *testing.T) {
	s, _, _ := startedSyncer(t)
	ctx := context.Background()
	m := core.NewMonth(2026, 1)

	p := doc(0, "e1")
	if err := s.Save(ctx, m, p); err != nil {
		t.Fatal(err)
	}
	first := p.UpdatedAt

	// Even with a frozen wall clock the stamp must advance.
	p.UpdatedAt = time.Now().Add(time.Hour).UnixMilli()
	high := p.UpdatedAt
	if err := s.Save(ctx, m, p); err != nil {
		t.Fatal(err)
	}
	if p.UpdatedAt <= first {
		t.Errorf("second stamp %d not after first %d", p.UpdatedAt, first)
	}
	if p.UpdatedAt != high+1 {
		t.Errorf("stamp = %d, want previous+1 = %d when clock lags", p.UpdatedAt, high+1)
	}
}

func TestReconcileAdoptsNewerRemote(t *testing.T) {
	s, local, remote := startedSyncer(t)
	ctx := context.Background()
	m := core.NewMonth(2026, 1)

	local.Put(ctx, m, doc(100, "local"))

	var applied atomic.Int64
	s.OnApply = func(_ core.Month, p *core.Period) { applied.Store(p.UpdatedAt) }

	s.Activate(ctx, m)
	remote.Inject(m, doc(200, "remote"))

	waitFor(t, "remote adoption", func() bool {
		got, err := local.Get(ctx, m)
		return err == nil && got.UpdatedAt == 200
	})
	got, _ := local.Get(ctx, m)
	if got.Expenses[0].ID != "remote" {
		t.Errorf("adopted value = %q, want remote document", got.Expenses[0].ID)
	}
	waitFor(t, "OnApply refresh", func() bool { return applied.Load() == 200 })
}

func TestReconcileAdoptsWhenNoLocalCopyExists(t *testing.T) {
	s, local, remote := startedSyncer(t)
	ctx := context.Background()
	m := core.NewMonth(2026, 3)

	s.Activate(ctx, m)
	remote.Inject(m, doc(50, "remote"))

	waitFor(t, "remote adoption into empty cache", func() bool {
		got, err := local.Get(ctx, m)
		return err == nil && got.UpdatedAt == 50
	})
}

func TestReconcileRepairsStaleRemote(t *testing.T) {
	s, local, remote := startedSyncer(t)
	ctx := context.Background()
	m := core.NewMonth(2026, 1)

	local.Put(ctx, m, doc(300, "local"))
	s.Activate(ctx, m)
	remote.Inject(m, doc(200, "stale"))

	// Local must win and the winning value must be written back to the
	// remote replica.
	waitFor(t, "remote repair", func() bool {
		r, err := remote.Get(ctx, m)
		return err == nil && r.UpdatedAt == 300 && r.Expenses[0].ID == "local"
	})
	got, _ := local.Get(ctx, m)
	if got.UpdatedAt != 300 || got.Expenses[0].ID != "local" {
		t.Errorf("local overwritten by stale remote: %+v", got)
	}
}

func TestReconcileOutlivesActivatingContext(t *testing.T) {
	s, local, remote := startedSyncer(t)
	ctx := context.Background()
	m := core.NewMonth(2026, 1)

	local.Put(ctx, m, doc(100, "local"))

	// Activation typically happens on a request context that is cancelled
	// as soon as the request ends; notifications arriving afterwards must
	// still be reconciled into the local cache.
	reqCtx, cancel := context.WithCancel(context.Background())
	s.Activate(reqCtx, m)
	cancel()

	remote.Inject(m, doc(200, "remote"))

	waitFor(t, "adoption after the activating context ended", func() bool {
		got, err := local.Get(ctx, m)
		return err == nil && got.UpdatedAt == 200 && got.Expenses[0].ID == "remote"
	})
}

func TestTransientLocalReadErrorKeepsLocal(t *testing.T) {
	s, local, remote := startedSyncer(t)
	ctx := context.Background()
	m := core.NewMonth(2026, 1)

	local.Put(ctx, m, doc(300, "local"))
	s.Activate(ctx, m)

	// A locked or briefly unavailable local store says nothing about which
	// replica is newer; the incoming document must not be adopted blind.
	local.SetGetFailure(errors.New("database is locked"))
	remote.Inject(m, doc(200, "stale"))
	time.Sleep(20 * time.Millisecond)
	local.SetGetFailure(nil)

	got, err := local.Get(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if got.UpdatedAt != 300 || got.Expenses[0].ID != "local" {
		t.Errorf("local clobbered during transient read failure: %+v", got)
	}
}

func TestCorruptLocalDocumentAdoptsRemote(t *testing.T) {
	s, local, remote := startedSyncer(t)
	ctx := context.Background()
	m := core.NewMonth(2026, 1)

	local.Put(ctx, m, doc(300, "local"))
	s.Activate(ctx, m)

	var applied atomic.Int64
	s.OnApply = func(_ core.Month, p *core.Period) { applied.Store(p.UpdatedAt) }

	// An undecodable cached document carries no usable timestamp; the
	// remote copy is the only recoverable state.
	local.SetGetFailure(store.ErrCorrupt)
	remote.Inject(m, doc(200, "remote"))
	waitFor(t, "corrupt cache replaced by remote", func() bool { return applied.Load() == 200 })

	local.SetGetFailure(nil)
	got, err := local.Get(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if got.Expenses[0].ID != "remote" {
		t.Errorf("cache holds %q, want the remote document", got.Expenses[0].ID)
	}
}

func TestRemoteFailureGoesOfflineAndKeepsLocal(t *testing.T) {
	s, local, remote := startedSyncer(t)
	ctx := context.Background()
	m := core.NewMonth(2026, 1)

	remote.SetFailure(errors.New("connection refused"))

	p := doc(0, "e1")
	if err := s.Save(ctx, m, p); err != nil {
		t.Fatalf("Save must not fail on remote errors: %v", err)
	}

	waitFor(t, "offline status after abandoned push", func() bool {
		return s.Status() == StatusOffline
	})
	if _, err := local.Get(ctx, m); err != nil {
		t.Fatalf("local write must survive remote failure: %v", err)
	}
	if _, err := remote.Get(ctx, m); err == nil {
		t.Fatal("remote must not hold the document yet")
	}

	// The next mutation's push brings the replica back online.
	remote.SetFailure(nil)
	if err := s.Save(ctx, m, p); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "online after recovery", func() bool { return s.Status() == StatusOnline })
	waitFor(t, "remote convergence after recovery", func() bool {
		r, err := remote.Get(ctx, m)
		return err == nil && r.UpdatedAt == p.UpdatedAt
	})
}

func TestExactlyOneLiveSubscription(t *testing.T) {
	s, _, remote := startedSyncer(t)
	ctx := context.Background()

	s.Activate(ctx, core.NewMonth(2026, 1))
	waitFor(t, "first subscription", func() bool { return remote.SubscriberCount() == 1 })

	s.Activate(ctx, core.NewMonth(2026, 2))
	waitFor(t, "subscription switch", func() bool { return remote.SubscriberCount() == 1 })

	s.DropSession(ctx)
	if remote.SubscriberCount() != 0 {
		t.Errorf("subscriptions after DropSession = %d, want 0", remote.SubscriberCount())
	}
	if s.Status() != StatusOffline {
		t.Errorf("status after DropSession = %s, want offline", s.Status())
	}
}

func TestSaveWithoutSessionStaysLocal(t *testing.T) {
	local := memory.New()
	remote := memory.New()
	s := NewSyncer(local, remote, testConfig())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(ctx)

	m := core.NewMonth(2026, 1)
	if err := s.Save(ctx, m, doc(0, "e1")); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := remote.Get(ctx, m); err == nil {
		t.Fatal("remote write attempted without an established session")
	}
	if s.Status() != StatusOffline {
		t.Errorf("status = %s, want offline before a session exists", s.Status())
	}
}

func TestLaterWriteSupersedesQueuedPush(t *testing.T) {
	s, _, remote := startedSyncer(t)
	ctx := context.Background()
	m := core.NewMonth(2026, 1)

	first := doc(0, "first")
	second := doc(0, "second")
	if err := s.Save(ctx, m, first); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, m, second); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "remote holds the later write", func() bool {
		r, err := remote.Get(ctx, m)
		return err == nil && r.UpdatedAt >= second.UpdatedAt
	})
}
