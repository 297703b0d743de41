// Package replication keeps the local cache and the remote store convergent
// under intermittent connectivity. The local write is synchronous and
// authoritative for the caller; the remote push is best-effort, retried with
// bounded backoff, and reconciled against incoming remote changes by
// last-writer-wins on the document timestamp.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cofrinho/internal/core"
	"cofrinho/internal/store"
)

// Status is the sync signal surfaced to the UI.
type Status string

const (
	StatusOffline Status = "offline"
	StatusSyncing Status = "syncing"
	StatusOnline  Status = "online"
)

// Session is the opaque capability the identity collaborator hands out.
// Remote access is gated on it; the core never inspects the token.
type Session struct {
	FamilyID string
	Token    string
}

func (s Session) Established() bool {
	return s.Token != ""
}

// Config tunes the remote push loop.
type Config struct {
	// MaxRetries is the number of attempts per queued push before giving up.
	MaxRetries int

	// RetryBackoff is the base delay between attempts, doubled per retry.
	RetryBackoff time.Duration

	// PushTimeout bounds a single remote write.
	PushTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		RetryBackoff: 2 * time.Second,
		PushTimeout:  10 * time.Second,
	}
}

// Syncer owns the replication state that the original kept in ambient
// globals: the session, the sync status and the single live subscription.
type Syncer struct {
	local  store.Store
	remote store.RemoteStore // nil disables remote replication entirely
	config Config

	// OnApply is invoked after a remote document is adopted into the local
	// cache, so downstream consumers can refresh. Optional.
	OnApply func(m core.Month, p *core.Period)

	// OnStatus is invoked on every sync status transition. Optional.
	OnStatus func(Status)

	mu          sync.Mutex
	session     Session
	status      Status
	active      core.Month
	unsubscribe func()
	pending     map[string]*pendingPush

	running bool
	baseCtx context.Context
	notify  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type pendingPush struct {
	month  core.Month
	period *core.Period
}

func NewSyncer(local store.Store, remote store.RemoteStore, config Config) *Syncer {
	return &Syncer{
		local:   local,
		remote:  remote,
		config:  config,
		status:  StatusOffline,
		baseCtx: context.Background(),
		pending: make(map[string]*pendingPush),
		notify:  make(chan struct{}, 1),
	}
}

// Start launches the push loop. Returns an error if already running.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("syncer is already running")
	}
	s.running = true
	s.baseCtx = ctx
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.runLoop(ctx)

	slog.InfoContext(ctx, "Replication syncer started",
		"max_retries", s.config.MaxRetries,
		"retry_backoff", s.config.RetryBackoff)
	return nil
}

// Stop cancels the active subscription and waits for the push loop to drain.
func (s *Syncer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	select {
	case <-s.doneCh:
		slog.InfoContext(ctx, "Replication syncer stopped")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Replication syncer stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Status returns the current sync signal.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// EstablishSession installs the identity collaborator's session and, when a
// period is already active, opens its remote subscription.
func (s *Syncer) EstablishSession(ctx context.Context, session Session) {
	s.mu.Lock()
	s.session = session
	active := s.active
	s.mu.Unlock()

	slog.InfoContext(ctx, "Session established", "family_id", session.FamilyID)
	if active != (core.Month{}) {
		s.Activate(ctx, active)
	}
}

// DropSession forgets the session and cancels the live subscription; the
// local cache stays fully usable.
func (s *Syncer) DropSession(ctx context.Context) {
	s.mu.Lock()
	s.session = Session{}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Unlock()
	s.setStatus(ctx, StatusOffline)
}

// Save is the write path for every period mutation: stamp a strictly larger
// logical timestamp, write the local cache synchronously, then queue a
// best-effort remote push. The caller gets control back after the local
// write; remote propagation happens in the background.
func (s *Syncer) Save(ctx context.Context, m core.Month, p *core.Period) error {
	now := time.Now().UnixMilli()
	if now <= p.UpdatedAt {
		now = p.UpdatedAt + 1
	}
	p.UpdatedAt = now

	if err := s.local.Put(ctx, m, p); err != nil {
		return fmt.Errorf("local write %s: %w", m, err)
	}

	s.mu.Lock()
	established := s.session.Established()
	running := s.running
	s.mu.Unlock()

	if s.remote == nil || !established {
		return nil
	}
	if !running {
		// Push loop not started (e.g. one-shot tooling): push inline.
		s.push(ctx, m, p.Clone())
		return nil
	}

	s.enqueue(m, p)
	return nil
}

// Activate switches the live remote subscription to m. Exactly one
// subscription exists at a time: the previous one is cancelled before the
// new one is established. In-flight pushes are never cancelled, only
// superseded by later writes through the timestamp rule.
func (s *Syncer) Activate(ctx context.Context, m core.Month) {
	s.mu.Lock()
	s.active = m
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	established := s.session.Established()
	s.mu.Unlock()

	if s.remote == nil || !established {
		return
	}

	unsubscribe, err := s.remote.Subscribe(ctx, m, func(incoming *core.Period) {
		// Notifications keep arriving long after the caller that activated
		// this month is gone (an HTTP request context is cancelled when the
		// request ends). Reconcile runs on the syncer's own lifetime.
		s.reconcile(s.lifetime(), m, incoming)
	})
	if err != nil {
		slog.WarnContext(ctx, "Remote subscribe failed", "period", m.Key(), "error", err)
		s.setStatus(ctx, StatusOffline)
		return
	}

	s.mu.Lock()
	// Activate may race with itself on fast navigation; keep only the
	// subscription for the month that is still active.
	if s.active == m {
		s.unsubscribe = unsubscribe
	} else {
		s.mu.Unlock()
		unsubscribe()
		return
	}
	s.mu.Unlock()

	// Pull once on activation so a reconnecting replica converges without
	// waiting for the next remote write.
	if incoming, err := s.remote.Get(ctx, m); err == nil {
		s.reconcile(ctx, m, incoming)
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.WarnContext(ctx, "Remote read failed on activation", "period", m.Key(), "error", err)
		s.setStatus(ctx, StatusOffline)
	}
}

// lifetime returns the context the syncer was started with.
func (s *Syncer) lifetime() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// reconcile applies the last-writer-wins rule at document granularity.
func (s *Syncer) reconcile(ctx context.Context, m core.Month, incoming *core.Period) {
	local, err := s.local.Get(ctx, m)
	switch {
	case err == nil && incoming.UpdatedAt <= local.UpdatedAt:
		// Local is same-or-newer: a write racing ahead of its remote echo,
		// or a stale remote after reconnect. Re-issue the remote write with
		// the local value to repair the divergence.
		if incoming.UpdatedAt < local.UpdatedAt {
			slog.InfoContext(ctx, "Remote stale, repairing",
				"period", m.Key(),
				"remote_updated_at", incoming.UpdatedAt,
				"local_updated_at", local.UpdatedAt)
			s.enqueue(m, local)
		}
		return
	case err != nil && !errors.Is(err, store.ErrNotFound):
		if !errors.Is(err, store.ErrCorrupt) {
			// Transient local failure: the cached document may be newer
			// than the incoming one, so adopting would invert the LWW
			// rule. The next notification or activation retries.
			slog.ErrorContext(ctx, "Local read failed during reconcile",
				"period", m.Key(), "error", err)
			return
		}
		slog.WarnContext(ctx, "Local period corrupt, adopting remote",
			"period", m.Key(), "error", err)
	}

	if err := s.local.Put(ctx, m, incoming.Clone()); err != nil {
		slog.ErrorContext(ctx, "Failed to adopt remote period", "period", m.Key(), "error", err)
		return
	}
	slog.InfoContext(ctx, "Adopted remote period",
		"period", m.Key(), "updated_at", incoming.UpdatedAt)

	if s.OnApply != nil {
		s.OnApply(m, incoming.Clone())
	}
}

func (s *Syncer) enqueue(m core.Month, p *core.Period) {
	s.mu.Lock()
	s.pending[m.Key()] = &pendingPush{month: m, period: p.Clone()}
	running := s.running
	s.mu.Unlock()

	if running {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func (s *Syncer) runLoop(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.notify:
			s.drainPending(ctx)
		}
	}
}

func (s *Syncer) drainPending(ctx context.Context) {
	for {
		s.mu.Lock()
		var next *pendingPush
		for key, item := range s.pending {
			next = item
			delete(s.pending, key)
			break
		}
		s.mu.Unlock()

		if next == nil {
			return
		}
		s.push(ctx, next.month, next.period)
	}
}

// push attempts the remote write with bounded backoff. A push that exhausts
// its retries is dropped: the document stays local-only until the next write
// or until reconcile repairs it.
func (s *Syncer) push(ctx context.Context, m core.Month, p *core.Period) {
	s.setStatus(ctx, StatusSyncing)

	var lastErr error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.config.RetryBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		pushCtx, cancel := context.WithTimeout(ctx, s.config.PushTimeout)
		lastErr = s.remote.Put(pushCtx, m, p)
		cancel()

		if lastErr == nil {
			s.setStatus(ctx, StatusOnline)
			slog.InfoContext(ctx, "Pushed period to remote",
				"period", m.Key(), "updated_at", p.UpdatedAt, "attempt", attempt+1)
			return
		}

		slog.WarnContext(ctx, "Remote push failed",
			"period", m.Key(), "attempt", attempt+1, "error", lastErr)
	}

	// Local state is intact; no rollback.
	s.setStatus(ctx, StatusOffline)
	slog.ErrorContext(ctx, "Remote push abandoned after retries",
		"period", m.Key(), "attempts", s.config.MaxRetries, "error", lastErr)
}

func (s *Syncer) setStatus(ctx context.Context, status Status) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	fn := s.OnStatus
	s.mu.Unlock()

	if changed && fn != nil {
		fn(status)
	}
	if changed {
		slog.DebugContext(ctx, "Sync status changed", "status", string(status))
	}
}
