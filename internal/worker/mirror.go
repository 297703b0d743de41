// Package worker keeps a standalone replica's document cache aligned with the
// remote store. It is the consumer side of the change-notification fanout: the
// interactive server publishes changes, the mirror applies them, and a
// periodic reconcile recovers documents whose notifications were lost.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cofrinho/internal/core"
	"cofrinho/internal/store"
	"cofrinho/internal/store/cloud"
)

// LocalStore is the cache side of the mirror. Months enumerates every period
// the cache holds, which drives the periodic reconcile sweep.
type LocalStore interface {
	store.Store
	Months(ctx context.Context) ([]core.Month, error)
}

type Mirror struct {
	local  LocalStore
	remote store.Store
}

func NewMirror(local LocalStore, remote store.Store) *Mirror {
	return &Mirror{local: local, remote: remote}
}

// HandleChange processes a single change notification, adopting the carried
// document when it is newer than the cached copy. Stale notifications are
// dropped; the timestamp rule makes replays and reordering harmless.
func (w *Mirror) HandleChange(ctx context.Context, msg *cloud.PeriodChangedMessage) error {
	m, err := monthFromPath(msg.Path)
	if err != nil {
		return fmt.Errorf("change notification: %w", err)
	}

	slog.InfoContext(ctx, "Processing change notification",
		"period", m.Key(),
		"updated_at", msg.UpdatedAt)

	incoming, err := w.incomingDocument(ctx, msg, m)
	if err != nil {
		return err
	}

	cached, err := w.local.Get(ctx, m)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrCorrupt):
		cached = nil
	case err != nil:
		return fmt.Errorf("read cached period %s: %w", m, err)
	}

	if cached != nil && incoming.UpdatedAt <= cached.UpdatedAt {
		slog.DebugContext(ctx, "Dropping stale notification",
			"period", m.Key(),
			"incoming", incoming.UpdatedAt,
			"cached", cached.UpdatedAt)
		return nil
	}

	if err := w.local.Put(ctx, m, incoming); err != nil {
		return fmt.Errorf("cache period %s: %w", m, err)
	}

	slog.InfoContext(ctx, "Mirrored period", "period", m.Key(), "updated_at", incoming.UpdatedAt)
	return nil
}

// incomingDocument prefers the document piggybacked on the message and falls
// back to fetching it from the remote store.
func (w *Mirror) incomingDocument(ctx context.Context, msg *cloud.PeriodChangedMessage, m core.Month) (*core.Period, error) {
	if len(msg.Doc) > 0 {
		var p core.Period
		if err := json.Unmarshal(msg.Doc, &p); err == nil {
			return &p, nil
		}
		slog.WarnContext(ctx, "Notification payload undecodable, fetching from remote", "period", m.Key())
	}
	p, err := w.remote.Get(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("fetch remote period %s: %w", m, err)
	}
	return p, nil
}

// Reconcile sweeps every cached month against the remote replica. Newer remote
// documents are adopted; months where the cache is ahead are pushed back,
// repairing divergence left by lost notifications or remote downtime.
func (w *Mirror) Reconcile(ctx context.Context) error {
	months, err := w.local.Months(ctx)
	if err != nil {
		return fmt.Errorf("list cached months: %w", err)
	}

	adopted := 0
	repaired := 0
	for _, m := range months {
		local, err := w.local.Get(ctx, m)
		if err != nil {
			slog.ErrorContext(ctx, "Skipping unreadable cached period", "period", m.Key(), "error", err)
			continue
		}

		remote, err := w.remote.Get(ctx, m)
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrCorrupt):
			remote = nil
		case err != nil:
			slog.ErrorContext(ctx, "Remote read failed during reconcile", "period", m.Key(), "error", err)
			continue
		}

		switch {
		case remote == nil || remote.UpdatedAt < local.UpdatedAt:
			if err := w.remote.Put(ctx, m, local); err != nil {
				slog.ErrorContext(ctx, "Remote repair failed", "period", m.Key(), "error", err)
				continue
			}
			repaired++
		case remote.UpdatedAt > local.UpdatedAt:
			if err := w.local.Put(ctx, m, remote); err != nil {
				slog.ErrorContext(ctx, "Cache update failed", "period", m.Key(), "error", err)
				continue
			}
			adopted++
		}
	}

	if adopted > 0 || repaired > 0 {
		slog.InfoContext(ctx, "Reconcile completed",
			"months", len(months),
			"adopted", adopted,
			"repaired", repaired)
	}
	return nil
}

// monthFromPath extracts the period key from a document path of the form
// families/{familyId}/months/{YYYY-MM}.
func monthFromPath(path string) (core.Month, error) {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return core.Month{}, fmt.Errorf("malformed document path %q", path)
	}
	return core.ParseMonthKey(path[idx+1:])
}
