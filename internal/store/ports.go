// Package store defines the PeriodStore ports the replication layer is built
// on. Two implementations back them: a durable local cache (sqlite) and the
// remote authoritative store (cloud). The memory implementation serves tests
// and credential-less development.
package store

import (
	"context"
	"errors"
	"fmt"

	"cofrinho/internal/core"
)

var (
	// ErrNotFound is returned when no document exists for the period key.
	ErrNotFound = errors.New("period not found")
	// ErrCorrupt wraps a document that exists but cannot be decoded.
	ErrCorrupt = errors.New("corrupt period document")
)

// Store is the minimal get/put surface shared by both replicas.
type Store interface {
	Get(ctx context.Context, m core.Month) (*core.Period, error)
	Put(ctx context.Context, m core.Month, p *core.Period) error
}

// Watcher delivers remote change notifications for one period key. The
// callback may run on an internal goroutine; implementations deliver a
// defensive copy the callback owns. Unsubscribe is idempotent.
type Watcher interface {
	Subscribe(ctx context.Context, m core.Month, onChange func(*core.Period)) (unsubscribe func(), err error)
}

// RemoteStore is the authoritative replica: document get/put plus change push.
type RemoteStore interface {
	Store
	Watcher
}

// DocPath is the document path convention shared by remote backends.
func DocPath(familyID string, m core.Month) string {
	return fmt.Sprintf("families/%s/months/%s", familyID, m.Key())
}
