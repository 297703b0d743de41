// Package cloud is the remote authoritative PeriodStore: one GCS object per
// period document, with change notifications fanned out over AMQP so that
// offline-capable replicas learn about writes without polling.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	gcs "cloud.google.com/go/storage"

	"cofrinho/internal/core"
	"cofrinho/internal/store"
)

type Store struct {
	client   *gcs.Client
	bucket   string
	familyID string
	notifier *Notifier
}

// New builds the remote store. Application Default Credentials are assumed
// for GCS; the notifier carries its own AMQP connection.
func New(ctx context.Context, bucket, familyID string, notifier *Notifier) (*Store, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Store{
		client:   client,
		bucket:   bucket,
		familyID: familyID,
		notifier: notifier,
	}, nil
}

func (s *Store) objectName(m core.Month) string {
	return store.DocPath(s.familyID, m) + ".json"
}

func (s *Store) Get(ctx context.Context, m core.Month) (*core.Period, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.objectName(m)).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open remote document %s: %w", m, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read remote document %s: %w", m, err)
	}

	var p core.Period
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: decode remote %s: %v", store.ErrCorrupt, m, err)
	}
	return &p, nil
}

// Put writes the document object, then announces the change. A lost
// announcement is tolerable: the next write repeats it, and reconnecting
// replicas re-read the object directly.
func (s *Store) Put(ctx context.Context, m core.Month, p *core.Period) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode period %s: %w", m, err)
	}

	w := s.client.Bucket(s.bucket).Object(s.objectName(m)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("write remote document %s: %w", m, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize remote document %s: %w", m, err)
	}

	msg := NewPeriodChangedMessage(store.DocPath(s.familyID, m), p.UpdatedAt, raw)
	if err := s.notifier.PublishChange(ctx, msg); err != nil {
		slog.WarnContext(ctx, "Remote write stored but change notification failed",
			"period", m.Key(), "error", err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, m core.Month, onChange func(*core.Period)) (func(), error) {
	cancel, err := s.notifier.SubscribeChanges(ctx, store.DocPath(s.familyID, m), func(msg *PeriodChangedMessage) {
		var p core.Period
		if err := json.Unmarshal(msg.Doc, &p); err != nil {
			slog.ErrorContext(ctx, "Dropping undecodable change notification",
				"period", m.Key(), "error", err)
			return
		}
		onChange(&p)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", m, err)
	}

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
