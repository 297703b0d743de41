// Package memory implements an in-process PeriodStore with change
// notifications. It backs tests and runs as the remote replica when no cloud
// credentials are configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"cofrinho/internal/core"
	"cofrinho/internal/store"
)

type subscriber struct {
	month core.Month
	fn    func(*core.Period)
}

type Store struct {
	mu   sync.Mutex
	docs map[string]*core.Period
	subs map[int]*subscriber
	next int

	// FailPuts makes every Put return an error; tests use it to simulate a
	// disconnected remote.
	FailPuts bool
	failErr  error

	failGetErr error
}

func New() *Store {
	return &Store{
		docs: make(map[string]*core.Period),
		subs: make(map[int]*subscriber),
	}
}

// SetFailure toggles simulated Put failures.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailPuts = err != nil
	s.failErr = err
}

// SetGetFailure makes every Get return err until cleared with nil.
func (s *Store) SetGetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGetErr = err
}

// Get honors context cancellation the way a database-backed store does.
func (s *Store) Get(ctx context.Context, m core.Month) (*core.Period, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGetErr != nil {
		return nil, s.failGetErr
	}
	p, ok := s.docs[m.Key()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p.Clone(), nil
}

// Put stores a copy of the document and notifies subscribers of the period,
// mirroring a remote push echo.
func (s *Store) Put(ctx context.Context, m core.Month, p *core.Period) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.FailPuts {
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	s.docs[m.Key()] = p.Clone()
	var notify []func(*core.Period)
	for _, sub := range s.subs {
		if sub.month == m {
			notify = append(notify, sub.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range notify {
		fn(p.Clone())
	}
	return nil
}

func (s *Store) Subscribe(_ context.Context, m core.Month, onChange func(*core.Period)) (func(), error) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = &subscriber{month: m, fn: onChange}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}, nil
}

// Inject stores a document and notifies subscribers without honoring
// FailPuts; tests use it to play the part of another writer.
func (s *Store) Inject(m core.Month, p *core.Period) {
	s.mu.Lock()
	s.docs[m.Key()] = p.Clone()
	var notify []func(*core.Period)
	for _, sub := range s.subs {
		if sub.month == m {
			notify = append(notify, sub.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range notify {
		fn(p.Clone())
	}
}

// Months lists the periods currently held, oldest first.
func (s *Store) Months(_ context.Context) ([]core.Month, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	months := make([]core.Month, 0, len(s.docs))
	for key := range s.docs {
		m, err := core.ParseMonthKey(key)
		if err != nil {
			continue
		}
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	return months, nil
}

// SubscriberCount reports live subscriptions; tests assert the
// one-live-subscription invariant with it.
func (s *Store) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
