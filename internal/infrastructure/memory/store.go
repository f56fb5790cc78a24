// Package memory is test support: a transactional in-memory stand-in for the
// Postgres dedup and outbox tables, used by unit tests of the processor,
// listener and relay. Transactions are serialized; writes become visible on
// commit. FailOutboxCreate and FailCommit inject failures. Not wired into any
// binary.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"idempotent-consumer/internal/domain/inbox"
	"idempotent-consumer/internal/domain/outbox"

	"github.com/google/uuid"
)

var ErrInjected = errors.New("injected failure")

type txKey struct{}

type tx struct {
	processed map[uuid.UUID]struct{}
	outbox    []*outbox.Event
	deleted   map[uuid.UUID]struct{}
}

type Store struct {
	txMu sync.Mutex

	mu        sync.Mutex
	processed map[uuid.UUID]struct{}
	outbox    []*outbox.Event

	// FailOutboxCreate and FailCommit make the next matching call fail with ErrInjected.
	FailOutboxCreate bool
	FailCommit       bool
}

func NewStore() *Store {
	return &Store{processed: make(map[uuid.UUID]struct{})}
}

func (s *Store) WithinTransaction(ctx context.Context, tFunc func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx{
		processed: make(map[uuid.UUID]struct{}),
		deleted:   make(map[uuid.UUID]struct{}),
	}
	if err := tFunc(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCommit {
		s.FailCommit = false
		return ErrInjected
	}

	for id := range t.processed {
		s.processed[id] = struct{}{}
	}
	kept := s.outbox[:0]
	for _, e := range s.outbox {
		if _, gone := t.deleted[e.ID]; !gone {
			kept = append(kept, e)
		}
	}
	s.outbox = append(kept, t.outbox...)
	return nil
}

func (s *Store) Admit(ctx context.Context, eventID uuid.UUID) (inbox.Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[eventID]; ok {
		return inbox.Duplicate, nil
	}

	t := txFrom(ctx)
	if t == nil {
		s.processed[eventID] = struct{}{}
		return inbox.Admitted, nil
	}
	if _, ok := t.processed[eventID]; ok {
		return inbox.Duplicate, nil
	}
	t.processed[eventID] = struct{}{}
	return inbox.Admitted, nil
}

func (s *Store) Create(ctx context.Context, e *outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailOutboxCreate {
		s.FailOutboxCreate = false
		return ErrInjected
	}

	cp := *e
	if t := txFrom(ctx); t != nil {
		t.outbox = append(t.outbox, &cp)
		return nil
	}
	s.outbox = append(s.outbox, &cp)
	return nil
}

func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]*outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]*outbox.Event, len(s.outbox))
	copy(events, s.outbox)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })

	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Store) Delete(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := txFrom(ctx)
	for _, id := range ids {
		if t != nil {
			t.deleted[id] = struct{}{}
			continue
		}
		for i, e := range s.outbox {
			if e.ID == id {
				s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *Store) ProcessedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processed)
}

func (s *Store) Outbox() []*outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]*outbox.Event, len(s.outbox))
	copy(events, s.outbox)
	return events
}

func txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}
