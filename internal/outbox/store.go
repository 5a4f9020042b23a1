package outbox

import (
	"context"
	"sync"
	"time"
)

type Store interface {
	Add(ctx context.Context, e Entry) error
	// Pending returns up to limit PENDING entries, oldest first.
	Pending(ctx context.Context, limit int) ([]Entry, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
	Failed(ctx context.Context) ([]Entry, error)
	// Requeue moves a FAILED entry back to PENDING with its attempts reset.
	Requeue(ctx context.Context, id string) error
}

// MemoryStore keeps entries in insertion order. Sent entries are dropped.
type MemoryStore struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*Entry{}}
}

func (s *MemoryStore) Add(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status == "" {
		e.Status = StatusPending
	}
	if _, ok := s.entries[e.ID]; !ok {
		s.order = append(s.order, e.ID)
	}
	s.entries[e.ID] = &e
	return nil
}

func (s *MemoryStore) Pending(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, id := range s.order {
		e := s.entries[id]
		if e.Status != StatusPending {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusFailed
	e.Attempts += attempts
	e.LastError = lastErr
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Failed(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, id := range s.order {
		if e := s.entries[id]; e.Status == StatusFailed {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Status != StatusFailed {
		return ErrNotFound
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Len counts entries not yet sent.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
