package orders

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/outbox"
)

type Store interface {
	// Create persists o together with the outbox entry announcing it; either
	// both are stored or neither is.
	Create(ctx context.Context, o Order, announce outbox.Entry) error
	Get(ctx context.Context, id string) (Order, error)
	// Transition moves the order to status to. Re-applying the current status
	// returns changed=false and no error; a move validNext forbids returns
	// ErrInvalidTransition.
	Transition(ctx context.Context, id string, to Status) (o Order, changed bool, err error)
	// Sweep evicts terminal orders last updated before olderThan.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

// MemoryStore is the process-local order map. It owns no goroutines; the
// app runs Sweep on a ticker when a retention is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	outbox outbox.Store
}

func NewMemoryStore(ob outbox.Store) *MemoryStore {
	return &MemoryStore{orders: map[string]*Order{}, outbox: ob}
}

func (s *MemoryStore) Create(ctx context.Context, o Order, announce outbox.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrAlreadyExists
	}
	if err := s.outbox.Add(ctx, announce); err != nil {
		return err
	}
	c := o.clone()
	s.orders[o.ID] = &c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o.clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to Status) (Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, false, ErrNotFound
	}
	if o.Status == to {
		return o.clone(), false, nil
	}
	if !CanTransition(o.Status, to) {
		return o.clone(), false, ErrInvalidTransition
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return o.clone(), true, nil
}

func (s *MemoryStore) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, o := range s.orders {
		if o.Status.Terminal() && o.UpdatedAt.Before(olderThan) {
			delete(s.orders, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}
