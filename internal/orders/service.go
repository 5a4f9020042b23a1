package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/broker"
	"github.com/ariefcatur/go-order-choreography/internal/events"
	"github.com/ariefcatur/go-order-choreography/internal/metrics"
	"github.com/ariefcatur/go-order-choreography/internal/outbox"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("orders")

// Cache is the optional read-through status cache and the idempotency key
// registry for submissions (see redisx.Cache).
type Cache interface {
	GetOrder(ctx context.Context, id string) (Order, bool)
	SetOrder(ctx context.Context, o Order)
	// ClaimKey binds key to orderID unless it is already bound, in which case
	// the bound id is returned with claimed=false.
	ClaimKey(ctx context.Context, key, orderID string) (bound string, claimed bool, err error)
	ReleaseKey(ctx context.Context, key string)
}

type Notifier interface {
	Notify()
}

type Service struct {
	Store       Store
	Outbox      outbox.Store
	Dispatcher  Notifier
	Cache       Cache
	OrdersTopic string
	ServiceName string

	keysMu sync.Mutex
	keys   map[string]localKey // idempotency keys when no Cache is configured
}

type localKey struct {
	orderID string
	at      time.Time
}

const (
	localKeyTTL  = 24 * time.Hour
	maxLocalKeys = 10000
)

// Submit validates items, stores a PENDING order with its OrderCreated
// announcement and returns without waiting for inventory. A repeated
// idempotencyKey returns the order created first, with existed=true.
func (s *Service) Submit(ctx context.Context, items []string, idempotencyKey string) (id string, existed bool, err error) {
	ctx, span := tracer.Start(ctx, "orders.Submit")
	defer span.End()

	if len(items) == 0 {
		return "", false, fmt.Errorf("%w: items must not be empty", ErrInvalidRequest)
	}
	for i, it := range items {
		if it == "" {
			return "", false, fmt.Errorf("%w: empty item at index %d", ErrInvalidRequest, i)
		}
	}

	id = uuid.NewString()
	if idempotencyKey != "" {
		bound, claimed, err := s.claimKey(ctx, idempotencyKey, id)
		if err != nil {
			logrus.WithError(err).WithField("idempotency_key", idempotencyKey).Warn("idempotency check unavailable")
		} else if !claimed {
			return bound, true, nil
		}
	}
	span.SetAttributes(attribute.String("order.id", id))

	now := time.Now().UTC()
	o := Order{
		ID:        id,
		Items:     append([]string(nil), items...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	value, err := events.Encode(events.OrderCreated{OrderID: id, Items: o.Items})
	if err != nil {
		return "", false, err
	}
	e := outbox.NewEntry(s.OrdersTopic, events.PartitionKey(id), value,
		broker.InjectTrace(ctx, events.Headers(events.EventOrderCreated, s.ServiceName)))

	if err := s.Store.Create(ctx, o, e); err != nil {
		if idempotencyKey != "" {
			s.releaseKey(ctx, idempotencyKey)
		}
		return "", false, fmt.Errorf("create order: %w", err)
	}
	if s.Dispatcher != nil {
		s.Dispatcher.Notify()
	}
	metrics.OrdersByStatus.WithLabelValues(string(StatusPending)).Inc()
	logrus.WithFields(logrus.Fields{"order_id": id, "items": len(items)}).Info("order created")
	return id, false, nil
}

// Get answers from the cache when possible. Only terminal orders are
// cached: they never change again, so a cached copy cannot go stale.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	if s.Cache != nil {
		if o, ok := s.Cache.GetOrder(ctx, id); ok && o.Status.Terminal() {
			return o, nil
		}
	}
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	s.cache(ctx, o)
	return o, nil
}

func (s *Service) cache(ctx context.Context, o Order) {
	if s.Cache != nil && o.Status.Terminal() {
		s.Cache.SetOrder(ctx, o)
	}
}

// HandleInventoryResult is installed as the inventory-topic handler.
// Malformed records, unknown orders and repeated results are logged and
// committed; only store failures are returned for redelivery.
func (s *Service) HandleInventoryResult(ctx context.Context, m broker.Message) error {
	ctx, span := tracer.Start(ctx, "orders.HandleInventoryResult")
	defer span.End()

	log := logrus.WithFields(logrus.Fields{
		"topic":     m.Topic,
		"partition": m.Partition,
		"offset":    m.Offset,
		"key":       m.Key,
	})

	ev, err := events.DecodeInventoryResult(m.Value)
	if err != nil {
		metrics.EventsConsumed.WithLabelValues(m.Topic, metrics.OutcomeMalformed).Inc()
		log.WithError(err).Warn("skipping malformed InventoryResult")
		return nil
	}
	span.SetAttributes(attribute.String("order.id", ev.OrderID))
	log = log.WithFields(logrus.Fields{"order_id": ev.OrderID, "status": ev.Status})

	o, changed, err := s.Store.Transition(ctx, ev.OrderID, Status(ev.Status))
	switch {
	case errors.Is(err, ErrNotFound):
		metrics.EventsConsumed.WithLabelValues(m.Topic, metrics.OutcomeUnknown).Inc()
		log.Warn("InventoryResult for unknown order, dropping")
		return nil
	case errors.Is(err, ErrInvalidTransition):
		metrics.EventsConsumed.WithLabelValues(m.Topic, metrics.OutcomeDuplicate).Inc()
		log.WithField("current", o.Status).Warn("order already resolved, dropping InventoryResult")
		return nil
	case err != nil:
		metrics.EventsConsumed.WithLabelValues(m.Topic, metrics.OutcomeError).Inc()
		return fmt.Errorf("apply inventory result to %s: %w", ev.OrderID, err)
	case !changed:
		metrics.EventsConsumed.WithLabelValues(m.Topic, metrics.OutcomeDuplicate).Inc()
		log.Info("duplicate InventoryResult ignored")
		return nil
	}

	s.cache(ctx, o)
	metrics.EventsConsumed.WithLabelValues(m.Topic, metrics.OutcomeApplied).Inc()
	metrics.OrdersByStatus.WithLabelValues(string(o.Status)).Inc()
	log.Info("order updated")
	return nil
}

// OnPublishFailed is the outbox hook: an OrderCreated that could not be
// announced flags its order PUBLISH_FAILED for the operator.
func (s *Service) OnPublishFailed(ctx context.Context, e outbox.Entry, err error) {
	log := logrus.WithFields(logrus.Fields{"order_id": e.Key, "outbox_id": e.ID, "attempts": e.Attempts})
	_, changed, terr := s.Store.Transition(ctx, e.Key, StatusPublishFailed)
	if terr != nil {
		log.WithError(terr).Error("could not flag order PUBLISH_FAILED")
		return
	}
	if changed {
		metrics.OrdersByStatus.WithLabelValues(string(StatusPublishFailed)).Inc()
	}
	log.WithError(err).Error("OrderCreated not announced, order flagged PUBLISH_FAILED")
}

// RetryFailed puts every PUBLISH_FAILED order back to PENDING and requeues
// its announcement. It returns the number of requeued orders.
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	failed, err := s.Outbox.Failed(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range failed {
		if e.Topic != s.OrdersTopic {
			continue
		}
		log := logrus.WithFields(logrus.Fields{"order_id": e.Key, "outbox_id": e.ID})
		_, _, err := s.Store.Transition(ctx, e.Key, StatusPending)
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.WithError(err).Warn("order not retryable")
			continue
		}
		if err := s.Outbox.Requeue(ctx, e.ID); err != nil {
			return n, fmt.Errorf("requeue %s: %w", e.ID, err)
		}
		n++
		log.Info("announcement requeued")
	}
	if n > 0 && s.Dispatcher != nil {
		s.Dispatcher.Notify()
	}
	return n, nil
}

func (s *Service) claimKey(ctx context.Context, key, id string) (string, bool, error) {
	if s.Cache != nil {
		return s.Cache.ClaimKey(ctx, key, id)
	}
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	if s.keys == nil {
		s.keys = map[string]localKey{}
	}
	now := time.Now()
	if k, ok := s.keys[key]; ok && now.Sub(k.at) < localKeyTTL {
		return k.orderID, false, nil
	}
	if len(s.keys) >= maxLocalKeys {
		s.pruneKeys(now)
	}
	s.keys[key] = localKey{orderID: id, at: now}
	return id, true, nil
}

// pruneKeys drops expired keys, then the oldest ones until there is room.
// caller holds keysMu
func (s *Service) pruneKeys(now time.Time) {
	for k, v := range s.keys {
		if now.Sub(v.at) >= localKeyTTL {
			delete(s.keys, k)
		}
	}
	for len(s.keys) >= maxLocalKeys {
		var (
			oldest string
			at     time.Time
		)
		for k, v := range s.keys {
			if oldest == "" || v.at.Before(at) {
				oldest, at = k, v.at
			}
		}
		delete(s.keys, oldest)
	}
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if s.Cache != nil {
		s.Cache.ReleaseKey(ctx, key)
		return
	}
	s.keysMu.Lock()
	delete(s.keys, key)
	s.keysMu.Unlock()
}
