package inventory

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-order-choreography/internal/broker"
	"github.com/ariefcatur/go-order-choreography/internal/events"
	"github.com/ariefcatur/go-order-choreography/internal/metrics"
	"github.com/ariefcatur/go-order-choreography/internal/outbox"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("inventory")

// Notifier wakes the outbox dispatcher.
type Notifier interface {
	Notify()
}

type Service struct {
	Ledger      *Ledger
	Outbox      outbox.Store
	Dispatcher  Notifier
	ResultTopic string
	ServiceName string
}

// HandleOrderCreated is installed as the orders-topic handler. The stock
// decision and the InventoryResult outbox entry form one unit: if the entry
// cannot be recorded the reservation is undone and the record is left
// uncommitted for redelivery.
func (s *Service) HandleOrderCreated(ctx context.Context, m broker.Message) error {
	ctx, span := tracer.Start(ctx, "inventory.HandleOrderCreated")
	defer span.End()

	log := logrus.WithFields(logrus.Fields{
		"topic":     m.Topic,
		"partition": m.Partition,
		"offset":    m.Offset,
		"key":       m.Key,
	})

	ev, err := events.DecodeOrderCreated(m.Value)
	if err != nil {
		metrics.EventsConsumed.WithLabelValues(m.Topic, metrics.OutcomeMalformed).Inc()
		log.WithError(err).Warn("skipping malformed OrderCreated")
		return nil
	}
	span.SetAttributes(attribute.String("order.id", ev.OrderID))
	log = log.WithField("order_id", ev.OrderID)
	if m.Key != "" && m.Key != events.PartitionKey(ev.OrderID) {
		log.Warn("record key does not match orderId")
	}

	r, fresh := s.Ledger.Reserve(ev.OrderID, ev.Items)
	if err := s.announce(ctx, r); err != nil {
		if fresh {
			s.Ledger.Undo(ev.OrderID)
		}
		metrics.EventsConsumed.WithLabelValues(m.Topic, metrics.OutcomeError).Inc()
		return err
	}

	if !fresh {
		metrics.EventsConsumed.WithLabelValues(m.Topic, metrics.OutcomeDuplicate).Inc()
		log.WithField("status", r.Status).Info("duplicate OrderCreated, re-announcing recorded result")
		return nil
	}

	s.observeStock(r)
	metrics.EventsConsumed.WithLabelValues(m.Topic, metrics.OutcomeApplied).Inc()
	if r.Status == events.StatusConfirmed {
		log.Info("inventory reserved")
	} else {
		log.Info("out of stock")
	}
	return nil
}

func (s *Service) announce(ctx context.Context, r Receipt) error {
	value, err := events.Encode(events.InventoryResult{OrderID: r.OrderID, Status: r.Status})
	if err != nil {
		return err
	}
	e := outbox.NewEntry(s.ResultTopic, events.PartitionKey(r.OrderID), value,
		broker.InjectTrace(ctx, events.Headers(events.EventInventoryResult, s.ServiceName)))
	if err := s.Outbox.Add(ctx, e); err != nil {
		return fmt.Errorf("record inventory result for %s: %w", r.OrderID, err)
	}
	if s.Dispatcher != nil {
		s.Dispatcher.Notify()
	}
	return nil
}

// Restock is the operator path for adding units.
func (s *Service) Restock(item string, qty int) (int, error) {
	level, err := s.Ledger.Restock(item, qty)
	if err != nil {
		return 0, err
	}
	metrics.Stock.WithLabelValues(item).Set(float64(level))
	logrus.WithFields(logrus.Fields{"item": item, "added": qty, "level": level}).Info("restocked")
	return level, nil
}

// OnPublishFailed is the outbox hook. The entry stays FAILED until
// RequeueFailed puts it back in line.
func (s *Service) OnPublishFailed(_ context.Context, e outbox.Entry, err error) {
	logrus.WithFields(logrus.Fields{
		"order_id":  e.Key,
		"outbox_id": e.ID,
		"attempts":  e.Attempts,
	}).WithError(err).Error("InventoryResult not announced, needs operator attention")
}

// RequeueFailed hands every FAILED InventoryResult back to the dispatcher
// and returns how many were requeued. The ledger is not touched: the
// entries carry the outcome already recorded in the receipts.
func (s *Service) RequeueFailed(ctx context.Context) (int, error) {
	failed, err := s.Outbox.Failed(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range failed {
		if e.Topic != s.ResultTopic {
			continue
		}
		if err := s.Outbox.Requeue(ctx, e.ID); err != nil {
			return n, fmt.Errorf("requeue %s: %w", e.ID, err)
		}
		n++
		logrus.WithFields(logrus.Fields{"order_id": e.Key, "outbox_id": e.ID}).Info("InventoryResult requeued")
	}
	if n > 0 && s.Dispatcher != nil {
		s.Dispatcher.Notify()
	}
	return n, nil
}

func (s *Service) observeStock(r Receipt) {
	for item := range r.Quantities {
		metrics.Stock.WithLabelValues(item).Set(float64(s.Ledger.Available(item)))
	}
}

// ObserveAll publishes every stock level; called at startup.
func (s *Service) ObserveAll() {
	for item, qty := range s.Ledger.Snapshot() {
		metrics.Stock.WithLabelValues(item).Set(float64(qty))
	}
}

func (s *Service) Snapshot() map[string]int {
	return s.Ledger.Snapshot()
}
