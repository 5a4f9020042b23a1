package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/broker"
	"github.com/ariefcatur/go-order-choreography/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// FailedFunc is called once an entry has exhausted its retries and was
// marked FAILED.
type FailedFunc func(ctx context.Context, e Entry, err error)

type Dispatcher struct {
	store Store
	pub   broker.Publisher

	pollInterval time.Duration
	batchSize    int
	initial      time.Duration
	maxElapsed   time.Duration
	maxAttempts  int
	onFailed     FailedFunc

	flushMu sync.Mutex
	wake    chan struct{}
}

type Option func(*Dispatcher)

func WithPollInterval(d time.Duration) Option {
	return func(o *Dispatcher) { o.pollInterval = d }
}

func WithBatchSize(n int) Option {
	return func(o *Dispatcher) { o.batchSize = n }
}

// WithBackoff bounds the retries of one entry by attempts and total elapsed
// time, whichever is hit first.
func WithBackoff(initial, maxElapsed time.Duration, attempts int) Option {
	return func(o *Dispatcher) {
		o.initial = initial
		o.maxElapsed = maxElapsed
		o.maxAttempts = attempts
	}
}

func WithOnFailed(fn FailedFunc) Option {
	return func(o *Dispatcher) { o.onFailed = fn }
}

func NewDispatcher(store Store, pub broker.Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		pub:          pub,
		pollInterval: time.Second,
		batchSize:    100,
		initial:      100 * time.Millisecond,
		maxElapsed:   30 * time.Second,
		maxAttempts:  8,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify wakes Run without waiting for the next poll.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.Flush(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("outbox flush failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// Flush dispatches the pending entries once and reports how many were sent.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	entries, err := d.store.Pending(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if d.dispatch(ctx, e) {
			sent++
		}
	}
	return sent, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, e Entry) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initial
	b.MaxElapsedTime = d.maxElapsed
	var policy backoff.BackOff = b
	if d.maxAttempts > 0 {
		policy = backoff.WithMaxRetries(b, uint64(d.maxAttempts-1))
	}

	log := logrus.WithFields(logrus.Fields{"outbox_id": e.ID, "topic": e.Topic, "key": e.Key})
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := d.pub.Publish(ctx, e.Message())
		if err != nil {
			metrics.EventsPublished.WithLabelValues(e.Topic, "error").Inc()
			log.WithField("attempt", attempts).WithError(err).Warn("publish failed")
			return err
		}
		metrics.EventsPublished.WithLabelValues(e.Topic, "ok").Inc()
		return nil
	}, backoff.WithContext(policy, ctx))

	if err == nil {
		if merr := d.store.MarkSent(ctx, e.ID); merr != nil {
			// published anyway; a duplicate on the next flush is tolerated downstream
			log.WithError(merr).Error("mark sent failed")
		}
		return true
	}
	if ctx.Err() != nil {
		return false // shutting down, entry stays pending
	}

	if merr := d.store.MarkFailed(ctx, e.ID, attempts, err.Error()); merr != nil {
		log.WithError(merr).Error("could not mark entry failed")
	}
	metrics.OutboxFailed.WithLabelValues(e.Topic).Inc()
	log.WithField("attempts", attempts).WithError(err).Error("outbox entry exhausted retries")
	if d.onFailed != nil {
		e.Status = StatusFailed
		e.Attempts += attempts
		e.LastError = err.Error()
		d.onFailed(ctx, e, err)
	}
	return false
}
