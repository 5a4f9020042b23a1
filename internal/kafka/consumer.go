package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/broker"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Consumer runs a group reader per subscription. Records are fanned out to
// lanes by partition, so one partition is always handled by one goroutine in
// offset order while different partitions proceed in parallel.
type Consumer struct {
	brokers       []string
	lanes         int
	redeliverWait time.Duration
}

func NewConsumer(brokers []string, lanes int) *Consumer {
	if lanes <= 0 {
		lanes = 1
	}
	return &Consumer{brokers: brokers, lanes: lanes, redeliverWait: 500 * time.Millisecond}
}

func (c *Consumer) Subscribe(ctx context.Context, topic, group string, h broker.Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
		StartOffset:    kafka.FirstOffset,
	})
	defer r.Close()

	lanes := make([]chan kafka.Message, c.lanes)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if ctx.Err() != nil {
					continue // uncommitted, redelivered after restart
				}
				c.handle(ctx, r, m, h)
			}
		}(lanes[i])
	}
	defer func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}()

	logrus.WithFields(logrus.Fields{"topic": topic, "group": group, "lanes": c.lanes}).Info("consumer started")
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", topic, err)
		}
		select {
		case lanes[m.Partition%len(lanes)] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// handle redelivers in place until h succeeds, then commits. A handler that
// never succeeds stalls its partition; wrap h with broker.DeadLetter to bound
// that.
func (c *Consumer) handle(ctx context.Context, r *kafka.Reader, m kafka.Message, h broker.Handler) {
	msg := fromKafka(m)
	log := logrus.WithFields(logrus.Fields{
		"topic":     m.Topic,
		"partition": m.Partition,
		"offset":    m.Offset,
	})
	for {
		err := h(broker.ExtractTrace(ctx, msg.Headers), msg)
		if err == nil {
			break
		}
		log.WithError(err).Warn("handler failed, redelivering")
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.redeliverWait):
		}
	}
	if err := r.CommitMessages(ctx, m); err != nil {
		log.WithError(err).Error("commit failed")
	}
}
