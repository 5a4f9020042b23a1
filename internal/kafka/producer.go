package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/broker"
	"github.com/segmentio/kafka-go"
)

// Producer writes records synchronously so callers learn about failures and
// can retry; batching is kept short to bound latency.
type Producer struct {
	w       *kafka.Writer
	timeout time.Duration
}

func NewProducer(brokers []string, timeout time.Duration) *Producer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           timeout,
			MaxAttempts:            1, // retries belong to the outbox dispatcher
		},
		timeout: timeout,
	}
}

func (p *Producer) Publish(ctx context.Context, m broker.Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	headers := broker.InjectTrace(ctx, broker.CloneHeaders(m.Headers))
	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic:   m.Topic,
		Key:     []byte(m.Key),
		Value:   m.Value,
		Headers: toKafkaHeaders(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: topic %s: %v", broker.ErrPublishFailure, m.Topic, err)
	}
	return nil
}

func (p *Producer) Close() error { return p.w.Close() }
