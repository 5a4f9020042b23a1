package app

import (
	"fmt"

	"github.com/ariefcatur/go-order-choreography/internal/broker"
	"github.com/ariefcatur/go-order-choreography/internal/broker/membroker"
	"github.com/ariefcatur/go-order-choreography/internal/config"
	kafkax "github.com/ariefcatur/go-order-choreography/internal/kafka"
)

// Transport is the pair of broker endpoints a service runs on.
type Transport struct {
	Pub   broker.Publisher
	Sub   broker.Subscriber
	close func() error
}

func (t Transport) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

func Memory(b *membroker.Broker) Transport {
	return Transport{Pub: b, Sub: b}
}

func NewTransport(cfg config.Config) (Transport, error) {
	switch cfg.Broker {
	case "memory":
		return Memory(membroker.New(membroker.DefaultPartitions)), nil
	case "kafka":
		p := kafkax.NewProducer(cfg.KafkaBrokers, cfg.PublishTimeout)
		return Transport{
			Pub:   p,
			Sub:   kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerWorkers),
			close: p.Close,
		}, nil
	}
	return Transport{}, fmt.Errorf("unknown broker %q", cfg.Broker)
}

// wrap applies the handler middleware: in-place retries, then the
// dead-letter forward when a topic is configured. Without one a record
// that keeps failing is redelivered by the subscriber.
func wrap(h broker.Handler, cfg config.Config, pub broker.Publisher) broker.Handler {
	h = broker.Retry(h, cfg.HandlerMaxAttempts, retryInitial)
	if cfg.DeadLetterTopic != "" {
		h = broker.DeadLetter(h, pub, cfg.DeadLetterTopic)
	}
	return h
}
