// Package broker is the narrow surface both services use to talk to the
// partitioned log: publish a keyed record, and subscribe a handler under a
// consumer group.
package broker

import (
	"context"
	"errors"
)

var ErrPublishFailure = errors.New("publish failure")

type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
}

// Handler must return nil only when the record was handled and its offset may
// be committed.
type Handler func(ctx context.Context, m Message) error

type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// Subscriber delivers records of topic to h in partition order and commits
// after every successful call. Subscribe blocks until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, m Message) error

func (f PublisherFunc) Publish(ctx context.Context, m Message) error { return f(ctx, m) }

func CloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
