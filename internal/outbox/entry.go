// Package outbox records events as part of a local state change and hands
// them to the broker afterwards, retrying until acknowledged. A committed
// change is therefore never lost because the broker was briefly unreachable.
package outbox

import (
	"errors"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/broker"
	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusFailed  Status = "FAILED"
)

var ErrNotFound = errors.New("outbox entry not found")

type Entry struct {
	ID        string
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Status    Status
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewEntry(topic, key string, value []byte, headers map[string]string) Entry {
	now := time.Now().UTC()
	return Entry{
		ID:        uuid.NewString(),
		Topic:     topic,
		Key:       key,
		Value:     value,
		Headers:   headers,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (e Entry) Message() broker.Message {
	return broker.Message{
		Topic:   e.Topic,
		Key:     e.Key,
		Value:   e.Value,
		Headers: broker.CloneHeaders(e.Headers),
	}
}
