package events

import (
	"github.com/google/uuid"
)

const (
	EventOrderCreated    = "OrderCreated"
	EventInventoryResult = "InventoryResult"

	EventVersion = "1"
)

// Record headers. The value stays the bare payload; metadata rides here.
const (
	HeaderEventID      = "x-event-id"
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
	HeaderProducer     = "x-producer"
)

type Status string

const (
	StatusConfirmed  Status = "CONFIRMED"
	StatusOutOfStock Status = "OUT_OF_STOCK"
)

func (s Status) Valid() bool {
	return s == StatusConfirmed || s == StatusOutOfStock
}

// OrderCreated is published on orders-topic.
type OrderCreated struct {
	OrderID string   `json:"orderId"`
	Items   []string `json:"items"`
}

// InventoryResult is published on inventory-topic.
type InventoryResult struct {
	OrderID string `json:"orderId"`
	Status  Status `json:"status"`
}

// Headers builds the metadata headers for a freshly produced event.
func Headers(eventType, producer string) map[string]string {
	return map[string]string{
		HeaderEventID:      uuid.NewString(),
		HeaderEventType:    eventType,
		HeaderEventVersion: EventVersion,
		HeaderProducer:     producer,
	}
}
