package orders

import (
	"errors"
	"time"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotFound          = errors.New("order not found")
	ErrAlreadyExists     = errors.New("order already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Order struct {
	ID        string    `json:"orderId"`
	Items     []string  `json:"items"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (o Order) clone() Order {
	o.Items = append([]string(nil), o.Items...)
	return o
}
