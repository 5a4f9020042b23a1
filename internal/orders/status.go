package orders

import "github.com/ariefcatur/go-order-choreography/internal/events"

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusConfirmed     Status = Status(events.StatusConfirmed)
	StatusOutOfStock    Status = Status(events.StatusOutOfStock)
	StatusPublishFailed Status = "PUBLISH_FAILED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:       {StatusConfirmed: true, StatusOutOfStock: true, StatusPublishFailed: true},
	StatusPublishFailed: {StatusPending: true, StatusConfirmed: true, StatusOutOfStock: true},
	StatusConfirmed:     {},
	StatusOutOfStock:    {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusOutOfStock
}

// sourcesOf lists the states that may move to to.
func sourcesOf(to Status) []Status {
	var out []Status
	for from, next := range validNext {
		if next[to] {
			out = append(out, from)
		}
	}
	return out
}
