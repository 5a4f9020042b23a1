package inventory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/events"
)

var ErrInvalidQuantity = errors.New("invalid quantity")

// Receipt is the recorded outcome of one order. It is written in the same
// critical section as the stock decrement, so a redelivered order is
// answered from the receipt instead of being reserved twice.
type Receipt struct {
	OrderID    string
	Status     events.Status
	Quantities map[string]int
	At         time.Time
}

// Ledger maps item -> available units. All mutation happens under one lock,
// which keeps multi-item reservations all-or-nothing even when several
// partitions are handled in parallel.
type Ledger struct {
	mu       sync.Mutex
	stock    map[string]int
	receipts map[string]Receipt
}

// NewLedger copies initial; negative quantities are stored as zero.
func NewLedger(initial map[string]int) *Ledger {
	l := &Ledger{stock: map[string]int{}, receipts: map[string]Receipt{}}
	for item, qty := range initial {
		if qty < 0 {
			qty = 0
		}
		l.stock[item] = qty
	}
	return l
}

// Quantities counts occurrences: every entry of items asks for one unit.
func Quantities(items []string) map[string]int {
	q := make(map[string]int, len(items))
	for _, it := range items {
		q[it]++
	}
	return q
}

// Reserve decrements stock for every item of the order, or for none of them
// when any item is short. fresh is false when orderID already has a receipt;
// the earlier receipt is returned and stock is left alone.
func (l *Ledger) Reserve(orderID string, items []string) (r Receipt, fresh bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.receipts[orderID]; ok {
		return r, false
	}

	want := Quantities(items)
	status := events.StatusConfirmed
	for item, n := range want {
		if l.stock[item] < n {
			status = events.StatusOutOfStock
			break
		}
	}
	if status == events.StatusConfirmed {
		for item, n := range want {
			l.stock[item] -= n
		}
	}

	r = Receipt{OrderID: orderID, Status: status, Quantities: want, At: time.Now().UTC()}
	l.receipts[orderID] = r
	return r, true
}

// Undo reverts a reservation whose result could not be recorded, so the
// order is evaluated again on redelivery.
func (l *Ledger) Undo(orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.receipts[orderID]
	if !ok {
		return
	}
	if r.Status == events.StatusConfirmed {
		for item, n := range r.Quantities {
			l.stock[item] += n
		}
	}
	delete(l.receipts, orderID)
}

// Restock adds qty units of item and returns the new level.
func (l *Ledger) Restock(item string, qty int) (int, error) {
	if item == "" || qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock[item] += qty
	return l.stock[item], nil
}

func (l *Ledger) Available(item string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stock[item]
}

func (l *Ledger) Receipt(orderID string) (Receipt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[orderID]
	return r, ok
}

func (l *Ledger) Snapshot() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.stock))
	for k, v := range l.stock {
		out[k] = v
	}
	return out
}

// Items lists the known items in name order.
func (l *Ledger) Items() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.stock))
	for k := range l.stock {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
