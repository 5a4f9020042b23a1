package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/broker"
	"github.com/ariefcatur/go-order-choreography/internal/events"
	"github.com/ariefcatur/go-order-choreography/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type fakeCache struct {
	mu     sync.Mutex
	orders map[string]Order
	keys   map[string]string
	hits   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{orders: map[string]Order{}, keys: map[string]string{}}
}

func (c *fakeCache) GetOrder(_ context.Context, id string) (Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[id]
	if ok {
		c.hits++
	}
	return o, ok
}

func (c *fakeCache) SetOrder(_ context.Context, o Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[o.ID] = o
}

func (c *fakeCache) ClaimKey(_ context.Context, key, id string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bound, ok := c.keys[key]; ok {
		return bound, false, nil
	}
	c.keys[key] = id
	return id, true, nil
}

func (c *fakeCache) ReleaseKey(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
}

type notifier struct{ n int }

func (n *notifier) Notify() { n.n++ }

func newService() (*Service, *outbox.MemoryStore, *notifier) {
	ob := outbox.NewMemoryStore()
	n := &notifier{}
	return &Service{
		Store:       NewMemoryStore(ob),
		Outbox:      ob,
		Dispatcher:  n,
		OrdersTopic: events.TopicOrders,
		ServiceName: "order-service",
	}, ob, n
}

func inventoryResult(t *testing.T, id string, status events.Status) broker.Message {
	t.Helper()
	b, err := events.Encode(events.InventoryResult{OrderID: id, Status: status})
	require.NoError(t, err)
	return broker.Message{Topic: events.TopicInventory, Key: id, Value: b}
}

func TestSubmitRejectsEmptyItems(t *testing.T) {
	svc, ob, n := newService()
	for _, items := range [][]string{nil, {}, {"laptop", ""}} {
		_, _, err := svc.Submit(context.Background(), items, "")
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Equal(t, 0, ob.Len())
	assert.Equal(t, 0, n.n)
}

func TestSubmitStoresPendingAndAnnounces(t *testing.T) {
	ctx := context.Background()
	svc, ob, n := newService()

	id, existed, err := svc.Submit(ctx, []string{"laptop", "phone"}, "")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, n.n)

	o, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, []string{"laptop", "phone"}, o.Items)

	entries, err := ob.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, events.TopicOrders, entries[0].Topic)
	assert.Equal(t, id, entries[0].Key)
	assert.Equal(t, events.EventOrderCreated, entries[0].Headers[events.HeaderEventType])
	ev, err := events.DecodeOrderCreated(entries[0].Value)
	require.NoError(t, err)
	assert.Equal(t, events.OrderCreated{OrderID: id, Items: []string{"laptop", "phone"}}, ev)
}

func TestSubmitGeneratesDistinctIDs(t *testing.T) {
	svc, _, _ := newService()
	a, _, err := svc.Submit(context.Background(), []string{"laptop"}, "")
	require.NoError(t, err)
	b, _, err := svc.Submit(context.Background(), []string{"laptop"}, "")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSubmitIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	for name, cache := range map[string]Cache{"local": nil, "cache": newFakeCache()} {
		t.Run(name, func(t *testing.T) {
			svc, ob, _ := newService()
			svc.Cache = cache

			first, existed, err := svc.Submit(ctx, []string{"laptop"}, "client-42")
			require.NoError(t, err)
			assert.False(t, existed)

			again, existed, err := svc.Submit(ctx, []string{"laptop"}, "client-42")
			require.NoError(t, err)
			assert.True(t, existed)
			assert.Equal(t, first, again)
			assert.Equal(t, 1, ob.Len())
		})
	}
}

func TestSubmitReleasesKeyWhenCreateFails(t *testing.T) {
	svc, _, _ := newService()
	svc.Store = NewMemoryStore(failingOutbox{})

	_, _, err := svc.Submit(context.Background(), []string{"laptop"}, "k")
	require.Error(t, err)

	svc.Store = NewMemoryStore(outbox.NewMemoryStore())
	_, existed, err := svc.Submit(context.Background(), []string{"laptop"}, "k")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestHandleInventoryResultIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService()
	id, _, err := svc.Submit(ctx, []string{"laptop"}, "")
	require.NoError(t, err)

	msg := inventoryResult(t, id, events.StatusConfirmed)
	require.NoError(t, svc.HandleInventoryResult(ctx, msg))
	require.NoError(t, svc.HandleInventoryResult(ctx, msg))

	o, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, o.Status)
}

func TestHandleInventoryResultNeverReverts(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService()
	id, _, err := svc.Submit(ctx, []string{"phone"}, "")
	require.NoError(t, err)

	require.NoError(t, svc.HandleInventoryResult(ctx, inventoryResult(t, id, events.StatusOutOfStock)))
	require.NoError(t, svc.HandleInventoryResult(ctx, inventoryResult(t, id, events.StatusConfirmed)))

	o, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusOutOfStock, o.Status)
}

func TestHandleInventoryResultUnknownOrder(t *testing.T) {
	svc, _, _ := newService()
	err := svc.HandleInventoryResult(context.Background(), inventoryResult(t, "ghost", events.StatusConfirmed))
	assert.NoError(t, err)
	_, err = svc.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleInventoryResultMalformed(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService()
	id, _, err := svc.Submit(ctx, []string{"laptop"}, "")
	require.NoError(t, err)

	for _, v := range []string{`{`, `{"orderId":"` + id + `"}`, `{"orderId":"` + id + `","status":"PENDING"}`} {
		assert.NoError(t, svc.HandleInventoryResult(ctx, broker.Message{Topic: events.TopicInventory, Value: []byte(v)}))
	}
	o, _ := svc.Get(ctx, id)
	assert.Equal(t, StatusPending, o.Status)
}

type erroringStore struct{ Store }

func (erroringStore) Transition(context.Context, string, Status) (Order, bool, error) {
	return Order{}, false, errors.New("db down")
}

func TestHandleInventoryResultReturnsStoreErrors(t *testing.T) {
	svc, _, _ := newService()
	svc.Store = erroringStore{svc.Store}
	err := svc.HandleInventoryResult(context.Background(), inventoryResult(t, "o-1", events.StatusConfirmed))
	assert.Error(t, err)
}

func TestGetUsesCache(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService()
	cache := newFakeCache()
	svc.Cache = cache

	id, _, err := svc.Submit(ctx, []string{"laptop"}, "")
	require.NoError(t, err)
	require.NoError(t, svc.HandleInventoryResult(ctx, inventoryResult(t, id, events.StatusConfirmed)))

	o, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, o.Status)
	assert.Equal(t, 1, cache.hits)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublishFailedAndRetry(t *testing.T) {
	ctx := context.Background()
	svc, ob, n := newService()
	id, _, err := svc.Submit(ctx, []string{"laptop"}, "")
	require.NoError(t, err)

	entries, _ := ob.Pending(ctx, 0)
	require.Len(t, entries, 1)
	require.NoError(t, ob.MarkFailed(ctx, entries[0].ID, 5, "broker down"))
	svc.OnPublishFailed(ctx, entries[0], broker.ErrPublishFailure)

	o, _ := svc.Get(ctx, id)
	assert.Equal(t, StatusPublishFailed, o.Status)

	before := n.n
	requeued, err := svc.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, before+1, n.n)

	o, _ = svc.Get(ctx, id)
	assert.Equal(t, StatusPending, o.Status)
	pending, _ := ob.Pending(ctx, 0)
	assert.Len(t, pending, 1)

	// a late result still resolves the order
	require.NoError(t, svc.HandleInventoryResult(ctx, inventoryResult(t, id, events.StatusConfirmed)))
	o, _ = svc.Get(ctx, id)
	assert.Equal(t, StatusConfirmed, o.Status)
}

// roundTrip resolves the order inside Notify, the way a fast broker can
// before Submit has returned.
type roundTrip struct {
	t   *testing.T
	svc *Service
}

func (r *roundTrip) Notify() {
	pending, err := r.svc.Outbox.Pending(context.Background(), 0)
	require.NoError(r.t, err)
	for _, e := range pending {
		require.NoError(r.t, r.svc.HandleInventoryResult(context.Background(), inventoryResult(r.t, e.Key, events.StatusConfirmed)))
	}
}

func TestSubmitDoesNotCacheOverResolvedOrder(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService()
	svc.Cache = newFakeCache()
	svc.Dispatcher = &roundTrip{t: t, svc: svc}

	id, _, err := svc.Submit(ctx, []string{"laptop"}, "")
	require.NoError(t, err)

	o, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, o.Status)
}

func TestGetIgnoresCachedPendingOrder(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService()
	cache := newFakeCache()
	svc.Cache = cache

	id, _, err := svc.Submit(ctx, []string{"laptop"}, "")
	require.NoError(t, err)
	stale, err := svc.Store.Get(ctx, id)
	require.NoError(t, err)
	cache.SetOrder(ctx, stale)

	require.NoError(t, svc.HandleInventoryResult(ctx, inventoryResult(t, id, events.StatusOutOfStock)))
	cache.SetOrder(ctx, stale)

	o, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusOutOfStock, o.Status)
}

func TestSubmitCarriesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))

	svc, ob, _ := newService()
	_, _, err := svc.Submit(ctx, []string{"laptop"}, "")
	require.NoError(t, err)

	entries, err := ob.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Headers["traceparent"], traceID.String())
	assert.Equal(t, entries[0].Headers, entries[0].Message().Headers)
}

func TestLocalIdempotencyKeysAreBounded(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	svc.keys = map[string]localKey{"expired": {orderID: "o-old", at: time.Now().Add(-2 * localKeyTTL)}}
	id, claimed, err := svc.claimKey(ctx, "expired", "o-new")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "o-new", id)

	base := time.Now().Add(-time.Hour)
	svc.keys = make(map[string]localKey, maxLocalKeys)
	for i := 0; i < maxLocalKeys; i++ {
		svc.keys[fmt.Sprintf("k-%d", i)] = localKey{orderID: "o", at: base.Add(time.Duration(i) * time.Millisecond)}
	}
	_, claimed, err = svc.claimKey(ctx, "fresh", "o-fresh")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Len(t, svc.keys, maxLocalKeys)
	assert.NotContains(t, svc.keys, "k-0")
	assert.Contains(t, svc.keys, "fresh")
}
