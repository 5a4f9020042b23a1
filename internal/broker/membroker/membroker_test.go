package membroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []broker.Message
}

func (r *recorder) handle(ctx context.Context, m broker.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) values(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if key == "" || m.Key == key {
			out = append(out, string(m.Value))
		}
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func subscribe(t *testing.T, b *Broker, topic, group string, h broker.Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Subscribe(ctx, topic, group, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func publish(t *testing.T, b *Broker, topic, key, value string) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), broker.Message{Topic: topic, Key: key, Value: []byte(value)}))
}

func TestPerKeyOrder(t *testing.T) {
	b := New(4)
	for i := 0; i < 20; i++ {
		publish(t, b, "t", fmt.Sprintf("k%d", i%3), fmt.Sprintf("%d", i))
	}

	rec := &recorder{}
	subscribe(t, b, "t", "g", rec.handle)
	require.Eventually(t, func() bool { return b.Lag("t", "g") == 0 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"0", "3", "6", "9", "12", "15", "18"}, rec.values("k0"))
	assert.Equal(t, []string{"1", "4", "7", "10", "13", "16", "19"}, rec.values("k1"))
	assert.Equal(t, 20, rec.len())
}

func TestSameKeySamePartition(t *testing.T) {
	b := New(8)
	publish(t, b, "t", "order-1", "a")
	publish(t, b, "t", "order-1", "b")

	msgs := b.Messages("t")
	require.Len(t, msgs, 2)
	assert.Equal(t, msgs[0].Partition, msgs[1].Partition)
	assert.Equal(t, msgs[0].Offset+1, msgs[1].Offset)
	assert.Equal(t, b.PartitionFor("order-1"), msgs[0].Partition)
}

func TestGroupsAreIndependent(t *testing.T) {
	b := New(2)
	a, c := &recorder{}, &recorder{}
	subscribe(t, b, "t", "group-a", a.handle)
	subscribe(t, b, "t", "group-c", c.handle)

	publish(t, b, "t", "k", "v")
	require.Eventually(t, func() bool { return a.len() == 1 && c.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMembersOfOneGroupSplitPartitions(t *testing.T) {
	b := New(2)
	first, second := &recorder{}, &recorder{}
	subscribe(t, b, "t", "g", first.handle)
	// let the first member claim its partitions
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		owners := b.topic("t").owners["g"]
		return len(owners) == 2 && owners[0] && owners[1]
	}, time.Second, time.Millisecond)
	subscribe(t, b, "t", "g", second.handle)

	for i := 0; i < 10; i++ {
		publish(t, b, "t", fmt.Sprintf("k%d", i), "v")
	}
	require.Eventually(t, func() bool { return b.Lag("t", "g") == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 10, first.len())
	assert.Equal(t, 0, second.len())
}

func TestFailedHandlerIsRedelivered(t *testing.T) {
	b := New(1)
	var mu sync.Mutex
	attempts := 0
	subscribe(t, b, "t", "g", func(ctx context.Context, m broker.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	publish(t, b, "t", "k", "v")
	require.Eventually(t, func() bool { return b.Lag("t", "g") == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestRewindRedelivers(t *testing.T) {
	b := New(2)
	rec := &recorder{}
	subscribe(t, b, "t", "g", rec.handle)

	publish(t, b, "t", "a", "1")
	publish(t, b, "t", "b", "2")
	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)

	b.Rewind("t", "g")
	require.Eventually(t, func() bool { return rec.len() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.Lag("t", "g"))
}

func TestFailPublishes(t *testing.T) {
	b := New(1)
	b.FailPublishes(2)
	m := broker.Message{Topic: "t", Key: "k", Value: []byte("v")}

	assert.ErrorIs(t, b.Publish(context.Background(), m), broker.ErrPublishFailure)
	assert.ErrorIs(t, b.Publish(context.Background(), m), broker.ErrPublishFailure)
	assert.NoError(t, b.Publish(context.Background(), m))
	assert.Len(t, b.Messages("t"), 1)
}

func TestPublishKeepsHeaders(t *testing.T) {
	b := New(1)
	h := map[string]string{"x-event-type": "OrderCreated"}
	require.NoError(t, b.Publish(context.Background(), broker.Message{Topic: "t", Key: "k", Headers: h}))
	h["x-event-type"] = "mutated"

	msgs := b.Messages("t")
	require.Len(t, msgs, 1)
	assert.Equal(t, "OrderCreated", msgs[0].Headers["x-event-type"])
}
