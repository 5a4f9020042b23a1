// Package membroker is an in-process partitioned log with consumer groups.
// It keeps the delivery contract of the real broker: per-partition order,
// one group member per partition, commit after successful handling and
// at-least-once redelivery of records whose handler failed.
package membroker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/broker"
	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

const DefaultPartitions = 4

type topic struct {
	logs    [][]broker.Message
	seqs    [][]uint64
	offsets map[string][]int64 // group -> next offset per partition
	owners  map[string][]bool  // group -> partition claimed by a member
}

type Broker struct {
	partitions    int
	redeliverWait time.Duration

	mu            sync.Mutex
	topics        map[string]*topic
	seq           uint64
	failPublishes int
	changed       chan struct{}
}

func New(partitions int) *Broker {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	return &Broker{
		partitions:    partitions,
		redeliverWait: 10 * time.Millisecond,
		topics:        map[string]*topic{},
		changed:       make(chan struct{}),
	}
}

// caller holds b.mu
func (b *Broker) topic(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{
			logs:    make([][]broker.Message, b.partitions),
			seqs:    make([][]uint64, b.partitions),
			offsets: map[string][]int64{},
			owners:  map[string][]bool{},
		}
		b.topics[name] = t
	}
	return t
}

// caller holds b.mu
func (b *Broker) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) PartitionFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(b.partitions))
}

func (b *Broker) Publish(ctx context.Context, m broker.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrPublishFailure, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failPublishes > 0 {
		b.failPublishes--
		return fmt.Errorf("%w: broker unavailable", broker.ErrPublishFailure)
	}

	t := b.topic(m.Topic)
	p := b.PartitionFor(m.Key)
	m.Partition = p
	m.Offset = int64(len(t.logs[p]))
	m.Headers = broker.InjectTrace(ctx, broker.CloneHeaders(m.Headers))
	m.Value = append([]byte(nil), m.Value...)

	b.seq++
	t.logs[p] = append(t.logs[p], m)
	t.seqs[p] = append(t.seqs[p], b.seq)
	b.broadcast()
	return nil
}

// Subscribe claims every partition of topic not yet owned by another member
// of group and runs one sequential delivery loop per claimed partition. A
// member that claims nothing idles until ctx is done.
func (b *Broker) Subscribe(ctx context.Context, topicName, group string, h broker.Handler) error {
	b.mu.Lock()
	t := b.topic(topicName)
	if _, ok := t.offsets[group]; !ok {
		t.offsets[group] = make([]int64, b.partitions)
		t.owners[group] = make([]bool, b.partitions)
	}
	var claimed []int
	for p, owned := range t.owners[group] {
		if !owned {
			t.owners[group][p] = true
			claimed = append(claimed, p)
		}
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		for _, p := range claimed {
			t.owners[group][p] = false
		}
		b.mu.Unlock()
	}()

	logrus.WithFields(logrus.Fields{
		"topic":      topicName,
		"group":      group,
		"partitions": claimed,
	}).Debug("membroker member joined")

	if len(claimed) == 0 {
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	for _, p := range claimed {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			b.deliver(ctx, t, group, p, h)
		}(p)
	}
	wg.Wait()
	return nil
}

func (b *Broker) deliver(ctx context.Context, t *topic, group string, p int, h broker.Handler) {
	for {
		b.mu.Lock()
		off := t.offsets[group][p]
		var (
			m    broker.Message
			wait chan struct{}
		)
		if off < int64(len(t.logs[p])) {
			m = t.logs[p][off]
			m.Headers = broker.CloneHeaders(m.Headers)
		} else {
			wait = b.changed
		}
		b.mu.Unlock()

		if wait != nil {
			select {
			case <-ctx.Done():
				return
			case <-wait:
				continue
			}
		}

		if err := h(broker.ExtractTrace(ctx, m.Headers), m); err != nil {
			logrus.WithFields(logrus.Fields{
				"topic":     m.Topic,
				"partition": p,
				"offset":    off,
			}).WithError(err).Warn("handler failed, redelivering")
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.redeliverWait):
			}
			continue
		}

		b.mu.Lock()
		// a Rewind while the handler ran wins over this commit
		if t.offsets[group][p] == off {
			t.offsets[group][p] = off + 1
		}
		b.broadcast()
		b.mu.Unlock()
	}
}

// Rewind resets the committed offsets of group on topic to the beginning, so
// every record is delivered again.
func (b *Broker) Rewind(topicName, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(topicName)
	if offs, ok := t.offsets[group]; ok {
		for p := range offs {
			offs[p] = 0
		}
	}
	b.broadcast()
}

// FailPublishes makes the next n publishes fail with broker.ErrPublishFailure.
func (b *Broker) FailPublishes(n int) {
	b.mu.Lock()
	b.failPublishes = n
	b.mu.Unlock()
}

// Messages returns every record of topic in publish order.
func (b *Broker) Messages(topicName string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(topicName)

	type rec struct {
		seq uint64
		m   broker.Message
	}
	var all []rec
	for p := range t.logs {
		for i, m := range t.logs[p] {
			all = append(all, rec{seq: t.seqs[p][i], m: m})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]broker.Message, len(all))
	for i, r := range all {
		out[i] = r.m
	}
	return out
}

// Lag is the number of records of topic not yet committed by group.
func (b *Broker) Lag(topicName, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(topicName)
	lag := 0
	for p := range t.logs {
		committed := int64(0)
		if offs, ok := t.offsets[group]; ok {
			committed = offs[p]
		}
		lag += len(t.logs[p]) - int(committed)
	}
	return lag
}
