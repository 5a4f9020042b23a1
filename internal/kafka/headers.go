package kafka

import (
	"sort"

	"github.com/ariefcatur/go-order-choreography/internal/broker"
	"github.com/segmentio/kafka-go"
)

func toKafkaHeaders(h map[string]string) []kafka.Header {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kafka.Header, 0, len(h))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(h[k])})
	}
	return out
}

// fromKafka maps a fetched record onto broker.Message. Repeated header keys
// keep the last value.
func fromKafka(m kafka.Message) broker.Message {
	h := make(map[string]string, len(m.Headers))
	for _, kh := range m.Headers {
		h[kh.Key] = string(kh.Value)
	}
	return broker.Message{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Value:     m.Value,
		Headers:   h,
		Partition: m.Partition,
		Offset:    m.Offset,
	}
}
