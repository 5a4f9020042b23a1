package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWrapsBrokerErrors(t *testing.T) {
	p := NewProducer([]string{"127.0.0.1:1"}, 300*time.Millisecond)
	defer p.Close()

	err := p.Publish(context.Background(), broker.Message{Topic: "orders-topic", Key: "o-1", Value: []byte(`{}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrPublishFailure)
}

func TestNewConsumerClampsLanes(t *testing.T) {
	assert.Equal(t, 1, NewConsumer(nil, 0).lanes)
	assert.Equal(t, 6, NewConsumer(nil, 6).lanes)
}
