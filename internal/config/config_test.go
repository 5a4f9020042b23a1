package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "SERVICE_NAME", "BROKER", "KAFKA_BROKERS", "CONSUMER_GROUP",
		"INITIAL_STOCK", "PUBLISH_TIMEOUT", "ORDER_RETENTION", "CONSUMER_WORKERS", "DEAD_LETTER_TOPIC", "POSTGRES_MAX_CONNS"} {
		t.Setenv(k, "")
	}

	cfg, err := Load(RoleInventory)
	require.NoError(t, err)
	assert.Equal(t, ":8082", cfg.HTTPAddr)
	assert.Equal(t, "inventory-service", cfg.ServiceName)
	assert.Equal(t, "inventory-service-group", cfg.ConsumerGroup)
	assert.Equal(t, "orders-topic", cfg.OrdersTopic)
	assert.Equal(t, "inventory-topic", cfg.InventoryTopic)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, map[string]int{"laptop": 5, "phone": 3, "charger": 10}, cfg.InitialStock)
	assert.Equal(t, 5*time.Second, cfg.PublishTimeout)
	assert.Zero(t, cfg.OrderRetention)
	assert.Equal(t, DefaultDeadLetterTopic, cfg.DeadLetterTopic)
	assert.Equal(t, 8, cfg.PostgresMaxConns)

	cfg, err = Load(RoleOrders)
	require.NoError(t, err)
	assert.Equal(t, "order-service-group", cfg.ConsumerGroup)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BROKER", "memory")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("CONSUMER_WORKERS", "8")
	t.Setenv("ORDER_RETENTION", "1h")
	t.Setenv("INITIAL_STOCK", "tablet=2")
	t.Setenv("DEAD_LETTER_TOPIC", "off")
	t.Setenv("POSTGRES_MAX_CONNS", "20")

	cfg, err := Load(RoleOrders)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Broker)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 8, cfg.ConsumerWorkers)
	assert.Equal(t, time.Hour, cfg.OrderRetention)
	assert.Equal(t, map[string]int{"tablet": 2}, cfg.InitialStock)
	assert.Empty(t, cfg.DeadLetterTopic)
	assert.Equal(t, 20, cfg.PostgresMaxConns)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("BROKER", "rabbit")
	t.Setenv("PUBLISH_TIMEOUT", "soon")
	t.Setenv("CONSUMER_WORKERS", "0")
	t.Setenv("POSTGRES_MAX_CONNS", "0")

	_, err := Load(RoleOrders)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKER")
	assert.Contains(t, err.Error(), "PUBLISH_TIMEOUT")
	assert.Contains(t, err.Error(), "CONSUMER_WORKERS")
	assert.Contains(t, err.Error(), "POSTGRES_MAX_CONNS")

	_, err = Load(Role("billing"))
	assert.Error(t, err)
}

func TestParseStock(t *testing.T) {
	got, err := ParseStock("laptop=5, phone = 3")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"laptop": 5, "phone": 3}, got)

	got, err = ParseStock("")
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, bad := range []string{"laptop", "=3", "laptop=-1", "laptop=x"} {
		_, err := ParseStock(bad)
		assert.Error(t, err, bad)
	}
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)

	require.NoError(t, Config{LogLevel: "debug", LogFormat: "json"}.SetupLogging())
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	assert.Error(t, Config{LogLevel: "loud"}.SetupLogging())
	assert.Error(t, Config{LogLevel: "info", LogFormat: "xml"}.SetupLogging())
}
