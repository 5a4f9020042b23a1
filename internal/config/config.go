package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Role string

const (
	RoleOrders    Role = "orders"
	RoleInventory Role = "inventory"
)

type Config struct {
	Role        Role
	HTTPAddr    string
	ServiceName string

	Broker          string // kafka | memory
	KafkaBrokers    []string
	OrdersTopic     string
	InventoryTopic  string
	DeadLetterTopic string
	ConsumerGroup   string
	ConsumerWorkers int

	HandlerMaxAttempts int
	PublishTimeout     time.Duration
	PublishMaxElapsed  time.Duration
	OutboxPoll         time.Duration

	PostgresDSN      string
	PostgresMaxConns int
	RedisAddr        string
	InitialStock     map[string]int
	OrderRetention   time.Duration

	LogLevel  string
	LogFormat string
}

// DefaultDeadLetterTopic receives records whose handler kept failing, so
// they are committed instead of holding up the consumer. DEAD_LETTER_TOPIC=off
// disables it and failing records are redelivered in place.
const DefaultDeadLetterTopic = "dead-letter-topic"

var defaults = map[Role]struct{ addr, service, group string }{
	RoleOrders:    {":8081", "order-service", "order-service-group"},
	RoleInventory: {":8082", "inventory-service", "inventory-service-group"},
}

// Load reads the environment for role. Unset variables take their defaults;
// a value that does not parse is an error.
func Load(role Role) (Config, error) {
	d, ok := defaults[role]
	if !ok {
		return Config{}, fmt.Errorf("unknown role %q", role)
	}
	cfg := Config{
		Role:            role,
		HTTPAddr:        getenv("HTTP_ADDR", d.addr),
		ServiceName:     getenv("SERVICE_NAME", d.service),
		Broker:          getenv("BROKER", "kafka"),
		KafkaBrokers:    splitCSV(getenv("KAFKA_BROKERS", "kafka:9092")),
		OrdersTopic:     getenv("ORDERS_TOPIC", "orders-topic"),
		InventoryTopic:  getenv("INVENTORY_TOPIC", "inventory-topic"),
		DeadLetterTopic: getenv("DEAD_LETTER_TOPIC", DefaultDeadLetterTopic),
		ConsumerGroup:   getenv("CONSUMER_GROUP", d.group),
		PostgresDSN:     getenv("POSTGRES_DSN", ""),
		RedisAddr:       getenv("REDIS_ADDR", ""),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogFormat:       getenv("LOG_FORMAT", "text"),
	}

	var errs []error
	cfg.ConsumerWorkers = atoi("CONSUMER_WORKERS", 4, &errs)
	cfg.PostgresMaxConns = atoi("POSTGRES_MAX_CONNS", 8, &errs)
	cfg.HandlerMaxAttempts = atoi("HANDLER_MAX_ATTEMPTS", 5, &errs)
	cfg.PublishTimeout = duration("PUBLISH_TIMEOUT", 5*time.Second, &errs)
	cfg.PublishMaxElapsed = duration("PUBLISH_MAX_ELAPSED", 30*time.Second, &errs)
	cfg.OutboxPoll = duration("OUTBOX_POLL_INTERVAL", time.Second, &errs)
	cfg.OrderRetention = duration("ORDER_RETENTION", 0, &errs)

	stock, err := ParseStock(getenv("INITIAL_STOCK", "laptop=5,phone=3,charger=10"))
	if err != nil {
		errs = append(errs, fmt.Errorf("INITIAL_STOCK: %w", err))
	}
	cfg.InitialStock = stock

	if cfg.DeadLetterTopic == "off" {
		cfg.DeadLetterTopic = ""
	}
	if cfg.PostgresMaxConns < 1 {
		errs = append(errs, errors.New("POSTGRES_MAX_CONNS: must be at least 1"))
	}
	if cfg.Broker != "kafka" && cfg.Broker != "memory" {
		errs = append(errs, fmt.Errorf("BROKER: want kafka or memory, got %q", cfg.Broker))
	}
	if cfg.Broker == "kafka" && len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS: empty"))
	}
	if cfg.ConsumerWorkers < 1 {
		errs = append(errs, errors.New("CONSUMER_WORKERS: must be at least 1"))
	}
	if cfg.HandlerMaxAttempts < 1 {
		errs = append(errs, errors.New("HANDLER_MAX_ATTEMPTS: must be at least 1"))
	}
	return cfg, errors.Join(errs...)
}

// ParseStock reads "item=qty,item=qty".
func ParseStock(s string) (map[string]int, error) {
	out := map[string]int{}
	for _, pair := range splitCSV(s) {
		item, qty, ok := strings.Cut(pair, "=")
		item = strings.TrimSpace(item)
		if !ok || item == "" {
			return nil, fmt.Errorf("bad entry %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(qty))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad quantity for %q", item)
		}
		out[item] = n
	}
	return out, nil
}

// SetupLogging applies LOG_LEVEL and LOG_FORMAT to the standard logrus logger.
func (c Config) SetupLogging() error {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	switch c.LogFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("LOG_FORMAT: want text or json, got %q", c.LogFormat)
	}
	logrus.WithFields(logrus.Fields{"service": c.ServiceName, "role": c.Role}).Debug("logging configured")
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoi(k string, def int, errs *[]error) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return n
}

func duration(k string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
