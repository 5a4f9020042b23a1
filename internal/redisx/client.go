package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/orders"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Cache implements orders.Cache on Redis. The order store stays the source
// of truth: every cache failure degrades to a miss.
type Cache struct {
	rdb *redis.Client
}

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

var _ orders.Cache = (*Cache)(nil)

func (c *Cache) GetOrder(ctx context.Context, id string) (orders.Order, bool) {
	s, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, id)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logrus.WithError(err).WithField("order_id", id).Debug("order cache read failed")
		}
		return orders.Order{}, false
	}
	var o orders.Order
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return orders.Order{}, false
	}
	return o, true
}

func (c *Cache) SetOrder(ctx context.Context, o orders.Order) {
	b, err := json.Marshal(o)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, o.ID), b, TTLStatusCache).Err(); err != nil {
		logrus.WithError(err).WithField("order_id", o.ID).Debug("order cache write failed")
	}
}

func (c *Cache) ClaimKey(ctx context.Context, key, orderID string) (string, bool, error) {
	k := fmt.Sprintf(KeyIdemOrderCreate, key)
	ok, err := c.rdb.SetNX(ctx, k, orderID, TTLIdempotency).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return orderID, true, nil
	}
	bound, err := c.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return c.ClaimKey(ctx, key, orderID)
	}
	if err != nil {
		return "", false, err
	}
	return bound, false, nil
}

func (c *Cache) ReleaseKey(ctx context.Context, key string) {
	_ = c.rdb.Del(ctx, fmt.Sprintf(KeyIdemOrderCreate, key)).Err()
}
