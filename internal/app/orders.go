package app

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/config"
	"github.com/ariefcatur/go-order-choreography/internal/httpx"
	"github.com/ariefcatur/go-order-choreography/internal/orders"
	"github.com/ariefcatur/go-order-choreography/internal/outbox"
	"github.com/ariefcatur/go-order-choreography/internal/postgres"
	"github.com/ariefcatur/go-order-choreography/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	retryInitial  = 100 * time.Millisecond
	sweepInterval = time.Minute
)

// Orders is the OrderService process: the inventory-topic consumer, the
// OrderCreated outbox dispatcher and the retention sweeper.
type Orders struct {
	Service    *orders.Service
	Dispatcher *outbox.Dispatcher

	cfg     config.Config
	tr      Transport
	cleanup []func()
}

func NewOrders(ctx context.Context, cfg config.Config, tr Transport) (*Orders, error) {
	a := &Orders{cfg: cfg, tr: tr}
	svc := &orders.Service{OrdersTopic: cfg.OrdersTopic, ServiceName: cfg.ServiceName}

	var ob outbox.Store
	if cfg.PostgresDSN != "" {
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, db.Close)
		if err := postgres.Migrate(ctx, db); err != nil {
			a.Close()
			return nil, err
		}
		pgOutbox := &outbox.PGStore{DB: db, Service: cfg.ServiceName}
		ob = pgOutbox
		svc.Store = &orders.PGStore{DB: db, Outbox: pgOutbox}
	} else {
		mem := outbox.NewMemoryStore()
		ob = mem
		svc.Store = orders.NewMemoryStore(mem)
	}
	svc.Outbox = ob

	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		a.cleanup = append(a.cleanup, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			logrus.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis unreachable, cache degrades to misses")
		}
		svc.Cache = redisx.NewCache(rdb)
	}

	a.Dispatcher = outbox.NewDispatcher(ob, tr.Pub,
		outbox.WithPollInterval(cfg.OutboxPoll),
		outbox.WithBackoff(retryInitial, cfg.PublishMaxElapsed, 0),
		outbox.WithOnFailed(svc.OnPublishFailed),
	)
	svc.Dispatcher = a.Dispatcher
	a.Service = svc
	return a, nil
}

func (a *Orders) Routes(r chi.Router) {
	(&httpx.OrdersHandler{Service: a.Service}).Register(r)
}

// Run blocks until ctx is done or a component fails.
func (a *Orders) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	h := wrap(a.Service.HandleInventoryResult, a.cfg, a.tr.Pub)
	g.Go(func() error {
		return a.tr.Sub.Subscribe(ctx, a.cfg.InventoryTopic, a.cfg.ConsumerGroup, h)
	})
	g.Go(func() error { return a.Dispatcher.Run(ctx) })
	if a.cfg.OrderRetention > 0 {
		g.Go(func() error { return a.sweep(ctx) })
	}
	logrus.WithFields(logrus.Fields{
		"service": a.cfg.ServiceName,
		"topic":   a.cfg.InventoryTopic,
		"group":   a.cfg.ConsumerGroup,
	}).Info("order service started")
	return g.Wait()
}

func (a *Orders) sweep(ctx context.Context) error {
	t := time.NewTicker(min(sweepInterval, a.cfg.OrderRetention))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := a.Service.Store.Sweep(ctx, time.Now().Add(-a.cfg.OrderRetention))
			if err != nil {
				logrus.WithError(err).Warn("order sweep failed")
				continue
			}
			if n > 0 {
				logrus.WithField("evicted", n).Info("swept resolved orders")
			}
		}
	}
}

func (a *Orders) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
