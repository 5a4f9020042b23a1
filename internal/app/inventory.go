package app

import (
	"context"

	"github.com/ariefcatur/go-order-choreography/internal/config"
	"github.com/ariefcatur/go-order-choreography/internal/httpx"
	"github.com/ariefcatur/go-order-choreography/internal/inventory"
	"github.com/ariefcatur/go-order-choreography/internal/outbox"
	"github.com/ariefcatur/go-order-choreography/internal/postgres"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Inventory is the InventoryService process: the orders-topic consumer and
// the InventoryResult outbox dispatcher.
type Inventory struct {
	Service    *inventory.Service
	Dispatcher *outbox.Dispatcher

	cfg     config.Config
	tr      Transport
	cleanup []func()
}

func NewInventory(ctx context.Context, cfg config.Config, tr Transport) (*Inventory, error) {
	a := &Inventory{cfg: cfg, tr: tr}

	var ob outbox.Store = outbox.NewMemoryStore()
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
		ob = &outbox.PGStore{DB: db, Service: cfg.ServiceName}
	}

	svc := &inventory.Service{
		Ledger:      inventory.NewLedger(cfg.InitialStock),
		Outbox:      ob,
		ResultTopic: cfg.InventoryTopic,
		ServiceName: cfg.ServiceName,
	}
	a.Dispatcher = outbox.NewDispatcher(ob, tr.Pub,
		outbox.WithPollInterval(cfg.OutboxPoll),
		outbox.WithBackoff(retryInitial, cfg.PublishMaxElapsed, 0),
		outbox.WithOnFailed(svc.OnPublishFailed),
	)
	svc.Dispatcher = a.Dispatcher
	svc.ObserveAll()
	a.Service = svc
	return a, nil
}

func (a *Inventory) Routes(r chi.Router) {
	(&httpx.StockHandler{Service: a.Service}).Register(r)
}

func (a *Inventory) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	h := wrap(a.Service.HandleOrderCreated, a.cfg, a.tr.Pub)
	g.Go(func() error {
		return a.tr.Sub.Subscribe(ctx, a.cfg.OrdersTopic, a.cfg.ConsumerGroup, h)
	})
	g.Go(func() error { return a.Dispatcher.Run(ctx) })
	logrus.WithFields(logrus.Fields{
		"service": a.cfg.ServiceName,
		"topic":   a.cfg.OrdersTopic,
		"group":   a.cfg.ConsumerGroup,
		"stock":   a.Service.Snapshot(),
	}).Info("inventory service started")
	return g.Wait()
}

func (a *Inventory) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
