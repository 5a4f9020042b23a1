// Package app wires the order and inventory services onto a broker, their
// stores and an HTTP listener.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/config"
	"github.com/ariefcatur/go-order-choreography/internal/events"
	"github.com/ariefcatur/go-order-choreography/internal/httpx"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type component interface {
	Routes(r chi.Router)
	Run(ctx context.Context) error
	Close()
}

// Run starts the service cfg.Role names and blocks until ctx is done.
// With the memory broker there is no peer process to talk to, so both
// services run in this process on one in-memory log.
func Run(ctx context.Context, cfg config.Config) error {
	tr, err := NewTransport(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logrus.WithError(err).Warn("closing broker transport")
		}
	}()

	roles := []config.Role{cfg.Role}
	if cfg.Broker == "memory" {
		roles = []config.Role{config.RoleOrders, config.RoleInventory}
	}

	var comps []component
	defer func() {
		for _, c := range comps {
			c.Close()
		}
	}()
	for _, role := range roles {
		rc := cfg
		if role != cfg.Role {
			rc = peerConfig(cfg, role)
		}
		var (
			c   component
			err error
		)
		switch role {
		case config.RoleOrders:
			c, err = NewOrders(ctx, rc, tr)
		case config.RoleInventory:
			c, err = NewInventory(ctx, rc, tr)
		}
		if err != nil {
			return err
		}
		comps = append(comps, c)
	}

	router := httpx.NewRouter()
	for _, c := range comps {
		c.Routes(router)
	}
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range comps {
		c := c
		g.Go(func() error { return c.Run(ctx) })
	}
	g.Go(func() error {
		logrus.WithField("addr", cfg.HTTPAddr).Info("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// peerConfig derives the co-hosted service's settings in memory mode.
func peerConfig(cfg config.Config, role config.Role) config.Config {
	rc := cfg
	rc.Role = role
	switch role {
	case config.RoleOrders:
		rc.ServiceName = "order-service"
		rc.ConsumerGroup = events.GroupOrderService
	case config.RoleInventory:
		rc.ServiceName = "inventory-service"
		rc.ConsumerGroup = events.GroupInventoryService
	}
	return rc
}
