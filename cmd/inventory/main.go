package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-order-choreography/internal/app"
	"github.com/ariefcatur/go-order-choreography/internal/config"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.RoleInventory)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	if err := cfg.SetupLogging(); err != nil {
		logrus.Fatalf("logging: %v", err)
	}
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		logrus.WithError(err).Fatal("inventory service exited")
	}
	logrus.Info("inventory service stopped")
}
