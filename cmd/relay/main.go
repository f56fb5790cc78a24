package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"idempotent-consumer/internal/api"
	"idempotent-consumer/internal/application/factories/infrastructure"
	"idempotent-consumer/internal/config"
	"idempotent-consumer/internal/infrastructure/postgres"
	"idempotent-consumer/internal/metrics"
	"idempotent-consumer/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize structured JSON logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info(">>> STARTING OUTBOX RELAY <<<")

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Infrastructure
	infraFactory := infrastructure.NewFactory(cfg, logger)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	// Dependencies
	txManager := postgres.NewTxManager(pgPool)
	outboxRepo := postgres.NewOutboxRepository(pgPool)
	// No default topic: every outbox row names its destination.
	kafkaProd := infraFactory.Producer("")

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           api.NewRouter(pgPool, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Relay metrics listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	// Worker (Poller)
	w := worker.NewOutboxPoller(txManager, outboxRepo, kafkaProd, worker.PollerConfig{
		Interval:  cfg.Relay.PollInterval,
		BatchSize: cfg.Relay.BatchSize,
	}, logger, m)

	// Run
	if err := w.Run(ctx); err != nil {
		logger.Error("relay stopped with error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("relay exited")
}
