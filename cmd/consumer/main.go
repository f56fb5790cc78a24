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
	"idempotent-consumer/internal/consumer"
	"idempotent-consumer/internal/domain/outbox"
	"idempotent-consumer/internal/infrastructure/kafka"
	"idempotent-consumer/internal/infrastructure/postgres"
	"idempotent-consumer/internal/infrastructure/thirdparty"
	"idempotent-consumer/internal/metrics"
	"idempotent-consumer/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Infrastructure
	infraFactory := infrastructure.NewFactory(cfg, logger)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	txManager := postgres.NewTxManager(pgPool)
	inboxRepo := postgres.NewInboxRepository(pgPool)
	outboxRepo := postgres.NewOutboxRepository(pgPool)

	thirdpartyClient := thirdparty.NewClient(thirdparty.Config{
		Endpoint: cfg.Thirdparty.Endpoint,
		Timeout:  cfg.Thirdparty.Timeout,
	}, logger, m)

	publisher := kafka.NewResultPublisher(infraFactory.Producer(cfg.Kafka.OutboundTopic), cfg.App.InstanceID, logger, m)

	processor := usecase.NewProcessor(usecase.ProcessorDeps{
		TxManager:   txManager,
		Dedup:       inboxRepo,
		Outbox:      outboxRepo,
		Downstream:  thirdpartyClient,
		Publisher:   publisher,
		Destination: outbox.DefaultDestination,
		Logger:      logger,
	})

	routes := []struct {
		topic string
		mode  consumer.Mode
	}{
		{cfg.Kafka.IdempotentTopic, consumer.ModeIdempotent},
		{cfg.Kafka.NonIdempotentTopic, consumer.ModeNonIdempotent},
		{cfg.Kafka.OutboxTopic, consumer.ModeIdempotentOutbox},
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, route := range routes {
		for w := 0; w < cfg.Kafka.Workers; w++ {
			listener := consumer.NewListener(consumer.Config{
				Topic:             route.topic,
				Mode:              route.mode,
				EventIDHeader:     cfg.Kafka.EventIDHeader,
				RedeliveryBackoff: cfg.Kafka.RedeliveryBackoff,
			}, infraFactory.Readers(route.topic), processor, logger.With("worker", w), m)

			g.Go(func() error { return listener.Run(gctx) })
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           api.NewRouter(pgPool, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Consumer metrics listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("Consumer started",
		"group_id", cfg.Kafka.GroupID,
		"instance_id", cfg.App.InstanceID,
		"workers", cfg.Kafka.Workers)

	if err := g.Wait(); err != nil {
		logger.Error("consumer stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("consumer exited")
}
