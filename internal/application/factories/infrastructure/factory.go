package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"idempotent-consumer/internal/config"
	"idempotent-consumer/internal/consumer"
	"idempotent-consumer/internal/infrastructure/kafka"
	"idempotent-consumer/internal/infrastructure/postgres"

	pgxpool "github.com/jackc/pgx/v5/pgxpool"
)

type Factory struct {
	cfg       *config.Config
	logger    *slog.Logger
	pgPool    *pgxpool.Pool
	producers []*kafka.Producer
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		logger: logger,
	}
}

func (f *Factory) postgresConfig() postgres.Config {
	return postgres.Config{
		Host:     f.cfg.Postgres.Host,
		Port:     f.cfg.Postgres.Port,
		User:     f.cfg.Postgres.User,
		Password: f.cfg.Postgres.Password,
		DBName:   f.cfg.Postgres.DBName,
	}
}

// Postgres connects lazily, retrying while the database starts up, and applies
// migrations when configured to.
func (f *Factory) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}

	var pool *pgxpool.Pool
	var err error

	const attempts = 5
	for i := 0; i < attempts; i++ {
		pool, err = postgres.NewClient(ctx, f.postgresConfig())
		if err == nil {
			break
		}
		f.logger.Warn("failed to connect to postgres, retrying", "attempt", i+1, "max", attempts, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to init postgres after retries: %w", err)
	}

	if f.cfg.Postgres.MigrateOnStart {
		if err := postgres.Migrate(f.postgresConfig().DSN(), f.logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	f.pgPool = pool
	return pool, nil
}

// Readers returns a factory joining the configured group on topic.
func (f *Factory) Readers(topic string) consumer.ReaderFactory {
	return func() consumer.MessageReader {
		return kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:         f.cfg.Kafka.Brokers,
			Topic:           topic,
			GroupID:         f.cfg.Kafka.GroupID,
			MaxPollInterval: f.cfg.Kafka.MaxPollInterval,
			StartOffset:     f.cfg.Kafka.StartOffset,
		})
	}
}

func (f *Factory) Producer(topic string) *kafka.Producer {
	p := kafka.NewProducer(kafka.Config{
		Brokers: f.cfg.Kafka.Brokers,
		Topic:   topic,
	})
	f.producers = append(f.producers, p)
	return p
}

func (f *Factory) Close() {
	for _, p := range f.producers {
		if err := p.Close(); err != nil {
			f.logger.Error("failed to close kafka producer", "error", err)
		}
	}
	if f.pgPool != nil {
		f.pgPool.Close()
	}
}
