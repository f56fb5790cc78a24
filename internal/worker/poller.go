package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"idempotent-consumer/internal/domain/outbox"
	"idempotent-consumer/internal/infrastructure/postgres"
	"idempotent-consumer/internal/metrics"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// TopicPublisher writes one message to a named topic.
type TopicPublisher interface {
	SendToTopic(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

type PollerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// OutboxPoller relays committed outbox rows to their destination topics.
// Delivery is at-least-once: a failed publish rolls the batch back and rows
// already sent from it are sent again on the next tick.
type OutboxPoller struct {
	txManager postgres.Transactor
	repo      outbox.Repository
	producer  TopicPublisher
	cfg       PollerConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewOutboxPoller(txManager postgres.Transactor, repo outbox.Repository, producer TopicPublisher, cfg PollerConfig, logger *slog.Logger, m *metrics.Metrics) *OutboxPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}

	return &OutboxPoller{
		txManager: txManager,
		repo:      repo,
		producer:  producer,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("OutboxPoller started", "interval", p.cfg.Interval, "batch_size", p.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				p.logger.Error("failed to process batch", "error", err)
			}
		}
	}
}

// ProcessBatch publishes and deletes one batch, returning how many rows were relayed.
func (p *OutboxPoller) ProcessBatch(ctx context.Context) (int, error) {
	var relayed int

	err := p.txManager.WithinTransaction(ctx, func(txCtx context.Context) error {
		events, err := p.repo.ClaimBatch(txCtx, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(events))
		for _, e := range events {
			if err := p.publish(txCtx, e); err != nil {
				p.metrics.OutboxPublishErrs.Inc()
				return err
			}
			ids = append(ids, e.ID)
		}

		if err := p.repo.Delete(txCtx, ids); err != nil {
			return err
		}
		relayed = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if relayed > 0 {
		p.metrics.OutboxPublished.Add(float64(relayed))
		p.logger.Info("Relayed outbox events", "count", relayed)
	}
	return relayed, nil
}

func (p *OutboxPoller) publish(ctx context.Context, e *outbox.Event) error {
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var headers []kafka.Header
	if e.Version != "" {
		headers = append(headers, kafka.Header{Key: "version", Value: []byte(e.Version)})
	}

	if err := p.producer.SendToTopic(sendCtx, e.Destination, []byte(e.ID.String()), []byte(e.Payload), headers...); err != nil {
		return fmt.Errorf("relay outbox event %s: %w", e.ID, err)
	}

	p.logger.Debug("Successfully sent event", "outbox_id", e.ID, "destination", e.Destination)
	return nil
}
