package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"idempotent-consumer/internal/domain/event"
	kafkaInfra "idempotent-consumer/internal/infrastructure/kafka"
	"idempotent-consumer/internal/metrics"
	"idempotent-consumer/internal/usecase"

	"github.com/segmentio/kafka-go"
)

// Mode selects the processing path of an inbound topic.
type Mode int

const (
	ModeIdempotent Mode = iota + 1
	ModeNonIdempotent
	ModeIdempotentOutbox
)

func (m Mode) String() string {
	switch m {
	case ModeIdempotent:
		return "idempotent"
	case ModeNonIdempotent:
		return "non_idempotent"
	case ModeIdempotentOutbox:
		return "idempotent_outbox"
	default:
		return "unknown"
	}
}

type Processor interface {
	ProcessIdempotent(ctx context.Context, eventID, key string, ev event.Inbound) (usecase.Outcome, error)
	ProcessNonIdempotent(ctx context.Context, key string, ev event.Inbound) (usecase.Outcome, error)
	ProcessIdempotentAndOutbox(ctx context.Context, eventID, key string, ev event.Inbound) (usecase.Outcome, error)
}

// MessageReader is a consumer-group member with manual offset commits.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory joins the consumer group. A fresh reader resumes from the last committed offset.
type ReaderFactory func() MessageReader

type Disposition int

const (
	Ack Disposition = iota
	Redeliver
)

type Config struct {
	Topic         string
	Mode          Mode
	EventIDHeader string
	// RedeliveryBackoff is the pause between leaving and rejoining the group after a retryable failure.
	RedeliveryBackoff time.Duration
	FetchErrorBackoff time.Duration
}

var errRedeliver = errors.New("message left uncommitted for redelivery")

// Listener drives one consumer-group member: fetch, decode, process, then
// commit or leave the offset for redelivery. Metrics are required.
type Listener struct {
	cfg       Config
	newReader ReaderFactory
	processor Processor
	logger    *slog.Logger
	metrics   *metrics.Metrics

	received uint64
}

func NewListener(cfg Config, newReader ReaderFactory, processor Processor, logger *slog.Logger, m *metrics.Metrics) *Listener {
	if cfg.FetchErrorBackoff <= 0 {
		cfg.FetchErrorBackoff = time.Second
	}

	return &Listener{
		cfg:       cfg,
		newReader: newReader,
		processor: processor,
		logger:    logger.With("topic", cfg.Topic, "mode", cfg.Mode.String()),
		metrics:   m,
	}
}

// Run consumes until ctx is done. A retryable failure closes the reader without
// committing, so the group rebalances and the message is delivered again, here
// or to another member.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("Listener started")

	for {
		reader := l.newReader()
		err := l.consume(ctx, reader)
		if closeErr := reader.Close(); closeErr != nil {
			l.logger.Error("failed to close reader", "error", closeErr)
		}

		if ctx.Err() != nil {
			l.logger.Info("Listener stopped")
			return nil
		}
		if !errors.Is(err, errRedeliver) {
			return err
		}

		l.logger.Info("Rejoining consumer group", "backoff", l.cfg.RedeliveryBackoff)
		if !sleep(ctx, l.cfg.RedeliveryBackoff) {
			return nil
		}
	}
}

func (l *Listener) consume(ctx context.Context, reader MessageReader) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("failed to fetch message", "error", err)
			if !sleep(ctx, l.cfg.FetchErrorBackoff) {
				return ctx.Err()
			}
			continue
		}

		if l.Handle(ctx, msg) == Redeliver {
			l.metrics.MessagesRedeliver.WithLabelValues(l.cfg.Topic).Inc()
			return errRedeliver
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			// The message will be seen again; the dedup gate absorbs it.
			l.logger.Error("failed to commit kafka message", "error", err,
				"partition", msg.Partition, "offset", msg.Offset)
			continue
		}
		l.metrics.MessagesAcked.WithLabelValues(l.cfg.Topic).Inc()
	}
}

// Handle decodes and processes one message and decides whether its offset may be committed.
func (l *Listener) Handle(ctx context.Context, msg kafka.Message) Disposition {
	l.received++
	started := time.Now()
	l.metrics.MessagesReceived.WithLabelValues(l.cfg.Topic).Inc()

	key := string(msg.Key)
	eventID, _ := kafkaInfra.HeaderValue(msg, l.cfg.EventIDHeader)
	log := l.logger.With("key", key, "event_id", eventID, "partition", msg.Partition, "offset", msg.Offset)
	log.Debug("Received message", "seq", l.received, "payload", string(msg.Value))

	var ev event.Inbound
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		log.Error("Error processing message", "error", fmt.Errorf("decode payload: %w", err))
		l.metrics.MessagesDropped.WithLabelValues(l.cfg.Topic, "decode").Inc()
		return Ack
	}

	outcome, err := l.process(ctx, eventID, key, ev)
	l.metrics.ProcessingDuration.WithLabelValues(l.cfg.Mode.String()).Observe(time.Since(started).Seconds())

	switch {
	case err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)):
		// Shutdown interrupted processing; nothing was committed for this event.
		log.Info("Processing interrupted, message will be redelivered", "error", err)
		return Redeliver
	case err != nil && usecase.IsRetryable(err):
		log.Warn("Retryable failure, message will be redelivered", "error", err)
		return Redeliver
	case err != nil:
		log.Error("Error processing message", "error", err)
		l.metrics.MessagesDropped.WithLabelValues(l.cfg.Topic, "fatal").Inc()
		return Ack
	case outcome == usecase.OutcomeDuplicate:
		log.Debug("Duplicate message received")
		l.metrics.DuplicateEvents.WithLabelValues(l.cfg.Topic).Inc()
		return Ack
	}

	log.Debug("Message processed", "outcome", outcome.String())
	return Ack
}

func (l *Listener) process(ctx context.Context, eventID, key string, ev event.Inbound) (usecase.Outcome, error) {
	switch l.cfg.Mode {
	case ModeIdempotent:
		return l.processor.ProcessIdempotent(ctx, eventID, key, ev)
	case ModeNonIdempotent:
		return l.processor.ProcessNonIdempotent(ctx, key, ev)
	case ModeIdempotentOutbox:
		return l.processor.ProcessIdempotentAndOutbox(ctx, eventID, key, ev)
	default:
		return usecase.OutcomeFailed, fmt.Errorf("unknown listener mode %d", l.cfg.Mode)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
