package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"idempotent-consumer/internal/domain/event"
	"idempotent-consumer/internal/domain/inbox"
	"idempotent-consumer/internal/domain/outbox"
	"idempotent-consumer/internal/infrastructure/postgres"
	"idempotent-consumer/internal/infrastructure/thirdparty"

	"github.com/google/uuid"
)

// Outcome reports how a processed message ended when no error is returned.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeProcessed
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "failed"
	}
}

type DedupStore interface {
	Admit(ctx context.Context, eventID uuid.UUID) (inbox.Admission, error)
}

type Downstream interface {
	Call(ctx context.Context, key string) thirdparty.Result
}

type Publisher interface {
	Publish(ctx context.Context, key, data string) error
}

type ProcessorDeps struct {
	TxManager   postgres.Transactor
	Dedup       DedupStore
	Outbox      outbox.Writer
	Downstream  Downstream
	Publisher   Publisher
	Destination string
	Logger      *slog.Logger
	Now         func() time.Time
}

// Processor runs one inbound event through dedup, the downstream call and
// result emission. Every storage write of one event shares a transaction.
type Processor struct {
	txManager   postgres.Transactor
	dedup       DedupStore
	outbox      outbox.Writer
	downstream  Downstream
	publisher   Publisher
	destination string
	logger      *slog.Logger
	now         func() time.Time
}

func NewProcessor(deps ProcessorDeps) *Processor {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	destination := deps.Destination
	if destination == "" {
		destination = outbox.DefaultDestination
	}

	return &Processor{
		txManager:   deps.TxManager,
		dedup:       deps.Dedup,
		outbox:      deps.Outbox,
		downstream:  deps.Downstream,
		publisher:   deps.Publisher,
		destination: destination,
		logger:      deps.Logger,
		now:         now,
	}
}

// ProcessIdempotent admits eventID, calls downstream and publishes the result.
// The publish is an external side effect: if the commit that follows it fails,
// the event is published but not recorded and a redelivery publishes again.
func (p *Processor) ProcessIdempotent(ctx context.Context, eventID, key string, ev event.Inbound) (Outcome, error) {
	id, err := parseEventID(eventID)
	if err != nil {
		return OutcomeFailed, err
	}

	return p.admitAndApply(ctx, id, func(txCtx context.Context) error {
		if err := p.callDownstream(txCtx, key); err != nil {
			return err
		}
		return p.publish(txCtx, key, ev.Data)
	})
}

// ProcessNonIdempotent has no dedup: every delivery calls downstream and publishes.
func (p *Processor) ProcessNonIdempotent(ctx context.Context, key string, ev event.Inbound) (Outcome, error) {
	if err := p.callDownstream(ctx, key); err != nil {
		return OutcomeFailed, err
	}
	if err := p.publish(ctx, key, ev.Data); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeProcessed, nil
}

// ProcessIdempotentAndOutbox admits eventID, calls downstream and writes an
// outbox row; the dedup row and the outbox row commit together or not at all.
func (p *Processor) ProcessIdempotentAndOutbox(ctx context.Context, eventID, key string, ev event.Inbound) (Outcome, error) {
	id, err := parseEventID(eventID)
	if err != nil {
		return OutcomeFailed, err
	}

	return p.admitAndApply(ctx, id, func(txCtx context.Context) error {
		if err := p.callDownstream(txCtx, key); err != nil {
			return err
		}
		return p.writeOutboxEvent(txCtx, ev.Data)
	})
}

func (p *Processor) admitAndApply(ctx context.Context, eventID uuid.UUID, apply func(ctx context.Context) error) (Outcome, error) {
	err := p.txManager.WithinTransaction(ctx, func(txCtx context.Context) error {
		admission, err := p.dedup.Admit(txCtx, eventID)
		if err != nil {
			return err
		}
		if admission == inbox.Duplicate {
			return errDuplicateEvent
		}

		p.logger.Debug("Event persisted", "event_id", eventID)
		return apply(txCtx)
	})

	switch {
	case errors.Is(err, errDuplicateEvent):
		p.logger.Warn("Event already processed", "event_id", eventID)
		return OutcomeDuplicate, nil
	case err != nil:
		return OutcomeFailed, err
	}
	return OutcomeProcessed, nil
}

func (p *Processor) callDownstream(ctx context.Context, key string) error {
	res := p.downstream.Call(ctx, key)

	switch res.Outcome {
	case thirdparty.Success:
		return nil
	case thirdparty.RetryableFailure:
		return &RetryableError{Err: res.Err}
	default:
		return fmt.Errorf("%w: %v", ErrDownstreamFatal, res.Err)
	}
}

func (p *Processor) publish(ctx context.Context, key, data string) error {
	if err := p.publisher.Publish(ctx, key, data); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

func (p *Processor) writeOutboxEvent(ctx context.Context, payload string) error {
	e, err := outbox.NewEvent(payload, p.destination, p.now())
	if err != nil {
		return err
	}

	if err := p.outbox.Create(ctx, e); err != nil {
		return err
	}

	p.logger.Debug("Event persisted to transactional outbox", "outbox_id", e.ID)
	return nil
}

func parseEventID(eventID string) (uuid.UUID, error) {
	if eventID == "" {
		return uuid.Nil, ErrMissingEventID
	}

	id, err := uuid.Parse(eventID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidEventID, eventID)
	}
	return id, nil
}
