package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"idempotent-consumer/internal/domain/event"
	"idempotent-consumer/internal/domain/outbox"
	"idempotent-consumer/internal/infrastructure/memory"
	"idempotent-consumer/internal/infrastructure/thirdparty"
	"idempotent-consumer/internal/metrics"
	"idempotent-consumer/internal/usecase"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventIDHeader = "demo_eventIdHeader"

// fakeBroker is a single-partition topic with one committed offset per group.
type fakeBroker struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed int64
	joins     int
}

func (b *fakeBroker) send(key string, value []byte, headers ...kafka.Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, kafka.Message{
		Topic:   "inbound",
		Offset:  int64(len(b.msgs)),
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
	})
}

func (b *fakeBroker) newReader() MessageReader {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins++
	return &fakeReader{broker: b, pos: b.committed}
}

func (b *fakeBroker) allCommitted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed == int64(len(b.msgs))
}

func (b *fakeBroker) joinCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joins
}

type fakeReader struct {
	broker *fakeBroker
	pos    int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.broker.mu.Lock()
	if r.pos < int64(len(r.broker.msgs)) {
		msg := r.broker.msgs[r.pos]
		r.pos++
		r.broker.mu.Unlock()
		return msg, nil
	}
	r.broker.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	for _, m := range msgs {
		if m.Offset+1 > r.broker.committed {
			r.broker.committed = m.Offset + 1
		}
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type stubDownstream struct {
	mu       sync.Mutex
	outcomes []thirdparty.Outcome
	calls    int
}

func (d *stubDownstream) Call(context.Context, string) thirdparty.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	outcome := thirdparty.Success
	if len(d.outcomes) > 0 {
		outcome, d.outcomes = d.outcomes[0], d.outcomes[1:]
	}
	return thirdparty.Result{Outcome: outcome, Err: errors.New(outcome.String())}
}

func (d *stubDownstream) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type capturePublisher struct {
	mu   sync.Mutex
	data []string
}

func (p *capturePublisher) Publish(_ context.Context, _ string, data string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = append(p.data, data)
	return nil
}

func (p *capturePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.data...)
}

type harness struct {
	broker     *fakeBroker
	store      *memory.Store
	downstream *stubDownstream
	publisher  *capturePublisher
	metrics    *metrics.Metrics
	listener   *Listener
}

func newHarness(mode Mode, outcomes ...thirdparty.Outcome) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		broker:     &fakeBroker{},
		store:      memory.NewStore(),
		downstream: &stubDownstream{outcomes: outcomes},
		publisher:  &capturePublisher{},
		metrics:    metrics.New(prometheus.NewRegistry()),
	}
	processor := usecase.NewProcessor(usecase.ProcessorDeps{
		TxManager:  h.store,
		Dedup:      h.store,
		Outbox:     h.store,
		Downstream: h.downstream,
		Publisher:  h.publisher,
		Logger:     logger,
	})
	h.listener = NewListener(Config{
		Topic:             "inbound",
		Mode:              mode,
		EventIDHeader:     eventIDHeader,
		RedeliveryBackoff: time.Millisecond,
	}, h.broker.newReader, processor, logger, h.metrics)
	return h
}

// run consumes until every message is committed, then stops the listener.
func (h *harness) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.listener.Run(ctx) }()

	require.Eventually(t, h.broker.allCommitted, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func payload(t *testing.T, key string) []byte {
	t.Helper()
	b, err := json.Marshal(event.Inbound{ID: key, Data: "event data"})
	require.NoError(t, err)
	return b
}

func idHeader(id string) kafka.Header {
	return kafka.Header{Key: eventIDHeader, Value: []byte(id)}
}

func TestListener_IdempotentTopicDeduplicates(t *testing.T) {
	h := newHarness(ModeIdempotent)
	eventID := uuid.NewString()
	for i := 0; i < 3; i++ {
		h.broker.send("K1", payload(t, "K1"), idHeader(eventID))
	}

	h.run(t)

	assert.Equal(t, []string{"event data"}, h.publisher.published())
	assert.Equal(t, 1, h.store.ProcessedCount())
	assert.Equal(t, 1, h.downstream.callCount())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.DuplicateEvents.WithLabelValues("inbound")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.MessagesAcked.WithLabelValues("inbound")))
}

func TestListener_NonIdempotentTopicRepeatsEffects(t *testing.T) {
	h := newHarness(ModeNonIdempotent)
	for i := 0; i < 3; i++ {
		h.broker.send("K1", payload(t, "K1"))
	}

	h.run(t)

	assert.Equal(t, []string{"event data", "event data", "event data"}, h.publisher.published())
	assert.Equal(t, 3, h.downstream.callCount())
}

func TestListener_OutboxTopicConvergesAfterRedelivery(t *testing.T) {
	h := newHarness(ModeIdempotentOutbox, thirdparty.RetryableFailure, thirdparty.RetryableFailure)
	h.broker.send("K2", payload(t, "K2"), idHeader(uuid.NewString()))

	h.run(t)

	records := h.store.Outbox()
	require.Len(t, records, 1)
	assert.Equal(t, "event data", records[0].Payload)
	assert.Equal(t, "demo-outbox-outbound", records[0].Destination)
	assert.Equal(t, 1, h.store.ProcessedCount())
	assert.Equal(t, 3, h.downstream.callCount())
	assert.Equal(t, 3, h.broker.joinCount(), "each retryable failure rejoins the group")
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.MessagesRedeliver.WithLabelValues("inbound")))
	assert.Empty(t, h.publisher.published())
}

func TestListener_RedeliveryOfDuplicatesAfterConcurrentSuccess(t *testing.T) {
	h := newHarness(ModeIdempotent, thirdparty.RetryableFailure)
	eventID := uuid.NewString()
	h.broker.send("K1", payload(t, "K1"), idHeader(eventID))
	h.broker.send("K1", payload(t, "K1"), idHeader(eventID))

	h.run(t)

	assert.Equal(t, []string{"event data"}, h.publisher.published())
	assert.Equal(t, 1, h.store.ProcessedCount())
}

func TestListener_FatalFailureIsAcknowledged(t *testing.T) {
	h := newHarness(ModeIdempotentOutbox, thirdparty.FatalFailure)
	h.broker.send("K1", payload(t, "K1"), idHeader(uuid.NewString()))

	h.run(t)

	assert.Empty(t, h.store.Outbox())
	assert.Zero(t, h.store.ProcessedCount())
	assert.Equal(t, 1, h.downstream.callCount())
	assert.Equal(t, 1, h.broker.joinCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesDropped.WithLabelValues("inbound", "fatal")))
}

func TestListener_UndecodablePayloadIsAcknowledged(t *testing.T) {
	h := newHarness(ModeNonIdempotent)
	h.broker.send("K1", []byte("{not json"))

	h.run(t)

	assert.Zero(t, h.downstream.callCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesDropped.WithLabelValues("inbound", "decode")))
}

func TestListener_MissingEventIDIsAcknowledged(t *testing.T) {
	h := newHarness(ModeIdempotent)
	h.broker.send("K1", payload(t, "K1"))

	h.run(t)

	assert.Zero(t, h.downstream.callCount())
	assert.Empty(t, h.publisher.published())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesDropped.WithLabelValues("inbound", "fatal")))
}

// cancelingDownstream succeeds, then cancels the listener context the way a
// SIGTERM arriving mid-processing does.
type cancelingDownstream struct {
	cancel context.CancelFunc
}

func (d cancelingDownstream) Call(context.Context, string) thirdparty.Result {
	d.cancel()
	return thirdparty.Result{Outcome: thirdparty.Success, StatusCode: 200}
}

// ctxOutbox fails on a cancelled context like a pgx Exec.
type ctxOutbox struct {
	store *memory.Store
}

func (o ctxOutbox) Create(ctx context.Context, e *outbox.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return o.store.Create(ctx, e)
}

func TestListener_ShutdownMidProcessingLeavesOffsetUncommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	m := metrics.New(prometheus.NewRegistry())
	processor := usecase.NewProcessor(usecase.ProcessorDeps{
		TxManager:  store,
		Dedup:      store,
		Outbox:     ctxOutbox{store: store},
		Downstream: cancelingDownstream{cancel: cancel},
		Publisher:  &capturePublisher{},
		Logger:     logger,
	})

	broker := &fakeBroker{}
	broker.send("K1", payload(t, "K1"), idHeader(uuid.NewString()))

	l := NewListener(Config{
		Topic:         "inbound",
		Mode:          ModeIdempotentOutbox,
		EventIDHeader: eventIDHeader,
	}, broker.newReader, processor, logger, m)

	require.NoError(t, l.Run(ctx))

	assert.False(t, broker.allCommitted(), "interrupted message must be delivered again")
	assert.Empty(t, store.Outbox())
	assert.Zero(t, store.ProcessedCount())
	assert.Zero(t, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("inbound", "fatal")))
	assert.Zero(t, testutil.ToFloat64(m.MessagesAcked.WithLabelValues("inbound")))
}

type fixedProcessor struct {
	outcome usecase.Outcome
	err     error
}

func (p fixedProcessor) ProcessIdempotent(context.Context, string, string, event.Inbound) (usecase.Outcome, error) {
	return p.outcome, p.err
}

func (p fixedProcessor) ProcessNonIdempotent(context.Context, string, event.Inbound) (usecase.Outcome, error) {
	return p.outcome, p.err
}

func (p fixedProcessor) ProcessIdempotentAndOutbox(context.Context, string, string, event.Inbound) (usecase.Outcome, error) {
	return p.outcome, p.err
}

func TestListener_Handle(t *testing.T) {
	msg := kafka.Message{Key: []byte("K1"), Value: []byte(`{"id":"K1","data":"event data","extra":true}`)}

	tests := []struct {
		name      string
		processor fixedProcessor
		want      Disposition
	}{
		{"processed", fixedProcessor{outcome: usecase.OutcomeProcessed}, Ack},
		{"duplicate", fixedProcessor{outcome: usecase.OutcomeDuplicate}, Ack},
		{"retryable", fixedProcessor{err: &usecase.RetryableError{Err: errors.New("503")}}, Redeliver},
		{"fatal", fixedProcessor{err: errors.New("boom")}, Ack},
		{"canceled", fixedProcessor{err: fmt.Errorf("begin tx: %w", context.Canceled)}, Redeliver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			l := NewListener(Config{Topic: "t", Mode: ModeIdempotent, EventIDHeader: eventIDHeader},
				nil, tt.processor, logger, metrics.New(prometheus.NewRegistry()))

			assert.Equal(t, tt.want, l.Handle(context.Background(), msg))
		})
	}
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "idempotent", ModeIdempotent.String())
	assert.Equal(t, "non_idempotent", ModeNonIdempotent.String())
	assert.Equal(t, "idempotent_outbox", ModeIdempotentOutbox.String())
	assert.Equal(t, "unknown", Mode(0).String())
}
