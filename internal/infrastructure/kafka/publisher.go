package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"idempotent-consumer/internal/metrics"

	"github.com/google/uuid"
)

// ResultPublisher emits the direct-publish result of a processed event.
type ResultPublisher struct {
	producer   *Producer
	instanceID string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewResultPublisher(producer *Producer, instanceID string, logger *slog.Logger, m *metrics.Metrics) *ResultPublisher {
	return &ResultPublisher{
		producer:   producer,
		instanceID: instanceID,
		logger:     logger,
		metrics:    m,
	}
}

// Publish writes a fresh event id, the instance id and data to the outbound topic, keyed by key.
func (p *ResultPublisher) Publish(ctx context.Context, key, data string) error {
	payload := FormatResult(uuid.NewString(), p.instanceID, data)

	if err := p.producer.SendMessage(ctx, []byte(key), []byte(payload)); err != nil {
		p.logger.Error("Error sending message", "topic", p.producer.GetTopic(), "error", err)
		return err
	}

	p.metrics.EventsPublished.WithLabelValues(p.producer.GetTopic()).Inc()
	p.logger.Debug("Sent record", "topic", p.producer.GetTopic(), "key", key, "value", payload)
	return nil
}

func FormatResult(eventID, instanceID, data string) string {
	return fmt.Sprintf("eventId: %s, instanceId: %s, payload: %s", eventID, instanceID, data)
}
