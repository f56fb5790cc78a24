package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics replaces per-process message counters with collectors scraped from /metrics.
type Metrics struct {
	MessagesReceived   *prometheus.CounterVec
	MessagesAcked      *prometheus.CounterVec
	MessagesRedeliver  *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	DuplicateEvents    *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	DownstreamCalls    *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	OutboxPublished    prometheus.Counter
	OutboxPublishErrs  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consumer_messages_received_total",
			Help: "Messages fetched from an inbound topic, including redeliveries",
		}, []string{"topic"}),
		MessagesAcked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consumer_messages_acked_total",
			Help: "Messages whose offset was committed",
		}, []string{"topic"}),
		MessagesRedeliver: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consumer_messages_redelivery_total",
			Help: "Messages left uncommitted after a retryable failure",
		}, []string{"topic"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consumer_messages_dropped_total",
			Help: "Messages acknowledged without effect after a non-retryable failure",
		}, []string{"topic", "reason"}),
		DuplicateEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consumer_duplicate_events_total",
			Help: "Events rejected by the dedup gate",
		}, []string{"topic"}),
		ProcessingDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consumer_processing_duration_seconds",
			Help:    "Time taken to process a message",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"mode"}),
		DownstreamCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "thirdparty_calls_total",
			Help: "Downstream calls by classified outcome",
		}, []string{"outcome"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "producer_events_published_total",
			Help: "Events published directly to an outbound topic",
		}, []string{"topic"}),
		OutboxPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_outbox_events_published_total",
			Help: "Outbox rows published by the relay",
		}),
		OutboxPublishErrs: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_outbox_publish_errors_total",
			Help: "Failed relay publish attempts",
		}),
	}
}
