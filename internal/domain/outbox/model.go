package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxPayloadLength matches the payload column width.
	MaxPayloadLength = 4096

	DefaultDestination = "demo-outbox-outbound"
	DefaultVersion     = "v1"
)

var ErrPayloadTooLarge = errors.New("outbox payload exceeds maximum length")

// Event is a relay-pending record. The core only inserts it; the relay publishes
// Payload to the Destination topic and then removes the row.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Payload     string    `json:"payload"`
	Destination string    `json:"destination"`
	Timestamp   int64     `json:"timestamp"`
	Version     string    `json:"version"`
}

// NewEvent builds a record with a fresh id and the current time in epoch millis.
func NewEvent(payload, destination string, now time.Time) (*Event, error) {
	if len(payload) > MaxPayloadLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if destination == "" {
		destination = DefaultDestination
	}

	return &Event{
		ID:          uuid.New(),
		Payload:     payload,
		Destination: destination,
		Timestamp:   now.UnixMilli(),
		Version:     DefaultVersion,
	}, nil
}

type Writer interface {
	Create(ctx context.Context, event *Event) error
}

type Repository interface {
	Writer
	ClaimBatch(ctx context.Context, limit int) ([]*Event, error)
	Delete(ctx context.Context, ids []uuid.UUID) error
}
