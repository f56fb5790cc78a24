package inbox

import "github.com/google/uuid"

// ProcessedEvent is the consumer-side dedup record (Inbox pattern).
// One row per admitted event id; rows are never updated.
type ProcessedEvent struct {
	EventID uuid.UUID `json:"event_id"`
}

// Admission is the result of inserting an event id into the dedup table.
type Admission int

const (
	Admitted Admission = iota + 1
	Duplicate
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}
