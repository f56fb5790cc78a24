package postgres

import (
	"context"
	"fmt"

	"idempotent-consumer/internal/domain/inbox"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type InboxRepository struct {
	pool DBTX
}

func NewInboxRepository(pool *pgxpool.Pool) *InboxRepository {
	return &InboxRepository{pool: pool}
}

// Admit inserts eventID into processed_event. A primary-key conflict means an
// earlier (or concurrent) admission already won and is reported as inbox.Duplicate.
// Within a transaction the conflict aborts it, so callers must roll back.
func (r *InboxRepository) Admit(ctx context.Context, eventID uuid.UUID) (inbox.Admission, error) {
	const query = `INSERT INTO processed_event (eventid) VALUES ($1)`

	if _, err := executor(ctx, r.pool).Exec(ctx, query, eventID); err != nil {
		if isUniqueViolation(err) {
			return inbox.Duplicate, nil
		}
		return 0, fmt.Errorf("insert processed event: %w", err)
	}

	return inbox.Admitted, nil
}

func (r *InboxRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := executor(ctx, r.pool).QueryRow(ctx, `SELECT count(*) FROM processed_event`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed events: %w", err)
	}
	return n, nil
}
