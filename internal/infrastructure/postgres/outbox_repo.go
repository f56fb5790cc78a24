package postgres

import (
	"context"
	"fmt"

	"idempotent-consumer/internal/domain/outbox"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OutboxRepository struct {
	pool DBTX
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) Create(ctx context.Context, e *outbox.Event) error {
	const sql = `
		INSERT INTO outbox_event (id, payload, timestamp, destination, version)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := executor(ctx, r.pool).Exec(ctx, sql,
		e.ID, e.Payload, e.Timestamp, e.Destination, nullIfEmpty(e.Version))
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	return nil
}

// ClaimBatch locks up to limit rows in creation order. It must run inside a
// transaction so the locks are held until the published rows are deleted.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, limit int) ([]*outbox.Event, error) {
	const sql = `
		SELECT id, payload, timestamp, destination, COALESCE(version, '')
		FROM outbox_event
		ORDER BY timestamp ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := executor(ctx, r.pool).Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	return scanEvents(rows)
}

func (r *OutboxRepository) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	const sql = `DELETE FROM outbox_event WHERE id = ANY($1)`
	if _, err := executor(ctx, r.pool).Exec(ctx, sql, ids); err != nil {
		return fmt.Errorf("delete outbox events: %w", err)
	}
	return nil
}

func (r *OutboxRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := executor(ctx, r.pool).QueryRow(ctx, `SELECT count(*) FROM outbox_event`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox events: %w", err)
	}
	return n, nil
}

// ListRecent returns the newest rows first without locking them.
func (r *OutboxRepository) ListRecent(ctx context.Context, limit int) ([]*outbox.Event, error) {
	const sql = `
		SELECT id, payload, timestamp, destination, COALESCE(version, '')
		FROM outbox_event
		ORDER BY timestamp DESC, id DESC
		LIMIT $1
	`

	rows, err := executor(ctx, r.pool).Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent outbox events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*outbox.Event, error) {
	defer rows.Close()

	var events []*outbox.Event
	for rows.Next() {
		e := &outbox.Event{}
		if err := rows.Scan(&e.ID, &e.Payload, &e.Timestamp, &e.Destination, &e.Version); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}

	return events, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
