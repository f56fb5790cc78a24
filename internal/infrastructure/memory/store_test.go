package memory

import (
	"context"
	"errors"
	"testing"

	"idempotent-consumer/internal/domain/inbox"
	"idempotent-consumer/internal/domain/outbox"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	s := NewStore()
	id := uuid.New()
	boom := errors.New("boom")

	err := s.WithinTransaction(context.Background(), func(ctx context.Context) error {
		got, err := s.Admit(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, inbox.Admitted, got)
		require.NoError(t, s.Create(ctx, &outbox.Event{ID: uuid.New(), Payload: "p"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Zero(t, s.ProcessedCount())
	assert.Empty(t, s.Outbox())
}

func TestStore_CommitPublishesWrites(t *testing.T) {
	s := NewStore()
	id := uuid.New()

	require.NoError(t, s.WithinTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := s.Admit(ctx, id); err != nil {
			return err
		}
		return s.Create(ctx, &outbox.Event{ID: uuid.New(), Payload: "p"})
	}))

	assert.Equal(t, 1, s.ProcessedCount())
	assert.Len(t, s.Outbox(), 1)

	got, err := s.Admit(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, inbox.Duplicate, got)
}

func TestStore_ClaimAndDeleteInOrder(t *testing.T) {
	s := NewStore()
	first := &outbox.Event{ID: uuid.New(), Payload: "1", Timestamp: 1}
	second := &outbox.Event{ID: uuid.New(), Payload: "2", Timestamp: 2}
	require.NoError(t, s.Create(context.Background(), second))
	require.NoError(t, s.Create(context.Background(), first))

	require.NoError(t, s.WithinTransaction(context.Background(), func(ctx context.Context) error {
		batch, err := s.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, "1", batch[0].Payload)
		return s.Delete(ctx, []uuid.UUID{batch[0].ID})
	}))

	remaining := s.Outbox()
	require.Len(t, remaining, 1)
	assert.Equal(t, "2", remaining[0].Payload)
}
