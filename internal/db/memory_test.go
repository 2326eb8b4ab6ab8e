package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/bobarin/ttsjobs/internal/db"
	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) db.Store {
		return db.NewMemoryStore()
	})
}

func TestMemoryStoreSnapshotsAreIsolated(t *testing.T) {
	t.Parallel()

	store := db.NewMemoryStore()
	ctx := context.Background()

	job := newPendingJob("x")
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	got.Status = models.JobStatusFailed

	again, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, again.Status)
}

func TestMemoryStoreClock(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := db.NewMemoryStore().WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	job := newPendingJob("x")
	job.CreatedAt = time.Time{}
	require.NoError(t, store.CreateJob(ctx, job))

	updated, err := store.TransitionJob(ctx, job.ID, models.Transition{To: models.JobStatusProcessing})
	require.NoError(t, err)
	assert.True(t, updated.CreatedAt.Equal(fixed))
	assert.True(t, updated.StartedAt.Equal(fixed))
}
