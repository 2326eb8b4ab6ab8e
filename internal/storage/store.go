// Package storage keeps generated audio keyed by job ID and reclaims it after the retention window.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const DefaultRetention = 24 * time.Hour

// ArtifactStore holds exactly one artifact per job.
//
// Put fails with models.ErrArtifactExists when the job already has one.
// Get fails with models.ErrNotFound for a job that was never stored and
// models.ErrGone once Reclaim has removed it.
type ArtifactStore interface {
	Put(ctx context.Context, id uuid.UUID, data []byte) error
	Get(ctx context.Context, id uuid.UUID) ([]byte, error)
	// Reclaim deletes every artifact older than maxAge and returns how many it removed.
	Reclaim(ctx context.Context, maxAge time.Duration) (int, error)
}
