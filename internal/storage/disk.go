package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/google/uuid"
)

const artifactExt = ".wav"

// DiskStore writes one file per job under dir. Reads share a lock that
// Reclaim takes exclusively, so a file is never removed mid-download.
type DiskStore struct {
	dir string
	now func() time.Time

	mu         sync.RWMutex
	tombstones map[uuid.UUID]time.Time
}

var _ ArtifactStore = (*DiskStore)(nil)

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir %s: %w", dir, err)
	}
	return &DiskStore{
		dir:        dir,
		now:        time.Now,
		tombstones: make(map[uuid.UUID]time.Time),
	}, nil
}

// WithClock overrides the time source used by Reclaim.
func (s *DiskStore) WithClock(now func() time.Time) *DiskStore {
	s.now = now
	return s
}

// Path returns where the artifact for id lives on disk.
func (s *DiskStore) Path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+artifactExt)
}

// Put writes to a temp file and hard-links it into place, so readers never
// see a partial artifact and a second Put for the same job fails.
func (s *DiskStore) Put(_ context.Context, id uuid.UUID, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, id.String()+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, gone := s.tombstones[id]; gone {
		return fmt.Errorf("job %s: %w", id, models.ErrArtifactExists)
	}
	if err := os.Link(tmpPath, s.Path(id)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("job %s: %w", id, models.ErrArtifactExists)
		}
		return fmt.Errorf("failed to store artifact: %w", err)
	}

	log.Printf("[Storage] Stored artifact %s (%d bytes)", id, len(data))
	return nil
}

func (s *DiskStore) Get(_ context.Context, id uuid.UUID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		if _, gone := s.tombstones[id]; gone {
			return nil, fmt.Errorf("artifact %s: %w", id, models.ErrGone)
		}
		return nil, fmt.Errorf("artifact %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", id, err)
	}
	return data, nil
}

// Reclaim removes artifacts whose modification time is older than maxAge,
// along with temp files left behind by interrupted writes.
func (s *DiskStore) Reclaim(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list artifacts: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		name := entry.Name()
		path := filepath.Join(s.dir, name)

		if strings.HasSuffix(name, ".tmp") {
			os.Remove(path)
			continue
		}

		id, err := uuid.Parse(strings.TrimSuffix(name, artifactExt))
		if err != nil || !strings.HasSuffix(name, artifactExt) {
			continue
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[Storage] Failed to remove %s: %v", name, err)
			continue
		}
		s.tombstones[id] = s.now()
		removed++
	}

	return removed, nil
}
