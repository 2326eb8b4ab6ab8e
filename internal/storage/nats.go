package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/bobarin/ttsjobs/internal/models"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const DefaultNatsBucket = "TTS_AUDIO"

// NatsStore keeps artifacts in a JetStream object store bucket. Deleted
// objects keep their metadata in the bucket, which is what lets Get tell
// an expired artifact from one that never existed.
type NatsStore struct {
	bucket string
	store  nats.ObjectStore
	now    func() time.Time

	mu sync.RWMutex
}

var _ ArtifactStore = (*NatsStore)(nil)

// NewNatsStore creates the bucket, or binds to it when it already exists.
func NewNatsStore(js nats.JetStreamContext, bucket string) (*NatsStore, error) {
	if bucket == "" {
		bucket = DefaultNatsBucket
	}

	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Generated speech artifacts",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucket, err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucket, err)
		}
	}

	return &NatsStore{
		bucket: bucket,
		store:  store,
		now:    time.Now,
	}, nil
}

// WithClock overrides the time source used by Reclaim.
func (n *NatsStore) WithClock(now func() time.Time) *NatsStore {
	n.now = now
	return n
}

func (n *NatsStore) Put(_ context.Context, id uuid.UUID, data []byte) error {
	key := id.String()

	n.mu.Lock()
	defer n.mu.Unlock()

	_, err := n.store.GetInfo(key, nats.GetObjectInfoShowDeleted())
	if err == nil {
		return fmt.Errorf("job %s: %w", id, models.ErrArtifactExists)
	}
	if !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("failed to check object '%s': %w", key, err)
	}

	_, err = n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "audio/wav",
	}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	log.Printf("[Storage] Stored artifact %s in bucket %s (%d bytes)", id, n.bucket, len(data))
	return nil
}

func (n *NatsStore) Get(_ context.Context, id uuid.UUID) ([]byte, error) {
	key := id.String()

	n.mu.RLock()
	defer n.mu.RUnlock()

	obj, err := n.store.Get(key)
	if errors.Is(err, nats.ErrObjectNotFound) {
		info, infoErr := n.store.GetInfo(key, nats.GetObjectInfoShowDeleted())
		if infoErr == nil && info.Deleted {
			return nil, fmt.Errorf("artifact %s: %w", id, models.ErrGone)
		}
		return nil, fmt.Errorf("artifact %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}
	return data, nil
}

func (n *NatsStore) Reclaim(ctx context.Context, maxAge time.Duration) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	infos, err := n.store.List()
	if errors.Is(err, nats.ErrNoObjectsFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list bucket '%s': %w", n.bucket, err)
	}

	cutoff := n.now().Add(-maxAge)
	removed := 0
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if info.Deleted || !info.ModTime.Before(cutoff) {
			continue
		}
		if err := n.store.Delete(info.Name); err != nil {
			log.Printf("[Storage] Failed to delete %s: %v", info.Name, err)
			continue
		}
		removed++
	}
	return removed, nil
}
