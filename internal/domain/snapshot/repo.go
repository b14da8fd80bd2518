package snapshot

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists the single snapshot document per record.
type Repository interface {
	// Get returns the snapshot for a record, or ErrSnapshotMissing when no
	// row exists yet. Callers create the document lazily on first write.
	Get(ctx context.Context, recordID uuid.UUID) (*Snapshot, error)
	// Save upserts the whole document.
	Save(ctx context.Context, snap *Snapshot) error
}

// RecordGate is the lifecycle controller's view offered to the store: it
// decides whether channel data may change and hands out the shared
// per-record serialization point.
type RecordGate interface {
	EnsureMutable(ctx context.Context, recordID uuid.UUID) error
	RecordLock(recordID uuid.UUID) func()
}
