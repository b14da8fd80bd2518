package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// UpsertComputed writes the computed quantity for (record, item),
	// creating the row on first computation. Overrides are never touched.
	UpsertComputed(ctx context.Context, row *UsageRow) error
	GetUsage(ctx context.Context, usageID uuid.UUID) (*UsageRow, error)
	ListUsage(ctx context.Context, recordID uuid.UUID) ([]UsageRow, error)
	// UpdateOverride replaces the override; nil clears it.
	UpdateOverride(ctx context.Context, usageID uuid.UUID, ov *Override) error
	// SetLastCommit points the given rows at the commit that consumed them.
	SetLastCommit(ctx context.Context, usageIDs []uuid.UUID, commitID uuid.UUID) error
	// ClearCommitRefs detaches all rows referencing a rolled-back commit.
	ClearCommitRefs(ctx context.Context, commitID uuid.UUID) error

	CreateCommit(ctx context.Context, commit *Commit) error
	GetCommit(ctx context.Context, commitID uuid.UUID) (*Commit, error)
	ListCommits(ctx context.Context, recordID uuid.UUID, limit, offset int) ([]Commit, int, error)
	MarkRolledBack(ctx context.Context, commitID uuid.UUID, at time.Time, reason string) error
}

// MedicationSource reports administered doses summed per recorded key; the
// snapshot store provides it.
type MedicationSource interface {
	MedicationTotals(ctx context.Context, recordID uuid.UUID) (map[string]float64, error)
}

// RecordDirectory answers whether a clinical record exists.
type RecordDirectory interface {
	Exists(ctx context.Context, recordID uuid.UUID) (bool, error)
}
