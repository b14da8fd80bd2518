package record

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// CreateIfAbsent inserts the record unless a non-archived record already
	// exists for its procedure. Returns false without error when the insert
	// lost to an existing record.
	CreateIfAbsent(ctx context.Context, r *ClinicalRecord) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*ClinicalRecord, error)
	// GetByProcedure returns the non-archived record for the procedure.
	GetByProcedure(ctx context.Context, procedureID uuid.UUID) (*ClinicalRecord, error)
	Update(ctx context.Context, r *ClinicalRecord) error
	Archive(ctx context.Context, id uuid.UUID) error
	CountActiveByProcedure(ctx context.Context, procedureID uuid.UUID) (int, error)
}

// ProcedureDirectory is the external registry of procedures this record
// module hangs off. The surrounding system owns it; the core only checks
// existence.
type ProcedureDirectory interface {
	Exists(ctx context.Context, procedureID uuid.UUID) (bool, error)
}
