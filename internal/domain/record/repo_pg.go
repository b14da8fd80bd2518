package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opchart/opchart/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordCols = `id, procedure_id, case_status, is_locked, locked_at, locked_by, time_markers, sections, amendment_log, archived, created_at, updated_at`

func scanRecord(row pgx.Row) (*ClinicalRecord, error) {
	var rec ClinicalRecord
	var markers, sections, amendments []byte
	err := row.Scan(&rec.ID, &rec.ProcedureID, &rec.CaseStatus, &rec.IsLocked,
		&rec.LockedAt, &rec.LockedBy, &markers, &sections, &amendments,
		&rec.Archived, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(markers, &rec.TimeMarkers); err != nil {
		return nil, fmt.Errorf("decode time_markers: %w", err)
	}
	if err := json.Unmarshal(sections, &rec.Sections); err != nil {
		return nil, fmt.Errorf("decode sections: %w", err)
	}
	if err := json.Unmarshal(amendments, &rec.AmendmentLog); err != nil {
		return nil, fmt.Errorf("decode amendment_log: %w", err)
	}
	return &rec, nil
}

func encodeRecord(rec *ClinicalRecord) (markers, sections, amendments []byte, err error) {
	if rec.TimeMarkers == nil {
		rec.TimeMarkers = []TimeMarker{}
	}
	if rec.Sections == nil {
		rec.Sections = map[string]map[string]interface{}{}
	}
	if rec.AmendmentLog == nil {
		rec.AmendmentLog = []Amendment{}
	}
	if markers, err = json.Marshal(rec.TimeMarkers); err != nil {
		return
	}
	if sections, err = json.Marshal(rec.Sections); err != nil {
		return
	}
	amendments, err = json.Marshal(rec.AmendmentLog)
	return
}

// CreateIfAbsent relies on the partial unique index on (procedure_id) WHERE
// NOT archived: a concurrent creator's insert silently loses and the caller
// re-reads the winner.
func (r *repoPG) CreateIfAbsent(ctx context.Context, rec *ClinicalRecord) (bool, error) {
	markers, sections, amendments, err := encodeRecord(rec)
	if err != nil {
		return false, err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO clinical_record (id, procedure_id, case_status, is_locked, locked_at, locked_by,
			time_markers, sections, amendment_log, archived, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false,$10,$11)
		ON CONFLICT (procedure_id) WHERE NOT archived DO NOTHING`,
		rec.ID, rec.ProcedureID, rec.CaseStatus, rec.IsLocked, rec.LockedAt, rec.LockedBy,
		markers, sections, amendments, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*ClinicalRecord, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM clinical_record WHERE id = $1`, id))
}

func (r *repoPG) GetByProcedure(ctx context.Context, procedureID uuid.UUID) (*ClinicalRecord, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM clinical_record WHERE procedure_id = $1 AND NOT archived`, procedureID))
}

func (r *repoPG) Update(ctx context.Context, rec *ClinicalRecord) error {
	markers, sections, amendments, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE clinical_record SET case_status=$2, is_locked=$3, locked_at=$4, locked_by=$5,
			time_markers=$6, sections=$7, amendment_log=$8, updated_at=NOW()
		WHERE id = $1`,
		rec.ID, rec.CaseStatus, rec.IsLocked, rec.LockedAt, rec.LockedBy,
		markers, sections, amendments)
	return err
}

func (r *repoPG) Archive(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE clinical_record SET archived = true, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *repoPG) CountActiveByProcedure(ctx context.Context, procedureID uuid.UUID) (int, error) {
	var count int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM clinical_record WHERE procedure_id = $1 AND NOT archived`, procedureID).Scan(&count)
	return count, err
}

// procedureDirPG checks procedure existence against the surrounding
// system's procedure table.
type procedureDirPG struct{ pool *pgxpool.Pool }

func NewProcedureDirPG(pool *pgxpool.Pool) ProcedureDirectory { return &procedureDirPG{pool: pool} }

func (p *procedureDirPG) Exists(ctx context.Context, procedureID uuid.UUID) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM procedure WHERE id = $1)`, procedureID).Scan(&exists)
	return exists, err
}
