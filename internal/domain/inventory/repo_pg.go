package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

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

const usageCols = `id, record_id, item_code, item_name, unit_id, measure, computed_qty, override, last_commit_id, created_at, updated_at`

func scanUsage(row pgx.Row) (*UsageRow, error) {
	var u UsageRow
	var override []byte
	err := row.Scan(&u.ID, &u.RecordID, &u.ItemCode, &u.ItemName, &u.UnitID, &u.Measure,
		&u.ComputedQty, &override, &u.LastCommitID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if override != nil {
		if err := json.Unmarshal(override, &u.Override); err != nil {
			return nil, fmt.Errorf("decode override: %w", err)
		}
	}
	return &u, nil
}

func (r *repoPG) UpsertComputed(ctx context.Context, row *UsageRow) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO inventory_usage (id, record_id, item_code, item_name, unit_id, measure, computed_qty, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (record_id, item_code) DO UPDATE SET
			item_name = EXCLUDED.item_name,
			unit_id = EXCLUDED.unit_id,
			measure = EXCLUDED.measure,
			computed_qty = EXCLUDED.computed_qty,
			updated_at = NOW()`,
		row.ID, row.RecordID, row.ItemCode, row.ItemName, row.UnitID, row.Measure,
		row.ComputedQty, row.CreatedAt, row.UpdatedAt)
	return err
}

func (r *repoPG) GetUsage(ctx context.Context, usageID uuid.UUID) (*UsageRow, error) {
	return scanUsage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+usageCols+` FROM inventory_usage WHERE id = $1`, usageID))
}

func (r *repoPG) ListUsage(ctx context.Context, recordID uuid.UUID) ([]UsageRow, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+usageCols+` FROM inventory_usage WHERE record_id = $1 ORDER BY item_code`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (r *repoPG) UpdateOverride(ctx context.Context, usageID uuid.UUID, ov *Override) error {
	var payload []byte
	if ov != nil {
		var err error
		if payload, err = json.Marshal(ov); err != nil {
			return fmt.Errorf("encode override: %w", err)
		}
	}
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE inventory_usage SET override = $2, updated_at = NOW() WHERE id = $1`,
		usageID, payload)
	return err
}

func (r *repoPG) SetLastCommit(ctx context.Context, usageIDs []uuid.UUID, commitID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE inventory_usage SET last_commit_id = $2, updated_at = NOW() WHERE id = ANY($1)`,
		usageIDs, commitID)
	return err
}

func (r *repoPG) ClearCommitRefs(ctx context.Context, commitID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE inventory_usage SET last_commit_id = NULL, updated_at = NOW() WHERE last_commit_id = $1`,
		commitID)
	return err
}

const commitCols = `id, record_id, unit_id, signature, lines, created_by, created_at, rolled_back_at, rollback_reason`

func scanCommit(row pgx.Row) (*Commit, error) {
	var c Commit
	var lines []byte
	err := row.Scan(&c.ID, &c.RecordID, &c.UnitID, &c.Signature, &lines,
		&c.CreatedBy, &c.CreatedAt, &c.RolledBackAt, &c.RollbackReason)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lines, &c.Lines); err != nil {
		return nil, fmt.Errorf("decode lines: %w", err)
	}
	return &c, nil
}

func (r *repoPG) CreateCommit(ctx context.Context, commit *Commit) error {
	lines, err := json.Marshal(commit.Lines)
	if err != nil {
		return fmt.Errorf("encode lines: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO inventory_commit (id, record_id, unit_id, signature, lines, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		commit.ID, commit.RecordID, commit.UnitID, commit.Signature, lines,
		commit.CreatedBy, commit.CreatedAt)
	return err
}

func (r *repoPG) GetCommit(ctx context.Context, commitID uuid.UUID) (*Commit, error) {
	return scanCommit(r.conn(ctx).QueryRow(ctx,
		`SELECT `+commitCols+` FROM inventory_commit WHERE id = $1`, commitID))
}

func (r *repoPG) ListCommits(ctx context.Context, recordID uuid.UUID, limit, offset int) ([]Commit, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM inventory_commit WHERE record_id = $1`, recordID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+commitCols+` FROM inventory_commit WHERE record_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, recordID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (r *repoPG) MarkRolledBack(ctx context.Context, commitID uuid.UUID, at time.Time, reason string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE inventory_commit SET rolled_back_at = $2, rollback_reason = $3 WHERE id = $1 AND rolled_back_at IS NULL`,
		commitID, at, reason)
	return err
}
