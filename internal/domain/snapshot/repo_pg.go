package snapshot

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

func (r *repoPG) Get(ctx context.Context, recordID uuid.UUID) (*Snapshot, error) {
	var snap Snapshot
	var channels []byte
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT record_id, channels, created_at, updated_at FROM clinical_snapshot WHERE record_id = $1`,
		recordID).Scan(&snap.RecordID, &channels, &snap.CreatedAt, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSnapshotMissing
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(channels, &snap.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	return &snap, nil
}

func (r *repoPG) Save(ctx context.Context, snap *Snapshot) error {
	if snap.Channels == nil {
		snap.Channels = map[string]*Channel{}
	}
	channels, err := json.Marshal(snap.Channels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO clinical_snapshot (record_id, channels, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (record_id) DO UPDATE SET channels = EXCLUDED.channels, updated_at = EXCLUDED.updated_at`,
		snap.RecordID, channels, snap.CreatedAt, snap.UpdatedAt)
	return err
}
