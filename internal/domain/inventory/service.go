package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opchart/opchart/internal/platform/bus"
	"github.com/opchart/opchart/internal/platform/reclock"
	"github.com/opchart/opchart/internal/platform/telemetry"
)

// TxRunner runs fn with every repository write inside one transaction. A nil
// runner executes fn directly, for repositories that need no grouping.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Service is the inventory consumption ledger. Usage rows are recomputed
// from charted medication events at any time; commits freeze the effective
// quantities of one hospital unit behind a signature, and rollbacks mark a
// commit inert without ever deleting anything.
type Service struct {
	repo    Repository
	tx      TxRunner
	meds    MedicationSource
	records RecordDirectory
	catalog Catalog
	locks   *reclock.Registry
	bus     bus.Publisher
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

func NewService(repo Repository, tx TxRunner, meds MedicationSource, records RecordDirectory, catalog Catalog,
	locks *reclock.Registry, publisher bus.Publisher, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		tx:      tx,
		meds:    meds,
		records: records,
		catalog: catalog,
		locks:   locks,
		bus:     publisher,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *Service) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx(ctx, fn)
}

func ledgerKey(recordID uuid.UUID, unitID string) string {
	return "ledger:" + recordID.String() + ":" + unitID
}

// ComputeUsage derives expected consumption from the charted medication
// doses. Deterministic: same charted events, same quantities. Overrides are
// left alone.
func (s *Service) ComputeUsage(ctx context.Context, recordID uuid.UUID, session string) ([]UsageRow, error) {
	if err := s.ensureRecord(ctx, recordID); err != nil {
		return nil, err
	}

	totals, err := s.meds.MedicationTotals(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("medication totals: %w", err)
	}

	now := time.Now()
	for key, qty := range totals {
		item, ok := s.catalog.ItemFor(key)
		if !ok {
			// Charted but not billable; nothing to track.
			continue
		}
		row := &UsageRow{
			ID:          uuid.New(),
			RecordID:    recordID,
			ItemCode:    item.Code,
			ItemName:    item.Name,
			UnitID:      item.UnitID,
			Measure:     item.Measure,
			ComputedQty: qty,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.repo.UpsertComputed(ctx, row); err != nil {
			return nil, fmt.Errorf("upsert usage %s: %w", item.Code, err)
		}
	}

	rows, err := s.repo.ListUsage(ctx, recordID)
	if err != nil {
		return nil, err
	}
	s.publish(recordID, rows, session)
	return rows, nil
}

// SetOverride replaces the computed quantity for billing purposes.
func (s *Service) SetOverride(ctx context.Context, usageID uuid.UUID, qty float64, reason, actor, session string) (*UsageRow, error) {
	if qty < 0 {
		return nil, ErrNegativeQty
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}

	row, err := s.repo.GetUsage(ctx, usageID)
	if err != nil {
		return nil, ErrUsageNotFound
	}

	ov := &Override{Qty: qty, Reason: reason, Author: actor, At: time.Now()}
	if err := s.repo.UpdateOverride(ctx, usageID, ov); err != nil {
		return nil, fmt.Errorf("set override: %w", err)
	}
	row.Override = ov

	s.logger.Info().Str("usage_id", usageID.String()).Str("actor", actor).
		Float64("qty", qty).Str("reason", reason).Msg("usage overridden")
	s.publishOne(row, session)
	return row, nil
}

func (s *Service) ClearOverride(ctx context.Context, usageID uuid.UUID, session string) (*UsageRow, error) {
	row, err := s.repo.GetUsage(ctx, usageID)
	if err != nil {
		return nil, ErrUsageNotFound
	}
	if err := s.repo.UpdateOverride(ctx, usageID, nil); err != nil {
		return nil, fmt.Errorf("clear override: %w", err)
	}
	row.Override = nil
	s.publishOne(row, session)
	return row, nil
}

// Commit freezes the current effective quantities of one unit's catalog
// items into a signed ledger entry. Commits of different units never
// conflict; commits of the same (record, unit) pair are serialized.
func (s *Service) Commit(ctx context.Context, recordID uuid.UUID, unitID, signature, actor, session string) (*Commit, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, ErrSignatureRequired
	}
	if err := s.ensureRecord(ctx, recordID); err != nil {
		return nil, err
	}

	release := s.locks.Acquire(ledgerKey(recordID, unitID))
	defer release()

	rows, err := s.repo.ListUsage(ctx, recordID)
	if err != nil {
		return nil, err
	}

	var lines []CommitLine
	var consumed []uuid.UUID
	for i := range rows {
		if rows[i].UnitID != unitID {
			continue
		}
		qty, source := rows[i].Effective()
		lines = append(lines, CommitLine{
			ItemCode: rows[i].ItemCode,
			ItemName: rows[i].ItemName,
			Qty:      qty,
			Source:   source,
		})
		consumed = append(consumed, rows[i].ID)
	}
	if len(lines) == 0 {
		return nil, ErrNothingToCommit
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ItemCode < lines[j].ItemCode })

	commit := &Commit{
		ID:        uuid.New(),
		RecordID:  recordID,
		UnitID:    unitID,
		Signature: signature,
		Lines:     lines,
		CreatedBy: actor,
		CreatedAt: time.Now(),
	}
	// The commit and the back-references on its consumed rows land together
	// or not at all.
	err = s.runTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateCommit(ctx, commit); err != nil {
			return fmt.Errorf("create commit: %w", err)
		}
		if err := s.repo.SetLastCommit(ctx, consumed, commit.ID); err != nil {
			return fmt.Errorf("mark consumed rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.LedgerCommits.Inc()
	}
	s.logger.Info().Str("record_id", recordID.String()).Str("unit_id", unitID).
		Str("commit_id", commit.ID.String()).Str("actor", actor).Int("lines", len(lines)).
		Msg("inventory committed")
	s.publish(recordID, commit, session)
	return commit, nil
}

// Rollback marks a commit inert. The usage rows behind it survive untouched
// and become eligible for recomputation and a fresh commit. Callers may only
// roll back commits of their own unit.
func (s *Service) Rollback(ctx context.Context, commitID uuid.UUID, callerUnit, actor, reason, session string) (*Commit, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}

	commit, err := s.repo.GetCommit(ctx, commitID)
	if err != nil {
		return nil, ErrCommitNotFound
	}
	if commit.UnitID != callerUnit {
		return nil, ErrForeignUnit
	}

	release := s.locks.Acquire(ledgerKey(commit.RecordID, commit.UnitID))
	defer release()

	// Re-read under the lock; a concurrent rollback may have won.
	commit, err = s.repo.GetCommit(ctx, commitID)
	if err != nil {
		return nil, ErrCommitNotFound
	}
	if commit.RolledBack() {
		return nil, ErrAlreadyRolledBack
	}

	now := time.Now()
	err = s.runTx(ctx, func(ctx context.Context) error {
		if err := s.repo.MarkRolledBack(ctx, commitID, now, reason); err != nil {
			return fmt.Errorf("mark rolled back: %w", err)
		}
		if err := s.repo.ClearCommitRefs(ctx, commitID); err != nil {
			return fmt.Errorf("clear commit refs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	commit.RolledBackAt = &now
	commit.RollbackReason = &reason

	if s.metrics != nil {
		s.metrics.LedgerRollbacks.Inc()
	}
	s.logger.Info().Str("commit_id", commitID.String()).Str("unit_id", commit.UnitID).
		Str("actor", actor).Str("reason", reason).Msg("inventory commit rolled back")
	s.publish(commit.RecordID, commit, session)
	return commit, nil
}

func (s *Service) ListUsage(ctx context.Context, recordID uuid.UUID) ([]UsageRow, error) {
	if err := s.ensureRecord(ctx, recordID); err != nil {
		return nil, err
	}
	return s.repo.ListUsage(ctx, recordID)
}

func (s *Service) ListCommits(ctx context.Context, recordID uuid.UUID, limit, offset int) ([]Commit, int, error) {
	if err := s.ensureRecord(ctx, recordID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListCommits(ctx, recordID, limit, offset)
}

func (s *Service) ensureRecord(ctx context.Context, recordID uuid.UUID) error {
	exists, err := s.records.Exists(ctx, recordID)
	if err != nil {
		return fmt.Errorf("check record: %w", err)
	}
	if !exists {
		return ErrRecordNotFound
	}
	return nil
}

func (s *Service) publishOne(row *UsageRow, session string) {
	s.publish(row.RecordID, row, session)
}

func (s *Service) publish(recordID uuid.UUID, payload interface{}, session string) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal inventory payload")
		return
	}
	_ = s.bus.Publish(context.Background(), bus.Event{
		RecordID:      recordID,
		Section:       "inventory",
		Payload:       data,
		OriginSession: session,
		Timestamp:     time.Now(),
	})
}
