package record

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opchart/opchart/internal/platform/bus"
	"github.com/opchart/opchart/internal/platform/reclock"
)

// Service is the record lifecycle controller. It owns caseStatus and the
// lock flag, gates every mutation, and derives lock state from the terminal
// time marker. All writes to one record are serialized through the shared
// lock registry, the same one the snapshot store uses, so a lifecycle
// transition can never interleave with an in-flight point mutation.
type Service struct {
	records    Repository
	procedures ProcedureDirectory
	locks      *reclock.Registry
	bus        bus.Publisher
	logger     zerolog.Logger
	terminal   string
}

func NewService(records Repository, procedures ProcedureDirectory, locks *reclock.Registry, publisher bus.Publisher, logger zerolog.Logger, terminalCode string) *Service {
	return &Service{
		records:    records,
		procedures: procedures,
		locks:      locks,
		bus:        publisher,
		logger:     logger,
		terminal:   terminalCode,
	}
}

func recordKey(id uuid.UUID) string    { return "record:" + id.String() }
func procedureKey(id uuid.UUID) string { return "proc:" + id.String() }

// GetOrCreate returns the procedure's record, creating it on first write
// attempt. Concurrent creators all receive the same record; the per-procedure
// lock serializes creators on this instance and the repository's conditional
// insert settles races across instances.
func (s *Service) GetOrCreate(ctx context.Context, procedureID uuid.UUID) (*ClinicalRecord, error) {
	exists, err := s.procedures.Exists(ctx, procedureID)
	if err != nil {
		return nil, fmt.Errorf("check procedure: %w", err)
	}
	if !exists {
		return nil, ErrProcedureNotFound
	}

	release := s.locks.Acquire(procedureKey(procedureID))
	defer release()

	if rec, err := s.records.GetByProcedure(ctx, procedureID); err == nil {
		return rec, nil
	}

	now := time.Now()
	rec := &ClinicalRecord{
		ID:          uuid.New(),
		ProcedureID: procedureID,
		CaseStatus:  CaseOpen,
		Sections:    make(map[string]map[string]interface{}),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := s.records.CreateIfAbsent(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	if !created {
		// Another instance won the race; hand back its record.
		return s.records.GetByProcedure(ctx, procedureID)
	}
	return rec, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*ClinicalRecord, error) {
	return s.records.GetByID(ctx, id)
}

// EnsureMutable reports whether channel/checklist data of the record may
// change. Used as the lifecycle gate by the snapshot store.
func (s *Service) EnsureMutable(ctx context.Context, id uuid.UUID) error {
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return ErrRecordNotFound
	}
	if rec.Final() {
		return ErrRecordImmutable
	}
	if rec.IsLocked {
		return ErrRecordLocked
	}
	return nil
}

// RecordLock exposes the shared per-record serialization point.
func (s *Service) RecordLock(id uuid.UUID) func() {
	return s.locks.Acquire(recordKey(id))
}

// ApplyTimeMarkers merges the incoming markers into the record's marker set
// and reconciles lock state against the terminal marker.
func (s *Service) ApplyTimeMarkers(ctx context.Context, id uuid.UUID, markers []TimeMarker, actor, session string) (*ClinicalRecord, error) {
	release := s.locks.Acquire(recordKey(id))
	defer release()

	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, ErrRecordNotFound
	}
	// Markers stay writable on a locked record: clearing the terminal marker
	// is what releases the lock.
	if rec.Final() {
		return nil, ErrRecordImmutable
	}

	old := rec.Marker(s.terminal)
	var incoming *TimeMarker
	for i := range markers {
		if markers[i].Code == s.terminal {
			incoming = &markers[i]
			break
		}
	}

	rec.TimeMarkers = mergeMarkers(rec.TimeMarkers, markers)

	switch deriveLock(old, incoming, rec.IsLocked) {
	case lockEngage:
		now := time.Now()
		rec.IsLocked = true
		rec.LockedAt = &now
		rec.LockedBy = &actor
		s.logger.Info().Str("record_id", id.String()).Str("actor", actor).Msg("record locked by terminal marker")
	case lockRelease:
		rec.IsLocked = false
		rec.LockedAt = nil
		rec.LockedBy = nil
		s.logger.Info().Str("record_id", id.String()).Str("actor", actor).Msg("record unlocked by cleared terminal marker")
	}

	rec.UpdatedAt = time.Now()
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	s.publish(rec.ID, "timeMarkers", rec, session)
	return rec, nil
}

// Close moves the record to closed. Fails when already closed or amended.
func (s *Service) Close(ctx context.Context, id uuid.UUID, actor, session string) (*ClinicalRecord, error) {
	release := s.locks.Acquire(recordKey(id))
	defer release()

	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, ErrRecordNotFound
	}
	if rec.CaseStatus != CaseOpen {
		return nil, ErrAlreadyFinal
	}

	rec.CaseStatus = CaseClosed
	rec.UpdatedAt = time.Now()
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	s.logger.Info().Str("record_id", id.String()).Str("actor", actor).Msg("record closed")
	s.publish(rec.ID, "record", rec, session)
	return rec, nil
}

// Amend applies post-closure corrections. Only legal from closed; requires a
// reason and a non-empty update set; produces exactly one amendment-log
// entry capturing what changed and why.
func (s *Service) Amend(ctx context.Context, id uuid.UUID, actor, reason string, updates map[string]map[string]interface{}, session string) (*ClinicalRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	if len(updates) == 0 {
		return nil, ErrUpdatesRequired
	}
	for section := range updates {
		if !mergeableSections[section] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSection, section)
		}
	}

	release := s.locks.Acquire(recordKey(id))
	defer release()

	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, ErrRecordNotFound
	}
	if rec.CaseStatus != CaseClosed {
		return nil, ErrNotClosed
	}

	diff := make(map[string]FieldChange, len(updates))
	if rec.Sections == nil {
		rec.Sections = make(map[string]map[string]interface{})
	}
	for section, partial := range updates {
		before := snapshotValue(rec.Sections[section])
		rec.Sections[section] = deepMerge(rec.Sections[section], partial)
		diff[section] = FieldChange{From: before, To: snapshotValue(rec.Sections[section])}
	}

	rec.CaseStatus = CaseAmended
	rec.AmendmentLog = append(rec.AmendmentLog, Amendment{
		Reason:    reason,
		Author:    actor,
		Timestamp: time.Now(),
		Diff:      diff,
	})
	rec.UpdatedAt = time.Now()
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	s.logger.Info().Str("record_id", id.String()).Str("actor", actor).Str("reason", reason).Msg("record amended")
	s.publish(rec.ID, "record", rec, session)
	return rec, nil
}

// Lock manually engages the lock. Fails when already locked.
func (s *Service) Lock(ctx context.Context, id uuid.UUID, actor, session string) (*ClinicalRecord, error) {
	release := s.locks.Acquire(recordKey(id))
	defer release()

	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, ErrRecordNotFound
	}
	if rec.IsLocked {
		return nil, ErrAlreadyLocked
	}

	now := time.Now()
	rec.IsLocked = true
	rec.LockedAt = &now
	rec.LockedBy = &actor
	rec.UpdatedAt = now
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	s.publish(rec.ID, "record", rec, session)
	return rec, nil
}

// Unlock releases a lock with a mandatory reason.
func (s *Service) Unlock(ctx context.Context, id uuid.UUID, actor, reason, session string) (*ClinicalRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}

	release := s.locks.Acquire(recordKey(id))
	defer release()

	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, ErrRecordNotFound
	}
	if !rec.IsLocked {
		return nil, ErrNotLocked
	}

	rec.IsLocked = false
	rec.LockedAt = nil
	rec.LockedBy = nil
	rec.UpdatedAt = time.Now()
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	s.logger.Info().Str("record_id", id.String()).Str("actor", actor).Str("reason", reason).Msg("record manually unlocked")
	s.publish(rec.ID, "record", rec, session)
	return rec, nil
}

// UpdateSection merges a partial structured payload (checklists, staff,
// ventilation summary) into the stored section field by field.
func (s *Service) UpdateSection(ctx context.Context, id uuid.UUID, section string, partial map[string]interface{}, session string) (*ClinicalRecord, error) {
	if !mergeableSections[section] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSection, section)
	}

	release := s.locks.Acquire(recordKey(id))
	defer release()

	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, ErrRecordNotFound
	}
	if rec.Final() {
		return nil, ErrRecordImmutable
	}
	if rec.IsLocked {
		return nil, ErrRecordLocked
	}

	if rec.Sections == nil {
		rec.Sections = make(map[string]map[string]interface{})
	}
	rec.Sections[section] = deepMerge(rec.Sections[section], partial)
	rec.UpdatedAt = time.Now()
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	s.publish(rec.ID, section, rec.Sections[section], session)
	return rec, nil
}

// DeleteDuplicate archives a duplicate record. Refuses to remove the last
// remaining record for its procedure.
func (s *Service) DeleteDuplicate(ctx context.Context, id uuid.UUID, actor string) error {
	release := s.locks.Acquire(recordKey(id))
	defer release()

	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return ErrRecordNotFound
	}

	count, err := s.records.CountActiveByProcedure(ctx, rec.ProcedureID)
	if err != nil {
		return fmt.Errorf("count records: %w", err)
	}
	if count <= 1 {
		return ErrLastRecord
	}

	if err := s.records.Archive(ctx, id); err != nil {
		return fmt.Errorf("archive record: %w", err)
	}
	s.logger.Info().Str("record_id", id.String()).Str("actor", actor).Msg("duplicate record archived")
	return nil
}

// Amendments returns a page of the amendment log, newest first.
func (s *Service) Amendments(ctx context.Context, id uuid.UUID, limit, offset int) ([]Amendment, int, error) {
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, 0, ErrRecordNotFound
	}

	log := make([]Amendment, len(rec.AmendmentLog))
	copy(log, rec.AmendmentLog)
	for i, j := 0, len(log)-1; i < j; i, j = i+1, j-1 {
		log[i], log[j] = log[j], log[i]
	}

	total := len(log)
	if offset >= total {
		return []Amendment{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return log[offset:end], total, nil
}

func (s *Service) publish(recordID uuid.UUID, section string, payload interface{}, session string) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal broadcast payload")
		return
	}
	_ = s.bus.Publish(context.Background(), bus.Event{
		RecordID:      recordID,
		Section:       section,
		Payload:       data,
		OriginSession: session,
		Timestamp:     time.Now(),
	})
}

// snapshotValue deep-copies a section document through JSON so amendment
// diffs are immune to later in-place edits.
func snapshotValue(v map[string]interface{}) interface{} {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
