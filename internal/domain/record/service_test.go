package record

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opchart/opchart/internal/platform/bus"
	"github.com/opchart/opchart/internal/platform/reclock"
)

const terminalCode = "recovery_discharge"

// -- Mocks --

type mockRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*ClinicalRecord
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[uuid.UUID]*ClinicalRecord)}
}

func (m *mockRepo) CreateIfAbsent(_ context.Context, r *ClinicalRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.ProcedureID == r.ProcedureID && !existing.Archived {
			return false, nil
		}
	}
	clone := *r
	m.records[r.ID] = &clone
	return true, nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*ClinicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *r
	return &clone, nil
}

func (m *mockRepo) GetByProcedure(_ context.Context, procedureID uuid.UUID) (*ClinicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ProcedureID == procedureID && !r.Archived {
			clone := *r
			return &clone, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (m *mockRepo) Update(_ context.Context, r *ClinicalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *r
	m.records[r.ID] = &clone
	return nil
}

func (m *mockRepo) Archive(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.Archived = true
	}
	return nil
}

func (m *mockRepo) CountActiveByProcedure(_ context.Context, procedureID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.records {
		if r.ProcedureID == procedureID && !r.Archived {
			count++
		}
	}
	return count, nil
}

type mockProcedures struct {
	known map[uuid.UUID]bool
}

func (m *mockProcedures) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	return m.known[id], nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *capturePublisher) Publish(_ context.Context, e bus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) last() *bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	e := p.events[len(p.events)-1]
	return &e
}

func newTestService(known ...uuid.UUID) (*Service, *mockRepo, *capturePublisher) {
	repo := newMockRepo()
	procs := &mockProcedures{known: make(map[uuid.UUID]bool)}
	for _, id := range known {
		procs.known[id] = true
	}
	pub := &capturePublisher{}
	svc := NewService(repo, procs, reclock.NewRegistry(), pub, zerolog.Nop(), terminalCode)
	return svc, repo, pub
}

func mustCreate(t *testing.T, svc *Service, procedureID uuid.UUID) *ClinicalRecord {
	t.Helper()
	rec, err := svc.GetOrCreate(context.Background(), procedureID)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	return rec
}

func ts(t time.Time) *time.Time { return &t }

// -- Tests --

func TestGetOrCreate_UnknownProcedure(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.GetOrCreate(context.Background(), uuid.New())
	if !errors.Is(err, ErrProcedureNotFound) {
		t.Fatalf("expected ErrProcedureNotFound, got %v", err)
	}
}

func TestGetOrCreate_Concurrent(t *testing.T) {
	procedureID := uuid.New()
	svc, _, _ := newTestService(procedureID)

	const n = 50
	ids := make(chan uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := svc.GetOrCreate(context.Background(), procedureID)
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			ids <- rec.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uuid.UUID]bool)
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected all callers to receive the same record, got %d distinct ids", len(seen))
	}
}

func TestApplyTimeMarkers_LockTransitions(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name       string
		markers    []TimeMarker
		preLocked  bool
		preMarkers []TimeMarker
		wantLocked bool
	}{
		{
			name:       "terminal gains time locks",
			markers:    []TimeMarker{{Code: terminalCode, Time: ts(now)}},
			wantLocked: true,
		},
		{
			name:       "terminal cleared unlocks",
			preLocked:  true,
			preMarkers: []TimeMarker{{Code: terminalCode, Time: ts(now)}},
			markers:    []TimeMarker{{Code: terminalCode}},
			wantLocked: false,
		},
		{
			name:       "terminal omitted leaves locked untouched",
			preLocked:  true,
			preMarkers: []TimeMarker{{Code: terminalCode, Time: ts(now)}},
			markers:    []TimeMarker{{Code: "induction_start", Time: ts(now)}},
			wantLocked: true,
		},
		{
			name:       "terminal omitted leaves unlocked untouched",
			markers:    []TimeMarker{{Code: "induction_start", Time: ts(now)}},
			wantLocked: false,
		},
		{
			name:       "unchanged terminal repairs inconsistent lock",
			preLocked:  false,
			preMarkers: []TimeMarker{{Code: terminalCode, Time: ts(now)}},
			markers:    []TimeMarker{{Code: terminalCode, Time: ts(now)}},
			wantLocked: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			procedureID := uuid.New()
			svc, repo, _ := newTestService(procedureID)
			rec := mustCreate(t, svc, procedureID)

			rec.IsLocked = tc.preLocked
			rec.TimeMarkers = tc.preMarkers
			if err := repo.Update(context.Background(), rec); err != nil {
				t.Fatal(err)
			}

			got, err := svc.ApplyTimeMarkers(context.Background(), rec.ID, tc.markers, "dr-a", "s1")
			if err != nil {
				t.Fatalf("apply time markers: %v", err)
			}
			if got.IsLocked != tc.wantLocked {
				t.Fatalf("isLocked = %v, want %v", got.IsLocked, tc.wantLocked)
			}
		})
	}
}

func TestApplyTimeMarkers_RejectedWhenFinal(t *testing.T) {
	procedureID := uuid.New()
	svc, _, _ := newTestService(procedureID)
	rec := mustCreate(t, svc, procedureID)

	if _, err := svc.Close(context.Background(), rec.ID, "dr-a", "s1"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.ApplyTimeMarkers(context.Background(), rec.ID,
		[]TimeMarker{{Code: "induction_start", Time: ts(time.Now())}}, "dr-a", "s1")
	if !errors.Is(err, ErrRecordImmutable) {
		t.Fatalf("expected ErrRecordImmutable, got %v", err)
	}
}

func TestClose_Transitions(t *testing.T) {
	procedureID := uuid.New()
	svc, _, _ := newTestService(procedureID)
	rec := mustCreate(t, svc, procedureID)

	closed, err := svc.Close(context.Background(), rec.ID, "dr-a", "s1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.CaseStatus != CaseClosed {
		t.Fatalf("caseStatus = %s, want closed", closed.CaseStatus)
	}

	if _, err := svc.Close(context.Background(), rec.ID, "dr-a", "s1"); !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("expected ErrAlreadyFinal, got %v", err)
	}
}

func TestAmend_OnlyFromClosed(t *testing.T) {
	procedureID := uuid.New()
	svc, _, _ := newTestService(procedureID)
	rec := mustCreate(t, svc, procedureID)

	updates := map[string]map[string]interface{}{
		SectionPostOpChecklist: {"drainsRemoved": true},
	}

	if _, err := svc.Amend(context.Background(), rec.ID, "dr-a", "late entry", updates, "s1"); !errors.Is(err, ErrNotClosed) {
		t.Fatalf("amend on open record: expected ErrNotClosed, got %v", err)
	}

	if _, err := svc.Close(context.Background(), rec.ID, "dr-a", "s1"); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Amend(context.Background(), rec.ID, "dr-a", "", updates, "s1"); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	if _, err := svc.Amend(context.Background(), rec.ID, "dr-a", "late entry", nil, "s1"); !errors.Is(err, ErrUpdatesRequired) {
		t.Fatalf("expected ErrUpdatesRequired, got %v", err)
	}

	amended, err := svc.Amend(context.Background(), rec.ID, "dr-a", "late entry", updates, "s1")
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if amended.CaseStatus != CaseAmended {
		t.Fatalf("caseStatus = %s, want amended", amended.CaseStatus)
	}
	if len(amended.AmendmentLog) != 1 {
		t.Fatalf("amendment log has %d entries, want 1", len(amended.AmendmentLog))
	}
	entry := amended.AmendmentLog[0]
	if entry.Reason != "late entry" || entry.Author != "dr-a" {
		t.Fatalf("unexpected amendment entry: %+v", entry)
	}
	if _, ok := entry.Diff[SectionPostOpChecklist]; !ok {
		t.Fatal("amendment diff should cover the changed section")
	}
}

func TestLockUnlock_Manual(t *testing.T) {
	procedureID := uuid.New()
	svc, _, _ := newTestService(procedureID)
	rec := mustCreate(t, svc, procedureID)

	locked, err := svc.Lock(context.Background(), rec.ID, "dr-a", "s1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !locked.IsLocked || locked.LockedBy == nil || *locked.LockedBy != "dr-a" {
		t.Fatalf("unexpected lock state: %+v", locked)
	}

	if _, err := svc.Lock(context.Background(), rec.ID, "dr-a", "s1"); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}

	if _, err := svc.Unlock(context.Background(), rec.ID, "dr-a", "  ", "s1"); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}

	unlocked, err := svc.Unlock(context.Background(), rec.ID, "dr-a", "wrong patient chart", "s1")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if unlocked.IsLocked {
		t.Fatal("record should be unlocked")
	}

	if _, err := svc.Unlock(context.Background(), rec.ID, "dr-a", "again", "s1"); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
}

func TestUpdateSection_RejectedWhenLocked(t *testing.T) {
	procedureID := uuid.New()
	svc, _, _ := newTestService(procedureID)
	rec := mustCreate(t, svc, procedureID)

	if _, err := svc.Lock(context.Background(), rec.ID, "dr-a", "s1"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, err := svc.UpdateSection(context.Background(), rec.ID, SectionStaff,
		map[string]interface{}{"nurse": "rn-b"}, "s1")
	if !errors.Is(err, ErrRecordLocked) {
		t.Fatalf("expected ErrRecordLocked, got %v", err)
	}

	if err := svc.EnsureMutable(context.Background(), rec.ID); !errors.Is(err, ErrRecordLocked) {
		t.Fatalf("expected ErrRecordLocked from gate, got %v", err)
	}

	got, err := svc.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mutable() {
		t.Fatal("a locked record must not report itself mutable")
	}
	if got.Sections[SectionStaff] != nil {
		t.Fatalf("locked record accepted mutation: %v", got.Sections[SectionStaff])
	}

	// Manual unlock with a reason is the escape hatch.
	if _, err := svc.Unlock(context.Background(), rec.ID, "dr-a", "charting continues", "s1"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := svc.UpdateSection(context.Background(), rec.ID, SectionStaff,
		map[string]interface{}{"nurse": "rn-b"}, "s1"); err != nil {
		t.Fatalf("update after unlock: %v", err)
	}
}

func TestGet_UnknownRecord(t *testing.T) {
	procedureID := uuid.New()
	svc, _, _ := newTestService(procedureID)

	if _, err := svc.Get(context.Background(), uuid.New()); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestUpdateSection_DeepMergePreservesDisjointLeaves(t *testing.T) {
	procedureID := uuid.New()
	svc, _, _ := newTestService(procedureID)
	rec := mustCreate(t, svc, procedureID)

	_, err := svc.UpdateSection(context.Background(), rec.ID, SectionPreOpChecklist,
		map[string]interface{}{"airway": map[string]interface{}{"mallampati": "II"}}, "device-a")
	if err != nil {
		t.Fatal(err)
	}
	updated, err := svc.UpdateSection(context.Background(), rec.ID, SectionPreOpChecklist,
		map[string]interface{}{"airway": map[string]interface{}{"dentition": "intact"}, "fasting": true}, "device-b")
	if err != nil {
		t.Fatal(err)
	}

	airway, ok := updated.Sections[SectionPreOpChecklist]["airway"].(map[string]interface{})
	if !ok {
		t.Fatalf("airway is not an object: %+v", updated.Sections)
	}
	if airway["mallampati"] != "II" {
		t.Fatal("device-b's partial update erased device-a's disjoint leaf")
	}
	if airway["dentition"] != "intact" {
		t.Fatal("device-b's own leaf missing")
	}
	if updated.Sections[SectionPreOpChecklist]["fasting"] != true {
		t.Fatal("top-level leaf missing")
	}
}

func TestUpdateSection_UnknownSection(t *testing.T) {
	procedureID := uuid.New()
	svc, _, _ := newTestService(procedureID)
	rec := mustCreate(t, svc, procedureID)

	_, err := svc.UpdateSection(context.Background(), rec.ID, "billingNotes",
		map[string]interface{}{"x": 1}, "s1")
	if !errors.Is(err, ErrUnknownSection) {
		t.Fatalf("expected ErrUnknownSection, got %v", err)
	}
}

func TestDeleteDuplicate_RefusesLastRecord(t *testing.T) {
	procedureID := uuid.New()
	svc, repo, _ := newTestService(procedureID)
	rec := mustCreate(t, svc, procedureID)

	if err := svc.DeleteDuplicate(context.Background(), rec.ID, "admin"); !errors.Is(err, ErrLastRecord) {
		t.Fatalf("expected ErrLastRecord, got %v", err)
	}

	// A historical duplicate slipped in before the unique constraint.
	dup := &ClinicalRecord{ID: uuid.New(), ProcedureID: procedureID, CaseStatus: CaseOpen}
	repo.mu.Lock()
	repo.records[dup.ID] = dup
	repo.mu.Unlock()

	if err := svc.DeleteDuplicate(context.Background(), dup.ID, "admin"); err != nil {
		t.Fatalf("delete duplicate: %v", err)
	}
	if count, _ := repo.CountActiveByProcedure(context.Background(), procedureID); count != 1 {
		t.Fatalf("expected 1 active record left, got %d", count)
	}
}

func TestMutations_PublishWithOriginSession(t *testing.T) {
	procedureID := uuid.New()
	svc, _, pub := newTestService(procedureID)
	rec := mustCreate(t, svc, procedureID)

	_, err := svc.UpdateSection(context.Background(), rec.ID, SectionStaff,
		map[string]interface{}{"anesthetist": "dr-a"}, "pacu-tablet")
	if err != nil {
		t.Fatal(err)
	}

	evt := pub.last()
	if evt == nil {
		t.Fatal("expected a broadcast event")
	}
	if evt.RecordID != rec.ID || evt.Section != SectionStaff || evt.OriginSession != "pacu-tablet" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestAmendments_PaginatedNewestFirst(t *testing.T) {
	procedureID := uuid.New()
	svc, repo, _ := newTestService(procedureID)
	rec := mustCreate(t, svc, procedureID)

	rec.CaseStatus = CaseClosed
	rec.AmendmentLog = []Amendment{
		{Reason: "first", Timestamp: time.Now().Add(-2 * time.Hour)},
		{Reason: "second", Timestamp: time.Now().Add(-1 * time.Hour)},
	}
	if err := repo.Update(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	page, total, err := svc.Amendments(context.Background(), rec.ID, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(page) != 1 || page[0].Reason != "second" {
		t.Fatalf("unexpected page: total=%d page=%+v", total, page)
	}
}
