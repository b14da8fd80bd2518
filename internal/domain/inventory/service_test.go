package inventory

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

// -- Mocks --

type mockRepo struct {
	mu      sync.Mutex
	usage   map[uuid.UUID]*UsageRow
	commits map[uuid.UUID]*Commit
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		usage:   make(map[uuid.UUID]*UsageRow),
		commits: make(map[uuid.UUID]*Commit),
	}
}

func (m *mockRepo) UpsertComputed(_ context.Context, row *UsageRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.usage {
		if existing.RecordID == row.RecordID && existing.ItemCode == row.ItemCode {
			existing.ItemName = row.ItemName
			existing.UnitID = row.UnitID
			existing.Measure = row.Measure
			existing.ComputedQty = row.ComputedQty
			existing.UpdatedAt = time.Now()
			return nil
		}
	}
	clone := *row
	m.usage[row.ID] = &clone
	return nil
}

func (m *mockRepo) GetUsage(_ context.Context, usageID uuid.UUID) (*UsageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.usage[usageID]
	if !ok {
		return nil, errors.New("not found")
	}
	clone := *row
	return &clone, nil
}

func (m *mockRepo) ListUsage(_ context.Context, recordID uuid.UUID) ([]UsageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UsageRow
	for _, row := range m.usage {
		if row.RecordID == recordID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (m *mockRepo) UpdateOverride(_ context.Context, usageID uuid.UUID, ov *Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.usage[usageID]; ok {
		row.Override = ov
	}
	return nil
}

func (m *mockRepo) SetLastCommit(_ context.Context, usageIDs []uuid.UUID, commitID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range usageIDs {
		if row, ok := m.usage[id]; ok {
			cid := commitID
			row.LastCommitID = &cid
		}
	}
	return nil
}

func (m *mockRepo) ClearCommitRefs(_ context.Context, commitID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.usage {
		if row.LastCommitID != nil && *row.LastCommitID == commitID {
			row.LastCommitID = nil
		}
	}
	return nil
}

func (m *mockRepo) CreateCommit(_ context.Context, commit *Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *commit
	m.commits[commit.ID] = &clone
	return nil
}

func (m *mockRepo) GetCommit(_ context.Context, commitID uuid.UUID) (*Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commits[commitID]
	if !ok {
		return nil, errors.New("not found")
	}
	clone := *c
	return &clone, nil
}

func (m *mockRepo) ListCommits(_ context.Context, recordID uuid.UUID, limit, offset int) ([]Commit, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Commit
	for _, c := range m.commits {
		if c.RecordID == recordID {
			all = append(all, *c)
		}
	}
	total := len(all)
	if offset >= total {
		return []Commit{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) MarkRolledBack(_ context.Context, commitID uuid.UUID, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.commits[commitID]; ok && c.RolledBackAt == nil {
		c.RolledBackAt = &at
		c.RollbackReason = &reason
	}
	return nil
}

type fakeMeds struct {
	totals map[string]float64
}

func (f *fakeMeds) MedicationTotals(_ context.Context, _ uuid.UUID) (map[string]float64, error) {
	return f.totals, nil
}

type fakeRecords struct{ missing bool }

func (f *fakeRecords) Exists(_ context.Context, _ uuid.UUID) (bool, error) {
	return !f.missing, nil
}

func testCatalog() StaticCatalog {
	cat := StaticCatalog{}
	for _, item := range []CatalogItem{
		{Key: "propofol", Code: "MED-PROPOFOL", Name: "Propofol", UnitID: "anesthesia", Measure: "mg"},
		{Key: "fentanyl", Code: "MED-FENTANYL", Name: "Fentanyl", UnitID: "anesthesia", Measure: "mg"},
		{Key: "irrigationSaline", Code: "FLU-SALINE-IRR", Name: "Irrigation saline", UnitID: "surgical", Measure: "ml"},
	} {
		cat[item.Key] = item
	}
	return cat
}

func newTestService(totals map[string]float64) (*Service, *mockRepo) {
	repo := newMockRepo()
	svc := NewService(repo, nil, &fakeMeds{totals: totals}, &fakeRecords{}, testCatalog(),
		reclock.NewRegistry(), bus.NopPublisher{}, nil, zerolog.Nop())
	return svc, repo
}

// -- Tests --

func TestComputeUsage(t *testing.T) {
	svc, _ := newTestService(map[string]float64{
		"propofol":    200,
		"fentanyl":    0.25,
		"remimazolam": 10, // not in the catalog, must be skipped
	})
	recordID := uuid.New()

	rows, err := svc.ComputeUsage(context.Background(), recordID, "s1")
	if err != nil {
		t.Fatalf("compute usage: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d usage rows, want 2", len(rows))
	}
	byCode := make(map[string]UsageRow)
	for _, row := range rows {
		byCode[row.ItemCode] = row
	}
	if byCode["MED-PROPOFOL"].ComputedQty != 200 || byCode["MED-FENTANYL"].ComputedQty != 0.25 {
		t.Fatalf("unexpected quantities: %+v", byCode)
	}
}

func TestComputeUsage_PreservesOverride(t *testing.T) {
	svc, _ := newTestService(map[string]float64{"propofol": 200})
	recordID := uuid.New()

	rows, err := svc.ComputeUsage(context.Background(), recordID, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SetOverride(context.Background(), rows[0].ID, 180, "partial vial wasted", "dr-a", "s1"); err != nil {
		t.Fatal(err)
	}

	// The clinician charts another dose; recomputation must not erase the override.
	svc.meds = &fakeMeds{totals: map[string]float64{"propofol": 250}}
	rows, err = svc.ComputeUsage(context.Background(), recordID, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].ComputedQty != 250 {
		t.Fatalf("computed qty = %v, want 250", rows[0].ComputedQty)
	}
	if rows[0].Override == nil || rows[0].Override.Qty != 180 {
		t.Fatal("recomputation erased the override")
	}
}

func TestSetOverride_Validation(t *testing.T) {
	svc, _ := newTestService(map[string]float64{"propofol": 200})
	rows, err := svc.ComputeUsage(context.Background(), uuid.New(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	usageID := rows[0].ID

	if _, err := svc.SetOverride(context.Background(), usageID, -1, "spill", "dr-a", "s1"); !errors.Is(err, ErrNegativeQty) {
		t.Fatalf("expected ErrNegativeQty, got %v", err)
	}
	if _, err := svc.SetOverride(context.Background(), usageID, 150, "  ", "dr-a", "s1"); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}

	row, err := svc.SetOverride(context.Background(), usageID, 150, "vial broken", "dr-a", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if qty, source := row.Effective(); qty != 150 || source != SourceOverride {
		t.Fatalf("effective = %v/%s, want 150/override", qty, source)
	}

	row, err = svc.ClearOverride(context.Background(), usageID, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if qty, source := row.Effective(); qty != 200 || source != SourceComputed {
		t.Fatalf("effective = %v/%s, want 200/computed", qty, source)
	}
}

func TestCommit(t *testing.T) {
	svc, _ := newTestService(map[string]float64{
		"propofol":         200,
		"irrigationSaline": 500,
	})
	recordID := uuid.New()
	rows, err := svc.ComputeUsage(context.Background(), recordID, "s1")
	if err != nil {
		t.Fatal(err)
	}

	// Override one anesthesia item; the commit must pick up the override.
	for _, row := range rows {
		if row.ItemCode == "MED-PROPOFOL" {
			if _, err := svc.SetOverride(context.Background(), row.ID, 180, "waste", "dr-a", "s1"); err != nil {
				t.Fatal(err)
			}
		}
	}

	if _, err := svc.Commit(context.Background(), recordID, "anesthesia", "", "dr-a", "s1"); !errors.Is(err, ErrSignatureRequired) {
		t.Fatalf("expected ErrSignatureRequired, got %v", err)
	}

	commit, err := svc.Commit(context.Background(), recordID, "anesthesia", "sig:dr-a", "dr-a", "s1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(commit.Lines) != 1 {
		t.Fatalf("anesthesia commit has %d lines, want 1 (surgical items excluded)", len(commit.Lines))
	}
	line := commit.Lines[0]
	if line.ItemCode != "MED-PROPOFOL" || line.Qty != 180 || line.Source != SourceOverride {
		t.Fatalf("unexpected line: %+v", line)
	}

	// The consumed row now references the commit.
	usage, err := svc.ListUsage(context.Background(), recordID)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range usage {
		if row.ItemCode == "MED-PROPOFOL" {
			if row.LastCommitID == nil || *row.LastCommitID != commit.ID {
				t.Fatal("consumed row should reference the commit")
			}
		}
		if row.ItemCode == "FLU-SALINE-IRR" && row.LastCommitID != nil {
			t.Fatal("other unit's rows must be untouched")
		}
	}

	// The surgical unit commits its own portion independently.
	surgical, err := svc.Commit(context.Background(), recordID, "surgical", "sig:dr-s", "dr-s", "s2")
	if err != nil {
		t.Fatalf("surgical commit: %v", err)
	}
	if len(surgical.Lines) != 1 || surgical.Lines[0].ItemCode != "FLU-SALINE-IRR" {
		t.Fatalf("unexpected surgical lines: %+v", surgical.Lines)
	}
}

func TestCommit_NothingForUnit(t *testing.T) {
	svc, _ := newTestService(map[string]float64{"propofol": 200})
	recordID := uuid.New()
	if _, err := svc.ComputeUsage(context.Background(), recordID, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Commit(context.Background(), recordID, "surgical", "sig", "dr-s", "s1"); !errors.Is(err, ErrNothingToCommit) {
		t.Fatalf("expected ErrNothingToCommit, got %v", err)
	}
}

func TestRollback(t *testing.T) {
	svc, repo := newTestService(map[string]float64{"propofol": 200})
	recordID := uuid.New()
	if _, err := svc.ComputeUsage(context.Background(), recordID, "s1"); err != nil {
		t.Fatal(err)
	}
	commit, err := svc.Commit(context.Background(), recordID, "anesthesia", "sig", "dr-a", "s1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Rollback(context.Background(), commit.ID, "anesthesia", "dr-a", "", "s1"); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	if _, err := svc.Rollback(context.Background(), commit.ID, "surgical", "dr-s", "billed twice", "s1"); !errors.Is(err, ErrForeignUnit) {
		t.Fatalf("expected ErrForeignUnit, got %v", err)
	}

	rolled, err := svc.Rollback(context.Background(), commit.ID, "anesthesia", "dr-a", "billed twice", "s1")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !rolled.RolledBack() || rolled.RollbackReason == nil || *rolled.RollbackReason != "billed twice" {
		t.Fatalf("unexpected rollback state: %+v", rolled)
	}

	if _, err := svc.Rollback(context.Background(), commit.ID, "anesthesia", "dr-a", "again", "s1"); !errors.Is(err, ErrAlreadyRolledBack) {
		t.Fatalf("expected ErrAlreadyRolledBack, got %v", err)
	}

	// Usage rows survive the rollback and have dropped their back-reference.
	usage, err := svc.ListUsage(context.Background(), recordID)
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 1 {
		t.Fatal("rollback must never delete usage rows")
	}
	if usage[0].LastCommitID != nil {
		t.Fatal("rollback must clear the commit back-reference")
	}

	// A fresh commit for the same record and unit succeeds independently.
	second, err := svc.Commit(context.Background(), recordID, "anesthesia", "sig2", "dr-a", "s1")
	if err != nil {
		t.Fatalf("recommit: %v", err)
	}
	if second.ID == commit.ID {
		t.Fatal("recommit must produce a new ledger entry")
	}
	if got, _ := repo.GetCommit(context.Background(), commit.ID); got == nil || !got.RolledBack() {
		t.Fatal("original commit must remain in the ledger, marked inert")
	}
}

type txMarkerKey struct{}

// txSpyRepo records whether the dependent ledger writes ran inside the
// transaction runner.
type txSpyRepo struct {
	*mockRepo
	createInTx   bool
	markRowsInTx bool
	rollbackInTx bool
	clearInTx    bool
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txMarkerKey{}).(bool)
	return v
}

func (s *txSpyRepo) CreateCommit(ctx context.Context, c *Commit) error {
	s.createInTx = inTx(ctx)
	return s.mockRepo.CreateCommit(ctx, c)
}

func (s *txSpyRepo) SetLastCommit(ctx context.Context, ids []uuid.UUID, commitID uuid.UUID) error {
	s.markRowsInTx = inTx(ctx)
	return s.mockRepo.SetLastCommit(ctx, ids, commitID)
}

func (s *txSpyRepo) MarkRolledBack(ctx context.Context, commitID uuid.UUID, at time.Time, reason string) error {
	s.rollbackInTx = inTx(ctx)
	return s.mockRepo.MarkRolledBack(ctx, commitID, at, reason)
}

func (s *txSpyRepo) ClearCommitRefs(ctx context.Context, commitID uuid.UUID) error {
	s.clearInTx = inTx(ctx)
	return s.mockRepo.ClearCommitRefs(ctx, commitID)
}

func TestCommitAndRollback_GroupDependentWrites(t *testing.T) {
	spy := &txSpyRepo{mockRepo: newMockRepo()}
	runner := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return fn(context.WithValue(ctx, txMarkerKey{}, true))
	}
	svc := NewService(spy, runner, &fakeMeds{totals: map[string]float64{"propofol": 200}},
		&fakeRecords{}, testCatalog(), reclock.NewRegistry(), bus.NopPublisher{}, nil, zerolog.Nop())

	recordID := uuid.New()
	if _, err := svc.ComputeUsage(context.Background(), recordID, "s1"); err != nil {
		t.Fatal(err)
	}

	commit, err := svc.Commit(context.Background(), recordID, "anesthesia", "sig", "dr-a", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !spy.createInTx || !spy.markRowsInTx {
		t.Fatalf("commit writes must share one transaction: create=%v markRows=%v",
			spy.createInTx, spy.markRowsInTx)
	}

	if _, err := svc.Rollback(context.Background(), commit.ID, "anesthesia", "dr-a", "wrong chart", "s1"); err != nil {
		t.Fatal(err)
	}
	if !spy.rollbackInTx || !spy.clearInTx {
		t.Fatalf("rollback writes must share one transaction: mark=%v clear=%v",
			spy.rollbackInTx, spy.clearInTx)
	}
}

func TestComputeUsage_UnknownRecord(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil, &fakeMeds{}, &fakeRecords{missing: true}, testCatalog(),
		reclock.NewRegistry(), bus.NopPublisher{}, nil, zerolog.Nop())
	if _, err := svc.ComputeUsage(context.Background(), uuid.New(), "s1"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}
