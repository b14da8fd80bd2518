package record

import (
	"time"

	"github.com/google/uuid"
)

// CaseStatus is the record's coarse lifecycle stage.
type CaseStatus string

const (
	CaseOpen    CaseStatus = "open"
	CaseClosed  CaseStatus = "closed"
	CaseAmended CaseStatus = "amended"
)

// TimeMarker is a clinically defined checkpoint (induction start, recovery
// discharge, ...). A nil Time means the checkpoint is registered but not yet
// reached, or was explicitly cleared.
type TimeMarker struct {
	Code string     `json:"code"`
	Time *time.Time `json:"time,omitempty"`
}

// FieldChange records one field's before/after values inside an amendment.
type FieldChange struct {
	From interface{} `json:"from"`
	To   interface{} `json:"to"`
}

// Amendment is an immutable log entry describing a post-closure correction.
type Amendment struct {
	Reason    string                 `json:"reason"`
	Author    string                 `json:"author"`
	Timestamp time.Time              `json:"timestamp"`
	Diff      map[string]FieldChange `json:"diff"`
}

// Structured payload sections that merge field-by-field on partial updates.
const (
	SectionPreOpChecklist     = "preopChecklist"
	SectionIntraOpChecklist   = "intraopChecklist"
	SectionPostOpChecklist    = "postopChecklist"
	SectionStaff              = "staff"
	SectionVentilationSummary = "ventilationSummary"
)

var mergeableSections = map[string]bool{
	SectionPreOpChecklist:     true,
	SectionIntraOpChecklist:   true,
	SectionPostOpChecklist:    true,
	SectionStaff:              true,
	SectionVentilationSummary: true,
}

// ClinicalRecord is one intra-procedural documentation record. At most one
// non-archived record exists per procedure.
type ClinicalRecord struct {
	ID           uuid.UUID                         `json:"id"`
	ProcedureID  uuid.UUID                         `json:"procedure_id"`
	CaseStatus   CaseStatus                        `json:"case_status"`
	IsLocked     bool                              `json:"is_locked"`
	LockedAt     *time.Time                        `json:"locked_at,omitempty"`
	LockedBy     *string                           `json:"locked_by,omitempty"`
	TimeMarkers  []TimeMarker                      `json:"time_markers"`
	Sections     map[string]map[string]interface{} `json:"sections"`
	AmendmentLog []Amendment                       `json:"amendment_log"`
	Archived     bool                              `json:"archived"`
	CreatedAt    time.Time                         `json:"created_at"`
	UpdatedAt    time.Time                         `json:"updated_at"`
}

// Mutable reports whether checklist and channel data may still change. A
// locked record is read-only until unlocked, either manually or by clearing
// the terminal time marker.
func (r *ClinicalRecord) Mutable() bool {
	return r.CaseStatus == CaseOpen && !r.IsLocked
}

// Final reports whether the record has left the open stage for good.
func (r *ClinicalRecord) Final() bool {
	return r.CaseStatus != CaseOpen
}

// Marker returns the marker with the given code, or nil.
func (r *ClinicalRecord) Marker(code string) *TimeMarker {
	for i := range r.TimeMarkers {
		if r.TimeMarkers[i].Code == code {
			return &r.TimeMarkers[i]
		}
	}
	return nil
}

// HasValidTime reports whether the marker carries a usable timestamp.
func (m *TimeMarker) HasValidTime() bool {
	return m != nil && m.Time != nil && !m.Time.IsZero()
}
