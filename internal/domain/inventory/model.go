package inventory

import (
	"time"

	"github.com/google/uuid"
)

// Override supersedes the computed quantity for billing and stock purposes.
// Setting one always requires a human-supplied reason.
type Override struct {
	Qty    float64   `json:"qty"`
	Reason string    `json:"reason"`
	Author string    `json:"author"`
	At     time.Time `json:"at"`
}

// UsageRow is the expected consumption of one catalog item for one record.
type UsageRow struct {
	ID           uuid.UUID  `json:"id"`
	RecordID     uuid.UUID  `json:"recordId"`
	ItemCode     string     `json:"itemCode"`
	ItemName     string     `json:"itemName"`
	UnitID       string     `json:"unitId"`
	Measure      string     `json:"measure"`
	ComputedQty  float64    `json:"computedQty"`
	Override     *Override  `json:"override,omitempty"`
	LastCommitID *uuid.UUID `json:"lastCommitId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Effective returns the quantity a commit would consume and its source.
func (u *UsageRow) Effective() (float64, string) {
	if u.Override != nil {
		return u.Override.Qty, SourceOverride
	}
	return u.ComputedQty, SourceComputed
}

const (
	SourceComputed = "computed"
	SourceOverride = "override"
)

type CommitLine struct {
	ItemCode string  `json:"itemCode"`
	ItemName string  `json:"itemName"`
	Qty      float64 `json:"qty"`
	Source   string  `json:"source"`
}

// Commit is one signed, unit-scoped ledger entry. Rolled-back commits stay
// in the ledger forever; RolledBackAt marks them inert.
type Commit struct {
	ID             uuid.UUID    `json:"id"`
	RecordID       uuid.UUID    `json:"recordId"`
	UnitID         string       `json:"unitId"`
	Signature      string       `json:"signature"`
	Lines          []CommitLine `json:"lines"`
	CreatedBy      string       `json:"createdBy"`
	CreatedAt      time.Time    `json:"createdAt"`
	RolledBackAt   *time.Time   `json:"rolledBackAt,omitempty"`
	RollbackReason *string      `json:"rollbackReason,omitempty"`
}

func (c *Commit) RolledBack() bool { return c.RolledBackAt != nil }

// CatalogItem maps one recorded medication/material key onto a billable
// consumable and the hospital unit that owns it.
type CatalogItem struct {
	Key     string `json:"key"` // paramKey in the medication channel
	Code    string `json:"code"`
	Name    string `json:"name"`
	UnitID  string `json:"unitId"`
	Measure string `json:"measure"`
}

// Catalog resolves recorded keys to consumables.
type Catalog interface {
	ItemFor(key string) (CatalogItem, bool)
}

// StaticCatalog is a fixed in-process catalog.
type StaticCatalog map[string]CatalogItem

func (c StaticCatalog) ItemFor(key string) (CatalogItem, bool) {
	item, ok := c[key]
	return item, ok
}

// DefaultCatalog covers the commonly charted anesthesia drugs and the
// fluid-balance materials attributed to the surgical side.
func DefaultCatalog() StaticCatalog {
	items := []CatalogItem{
		{Key: "propofol", Code: "MED-PROPOFOL", Name: "Propofol", UnitID: "anesthesia", Measure: "mg"},
		{Key: "fentanyl", Code: "MED-FENTANYL", Name: "Fentanyl", UnitID: "anesthesia", Measure: "mg"},
		{Key: "rocuronium", Code: "MED-ROCURONIUM", Name: "Rocuronium", UnitID: "anesthesia", Measure: "mg"},
		{Key: "sevoflurane", Code: "MED-SEVOFLURANE", Name: "Sevoflurane", UnitID: "anesthesia", Measure: "ml"},
		{Key: "ringerLactate", Code: "FLU-RINGER", Name: "Ringer's lactate", UnitID: "anesthesia", Measure: "ml"},
		{Key: "irrigationSaline", Code: "FLU-SALINE-IRR", Name: "Irrigation saline", UnitID: "surgical", Measure: "ml"},
	}
	cat := make(StaticCatalog, len(items))
	for _, item := range items {
		cat[item.Key] = item
	}
	return cat
}
