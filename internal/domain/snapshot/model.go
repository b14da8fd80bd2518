package snapshot

import (
	"time"

	"github.com/google/uuid"
)

// ChannelKind is the closed set of time-series shapes a channel may hold.
type ChannelKind string

const (
	KindScalar      ChannelKind = "scalar"      // {id, timestamp, value}
	KindComposite   ChannelKind = "composite"   // {id, timestamp, fields...}
	KindCategorical ChannelKind = "categorical" // {id, timestamp, category}
	KindScored      ChannelKind = "scored"      // {id, timestamp, total, components?}
	KindKeyed       ChannelKind = "keyed"       // paramKey -> ordered scalar points
)

// channelSchemas is the registry of known channels. Unknown channel names
// are rejected rather than stored as arbitrary shapes.
var channelSchemas = map[string]ChannelKind{
	"heartRate":   KindScalar,
	"spo2":        KindScalar,
	"temperature": KindScalar,

	"bloodPressure": KindComposite,

	"rhythm":          KindCategorical,
	"ventilationMode": KindCategorical,

	"painScore":     KindScored,
	"recoveryScore": KindScored,
	"nmtScore":      KindScored,

	"output":            KindKeyed,
	"ventilationParams": KindKeyed,
	"medication":        KindKeyed,
}

// ChannelSchema returns the registered kind for a channel name.
func ChannelSchema(name string) (ChannelKind, bool) {
	kind, ok := channelSchemas[name]
	return kind, ok
}

// Point is one timestamped observation. Which fields are populated depends
// on the channel kind; identity is stable across edits.
type Point struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	Value      *float64           `json:"value,omitempty"`
	Fields     map[string]float64 `json:"fields,omitempty"`
	Category   string             `json:"category,omitempty"`
	Total      *int               `json:"total,omitempty"`
	Components map[string]int     `json:"components,omitempty"`
}

// Channel is one named time-series. Keyed channels store their points in
// per-paramKey buckets; every other kind uses the flat Points list.
type Channel struct {
	Kind    ChannelKind        `json:"kind"`
	Points  []Point            `json:"points,omitempty"`
	Buckets map[string][]Point `json:"buckets,omitempty"`
}

// Snapshot is the single channel document owned by one clinical record.
type Snapshot struct {
	RecordID  uuid.UUID           `json:"recordId"`
	Channels  map[string]*Channel `json:"channels"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

func NewSnapshot(recordID uuid.UUID) *Snapshot {
	now := time.Now()
	return &Snapshot{
		RecordID:  recordID,
		Channels:  make(map[string]*Channel),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// channel returns the named channel, creating it with the registered kind
// on first use.
func (s *Snapshot) channel(name string, kind ChannelKind) *Channel {
	if s.Channels == nil {
		s.Channels = make(map[string]*Channel)
	}
	ch, ok := s.Channels[name]
	if !ok {
		ch = &Channel{Kind: kind}
		if kind == KindKeyed {
			ch.Buckets = make(map[string][]Point)
		}
		s.Channels[name] = ch
	}
	return ch
}

// PointInput is the caller-supplied payload for a new point. Validation
// against the channel kind decides which fields must be present.
type PointInput struct {
	Value      *float64           `json:"value,omitempty"`
	Fields     map[string]float64 `json:"fields,omitempty"`
	Category   string             `json:"category,omitempty"`
	Total      *int               `json:"total,omitempty"`
	Components map[string]int     `json:"components,omitempty"`
}

// PointUpdate carries the fields of an existing point to overwrite. Nil
// (or empty, for maps) means leave untouched.
type PointUpdate struct {
	Timestamp  *time.Time         `json:"timestamp,omitempty"`
	Value      *float64           `json:"value,omitempty"`
	Fields     map[string]float64 `json:"fields,omitempty"`
	Category   *string            `json:"category,omitempty"`
	Total      *int               `json:"total,omitempty"`
	Components map[string]int     `json:"components,omitempty"`
}

func (u PointUpdate) applyTo(p *Point) {
	if u.Timestamp != nil {
		p.Timestamp = *u.Timestamp
	}
	if u.Value != nil {
		p.Value = u.Value
	}
	if len(u.Fields) > 0 {
		if p.Fields == nil {
			p.Fields = make(map[string]float64, len(u.Fields))
		}
		for k, v := range u.Fields {
			p.Fields[k] = v
		}
	}
	if u.Category != nil {
		p.Category = *u.Category
	}
	if u.Total != nil {
		p.Total = u.Total
	}
	if len(u.Components) > 0 {
		if p.Components == nil {
			p.Components = make(map[string]int, len(u.Components))
		}
		for k, v := range u.Components {
			p.Components[k] = v
		}
	}
}
