package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opchart/opchart/internal/platform/bus"
	"github.com/opchart/opchart/internal/platform/telemetry"
)

// Service is the snapshot store: one channel document per clinical record,
// mutated through read-modify-write cycles serialized per record via the
// lifecycle controller's shared lock. Every accepted mutation persists the
// whole document and broadcasts the updated channel to live sessions.
type Service struct {
	snapshots Repository
	gate      RecordGate
	bus       bus.Publisher
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

func NewService(snapshots Repository, gate RecordGate, publisher bus.Publisher, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		snapshots: snapshots,
		gate:      gate,
		bus:       publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

// Get returns the record's channel document. Records that have not been
// written to yet read as an empty document.
func (s *Service) Get(ctx context.Context, recordID uuid.UUID) (*Snapshot, error) {
	if err := s.gate.EnsureMutable(ctx, recordID); err != nil && !errors.Is(err, ErrRecordImmutable) {
		return nil, err
	}
	snap, err := s.snapshots.Get(ctx, recordID)
	if errors.Is(err, ErrSnapshotMissing) {
		return NewSnapshot(recordID), nil
	}
	return snap, err
}

// AddPoint appends a point to a non-keyed channel and returns the full
// updated document.
func (s *Service) AddPoint(ctx context.Context, recordID uuid.UUID, channel string, ts time.Time, in PointInput, session string) (*Snapshot, error) {
	kind, ok := ChannelSchema(channel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	if kind == KindKeyed {
		return nil, fmt.Errorf("%w: %s", ErrKeyedChannel, channel)
	}
	if err := validateInput(kind, in); err != nil {
		return nil, err
	}

	return s.mutate(ctx, recordID, "addPoint", session, func(snap *Snapshot) (string, error) {
		ch := snap.channel(channel, kind)
		ch.Points = append(ch.Points, newPoint(kind, ts, in))
		return channel, nil
	})
}

// AddKeyedPoint appends a point to one paramKey bucket of a keyed channel.
func (s *Service) AddKeyedPoint(ctx context.Context, recordID uuid.UUID, channel, paramKey string, ts time.Time, value float64, session string) (*Snapshot, error) {
	if err := requireKeyed(channel); err != nil {
		return nil, err
	}
	if strings.TrimSpace(paramKey) == "" {
		return nil, fmt.Errorf("%w: empty paramKey", ErrInvalidPoint)
	}

	return s.mutate(ctx, recordID, "addPoint", session, func(snap *Snapshot) (string, error) {
		ch := snap.channel(channel, KindKeyed)
		v := value
		ch.Buckets[paramKey] = append(ch.Buckets[paramKey], Point{
			ID:        uuid.NewString(),
			Timestamp: ts,
			Value:     &v,
		})
		return channel, nil
	})
}

// UpdatePoint merges fields into an existing point. The channel is resolved
// by scanning, since callers address points by id alone; the update is
// validated against the resolved channel's kind.
func (s *Service) UpdatePoint(ctx context.Context, recordID uuid.UUID, pointID string, update PointUpdate, session string) (*Snapshot, error) {
	return s.mutate(ctx, recordID, "updatePoint", session, func(snap *Snapshot) (string, error) {
		for name, ch := range snap.Channels {
			for i := range ch.Points {
				if ch.Points[i].ID == pointID {
					if err := validateUpdate(ch.Kind, update); err != nil {
						return "", err
					}
					update.applyTo(&ch.Points[i])
					return name, nil
				}
			}
			for key, points := range ch.Buckets {
				for i := range points {
					if points[i].ID == pointID {
						if err := validateUpdate(ch.Kind, update); err != nil {
							return "", err
						}
						update.applyTo(&points[i])
						ch.Buckets[key] = points
						return name, nil
					}
				}
			}
		}
		return "", ErrPointNotFound
	})
}

// DeletePoint removes a point located by id across all channels.
func (s *Service) DeletePoint(ctx context.Context, recordID uuid.UUID, pointID string, session string) (*Snapshot, error) {
	return s.mutate(ctx, recordID, "deletePoint", session, func(snap *Snapshot) (string, error) {
		for name, ch := range snap.Channels {
			for i := range ch.Points {
				if ch.Points[i].ID == pointID {
					ch.Points = append(ch.Points[:i], ch.Points[i+1:]...)
					return name, nil
				}
			}
			for key, points := range ch.Buckets {
				for i := range points {
					if points[i].ID == pointID {
						points = append(points[:i], points[i+1:]...)
						if len(points) == 0 {
							delete(ch.Buckets, key)
						} else {
							ch.Buckets[key] = points
						}
						return name, nil
					}
				}
			}
		}
		return "", ErrPointNotFound
	})
}

// UpdateKeyedPoint merges fields into a point addressed directly by
// channel, paramKey and id.
func (s *Service) UpdateKeyedPoint(ctx context.Context, recordID uuid.UUID, channel, paramKey, pointID string, update PointUpdate, session string) (*Snapshot, error) {
	if err := requireKeyed(channel); err != nil {
		return nil, err
	}
	if err := validateUpdate(KindKeyed, update); err != nil {
		return nil, err
	}
	return s.mutate(ctx, recordID, "updatePoint", session, func(snap *Snapshot) (string, error) {
		ch, ok := snap.Channels[channel]
		if !ok {
			return "", ErrPointNotFound
		}
		points := ch.Buckets[paramKey]
		for i := range points {
			if points[i].ID == pointID {
				update.applyTo(&points[i])
				ch.Buckets[paramKey] = points
				return channel, nil
			}
		}
		return "", ErrPointNotFound
	})
}

// DeleteKeyedPoint removes a point from one paramKey bucket. Deleting the
// last point of a bucket drops the key but keeps the channel for other keys.
func (s *Service) DeleteKeyedPoint(ctx context.Context, recordID uuid.UUID, channel, paramKey, pointID string, session string) (*Snapshot, error) {
	if err := requireKeyed(channel); err != nil {
		return nil, err
	}
	return s.mutate(ctx, recordID, "deletePoint", session, func(snap *Snapshot) (string, error) {
		ch, ok := snap.Channels[channel]
		if !ok {
			return "", ErrPointNotFound
		}
		points := ch.Buckets[paramKey]
		for i := range points {
			if points[i].ID == pointID {
				points = append(points[:i], points[i+1:]...)
				if len(points) == 0 {
					delete(ch.Buckets, paramKey)
				} else {
					ch.Buckets[paramKey] = points
				}
				return channel, nil
			}
		}
		return "", ErrPointNotFound
	})
}

// ReplaceAtTimestamp rewrites every paramKey of a keyed channel recorded at
// one exact timestamp in a single operation, the shape of a full ventilator
// or fluid-balance reading. Keys present in values are updated or appended;
// keys that have a point at the timestamp but are absent from values are
// removed. newTS, when set, moves the reading to a new timestamp.
func (s *Service) ReplaceAtTimestamp(ctx context.Context, recordID uuid.UUID, channel string, ts time.Time, values map[string]float64, newTS *time.Time, session string) (*Snapshot, error) {
	if err := requireKeyed(channel); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: empty value set", ErrInvalidPoint)
	}

	target := ts
	if newTS != nil {
		target = *newTS
	}

	return s.mutate(ctx, recordID, "replaceAtTimestamp", session, func(snap *Snapshot) (string, error) {
		ch := snap.channel(channel, KindKeyed)

		// A move must not land on an instant that already holds a reading;
		// two readings at the same timestamp would make later at-timestamp
		// operations ambiguous.
		if !target.Equal(ts) {
			for _, points := range ch.Buckets {
				if indexAt(points, target) >= 0 {
					return "", fmt.Errorf("%w: %s", ErrTimestampTaken, target.Format(time.RFC3339Nano))
				}
			}
		}

		for key, points := range ch.Buckets {
			idx := indexAt(points, ts)
			if idx < 0 {
				continue
			}
			if v, ok := values[key]; ok {
				val := v
				points[idx].Value = &val
				points[idx].Timestamp = target
				ch.Buckets[key] = points
			} else {
				points = append(points[:idx], points[idx+1:]...)
				if len(points) == 0 {
					delete(ch.Buckets, key)
				} else {
					ch.Buckets[key] = points
				}
			}
		}

		for key, v := range values {
			if indexAt(ch.Buckets[key], target) >= 0 {
				continue
			}
			val := v
			ch.Buckets[key] = append(ch.Buckets[key], Point{
				ID:        uuid.NewString(),
				Timestamp: target,
				Value:     &val,
			})
		}
		return channel, nil
	})
}

// DeleteAtTimestamp removes every point recorded at one exact timestamp
// across all paramKey buckets of a keyed channel.
func (s *Service) DeleteAtTimestamp(ctx context.Context, recordID uuid.UUID, channel string, ts time.Time, session string) (*Snapshot, error) {
	if err := requireKeyed(channel); err != nil {
		return nil, err
	}
	return s.mutate(ctx, recordID, "deleteAtTimestamp", session, func(snap *Snapshot) (string, error) {
		ch, ok := snap.Channels[channel]
		if !ok {
			return "", ErrTimestampNotFound
		}
		removed := false
		for key, points := range ch.Buckets {
			for {
				idx := indexAt(points, ts)
				if idx < 0 {
					break
				}
				points = append(points[:idx], points[idx+1:]...)
				removed = true
			}
			if len(points) == 0 {
				delete(ch.Buckets, key)
			} else {
				ch.Buckets[key] = points
			}
		}
		if !removed {
			return "", ErrTimestampNotFound
		}
		return channel, nil
	})
}

// MedicationTotals sums administered doses per paramKey of the medication
// channel. The inventory ledger derives expected consumption from it.
func (s *Service) MedicationTotals(ctx context.Context, recordID uuid.UUID) (map[string]float64, error) {
	snap, err := s.snapshots.Get(ctx, recordID)
	if errors.Is(err, ErrSnapshotMissing) {
		return map[string]float64{}, nil
	}
	if err != nil {
		return nil, err
	}

	totals := make(map[string]float64)
	ch, ok := snap.Channels["medication"]
	if !ok {
		return totals, nil
	}
	for key, points := range ch.Buckets {
		for _, p := range points {
			if p.Value != nil {
				totals[key] += *p.Value
			}
		}
	}
	return totals, nil
}

// mutate runs one serialized read-modify-write cycle: lock, lifecycle gate,
// load (lazily creating the document), transform, persist, broadcast.
func (s *Service) mutate(ctx context.Context, recordID uuid.UUID, op, session string, fn func(*Snapshot) (string, error)) (*Snapshot, error) {
	release := s.gate.RecordLock(recordID)
	defer release()

	if err := s.gate.EnsureMutable(ctx, recordID); err != nil {
		return nil, err
	}

	start := time.Now()
	snap, err := s.snapshots.Get(ctx, recordID)
	if errors.Is(err, ErrSnapshotMissing) {
		snap = NewSnapshot(recordID)
	} else if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	channel, err := fn(snap)
	if err != nil {
		return nil, err
	}

	snap.UpdatedAt = time.Now()
	if err := s.snapshots.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	if s.metrics != nil {
		s.metrics.MutationsTotal.WithLabelValues(channel, op).Inc()
		s.metrics.MutationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	s.publish(recordID, channel, snap.Channels[channel], session)
	return snap, nil
}

func (s *Service) publish(recordID uuid.UUID, channel string, payload interface{}, session string) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal channel payload")
		return
	}
	_ = s.bus.Publish(context.Background(), bus.Event{
		RecordID:      recordID,
		Section:       channel,
		Payload:       data,
		OriginSession: session,
		Timestamp:     time.Now(),
	})
}

func requireKeyed(channel string) error {
	kind, ok := ChannelSchema(channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	if kind != KindKeyed {
		return fmt.Errorf("%w: %s", ErrNotKeyedChannel, channel)
	}
	return nil
}

func indexAt(points []Point, ts time.Time) int {
	for i := range points {
		if points[i].Timestamp.Equal(ts) {
			return i
		}
	}
	return -1
}

func validateInput(kind ChannelKind, in PointInput) error {
	switch kind {
	case KindScalar:
		if in.Value == nil {
			return fmt.Errorf("%w: scalar point needs a value", ErrInvalidPoint)
		}
	case KindComposite:
		if len(in.Fields) == 0 {
			return fmt.Errorf("%w: composite point needs fields", ErrInvalidPoint)
		}
	case KindCategorical:
		if strings.TrimSpace(in.Category) == "" {
			return fmt.Errorf("%w: categorical point needs a category", ErrInvalidPoint)
		}
	case KindScored:
		if in.Total == nil {
			return fmt.Errorf("%w: scored point needs a total", ErrInvalidPoint)
		}
	}
	return nil
}

// validateUpdate rejects update fields that belong to a different channel
// kind, so an edit can never turn a point into a shape its channel does not
// hold. Timestamp moves are legal on every kind.
func validateUpdate(kind ChannelKind, u PointUpdate) error {
	switch kind {
	case KindScalar, KindKeyed:
		if len(u.Fields) > 0 || u.Category != nil || u.Total != nil || len(u.Components) > 0 {
			return fmt.Errorf("%w: a %s point holds only a value", ErrInvalidPoint, kind)
		}
	case KindComposite:
		if u.Value != nil || u.Category != nil || u.Total != nil || len(u.Components) > 0 {
			return fmt.Errorf("%w: a composite point holds only fields", ErrInvalidPoint)
		}
	case KindCategorical:
		if u.Value != nil || len(u.Fields) > 0 || u.Total != nil || len(u.Components) > 0 {
			return fmt.Errorf("%w: a categorical point holds only a category", ErrInvalidPoint)
		}
	case KindScored:
		if u.Value != nil || len(u.Fields) > 0 || u.Category != nil {
			return fmt.Errorf("%w: a scored point holds only total and components", ErrInvalidPoint)
		}
	}
	return nil
}

func newPoint(kind ChannelKind, ts time.Time, in PointInput) Point {
	p := Point{ID: uuid.NewString(), Timestamp: ts}
	switch kind {
	case KindScalar:
		p.Value = in.Value
	case KindComposite:
		p.Fields = in.Fields
	case KindCategorical:
		p.Category = in.Category
	case KindScored:
		p.Total = in.Total
		p.Components = in.Components
	}
	return p
}
