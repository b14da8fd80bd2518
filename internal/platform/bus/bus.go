// Package bus fans out change events to every session currently viewing a
// clinical record. It implements a hub-and-spoke pattern where clients
// subscribe to record ids and receive section-scoped deltas, excluding the
// session whose own mutation produced the event.
//
// Delivery is best-effort and decoupled from the mutating request path: the
// event is a hint to refresh, not a log to replay. A disconnected subscriber
// re-fetches full state on reconnect.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is one change notification scoped to a record section.
type Event struct {
	RecordID      uuid.UUID       `json:"recordId"`
	Section       string          `json:"section"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OriginSession string          `json:"originSession,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Publisher is the interface mutation paths publish through. The transport
// behind it (WebSocket hub, redis-bridged hub, test fake) is swappable.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
