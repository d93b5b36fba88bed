package events

import (
	"context"
	"time"

	"github.com/capturd/capturd/internal/store"
)

// Type defines the kind of capture lifecycle event.
type Type string

const (
	CaptureStarted Type = "capture_started"
	CaptureEnded   Type = "capture_ended"
)

// Event is published by the supervisor on every capture lifecycle transition.
type Event struct {
	Type       Type          `json:"type"`
	OccurredAt time.Time     `json:"occurred_at"`
	Capture    store.Capture `json:"capture"`
}

// Sink is a destination for lifecycle events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
