// Package events defines the outbound event stream for analytics and
// reconciliation tooling. Publishing is always best-effort: a broker outage
// never changes a request's outcome.
package events

import (
	"context"
	"time"
)

// Event types emitted by the service.
const (
	TypeGenerationCompleted = "generation.completed"
	TypeCreditsGranted      = "credits.granted"
	TypeCreditsRefunded     = "credits.refunded"
)

// Event is one domain event.
type Event struct {
	Type      string         `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher emits events to an external stream.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop discards all events; used when no broker is configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, event Event) error { return nil }
func (Noop) Close() error                                   { return nil }
