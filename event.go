package xevent

import (
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// Event is implemented by every integration event payload. EventName returns the
// declared wire name and must be callable on the zero value.
type Event interface {
	EventName() string
}

// IntegrationEvent is the base embedded by concrete payloads.
//
// Both fields are assigned once by NewIntegrationEvent (or by decoding) and are
// never rewritten by this module. ID is carried for correlation and inbox
// deduplication only; routing ignores it.
type IntegrationEvent struct {
	ID        string    `json:"id,omitempty"`
	CreatedAt time.Time `json:"created_date"`
}

// NewIntegrationEvent stamps a fresh ID and the creation time from clock.
// A nil clock falls back to xclock.Default().
func NewIntegrationEvent(clock xclock.Clock) IntegrationEvent {
	if clock == nil {
		clock = xclock.Default()
	}
	return IntegrationEvent{
		ID:        uuid.NewString(),
		CreatedAt: clock.Now(),
	}
}

// EventID returns the event identifier. Bus.Publish copies it onto the outgoing
// message so inbox deduplication sees the same key across redeliveries.
func (e IntegrationEvent) EventID() string { return e.ID }

type identified interface {
	EventID() string
}
