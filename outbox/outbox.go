// Package outbox stores integration events next to business data and relays
// them to a Bus once the surrounding transaction has committed.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xevent"
)

// ErrNotFound is returned when a record ID does not exist.
var ErrNotFound = errors.New("outbox: record not found")

// Record is one stored event awaiting publication.
type Record struct {
	ID          string
	EventName   string
	Payload     []byte
	Metadata    map[string]string
	CreatedAt   time.Time
	PublishedAt time.Time // zero while pending
	Attempts    int
	LastError   string
}

// Pending reports whether the record still needs publishing.
func (r Record) Pending() bool { return r.PublishedAt.IsZero() }

// Store persists outbox records.
type Store interface {
	// Enqueue stores rec in its own transaction.
	Enqueue(ctx context.Context, rec Record) error
	// EnqueueTx stores rec inside the caller's transaction.
	EnqueueTx(ctx context.Context, tx *sql.Tx, rec Record) error
	// Pending returns up to limit unpublished records with fewer than
	// maxAttempts failures, oldest first.
	Pending(ctx context.Context, limit, maxAttempts int) ([]Record, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

// NewRecord encodes event with codec. The record ID is the event ID when the
// event carries one, so inbox deduplication sees the same key downstream.
func NewRecord(event xevent.Event, codec xevent.Codec, meta map[string]string, clock xclock.Clock) (Record, error) {
	if event == nil {
		return Record{}, xevent.ErrInvalidPayload
	}
	name := event.EventName()
	if name == "" {
		return Record{}, xevent.ErrInvalidEventName
	}
	if codec == nil {
		codec = xevent.JSONCodec{}
	}
	if clock == nil {
		clock = xclock.Default()
	}
	payload, err := codec.Marshal(event)
	if err != nil {
		return Record{}, fmt.Errorf("outbox: encode %s: %w", name, err)
	}

	id := ""
	if ider, ok := event.(interface{ EventID() string }); ok {
		id = ider.EventID()
	}
	if id == "" {
		id = uuid.NewString()
	}
	return Record{
		ID:        id,
		EventName: name,
		Payload:   payload,
		Metadata:  meta,
		CreatedAt: clock.Now(),
	}, nil
}
