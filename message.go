package xevent

import (
	"time"
)

// Message is the envelope traveling the transport. The Payload is encoded via Codec.
type Message struct {
	// ID is a unique message identifier (transport may assign if empty).
	ID string
	// Name is the raw wire event name; consumers normalize it before routing.
	Name string
	// Payload is the encoded bytes of the event.
	Payload []byte
	// Metadata is a bag for headers/tracing/tenancy/etc.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// MetaMessageID is the metadata key PublishRaw reads the message ID from.
const MetaMessageID = "xevent-message-id"
