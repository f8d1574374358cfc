package xevent

import (
	"time"
)

// PublishEvent describes a single event in a batch publish call.
type PublishEvent struct {
	Event Event
	Meta  map[string]string
}

// BusEventType enumerates internal lifecycle events for the Observer pattern.
type BusEventType string

const (
	EventPublishStart BusEventType = "publish_start"
	EventPublishDone  BusEventType = "publish_done"
	EventConsumeStart BusEventType = "consume_start"
	EventConsumeDone  BusEventType = "consume_done"
	EventUnhandled    BusEventType = "unhandled"
	EventSubscribed   BusEventType = "subscribed"
	EventUnsubscribed BusEventType = "unsubscribed"
	EventAck          BusEventType = "ack"
	EventNack         BusEventType = "nack"
	EventError        BusEventType = "error"
)

// BusEvent carries telemetry for observers.
type BusEvent struct {
	Type      BusEventType
	Topic     string
	Group     string
	MessageID string
	EventName string
	Duration  time.Duration
	Err       error

	// attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Published           uint64
	Consumed            uint64
	Processed           uint64 // dispatches that found at least one subscription
	Unhandled           uint64 // dispatches with no subscription for the event name
	Failed              uint64 // dispatches aborted by a decode or handler error
	Acked               uint64
	Nacked              uint64
	Errors              uint64
	EventsDropped       uint64
	Subscriptions       int
	AvgProcessingTimeMs float64
}

// HealthStatus reports bus health for liveness and readiness checks.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
