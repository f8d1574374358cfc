package xevent

import (
	"context"
)

// Handler is the contract implemented by integration event handlers for payload type T.
// Returning an error aborts the remaining handlers of that delivery and Nacks it.
type Handler[T Event] interface {
	Handle(ctx context.Context, event T) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc[T Event] func(ctx context.Context, event T) error

func (f HandlerFunc[T]) Handle(ctx context.Context, event T) error { return f(ctx, event) }

// MessageHandler processes a single transport message. Return error to trigger Nack/Retry.
type MessageHandler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a MessageHandler.
type Middleware func(next MessageHandler) MessageHandler

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnBusEvent(e BusEvent)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API is the non-generic Bus surface. Typed subscription goes through the
// package-level Subscribe/Unsubscribe functions.
type API interface {
	Publish(ctx context.Context, event Event, meta map[string]string) error
	PublishRaw(ctx context.Context, payload []byte, typeName string, meta map[string]string) error
	PublishBatch(ctx context.Context, events ...PublishEvent) error
	Consume(ctx context.Context, eventName string, payload []byte) (bool, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)
