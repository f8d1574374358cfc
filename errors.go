package xevent

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrNotFound is returned by registry lookups for names that were never registered.
	ErrNotFound = errors.New("xevent: not found")

	// ErrDisposed is returned by every Bus operation after Close.
	ErrDisposed = errors.New("xevent: bus is disposed")

	// ErrPayloadTypeConflict is returned when a logical event name is already bound to another payload type.
	ErrPayloadTypeConflict = errors.New("xevent: event name bound to a different payload type")

	// ErrDuplicateSubscription is returned when a subscription key is already bound to another handler instance.
	ErrDuplicateSubscription = errors.New("xevent: subscription key bound to another handler")

	ErrHandlerPanic                = errors.New("xevent: handler panic")
	ErrInvalidTopic                = errors.New("xevent: invalid topic")
	ErrInvalidEventName            = errors.New("xevent: invalid event name")
	ErrInvalidPayload              = errors.New("xevent: invalid payload")
	ErrInvalidSubscription         = errors.New("xevent: invalid subscription")
	ErrNoTransportConfigured       = errors.New("xevent: no transport configured")
	ErrObserverPoolShutdownTimeout = errors.New("xevent: observer pool shutdown timeout")
	ErrInvalidTransport            = errors.New("xevent: invalid transport registration")
	ErrInvalidCodec                = errors.New("xevent: invalid codec")
	ErrUnknownCodec                = errors.New("xevent: unknown codec")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("xevent: unknown transport: %s", e.name) }

// SerializationError reports a payload that could not be decoded into its registered type.
type SerializationError struct {
	EventName string
	Type      reflect.Type
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("xevent: decode %q into %v: %v", e.EventName, e.Type, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// HandlerInvocationError wraps the failure of a single handler during dispatch.
type HandlerInvocationError struct {
	EventName   string
	HandlerType reflect.Type
	Err         error
}

func (e *HandlerInvocationError) Error() string {
	return fmt.Sprintf("xevent: handler %v for %q: %v", e.HandlerType, e.EventName, e.Err)
}

func (e *HandlerInvocationError) Unwrap() error { return e.Err }
