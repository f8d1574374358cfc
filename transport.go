package xevent

import (
	"context"
	"fmt"
	"sync"
)

// Delivery is one received message handed to a Bus, which settles it with at
// most one Ack or Nack. A Delivery still unsettled when the handler callback
// returns was refused by a closing Bus: the transport keeps it for redelivery
// and neither commits nor drops it.
type Delivery interface {
	Message() *Message
	// Ack confirms processing; the transport may commit or delete the message.
	Ack(ctx context.Context) error
	// Nack reports a failed attempt. The transport redelivers up to its own
	// limit and then dead-letters or drops the message.
	Nack(ctx context.Context, reason error) error
}

// Subscription is the receive loop of one topic. Close stops intake and returns
// once every handler callback it started has returned.
type Subscription interface {
	Close() error
}

// Transport moves Messages between a Bus and a broker. A Bus opens at most one
// Subscription per topic and closes the Transport after all of them.
type Transport interface {
	// Publish sends msgs to topic in order.
	Publish(ctx context.Context, topic string, msgs ...*Message) error
	// Subscribe delivers topic's messages for group to handler until ctx ends
	// or the Subscription is closed.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases broker resources. Publish and Subscribe fail afterwards.
	Close(ctx context.Context) error
}

// TransportFactory builds a Transport from a decoded config map, such as the
// section named after the transport in a config file.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]TransportFactory{}
)

// RegisterTransport makes an adapter selectable through BusBuilder.WithTransport.
// Adapters register from init; registering a name again replaces the factory.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("%w: %q needs a name and a factory", ErrInvalidTransport, name)
	}
	transportsMu.Lock()
	transports[name] = factory
	transportsMu.Unlock()
	return nil
}

// NewTransport builds the transport registered under name. Factory errors are
// wrapped with the transport name.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportsMu.RLock()
	f, ok := transports[name]
	transportsMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	tr, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("xevent: transport %q: %w", name, err)
	}
	return tr, nil
}
