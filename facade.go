package xevent

import (
	"context"
	"fmt"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.Mutex
)

// DefaultTransport is the transport name Default builds with when no Bus was
// installed through SetDefault. Importing adapter/memory registers it.
var DefaultTransport = "memory"

// Default returns the process-wide Bus, building one on DefaultTransport on
// first use. It panics when that transport is not registered.
func Default() *Bus {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()

	if defaultBus != nil {
		return defaultBus
	}
	bus, err := NewBusBuilder().WithTransport(DefaultTransport, nil).Build()
	if err != nil {
		panic(fmt.Sprintf("xevent: failed to initialize default bus: %v", err))
	}
	defaultBus = bus
	return defaultBus
}

// SetDefault replaces the process-wide Bus. The previous one is not closed.
func SetDefault(b *Bus) {
	if b == nil {
		panic("xevent: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Publish publishes on the default Bus.
func Publish(ctx context.Context, event Event, meta map[string]string) error {
	return Default().Publish(ctx, event, meta)
}

// PublishBatch publishes on the default Bus.
func PublishBatch(ctx context.Context, events ...PublishEvent) error {
	return Default().PublishBatch(ctx, events...)
}

// Consume dispatches on the default Bus.
func Consume(ctx context.Context, eventName string, payload []byte) (bool, error) {
	return Default().Consume(ctx, eventName, payload)
}
