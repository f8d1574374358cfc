package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xevent"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus on an in-memory transport and installs it as the
// process-wide default.
//
//	bus := memory.Use(memory.Config{Concurrency: 4},
//	    memory.WithLogger(logger),
//	    memory.WithResolver(container),
//	)
func Use(cfg Config, opts ...Option) *xevent.Bus {
	bb := xevent.NewBusBuilder().WithTransportInstance(NewTransport(cfg))
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	xevent.SetDefault(bus)
	return bus
}

// Option configures the xevent.Bus when calling Use.
type Option func(*xevent.BusBuilder)

func WithConfig(c xevent.Config) Option {
	return func(b *xevent.BusBuilder) { b.WithConfig(c) }
}

func WithResolver(r xevent.Resolver) Option {
	return func(b *xevent.BusBuilder) { b.WithResolver(r) }
}

func WithLogger(l *xlog.Logger) Option {
	return func(b *xevent.BusBuilder) { b.WithLogger(l) }
}

func WithClock(c xclock.Clock) Option {
	return func(b *xevent.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xevent.BusBuilder) { b.WithCodec(name) }
}

func WithMiddleware(mw ...xevent.Middleware) Option {
	return func(b *xevent.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets the ack/nack timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xevent.BusBuilder) { b.WithAckTimeout(d) }
}

func WithObserver(obs ...xevent.Observer) Option {
	return func(b *xevent.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool makes observer notification asynchronous.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xevent.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
