package kafka

import (
	"fmt"

	"github.com/trickstertwo/xevent"
	"github.com/trickstertwo/xlog"
)

const TransportName = "kafka"

func init() {
	if err := xevent.RegisterTransport(TransportName, func(cfg map[string]any) (xevent.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xevent: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus on Kafka, installs it as the default Bus and returns it.
func Use(cfg Config, opts ...Option) *xevent.Bus {
	bb := xevent.NewBusBuilder().WithTransport(TransportName, cfg.ToMap())
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("kafka.Use: %w", err))
	}
	xevent.SetDefault(bus)
	return bus
}

// Option configures the xevent.Bus built by Use.
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

func WithMiddleware(mw ...xevent.Middleware) Option {
	return func(b *xevent.BusBuilder) { b.WithMiddleware(mw...) }
}

func WithObserver(obs ...xevent.Observer) Option {
	return func(b *xevent.BusBuilder) { b.WithObserver(obs...) }
}
