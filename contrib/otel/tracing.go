// Package otel adds OpenTelemetry tracing to Bus message processing.
package otel

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/trickstertwo/xevent"
)

const instrumentationName = "github.com/trickstertwo/xevent/contrib/otel"

type config struct {
	provider   trace.TracerProvider
	propagator propagation.TextMapPropagator
}

// Option configures tracing.
type Option func(*config)

// WithTracerProvider overrides the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.provider = tp }
}

// WithPropagator overrides the global propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(c *config) { c.propagator = p }
}

func newConfig(opts []Option) config {
	c := config{provider: otel.GetTracerProvider(), propagator: otel.GetTextMapPropagator()}
	for _, o := range opts {
		if o != nil {
			o(&c)
		}
	}
	return c
}

// Middleware starts a consumer span per delivery, continuing the trace found
// in the message metadata.
func Middleware(opts ...Option) xevent.Middleware {
	c := newConfig(opts)
	tracer := c.provider.Tracer(instrumentationName)

	return func(next xevent.MessageHandler) xevent.MessageHandler {
		return func(ctx context.Context, msg *xevent.Message) error {
			if msg.Metadata != nil {
				ctx = c.propagator.Extract(ctx, propagation.MapCarrier(msg.Metadata))
			}
			ctx, span := tracer.Start(ctx, "process "+msg.Name,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "xevent"),
					attribute.String("messaging.operation", "process"),
					attribute.String("messaging.message.id", msg.ID),
					attribute.String("xevent.event_name", msg.Name),
					attribute.Int("messaging.message.body.size", len(msg.Payload)),
				),
			)
			defer span.End()

			err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// InjectMetadata returns a copy of meta carrying the trace context of ctx, for
// use as publish metadata.
func InjectMetadata(ctx context.Context, meta map[string]string, opts ...Option) map[string]string {
	c := newConfig(opts)
	out := make(map[string]string, len(meta)+2)
	maps.Copy(out, meta)
	c.propagator.Inject(ctx, propagation.MapCarrier(out))
	return out
}
