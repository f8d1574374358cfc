package xevent

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/trickstertwo/xlog"
)

// Dispatcher routes one delivery to every handler registered for its logical name.
type Dispatcher struct {
	cfg      Config
	subs     *Subscriptions
	resolver Resolver
	codec    Codec
	logger   *xlog.Logger
}

// NewDispatcher wires a Dispatcher. A nil codec defaults to JSONCodec and a nil
// logger to xlog.Default(). A nil resolver only serves instance-bound registrations.
func NewDispatcher(cfg Config, subs *Subscriptions, resolver Resolver, codec Codec, logger *xlog.Logger) *Dispatcher {
	if codec == nil {
		codec = JSONCodec{}
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &Dispatcher{cfg: cfg, subs: subs, resolver: resolver, codec: codec, logger: logger}
}

// Process dispatches payload to the handlers registered for rawEventName.
//
// It reports false without touching the payload when nothing is subscribed.
// Handlers run sequentially in registration order; the first decode or handler
// failure stops the remaining handlers and is returned. Registrations whose
// handler cannot be resolved are skipped.
func (d *Dispatcher) Process(ctx context.Context, rawEventName string, payload []byte) (bool, error) {
	name := Normalize(rawEventName, d.cfg)
	regs, err := d.subs.HandlersForEvent(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	canonical := CanonicalName(name, d.cfg)
	decoded := make(map[reflect.Type]any, 1)

	for _, reg := range regs {
		handler, ok := d.resolve(ctx, reg)
		if !ok {
			d.logger.Debug().
				Str("event_name", name).
				Str("handler", typeName(reg.HandlerType)).
				Msg("xevent: handler not resolved, skipping")
			continue
		}

		pt, err := d.subs.EventTypeByName(canonical)
		if err != nil {
			// the name lost its last registration after the snapshot was taken
			pt = reg.payload
			pt.Name = canonical
		}

		value, cached := decoded[pt.Type]
		if !cached {
			value, err = pt.Decode(d.codec, payload)
			if err != nil {
				return true, &SerializationError{EventName: canonical, Type: pt.Type, Err: err}
			}
			decoded[pt.Type] = value
		}

		if err := invoke(ctx, reg, handler, value); err != nil {
			return true, &HandlerInvocationError{EventName: name, HandlerType: reg.HandlerType, Err: err}
		}
	}
	return true, nil
}

func (d *Dispatcher) resolve(ctx context.Context, reg Registration) (any, bool) {
	if reg.instance != nil {
		return reg.instance, true
	}
	if d.resolver == nil {
		return nil, false
	}
	h, ok := d.resolver.Resolve(ctx, reg.HandlerType)
	if !ok || h == nil {
		return nil, false
	}
	return h, true
}

func invoke(ctx context.Context, reg Registration, handler, value any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return reg.invoke(ctx, handler, value)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
