package xevent

import (
	"context"
	"reflect"
)

// Subscribe registers handler type H for payload type T. The handler instance is
// obtained from the Bus Resolver on every delivery; deliveries are skipped while
// the Resolver has nothing for H.
//
// The first registration for a name opens one transport subscription on topic
// Config.TopicFor(name) with consumer group SubscriberName(name).
func Subscribe[T Event, H Handler[T]](ctx context.Context, b *Bus) error {
	reg := newRegistration[T](reflect.TypeFor[H](), "", nil)
	return b.subscribe(ctx, eventNameOf[T](), reg)
}

// SubscribeHandler registers a handler instance for payload type T. key tells
// apart instances sharing a dynamic type.
func SubscribeHandler[T Event](ctx context.Context, b *Bus, key string, h Handler[T]) error {
	if h == nil {
		return ErrInvalidSubscription
	}
	reg := newRegistration[T](reflect.TypeOf(h), key, h)
	return b.subscribe(ctx, eventNameOf[T](), reg)
}

// SubscribeFunc registers fn for payload type T under key.
func SubscribeFunc[T Event](ctx context.Context, b *Bus, key string, fn func(ctx context.Context, event T) error) error {
	if fn == nil {
		return ErrInvalidSubscription
	}
	return SubscribeHandler[T](ctx, b, key, HandlerFunc[T](fn))
}

// Unsubscribe removes the (T, H) registration made by Subscribe. Removing an
// absent registration is a no-op.
func Unsubscribe[T Event, H Handler[T]](ctx context.Context, b *Bus) error {
	reg := Registration{HandlerType: reflect.TypeFor[H](), EventType: reflect.TypeFor[T]()}
	return b.unsubscribe(ctx, eventNameOf[T](), reg)
}

// UnsubscribeHandler removes a registration made by SubscribeHandler.
func UnsubscribeHandler[T Event](ctx context.Context, b *Bus, key string, h Handler[T]) error {
	if h == nil {
		return ErrInvalidSubscription
	}
	reg := Registration{HandlerType: reflect.TypeOf(h), EventType: reflect.TypeFor[T](), Key: key}
	return b.unsubscribe(ctx, eventNameOf[T](), reg)
}

// UnsubscribeFunc removes a registration made by SubscribeFunc.
func UnsubscribeFunc[T Event](ctx context.Context, b *Bus, key string) error {
	reg := Registration{HandlerType: reflect.TypeFor[HandlerFunc[T]](), EventType: reflect.TypeFor[T](), Key: key}
	return b.unsubscribe(ctx, eventNameOf[T](), reg)
}

// eventNameOf returns the wire name declared by T. Pointer payload types are
// asked through a zero value of their element type.
func eventNameOf[T Event]() string {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		if ev, ok := reflect.New(t.Elem()).Interface().(Event); ok {
			return ev.EventName()
		}
		return ""
	}
	var zero T
	return zero.EventName()
}
