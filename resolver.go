package xevent

import (
	"context"
	"reflect"
	"sync"
)

// Resolver yields a handler instance for a handler type, or false when none is
// available. The dispatcher skips registrations whose handler cannot be resolved.
type Resolver interface {
	Resolve(ctx context.Context, handlerType reflect.Type) (any, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, handlerType reflect.Type) (any, bool)

func (f ResolverFunc) Resolve(ctx context.Context, t reflect.Type) (any, bool) { return f(ctx, t) }

// Container is a minimal factory-based Resolver. Factories run once per
// resolution, so handlers get a fresh instance per delivery unless the factory
// returns a shared one.
type Container struct {
	mu        sync.RWMutex
	factories map[reflect.Type]func() any
}

// NewContainer returns an empty Container.
func NewContainer() *Container {
	return &Container{factories: make(map[reflect.Type]func() any)}
}

// Provide registers a factory for handler type H.
func Provide[H any](c *Container, factory func() H) {
	if c == nil || factory == nil {
		return
	}
	c.mu.Lock()
	c.factories[reflect.TypeFor[H]()] = func() any { return factory() }
	c.mu.Unlock()
}

// ProvideInstance registers a shared instance for handler type H.
func ProvideInstance[H any](c *Container, h H) {
	Provide(c, func() H { return h })
}

// Remove drops the factory for handler type H.
func Remove[H any](c *Container) {
	c.mu.Lock()
	delete(c.factories, reflect.TypeFor[H]())
	c.mu.Unlock()
}

func (c *Container) Resolve(_ context.Context, t reflect.Type) (any, bool) {
	c.mu.RLock()
	f, ok := c.factories[t]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	v := f()
	if v == nil {
		return nil, false
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, false
	}
	return v, true
}

var _ Resolver = (*Container)(nil)
