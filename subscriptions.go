package xevent

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// invoker calls a resolved handler with a decoded payload; both arrive type-erased
// and are asserted back to their static types inside the closure.
type invoker func(ctx context.Context, handler any, payload any) error

// decoder turns wire bytes into a value of the registered payload type.
type decoder func(c Codec, data []byte) (any, error)

// Registration binds a handler type and a payload type to a logical event name.
type Registration struct {
	HandlerType reflect.Type
	EventType   reflect.Type
	// Key distinguishes instance-bound registrations sharing a handler type.
	Key string

	instance any
	invoke   invoker
	payload  PayloadType
}

func (r Registration) sameAs(o Registration) bool {
	return r.HandlerType == o.HandlerType && r.EventType == o.EventType && r.Key == o.Key
}

// sameInstance reports whether two bound handler instances are the same value.
// Funcs compare by code pointer; other uncomparable values never match.
func sameInstance(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	if va.Kind() == reflect.Func {
		return va.Pointer() == vb.Pointer()
	}
	if va.Comparable() {
		return a == b
	}
	return false
}

// PayloadType is the payload type recorded under a canonical wire name.
type PayloadType struct {
	Name string
	Type reflect.Type

	decode decoder
}

// Decode unmarshals data into a fresh value of the payload type.
func (p PayloadType) Decode(c Codec, data []byte) (any, error) {
	return p.decode(c, data)
}

func newRegistration[T Event](handlerType reflect.Type, key string, instance any) Registration {
	return Registration{
		HandlerType: handlerType,
		EventType:   reflect.TypeFor[T](),
		Key:         key,
		instance:    instance,
		payload:     newPayloadType[T](),
		invoke: func(ctx context.Context, handler any, payload any) error {
			h, ok := handler.(Handler[T])
			if !ok {
				return fmt.Errorf("resolved %T does not handle %v", handler, reflect.TypeFor[T]())
			}
			ev, ok := payload.(T)
			if !ok {
				return fmt.Errorf("payload %T is not %v", payload, reflect.TypeFor[T]())
			}
			return h.Handle(ctx, ev)
		},
	}
}

func newPayloadType[T Event]() PayloadType {
	return PayloadType{
		Type: reflect.TypeFor[T](),
		decode: func(c Codec, data []byte) (any, error) {
			var v T
			if err := c.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// Subscriptions is the registry of logical event name to ordered registrations.
// Readers get copies, so a dispatch never observes a half-applied mutation.
type Subscriptions struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[string][]Registration
	types    map[string]PayloadType

	onRemoved func(eventName string)
}

// NewSubscriptions creates an empty registry. onRemoved, when set, is called
// outside the lock with the logical name whose last registration was removed.
func NewSubscriptions(cfg Config, onRemoved func(eventName string)) *Subscriptions {
	return &Subscriptions{
		cfg:       cfg,
		handlers:  make(map[string][]Registration),
		types:     make(map[string]PayloadType),
		onRemoved: onRemoved,
	}
}

// Add registers reg for the normalized eventName and records its payload type
// under the canonical wire name. Adding an identical registration twice is a no-op;
// binding its key to a different handler instance fails with ErrDuplicateSubscription.
func (s *Subscriptions) Add(eventName string, reg Registration) error {
	_, err := s.add(eventName, reg)
	return err
}

// add is Add that also reports whether reg was inserted.
func (s *Subscriptions) add(eventName string, reg Registration) (bool, error) {
	name := Normalize(eventName, s.cfg)
	if name == "" {
		return false, ErrInvalidEventName
	}
	if reg.invoke == nil || reg.payload.decode == nil {
		return false, ErrInvalidSubscription
	}
	canonical := CanonicalName(name, s.cfg)
	pt := reg.payload
	pt.Name = canonical

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.types[canonical]; ok && existing.Type != pt.Type {
		return false, fmt.Errorf("%w: %q has %v, got %v", ErrPayloadTypeConflict, name, existing.Type, pt.Type)
	}

	for _, r := range s.handlers[name] {
		if !r.sameAs(reg) {
			continue
		}
		if !sameInstance(r.instance, reg.instance) {
			return false, fmt.Errorf("%w: %q key %q", ErrDuplicateSubscription, name, reg.Key)
		}
		return false, nil
	}
	s.types[canonical] = pt
	s.handlers[name] = append(s.handlers[name], reg)
	return true, nil
}

// Remove drops the registration matching reg. Removing the last registration of
// a name also drops its payload type and fires onRemoved.
func (s *Subscriptions) Remove(eventName string, reg Registration) {
	name := Normalize(eventName, s.cfg)

	s.mu.Lock()
	regs, ok := s.handlers[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	idx := -1
	for i, r := range regs {
		if r.sameAs(reg) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}

	// fresh slice so copies handed to readers stay intact
	next := make([]Registration, 0, len(regs)-1)
	next = append(next, regs[:idx]...)
	next = append(next, regs[idx+1:]...)

	emptied := len(next) == 0
	if emptied {
		delete(s.handlers, name)
		delete(s.types, CanonicalName(name, s.cfg))
	} else {
		s.handlers[name] = next
	}
	s.mu.Unlock()

	if emptied && s.onRemoved != nil {
		s.onRemoved(name)
	}
}

// HasSubscriptionsForEvent reports whether the logical name has any registration.
func (s *Subscriptions) HasSubscriptionsForEvent(eventName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[eventName]) > 0
}

// HandlersForEvent returns a copy of the registrations for a logical name in
// registration order, or ErrNotFound.
func (s *Subscriptions) HandlersForEvent(eventName string) ([]Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	regs, ok := s.handlers[eventName]
	if !ok || len(regs) == 0 {
		return nil, fmt.Errorf("%w: no handlers for %q", ErrNotFound, eventName)
	}
	out := make([]Registration, len(regs))
	copy(out, regs)
	return out, nil
}

// EventTypeByName returns the payload type recorded under a canonical wire name.
func (s *Subscriptions) EventTypeByName(canonical string) (PayloadType, error) {
	s.mu.RLock()
	pt, ok := s.types[canonical]
	s.mu.RUnlock()
	if !ok {
		return PayloadType{}, fmt.Errorf("%w: no payload type for %q", ErrNotFound, canonical)
	}
	return pt, nil
}

// EventNames lists the logical names with at least one registration, sorted.
func (s *Subscriptions) EventNames() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.handlers))
	for n := range s.handlers {
		names = append(names, n)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the total number of registrations.
func (s *Subscriptions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, regs := range s.handlers {
		n += len(regs)
	}
	return n
}

// IsEmpty reports whether nothing is registered.
func (s *Subscriptions) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers) == 0
}

// Clear drops all state without firing onRemoved.
func (s *Subscriptions) Clear() {
	s.mu.Lock()
	s.handlers = make(map[string][]Registration)
	s.types = make(map[string]PayloadType)
	s.mu.Unlock()
}
