package xevent

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus routes integration events between a Transport and registered handlers.
//
// A Bus is Active from Build until Close and Disposed afterwards. Every operation
// on a disposed Bus returns ErrDisposed.
type Bus struct {
	cfg         Config
	transport   Transport
	codec       Codec
	clock       xclock.Clock
	logger      *xlog.Logger
	resolver    Resolver
	middlewares []Middleware
	ackTimeout  time.Duration

	subs       *Subscriptions
	dispatcher *Dispatcher

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	// runCtx bounds transport receive loops; canceled first on Close.
	runCtx    context.Context
	runCancel context.CancelFunc
	// handleCtx is the parent of handler contexts; canceled once draining ends.
	handleCtx    context.Context
	handleCancel context.CancelFunc

	topicsMu sync.Mutex
	topics   map[string]Subscription
	closers  sync.WaitGroup

	stateMu   sync.RWMutex
	disposed  atomic.Bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	metrics *busMetrics
}

type busMetrics struct {
	publishCount   atomic.Uint64
	consumeCount   atomic.Uint64
	processedCount atomic.Uint64
	unhandledCount atomic.Uint64
	failedCount    atomic.Uint64
	ackCount       atomic.Uint64
	nackCount      atomic.Uint64
	errorCount     atomic.Uint64
	processingNs   atomic.Int64
}

// Config returns the naming convention the Bus was built with.
func (b *Bus) Config() Config { return b.cfg }

// Codec returns the configured codec.
func (b *Bus) Codec() Codec { return b.codec }

// Subscriptions exposes the registry for inspection.
func (b *Bus) Subscriptions() *Subscriptions { return b.subs }

// enter admits one operation unless the Bus is disposed. Callers must call
// b.inflight.Done when the operation returns.
func (b *Bus) enter() error {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.disposed.Load() {
		return ErrDisposed
	}
	b.inflight.Add(1)
	return nil
}

// Publish encodes event with the Bus codec and sends it to the topic derived
// from its wire name.
func (b *Bus) Publish(ctx context.Context, event Event, meta map[string]string) error {
	if err := b.enter(); err != nil {
		return err
	}
	defer b.inflight.Done()

	if isNil(event) {
		return ErrInvalidPayload
	}
	name := event.EventName()
	if name == "" {
		return ErrInvalidEventName
	}

	data, err := b.codec.Marshal(event)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return &SerializationError{EventName: name, Type: reflect.TypeOf(event), Err: err}
	}

	msg := &Message{
		Name:       name,
		Payload:    data,
		Metadata:   meta,
		ProducedAt: b.clock.Now(),
	}
	if id, ok := event.(identified); ok {
		msg.ID = id.EventID()
	}
	return b.send(ctx, b.cfg.TopicFor(name), name, msg)
}

// PublishRaw sends an already encoded payload under the given wire name.
func (b *Bus) PublishRaw(ctx context.Context, payload []byte, typeName string, meta map[string]string) error {
	if err := b.enter(); err != nil {
		return err
	}
	defer b.inflight.Done()

	if typeName == "" {
		return ErrInvalidEventName
	}
	if payload == nil {
		return ErrInvalidPayload
	}
	msg := &Message{
		ID:         meta[MetaMessageID],
		Name:       typeName,
		Payload:    payload,
		Metadata:   meta,
		ProducedAt: b.clock.Now(),
	}
	return b.send(ctx, b.cfg.TopicFor(typeName), typeName, msg)
}

// PublishBatch encodes every event first and then sends them grouped by topic,
// preserving the relative order of events sharing a topic.
func (b *Bus) PublishBatch(ctx context.Context, events ...PublishEvent) error {
	if err := b.enter(); err != nil {
		return err
	}
	defer b.inflight.Done()

	if len(events) == 0 {
		return nil
	}
	for _, evt := range events {
		if isNil(evt.Event) {
			return ErrInvalidPayload
		}
		if evt.Event.EventName() == "" {
			return ErrInvalidEventName
		}
	}

	var order []string
	byTopic := make(map[string][]*Message)
	now := b.clock.Now()
	for _, evt := range events {
		name := evt.Event.EventName()
		data, err := b.codec.Marshal(evt.Event)
		if err != nil {
			b.metrics.errorCount.Add(1)
			return &SerializationError{EventName: name, Type: reflect.TypeOf(evt.Event), Err: err}
		}
		msg := &Message{Name: name, Payload: data, Metadata: evt.Meta, ProducedAt: now}
		if id, ok := evt.Event.(identified); ok {
			msg.ID = id.EventID()
		}
		topic := b.cfg.TopicFor(name)
		if _, seen := byTopic[topic]; !seen {
			order = append(order, topic)
		}
		byTopic[topic] = append(byTopic[topic], msg)
	}

	for _, topic := range order {
		if err := b.send(ctx, topic, "batch", byTopic[topic]...); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) send(ctx context.Context, topic, eventName string, msgs ...*Message) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	b.metrics.publishCount.Add(uint64(len(msgs)))

	start := b.clock.Now()
	b.notify(BusEvent{Type: EventPublishStart, Topic: topic, EventName: eventName})

	err := b.transport.Publish(ctx, topic, msgs...)

	duration := b.clock.Since(start)
	b.notify(BusEvent{Type: EventPublishDone, Topic: topic, EventName: eventName, Duration: duration, Err: err})
	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

// Consume dispatches one delivery to the handlers registered for eventName.
// It reports whether any subscription existed for the name.
func (b *Bus) Consume(ctx context.Context, eventName string, payload []byte) (bool, error) {
	if err := b.enter(); err != nil {
		return false, err
	}
	defer b.inflight.Done()

	b.metrics.consumeCount.Add(1)
	if _, ok := LoggerFromContext(ctx); !ok {
		ctx = InjectAll(ctx, b.codec, b.logger, b.clock)
	}

	processed, err := b.dispatcher.Process(ctx, eventName, payload)
	switch {
	case err != nil:
		b.metrics.failedCount.Add(1)
		b.metrics.errorCount.Add(1)
	case processed:
		b.metrics.processedCount.Add(1)
	default:
		b.metrics.unhandledCount.Add(1)
		b.notify(BusEvent{Type: EventUnhandled, EventName: eventName})
	}
	return processed, err
}

func (b *Bus) subscribe(ctx context.Context, wireName string, reg Registration) error {
	if err := b.enter(); err != nil {
		return err
	}
	defer b.inflight.Done()

	if err := ctx.Err(); err != nil {
		return err
	}
	if wireName == "" {
		return ErrInvalidEventName
	}
	inserted, err := b.subs.add(wireName, reg)
	if err != nil {
		return err
	}
	topic, group, err := b.ensureTopic(wireName)
	if err != nil {
		if inserted {
			b.subs.Remove(wireName, reg)
		}
		return fmt.Errorf("xevent: subscribe %q: %w", wireName, err)
	}
	b.notify(BusEvent{Type: EventSubscribed, Topic: topic, Group: group, EventName: wireName})
	return nil
}

func (b *Bus) unsubscribe(ctx context.Context, wireName string, reg Registration) error {
	if err := b.enter(); err != nil {
		return err
	}
	defer b.inflight.Done()

	if err := ctx.Err(); err != nil {
		return err
	}
	b.subs.Remove(wireName, reg)
	b.notify(BusEvent{
		Type:      EventUnsubscribed,
		Topic:     b.cfg.TopicFor(wireName),
		Group:     SubscriberName(wireName, b.cfg),
		EventName: wireName,
	})
	return nil
}

// ensureTopic opens the single transport subscription serving a topic.
func (b *Bus) ensureTopic(wireName string) (string, string, error) {
	topic := b.cfg.TopicFor(wireName)
	group := SubscriberName(wireName, b.cfg)

	b.topicsMu.Lock()
	defer b.topicsMu.Unlock()

	if _, ok := b.topics[topic]; ok {
		return topic, group, nil
	}
	sub, err := b.transport.Subscribe(b.runCtx, topic, group, b.deliver(topic, group))
	if err != nil {
		return topic, group, err
	}
	b.topics[topic] = sub
	return topic, group, nil
}

// releaseTopic is the registry callback for a name that lost its last
// registration. The transport subscription is closed off the caller's
// goroutine so a handler may unsubscribe itself.
func (b *Bus) releaseTopic(name string) {
	b.topicsMu.Lock()
	sub, ok := b.topics[name]
	if !ok || b.subs.HasSubscriptionsForEvent(name) {
		b.topicsMu.Unlock()
		return
	}
	delete(b.topics, name)
	b.topicsMu.Unlock()

	b.closers.Add(1)
	go func() {
		defer b.closers.Done()
		if err := sub.Close(); err != nil {
			b.logger.Warn().Err(err).Str("topic", name).Msg("xevent: close transport subscription failed")
		}
	}()
}

// deliver adapts a transport delivery to Consume, acking on success and on
// unhandled names, nacking on failure. Deliveries refused because the Bus is
// disposed are left unsettled for the transport to redeliver.
func (b *Bus) deliver(topic, group string) func(Delivery) {
	base := RecoveryMiddleware()(b.consumeMessage)
	wh := Chain(base, b.middlewares...)
	hctx := InjectAll(b.handleCtx, b.codec, b.logger, b.clock)

	return func(d Delivery) {
		msg := d.Message()
		if msg == nil {
			return
		}
		mctx := injectMessage(hctx, msg)

		b.notify(BusEvent{Type: EventConsumeStart, Topic: topic, Group: group, MessageID: msg.ID, EventName: msg.Name})
		start := b.clock.Now()

		err := wh(mctx, msg)
		if errors.Is(err, ErrDisposed) {
			return
		}

		duration := b.clock.Since(start)
		b.recordProcessingTime(duration.Nanoseconds())
		b.notify(BusEvent{
			Type:      EventConsumeDone,
			Topic:     topic,
			Group:     group,
			MessageID: msg.ID,
			EventName: msg.Name,
			Duration:  duration,
			Err:       err,
		})

		if err == nil {
			b.metrics.ackCount.Add(1)
			b.ackWithTimeout(mctx, d, true, nil)
			b.notify(BusEvent{Type: EventAck, Topic: topic, Group: group, MessageID: msg.ID, EventName: msg.Name})
			return
		}

		b.metrics.nackCount.Add(1)
		b.ackWithTimeout(mctx, d, false, err)
		b.notify(BusEvent{Type: EventNack, Topic: topic, Group: group, MessageID: msg.ID, EventName: msg.Name, Err: err})
	}
}

func (b *Bus) consumeMessage(ctx context.Context, msg *Message) error {
	_, err := b.Consume(ctx, msg.Name, msg.Payload)
	return err
}

// ackWithTimeout settles a delivery. Settlement outlives Close so in-flight
// messages are not left pending.
func (b *Bus) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := context.WithoutCancel(ctx)
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(actx, b.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notify(BusEvent{Type: EventError, Err: err})
			b.logger.Warn().Err(err).Msg("xevent: ack failed")
		}
		return
	}
	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notify(BusEvent{Type: EventError, Err: err})
		b.logger.Warn().Err(err).Msg("xevent: nack failed")
	}
}

// GetMetrics returns a snapshot of the bus counters.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Published:           b.metrics.publishCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Processed:           b.metrics.processedCount.Load(),
		Unhandled:           b.metrics.unhandledCount.Load(),
		Failed:              b.metrics.failedCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		Subscriptions:       b.subs.Len(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health reports "unhealthy" once disposed and "degraded" when more than 5% of
// dispatches failed.
func (b *Bus) Health(_ context.Context) HealthStatus {
	now := b.clock.Now()
	if b.disposed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "bus is disposed"}
	}

	metrics := b.GetMetrics()
	status := "healthy"
	if metrics.Failed > 0 && metrics.Consumed > 0 {
		if float64(metrics.Failed)/float64(metrics.Consumed) > 0.05 {
			status = "degraded"
		}
	}
	return HealthStatus{Status: status, Metrics: metrics, Timestamp: now}
}

// Close disposes the Bus. It stops the transport receive loops, closes the
// transport subscriptions and waits for in-flight operations to return (bounded
// by ctx), then closes the observer pool and the transport and clears the
// registry. Close is idempotent and must not be called from a handler.
func (b *Bus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.closeErr = b.dispose(ctx)
	})
	return b.closeErr
}

func (b *Bus) dispose(ctx context.Context) error {
	b.stateMu.Lock()
	b.disposed.Store(true)
	b.stateMu.Unlock()

	// Stop intake before draining so receive loops do not fetch messages the
	// disposed Bus would refuse.
	b.runCancel()

	b.topicsMu.Lock()
	open := b.topics
	b.topics = make(map[string]Subscription)
	b.topicsMu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	addErr := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	// Subscription Close waits for the transport workers, and with them for the
	// deliveries they are running.
	for topic, sub := range open {
		b.closers.Add(1)
		go func() {
			defer b.closers.Done()
			if err := sub.Close(); err != nil {
				b.logger.Warn().Err(err).Str("topic", topic).Msg("xevent: close transport subscription failed")
				addErr(err)
			}
		}()
	}

	drained := make(chan struct{})
	go func() {
		b.closers.Wait()
		b.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		addErr(fmt.Errorf("xevent: drain in-flight: %w", ctx.Err()))
	}
	b.handleCancel()

	if b.observerPool != nil {
		if err := b.observerPool.Close(5 * time.Second); err != nil {
			b.logger.Warn().Err(err).Msg("xevent: observer pool shutdown timeout")
			addErr(err)
		}
	}

	if err := b.transport.Close(ctx); err != nil {
		b.logger.Error().Err(err).Msg("xevent: transport close failed")
		addErr(err)
	}

	b.subs.Clear()

	errMu.Lock()
	defer errMu.Unlock()
	return errors.Join(errs...)
}

// AddObserver registers an observer.
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes the first observer equal to obs. Observers of
// uncomparable types (such as ObserverFunc) cannot be removed.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if reflect.TypeOf(o).Comparable() && o == obs {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			return
		}
	}
}

// notify fans e out through the observer pool when configured, inline otherwise.
func (b *Bus) notify(e BusEvent) {
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	if b.observerPool != nil {
		if !b.disposed.Load() {
			b.observerPool.Notify(e, observers)
		}
		return
	}
	for _, o := range observers {
		safeNotify(o, e)
	}
}

// recordProcessingTime keeps an exponential moving average of delivery time.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	b.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}

func isNil(e Event) bool {
	if e == nil {
		return true
	}
	v := reflect.ValueOf(e)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
