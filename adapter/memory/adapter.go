package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xevent"
)

const TransportName = "memory"

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("xevent/memory: transport is closed")

func init() {
	if err := xevent.RegisterTransport(TransportName, func(cfg map[string]any) (xevent.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xevent/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	// Values above 1 give up per-topic ordering.
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// MaxRedeliveries drops a message after that many Nacks; 0 redelivers forever.
	MaxRedeliveries int
	// AssignIDs assigns IDs to messages published without one (default: true).
	AssignIDs bool
}

// DefaultConfig returns the settings ConfigFromMap falls back to.
func DefaultConfig() Config {
	return Config{BufferSize: 1024, Concurrency: 1, AssignIDs: true}
}

func ConfigFromMap(cfg map[string]any) Config {
	d := DefaultConfig()
	getInt := func(k string, def int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return def
		}
	}
	getDur := func(k string, def time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return def
	}
	assign := d.AssignIDs
	if v, ok := cfg["assign_ids"].(bool); ok {
		assign = v
	}
	return Config{
		BufferSize:      max(1, getInt("buffer_size", d.BufferSize)),
		Concurrency:     max(1, getInt("concurrency", d.Concurrency)),
		RedeliveryDelay: getDur("redelivery_delay", d.RedeliveryDelay),
		MaxRedeliveries: max(0, getInt("max_redeliveries", d.MaxRedeliveries)),
		AssignIDs:       assign,
	}
}

// ToMap is the inverse of ConfigFromMap.
func (c Config) ToMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"max_redeliveries": c.MaxRedeliveries,
		"assign_ids":       c.AssignIDs,
	}
}

// Transport implements xevent.Transport on channels. Every consumer group of a
// topic receives each message once; messages published to a topic nobody
// subscribed to are dropped.
type Transport struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	topics map[string]*topic

	closed  atomic.Bool
	metrics transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
	dropped     atomic.Uint64
}

var _ xevent.Transport = (*Transport)(nil)

// NewTransport creates an in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*topic),
	}
}

// Publish fans messages out to every consumer group of the topic, blocking while
// a group queue is full.
func (t *Transport) Publish(ctx context.Context, topicName string, msgs ...*xevent.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.RLock()
	top, ok := t.topics[topicName]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = nextID()
		}

		top.mu.RLock()
		for _, g := range top.groups {
			task := &deliveryTask{tr: t, group: g, msg: m}
			select {
			case g.queue <- task:
			case <-ctx.Done():
				top.mu.RUnlock()
				return ctx.Err()
			case <-t.ctx.Done():
				top.mu.RUnlock()
				return ErrClosed
			}
		}
		top.mu.RUnlock()
		t.metrics.published.Add(1)
	}
	return nil
}

// Subscribe starts Concurrency workers draining the group queue until the
// subscription, ctx or the transport is closed. The queue outlives the
// subscription so a later subscriber of the same group resumes from it.
func (t *Transport) Subscribe(ctx context.Context, topicName, groupName string, handler func(xevent.Delivery)) (xevent.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if topicName == "" || groupName == "" || handler == nil {
		return nil, xevent.ErrInvalidSubscription
	}

	g := t.ensureTopic(topicName).ensureGroup(groupName, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)

	var wg sync.WaitGroup
	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	return &subscription{close: func() error {
		stop()
		cancel()
		wg.Wait()
		return nil
	}}, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(xevent.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.queue:
			t.metrics.consumed.Add(1)
			d := &delivery{task: task}
			handler(d)
			if !d.settled.Load() {
				t.requeue(task)
			}
		}
	}
}

// Close stops all workers and drops queued messages.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
	return nil
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published   uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	Dropped     uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
		Dropped:     t.metrics.dropped.Load(),
	}
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{groups: make(map[string]*group)}
	t.topics[name] = tp
	return tp
}

type subscription struct {
	once  sync.Once
	close func() error
	err   error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.close() })
	return s.err
}

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

func (tp *topic) ensureGroup(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if g, ok := tp.groups[name]; ok {
		return g
	}
	g := &group{name: name, queue: make(chan *deliveryTask, bufferSize)}
	tp.groups[name] = g
	return g
}

type group struct {
	name  string
	queue chan *deliveryTask
}

type deliveryTask struct {
	tr       *Transport
	group    *group
	msg      *xevent.Message
	attempts int
}

type delivery struct {
	task    *deliveryTask
	once    sync.Once
	settled atomic.Bool
}

func (d *delivery) Message() *xevent.Message { return d.task.msg }

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() {
		d.settled.Store(true)
		d.task.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack re-enqueues the message after RedeliveryDelay, or drops it once
// MaxRedeliveries is reached. The requeue runs off the worker goroutine, which
// may be the only reader of the group queue.
func (d *delivery) Nack(_ context.Context, _ error) error {
	d.once.Do(func() {
		d.settled.Store(true)
		tr := d.task.tr
		tr.metrics.nacked.Add(1)

		d.task.attempts++
		if tr.cfg.MaxRedeliveries > 0 && d.task.attempts > tr.cfg.MaxRedeliveries {
			tr.metrics.dropped.Add(1)
			return
		}
		if tr.closed.Load() {
			tr.metrics.dropped.Add(1)
			return
		}
		tr.metrics.redelivered.Add(1)

		tr.wg.Add(1)
		go func() {
			defer tr.wg.Done()
			if tr.cfg.RedeliveryDelay > 0 {
				timer := time.NewTimer(tr.cfg.RedeliveryDelay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-tr.ctx.Done():
					tr.metrics.dropped.Add(1)
					return
				}
			}
			select {
			case d.task.group.queue <- d.task:
			case <-tr.ctx.Done():
				tr.metrics.dropped.Add(1)
			}
		}()
	})
	return nil
}

// requeue puts back a delivery its handler left unsettled, as a Bus does
// while it is being closed. The attempt is not counted.
func (t *Transport) requeue(task *deliveryTask) {
	select {
	case task.group.queue <- task:
	default:
		t.metrics.dropped.Add(1)
	}
}

var idSeq atomic.Uint64

func nextID() string {
	return "mem-" + strconv.FormatUint(idSeq.Add(1), 10)
}
