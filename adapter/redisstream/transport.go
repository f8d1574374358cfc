package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xevent"
)

// Transport implements xevent.Transport on Redis Streams consumer groups.
type Transport struct {
	cfg        Config
	client     *redis.Client
	ownsClient bool

	closed atomic.Bool

	// delivery pool to reduce per-message allocations
	dpool sync.Pool

	metrics transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	claimed       atomic.Uint64
	deadLettered  atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ xevent.Transport = (*Transport)(nil)

// NewTransport dials Redis and verifies the connection with PING.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}
	t := NewTransportWithClient(client, cfg)
	t.ownsClient = true
	return t, nil
}

// NewTransportWithClient uses an existing client. Close leaves the client open.
func NewTransportWithClient(client *redis.Client, cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		client: client,
		dpool: sync.Pool{
			New: func() any { return new(delivery) },
		},
	}
}

// Publish appends messages to the topic stream with XADD, pipelined.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*xevent.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	stream := t.cfg.stream(topic)
	pipe := t.client.Pipeline()
	for _, m := range msgs {
		if m == nil {
			continue
		}
		vals := make(map[string]any, 4+len(m.Metadata))
		if m.ID != "" {
			vals[fieldID] = m.ID
		}
		vals[fieldName] = m.Name
		vals[fieldPayload] = m.Payload
		vals[fieldProducedAt] = m.ProducedAt.UnixNano()
		for k, v := range m.Metadata {
			vals[fieldMetaPrefix+k] = v
		}

		args := &redis.XAddArgs{Stream: stream, ID: "*", Values: vals}
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return fmt.Errorf("redisstream: publish %s: %w", stream, err)
	}
	t.metrics.published.Add(uint64(len(msgs)))
	return nil
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

// Subscribe reads the topic stream as consumer cfg.Consumer of group, handing
// entries to Concurrency workers. With ClaimMinIdle set, idle pending entries
// (crashed consumers, nacked messages) are claimed and redelivered.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xevent.Delivery)) (xevent.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, xevent.ErrInvalidSubscription
	}

	stream := t.cfg.stream(topic)
	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, stream, group, t.cfg.StartID).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %s on %s: %w", group, stream, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	workers := max(1, t.cfg.Concurrency)
	workCh := make(chan *delivery, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				handler(d)
				t.releaseDelivery(d)
			}
		}()
	}

	var feeders sync.WaitGroup
	feeders.Add(1)
	go func() {
		defer feeders.Done()
		t.pollerLoop(innerCtx, stream, group, workCh)
	}()
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		feeders.Add(1)
		go func() {
			defer feeders.Done()
			t.claimLoop(innerCtx, stream, group, workCh)
		}()
	}
	go func() {
		feeders.Wait()
		close(workCh)
	}()

	return &subscription{close: func() error {
		cancel()
		feeders.Wait()
		wg.Wait()
		return nil
	}}, nil
}

// pollerLoop reads new entries with XREADGROUP and distributes them to workers.
func (t *Transport) pollerLoop(ctx context.Context, stream, group string, workCh chan<- *delivery) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	const minBackoff, maxBackoff = 100 * time.Millisecond, 5 * time.Second
	backoff := minBackoff

	for ctx.Err() == nil {
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = minBackoff
				continue
			}
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = minBackoff

		for _, s := range res {
			for _, msg := range s.Messages {
				if !t.dispatch(ctx, stream, group, msg, workCh) {
					return
				}
			}
		}
	}
}

// claimLoop periodically claims idle pending entries. Entries delivered
// MaxDeliveries times are dead-lettered instead of redelivered.
func (t *Transport) claimLoop(ctx context.Context, stream, group string, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  int64(t.cfg.ClaimBatch),
			Idle:   t.cfg.ClaimMinIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		counts := make(map[string]int64, len(pending))
		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			counts[p.ID] = p.RetryCount
			ids = append(ids, p.ID)
		}

		claimed, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			continue
		}

		for _, msg := range claimed {
			t.metrics.claimed.Add(1)
			if t.cfg.MaxDeliveries > 0 && counts[msg.ID] >= t.cfg.MaxDeliveries && t.cfg.DeadLetter != "" {
				m := decodeMessage(msg.ID, msg.Values)
				reason := fmt.Errorf("redisstream: delivered %d times", counts[msg.ID])
				_ = t.deadLetter(ctx, stream, group, msg.ID, m, reason)
				continue
			}
			if !t.dispatch(ctx, stream, group, msg, workCh) {
				return
			}
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, stream, group string, msg redis.XMessage, workCh chan<- *delivery) bool {
	d := t.newDelivery()
	d.t = t
	d.stream = stream
	d.group = group
	d.id = msg.ID
	d.msg = decodeMessage(msg.ID, msg.Values)

	t.metrics.consumed.Add(1)
	select {
	case workCh <- d:
		return true
	case <-ctx.Done():
		t.releaseDelivery(d)
		return false
	}
}

// deadLetter copies an entry to the dead-letter stream and acknowledges it.
func (t *Transport) deadLetter(ctx context.Context, stream, group, id string, m *xevent.Message, reason error) error {
	values := make(map[string]any, 6+len(m.Metadata))
	values[fieldOrigTopic] = stream
	values[fieldOrigID] = id
	values[fieldError] = fmt.Sprint(reason)
	values[fieldName] = m.Name
	values[fieldPayload] = m.Payload
	if m.ID != "" && m.ID != id {
		values[fieldID] = m.ID
	}
	for k, v := range m.Metadata {
		if k == MetaStreamID {
			continue
		}
		values[fieldMetaPrefix+k] = v
	}

	if err := t.client.XAdd(ctx, &redis.XAddArgs{Stream: t.cfg.DeadLetter, ID: "*", Values: values}).Err(); err != nil {
		return fmt.Errorf("redisstream: dead-letter %s: %w", id, err)
	}
	t.metrics.deadLettered.Add(1)
	return t.client.XAck(ctx, stream, group, id).Err()
}

func (t *Transport) newDelivery() *delivery {
	d := t.dpool.Get().(*delivery)
	*d = delivery{}
	return d
}

func (t *Transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	*d = delivery{}
	t.dpool.Put(d)
}

// Close shuts the transport. Subscriptions should be closed first; the client
// is closed only when NewTransport created it.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Claimed       uint64
	DeadLettered  uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Claimed:       t.metrics.claimed.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
