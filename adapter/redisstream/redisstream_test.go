package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xevent"
)

type ShipmentDispatched struct {
	xevent.IntegrationEvent
	ShipmentID string `json:"shipment_id"`
}

func (ShipmentDispatched) EventName() string { return "ShipmentDispatchedIntegrationEvent" }

func newTestTransport(t *testing.T, mutate func(*Config)) (*Transport, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := Defaults()
	cfg.Addr = mr.Addr()
	cfg.Consumer = "test-consumer"
	cfg.Concurrency = 2
	cfg.Block = 50 * time.Millisecond
	cfg.ClaimMinIdle = 0
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	tr := NewTransportWithClient(client, cfg)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, client
}

func TestPublish_WritesEntryFields(t *testing.T) {
	tr, client := newTestTransport(t, nil)
	ctx := context.Background()

	produced := time.Unix(1_700_000_000, 42)
	err := tr.Publish(ctx, "OrderPlaced", &xevent.Message{
		ID:         "evt-1",
		Name:       "OrderPlacedIntegrationEvent",
		Payload:    []byte(`{"order_id":"o-1"}`),
		Metadata:   map[string]string{"tenant": "acme"},
		ProducedAt: produced,
	})
	require.NoError(t, err)

	entries, err := client.XRange(ctx, "OrderPlaced", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	vals := entries[0].Values
	assert.Equal(t, "evt-1", vals[fieldID])
	assert.Equal(t, "OrderPlacedIntegrationEvent", vals[fieldName])
	assert.Equal(t, `{"order_id":"o-1"}`, vals[fieldPayload])
	assert.Equal(t, "acme", vals[fieldMetaPrefix+"tenant"])

	msg := decodeMessage(entries[0].ID, vals)
	assert.Equal(t, "evt-1", msg.ID)
	assert.Equal(t, entries[0].ID, msg.Metadata[MetaStreamID])
	assert.True(t, produced.Equal(msg.ProducedAt))
	assert.Equal(t, uint64(1), tr.Stats().Published)
}

func TestPublish_BatchUsesStreamPrefix(t *testing.T) {
	tr, client := newTestTransport(t, func(c *Config) { c.StreamPrefix = "events:" })
	ctx := context.Background()

	msgs := make([]*xevent.Message, 25)
	for i := range msgs {
		msgs[i] = &xevent.Message{Name: "OrderPlaced", Payload: []byte(fmt.Sprintf(`{"i":%d}`, i))}
	}
	require.NoError(t, tr.Publish(ctx, "OrderPlaced", msgs...))

	n, err := client.XLen(ctx, "events:OrderPlaced").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)

	n, err = client.XLen(ctx, "OrderPlaced").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubscribe_AcksAllEntries(t *testing.T) {
	tr, client := newTestTransport(t, nil)
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		require.NoError(t, tr.Publish(ctx, "OrderPlaced", &xevent.Message{
			Name:    "OrderPlaced",
			Payload: []byte(fmt.Sprintf(`{"i":%d}`, i)),
		}))
	}

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	sub, err := tr.Subscribe(ctx, "OrderPlaced", "svc.OrderPlaced", func(d xevent.Delivery) {
		mu.Lock()
		seen[string(d.Message().Payload)] = true
		mu.Unlock()
		assert.NoError(t, d.Ack(ctx))
	})
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		p, err := client.XPending(ctx, "OrderPlaced", "svc.OrderPlaced").Result()
		return err == nil && p.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(total), tr.Stats().Acked)
}

func TestSubscribe_NewGroupReplaysBacklog(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, "OrderPlaced", &xevent.Message{Name: "OrderPlaced", Payload: []byte(`{}`)}))

	var got atomic.Int32
	sub, err := tr.Subscribe(ctx, "OrderPlaced", "late.OrderPlaced", func(d xevent.Delivery) {
		got.Add(1)
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer sub.Close()

	assert.Eventually(t, func() bool { return got.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNack_DeadLettersWithoutClaim(t *testing.T) {
	tr, client := newTestTransport(t, func(c *Config) { c.DeadLetter = "dlq" })
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, "OrderPlaced", &xevent.Message{
		ID:      "evt-7",
		Name:    "OrderPlaced",
		Payload: []byte(`{"bad":true}`),
	}))

	sub, err := tr.Subscribe(ctx, "OrderPlaced", "svc.OrderPlaced", func(d xevent.Delivery) {
		_ = d.Nack(ctx, errors.New("handler failed"))
	})
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		n, err := client.XLen(ctx, "dlq").Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := client.XRange(ctx, "dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "OrderPlaced", entries[0].Values[fieldOrigTopic])
	assert.Equal(t, "handler failed", entries[0].Values[fieldError])
	assert.Equal(t, "evt-7", entries[0].Values[fieldID])

	p, err := client.XPending(ctx, "OrderPlaced", "svc.OrderPlaced").Result()
	require.NoError(t, err)
	assert.Zero(t, p.Count)
	assert.Equal(t, uint64(1), tr.Stats().DeadLettered)
}

func TestNack_ClaimRedelivers(t *testing.T) {
	tr, _ := newTestTransport(t, func(c *Config) {
		c.ClaimMinIdle = time.Millisecond
		c.ClaimInterval = 20 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, "OrderPlaced", &xevent.Message{Name: "OrderPlaced", Payload: []byte(`{}`)}))

	var attempts atomic.Int32
	sub, err := tr.Subscribe(ctx, "OrderPlaced", "svc.OrderPlaced", func(d xevent.Delivery) {
		if attempts.Add(1) == 1 {
			_ = d.Nack(ctx, errors.New("transient"))
			return
		}
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, tr.Stats().Claimed, uint64(1))
}

func TestClosedTransport(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))

	err := tr.Publish(context.Background(), "OrderPlaced", &xevent.Message{Name: "x"})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = tr.Subscribe(context.Background(), "OrderPlaced", "g", func(xevent.Delivery) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscribe_InvalidArguments(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	_, err := tr.Subscribe(context.Background(), "", "g", func(xevent.Delivery) {})
	assert.ErrorIs(t, err, xevent.ErrInvalidSubscription)
	_, err = tr.Subscribe(context.Background(), "t", "g", nil)
	assert.ErrorIs(t, err, xevent.ErrInvalidSubscription)
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name   string
		vals   map[string]any
		wantID string
	}{
		{name: "producer id wins", vals: map[string]any{fieldID: "evt-1", fieldName: "A"}, wantID: "evt-1"},
		{name: "entry id fallback", vals: map[string]any{fieldName: "A"}, wantID: "1-0"},
		{name: "empty producer id", vals: map[string]any{fieldID: "", fieldName: "A"}, wantID: "1-0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := decodeMessage("1-0", tt.vals)
			assert.Equal(t, tt.wantID, msg.ID)
			assert.Equal(t, "A", msg.Name)
			assert.Equal(t, "1-0", msg.Metadata[MetaStreamID])
		})
	}

	msg := decodeMessage("2-0", map[string]any{
		fieldPayload:         []byte("raw"),
		fieldProducedAt:      "1700000000000000000",
		fieldMetaPrefix + "k": "v",
	})
	assert.Equal(t, []byte("raw"), msg.Payload)
	assert.Equal(t, int64(1_700_000_000), msg.ProducedAt.Unix())
	assert.Equal(t, "v", msg.Metadata["k"])
}

func TestConfigFromMap(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"addr":           "redis:6379",
		"consumer":       "billing-1",
		"concurrency":    float64(16),
		"batch_size":     64,
		"block":          "2s",
		"claim_min_idle": 10 * time.Second,
		"start_id":       "$",
		"dead_letter":    "billing-dlq",
		"max_deliveries": int64(3),
	})
	assert.Equal(t, "redis:6379", c.Addr)
	assert.Equal(t, "billing-1", c.Consumer)
	assert.Equal(t, 16, c.Concurrency)
	assert.Equal(t, 64, c.BatchSize)
	assert.Equal(t, 2*time.Second, c.Block)
	assert.Equal(t, 10*time.Second, c.ClaimMinIdle)
	assert.Equal(t, "$", c.StartID)
	assert.Equal(t, "billing-dlq", c.DeadLetter)
	assert.Equal(t, int64(3), c.MaxDeliveries)
	require.NoError(t, c.Validate())

	assert.Equal(t, c, ConfigFromMap(c.ToMap()))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no addr", func(c *Config) { c.Addr = "" }},
		{"no consumer", func(c *Config) { c.Consumer = "" }},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"zero block", func(c *Config) { c.Block = 0 }},
		{"bad start id", func(c *Config) { c.StartID = "1-0" }},
		{"claim without interval", func(c *Config) { c.ClaimMinIdle = time.Second; c.ClaimInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestBus_EndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)

	bus, err := xevent.NewBusBuilder().
		WithTransport(TransportName, map[string]any{
			"addr":           mr.Addr(),
			"consumer":       "e2e",
			"block":          "50ms",
			"claim_min_idle": time.Duration(0),
		}).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	ctx := context.Background()
	got := make(chan string, 1)
	require.NoError(t, xevent.SubscribeFunc(ctx, bus, "dispatch", func(_ context.Context, e ShipmentDispatched) error {
		got <- e.ShipmentID
		return nil
	}))

	evt := ShipmentDispatched{IntegrationEvent: xevent.NewIntegrationEvent(nil), ShipmentID: "s-9"}
	require.NoError(t, bus.Publish(ctx, evt, nil))

	select {
	case id := <-got:
		assert.Equal(t, "s-9", id)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	require.Eventually(t, func() bool {
		m := bus.GetMetrics()
		return m.Processed == 1
	}, 2*time.Second, 10*time.Millisecond)
}
