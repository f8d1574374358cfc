package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xevent"
)

// fakeBroker connects the writer to readers in memory, one queue per topic.
type fakeBroker struct {
	mu      sync.Mutex
	queues  map[string]chan kafkago.Message
	offsets map[string]int64
	written []kafkago.Message
	commits map[string][]int64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:  map[string]chan kafkago.Message{},
		offsets: map[string]int64{},
		commits: map[string][]int64{},
	}
}

func (b *fakeBroker) queue(topic string) chan kafkago.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan kafkago.Message, 128)
		b.queues[topic] = q
	}
	return q
}

func (b *fakeBroker) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	for _, m := range msgs {
		b.mu.Lock()
		m.Offset = b.offsets[m.Topic]
		b.offsets[m.Topic]++
		b.written = append(b.written, m)
		b.mu.Unlock()
		b.queue(m.Topic) <- m
	}
	return nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) writtenTo(topic string) []kafkago.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []kafkago.Message
	for _, m := range b.written {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBroker) committed(topic string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.commits[topic]...)
}

func (b *fakeBroker) reader(topic, _ string) messageReader {
	return &fakeReader{b: b, topic: topic}
}

type fakeReader struct {
	b     *fakeBroker
	topic string
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case m := <-r.b.queue(r.topic):
		return m, nil
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	for _, m := range msgs {
		r.b.commits[m.Topic] = append(r.b.commits[m.Topic], m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func newTestTransport(t *testing.T, mutate func(*Config)) (*Transport, *fakeBroker) {
	t.Helper()
	cfg := Defaults()
	cfg.RedeliveryDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	b := newFakeBroker()
	tr := newTransport(cfg, b, b.reader)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, b
}

func TestPublish_HeadersAndKey(t *testing.T) {
	tr, b := newTestTransport(t, func(c *Config) { c.TopicPrefix = "shop" })

	produced := time.Unix(1_700_000_000, 0)
	require.NoError(t, tr.Publish(context.Background(), "OrderPlaced", &xevent.Message{
		ID:         "evt-1",
		Name:       "OrderPlacedIntegrationEvent",
		Payload:    []byte(`{"order_id":"o-1"}`),
		Metadata:   map[string]string{"tenant": "acme"},
		ProducedAt: produced,
	}))

	written := b.writtenTo("shop.OrderPlaced")
	require.Len(t, written, 1)
	assert.Equal(t, []byte("OrderPlacedIntegrationEvent"), written[0].Key)

	msg := decodeMessage(written[0])
	assert.Equal(t, "evt-1", msg.ID)
	assert.Equal(t, "OrderPlacedIntegrationEvent", msg.Name)
	assert.Equal(t, `{"order_id":"o-1"}`, string(msg.Payload))
	assert.Equal(t, "acme", msg.Metadata["tenant"])
	assert.Equal(t, "shop.OrderPlaced", msg.Metadata[MetaTopic])
	assert.True(t, produced.Equal(msg.ProducedAt))
	assert.Equal(t, uint64(1), tr.Stats().Published)
}

func TestDecodeMessage_Fallbacks(t *testing.T) {
	tests := []struct {
		name        string
		km          kafkago.Message
		wantName    string
		wantPayload string
		wantID      string
	}{
		{
			name: "envelope",
			km: kafkago.Message{
				Topic: "orders", Partition: 1, Offset: 7,
				Value: []byte(`{"type":"OrderPlacedIntegrationEvent","payload":{"order_id":"o-1"}}`),
			},
			wantName:    "OrderPlacedIntegrationEvent",
			wantPayload: `{"order_id":"o-1"}`,
			wantID:      "orders-1-7",
		},
		{
			name: "key",
			km: kafkago.Message{
				Topic: "orders", Offset: 3,
				Key:   []byte("OrderPlaced"),
				Value: []byte(`{"order_id":"o-2"}`),
			},
			wantName:    "OrderPlaced",
			wantPayload: `{"order_id":"o-2"}`,
			wantID:      "orders-0-3",
		},
		{
			name: "envelope without object payload",
			km: kafkago.Message{
				Topic: "orders",
				Key:   []byte("Raw"),
				Value: []byte(`{"type":"X","payload":"text"}`),
			},
			wantName:    "Raw",
			wantPayload: `{"type":"X","payload":"text"}`,
			wantID:      "orders-0-0",
		},
		{
			name: "header wins over envelope",
			km: kafkago.Message{
				Topic:   "orders",
				Value:   []byte(`{"type":"X","payload":{}}`),
				Headers: []kafkago.Header{{Key: headerName, Value: []byte("Y")}, {Key: headerID, Value: []byte("id-1")}},
			},
			wantName:    "Y",
			wantPayload: `{"type":"X","payload":{}}`,
			wantID:      "id-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := decodeMessage(tt.km)
			assert.Equal(t, tt.wantName, msg.Name)
			assert.Equal(t, tt.wantPayload, string(msg.Payload))
			assert.Equal(t, tt.wantID, msg.ID)
		})
	}
}

func TestSubscribe_CommitsOnAck(t *testing.T) {
	tr, b := newTestTransport(t, nil)
	ctx := context.Background()

	var got atomic.Int32
	sub, err := tr.Subscribe(ctx, "OrderPlaced", "svc.OrderPlaced", func(d xevent.Delivery) {
		got.Add(1)
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Publish(ctx, "OrderPlaced", &xevent.Message{Name: "OrderPlaced", Payload: []byte(`{}`)}))
	}

	require.Eventually(t, func() bool { return len(b.committed("OrderPlaced")) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, b.committed("OrderPlaced"))
	assert.Equal(t, int32(5), got.Load())
}

func TestSubscribe_RedeliversThenDeadLetters(t *testing.T) {
	tr, b := newTestTransport(t, func(c *Config) {
		c.MaxRedeliveries = 2
		c.DeadLetter = "orders-dlq"
	})
	ctx := context.Background()

	var attempts atomic.Int32
	sub, err := tr.Subscribe(ctx, "OrderPlaced", "svc.OrderPlaced", func(d xevent.Delivery) {
		attempts.Add(1)
		_ = d.Nack(ctx, errors.New("boom"))
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "OrderPlaced", &xevent.Message{ID: "evt-9", Name: "OrderPlaced", Payload: []byte(`{}`)}))

	require.Eventually(t, func() bool { return len(b.writtenTo("orders-dlq")) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.committed("OrderPlaced")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())

	dl := b.writtenTo("orders-dlq")[0]
	headers := map[string]string{}
	for _, h := range dl.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "boom", headers[headerError])
	assert.Equal(t, "OrderPlaced", headers[headerOrigTopic])
	assert.Equal(t, "evt-9", headers[headerID])

	st := tr.Stats()
	assert.Equal(t, uint64(2), st.Redelivered)
	assert.Equal(t, uint64(1), st.DeadLettered)
}

func TestSubscribe_DropsWithoutDeadLetter(t *testing.T) {
	tr, b := newTestTransport(t, func(c *Config) { c.MaxRedeliveries = 0 })
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, "OrderPlaced", "svc.OrderPlaced", func(d xevent.Delivery) {
		_ = d.Nack(ctx, errors.New("boom"))
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "OrderPlaced", &xevent.Message{Name: "OrderPlaced", Payload: []byte(`{}`)}))

	require.Eventually(t, func() bool { return tr.Stats().Dropped == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{0}, b.committed("OrderPlaced"))
}

func TestSubscribe_UnsettledStaysUncommitted(t *testing.T) {
	tr, b := newTestTransport(t, func(c *Config) { c.MaxRedeliveries = 0 })
	ctx := context.Background()

	var calls atomic.Int32
	sub, err := tr.Subscribe(ctx, "OrderPlaced", "svc.OrderPlaced", func(xevent.Delivery) {
		calls.Add(1)
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, "OrderPlaced", &xevent.Message{Name: "OrderPlaced", Payload: []byte(`{}`)}))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// the loop stopped at the unsettled record, so Close does not block
	require.NoError(t, sub.Close())
	assert.Empty(t, b.committed("OrderPlaced"))
	assert.Zero(t, tr.Stats().Dropped)
	assert.Zero(t, tr.Stats().Redelivered)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClosedTransport(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	require.NoError(t, tr.Close(context.Background()))

	assert.ErrorIs(t, tr.Publish(context.Background(), "t", &xevent.Message{}), ErrClosed)
	_, err := tr.Subscribe(context.Background(), "t", "g", func(xevent.Delivery) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfigFromMap(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"brokers":          "k1:9092, k2:9092",
		"topic_prefix":     "shop",
		"start_offset":     "last",
		"max_redeliveries": float64(5),
		"redelivery_delay": "2s",
		"max_wait":         250 * time.Millisecond,
		"tls":              true,
	})
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Brokers)
	assert.Equal(t, "shop", c.TopicPrefix)
	assert.Equal(t, "last", c.StartOffset)
	assert.Equal(t, 5, c.MaxRedeliveries)
	assert.Equal(t, 2*time.Second, c.RedeliveryDelay)
	assert.Equal(t, 250*time.Millisecond, c.MaxWait)
	assert.True(t, c.TLS)
	require.NoError(t, c.Validate())
	assert.Equal(t, c, ConfigFromMap(c.ToMap()))

	bad := Defaults()
	bad.SASLUsername = "user"
	assert.Error(t, bad.Validate())
	bad = Defaults()
	bad.StartOffset = "middle"
	assert.Error(t, bad.Validate())
}

type ShipmentDispatched struct {
	xevent.IntegrationEvent
	ShipmentID string `json:"shipment_id"`
}

func (ShipmentDispatched) EventName() string { return "ShipmentDispatchedIntegrationEvent" }

func TestBus_EndToEnd(t *testing.T) {
	tr, b := newTestTransport(t, nil)

	bus, err := xevent.NewBusBuilder().WithTransportInstance(tr).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	ctx := context.Background()
	got := make(chan string, 1)
	require.NoError(t, xevent.SubscribeFunc(ctx, bus, "dispatch", func(_ context.Context, e ShipmentDispatched) error {
		got <- e.ShipmentID
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, ShipmentDispatched{IntegrationEvent: xevent.NewIntegrationEvent(nil), ShipmentID: "s-1"}, nil))

	select {
	case id := <-got:
		assert.Equal(t, "s-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	require.Eventually(t, func() bool { return len(b.committed("ShipmentDispatched")) == 1 }, 2*time.Second, 5*time.Millisecond)
}
