package inbox_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xevent"
	"github.com/trickstertwo/xevent/adapter/memory"
	"github.com/trickstertwo/xevent/inbox"
)

func stores(t *testing.T) map[string]inbox.Store {
	t.Helper()

	bs, err := inbox.OpenBadgerStore("", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]inbox.Store{
		"badger": bs,
		"redis":  inbox.NewRedisStore(client, "", time.Hour),
	}
}

func TestStore_SeenAndRelease(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			seen, err := s.Seen(ctx, "billing:evt-1")
			require.NoError(t, err)
			assert.False(t, seen)

			seen, err = s.Seen(ctx, "billing:evt-1")
			require.NoError(t, err)
			assert.True(t, seen)

			seen, err = s.Seen(ctx, "shipping:evt-1")
			require.NoError(t, err)
			assert.False(t, seen, "keys are per consumer")

			require.NoError(t, s.Release(ctx, "billing:evt-1"))
			seen, err = s.Seen(ctx, "billing:evt-1")
			require.NoError(t, err)
			assert.False(t, seen)
		})
	}
}

func TestRedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := inbox.NewRedisStore(client, "test:", time.Minute)
	seen, err := s.Seen(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Equal(t, time.Minute, mr.TTL("test:k"))

	mr.FastForward(2 * time.Minute)
	seen, err = s.Seen(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, seen, "expired keys are forgotten")
}

func TestMiddleware(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var calls atomic.Int32
			fail := atomic.Bool{}
			h := inbox.Middleware(s, "billing")(func(context.Context, *xevent.Message) error {
				calls.Add(1)
				if fail.Load() {
					return errors.New("boom")
				}
				return nil
			})

			msg := &xevent.Message{ID: "evt-1", Name: "InvoiceIssued"}
			require.NoError(t, h(ctx, msg))
			require.NoError(t, h(ctx, msg))
			assert.Equal(t, int32(1), calls.Load(), "duplicate skipped")

			fail.Store(true)
			failing := &xevent.Message{ID: "evt-2", Name: "InvoiceIssued"}
			require.Error(t, h(ctx, failing))
			fail.Store(false)
			require.NoError(t, h(ctx, failing), "failed delivery is processed again")
			assert.Equal(t, int32(3), calls.Load())

			anon := &xevent.Message{Name: "InvoiceIssued"}
			require.NoError(t, h(ctx, anon))
			require.NoError(t, h(ctx, anon))
			assert.Equal(t, int32(5), calls.Load(), "messages without ID always run")
		})
	}
}

type failingStore struct{}

func (failingStore) Seen(context.Context, string) (bool, error) { return false, errors.New("down") }
func (failingStore) Release(context.Context, string) error      { return nil }

func TestMiddleware_StoreErrorFailsDelivery(t *testing.T) {
	called := false
	h := inbox.Middleware(failingStore{}, "billing")(func(context.Context, *xevent.Message) error {
		called = true
		return nil
	})
	err := h(context.Background(), &xevent.Message{ID: "evt-1"})
	assert.Error(t, err)
	assert.False(t, called)
}

type InvoiceIssued struct {
	xevent.IntegrationEvent
	InvoiceID string `json:"invoice_id"`
}

func (InvoiceIssued) EventName() string { return "InvoiceIssuedIntegrationEvent" }

func TestMiddleware_WithBus(t *testing.T) {
	store, err := inbox.OpenBadgerStore("", time.Hour)
	require.NoError(t, err)
	defer store.Close()

	bus, err := xevent.NewBusBuilder().
		WithTransportInstance(memory.NewTransport(memory.DefaultConfig())).
		WithMiddleware(inbox.Middleware(store, "billing")).
		Build()
	require.NoError(t, err)
	defer bus.Close(context.Background())

	ctx := context.Background()
	var calls atomic.Int32
	require.NoError(t, xevent.SubscribeFunc(ctx, bus, "billing", func(context.Context, InvoiceIssued) error {
		calls.Add(1)
		return nil
	}))

	evt := InvoiceIssued{IntegrationEvent: xevent.NewIntegrationEvent(nil), InvoiceID: "inv-1"}
	require.NoError(t, bus.Publish(ctx, evt, nil))
	require.NoError(t, bus.Publish(ctx, evt, nil))

	require.Eventually(t, func() bool { return bus.GetMetrics().Acked == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
