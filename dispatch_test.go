package xevent

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
)

type countingCodec struct {
	JSONCodec
	unmarshals atomic.Int32
}

func (c *countingCodec) Unmarshal(b []byte, v any) error {
	c.unmarshals.Add(1)
	return c.JSONCodec.Unmarshal(b, v)
}

type step struct {
	name string
	err  error
	log  *[]string
}

func (s *step) Handle(_ context.Context, e orderCreated) error {
	*s.log = append(*s.log, s.name+":"+e.OrderID)
	return s.err
}

type panicking struct{}

func (panicking) Handle(context.Context, orderCreated) error { panic("boom") }

type unresolved struct{}

func (unresolved) Handle(context.Context, orderCreated) error { return nil }

func newTestDispatcher(t *testing.T, cfg Config, r Resolver) (*Dispatcher, *Subscriptions, *countingCodec) {
	t.Helper()
	codec := &countingCodec{}
	subs := NewSubscriptions(cfg, nil)
	return NewDispatcher(cfg, subs, r, codec, xlog.Default()), subs, codec
}

func instanceReg[T Event](key string, h Handler[T]) Registration {
	return newRegistration[T](reflect.TypeOf(h), key, h)
}

func TestProcessNoSubscriptions(t *testing.T) {
	d, _, codec := newTestDispatcher(t, Defaults(), nil)

	ok, err := d.Process(context.Background(), "OrderCreatedIntegrationEvent", []byte(`not json`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, codec.unmarshals.Load())
}

func TestProcessInvokesHandlersInOrderOnce(t *testing.T) {
	d, subs, codec := newTestDispatcher(t, Defaults(), nil)
	var log []string
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, subs.Add("OrderCreated", instanceReg[orderCreated](name, &step{name: name, log: &log})))
	}

	ok, err := d.Process(context.Background(), "OrderCreatedIntegrationEvent", []byte(`{"order_id":"o-1"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a:o-1", "b:o-1", "c:o-1"}, log)
	assert.EqualValues(t, 1, codec.unmarshals.Load(), "payload decoded once per delivery")
}

func TestProcessFailureAbortsRemaining(t *testing.T) {
	d, subs, _ := newTestDispatcher(t, Defaults(), nil)
	var log []string
	cause := errors.New("db down")
	require.NoError(t, subs.Add("OrderCreated", instanceReg[orderCreated]("a", &step{name: "a", log: &log})))
	require.NoError(t, subs.Add("OrderCreated", instanceReg[orderCreated]("b", &step{name: "b", err: cause, log: &log})))
	require.NoError(t, subs.Add("OrderCreated", instanceReg[orderCreated]("c", &step{name: "c", log: &log})))

	ok, err := d.Process(context.Background(), "OrderCreated", []byte(`{"order_id":"o-2"}`))
	assert.True(t, ok)
	require.Error(t, err)

	var hie *HandlerInvocationError
	require.ErrorAs(t, err, &hie)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "OrderCreated", hie.EventName)
	assert.Equal(t, reflect.TypeFor[*step](), hie.HandlerType)
	assert.Equal(t, []string{"a:o-2", "b:o-2"}, log)
}

func TestProcessPanicBecomesInvocationError(t *testing.T) {
	d, subs, _ := newTestDispatcher(t, Defaults(), nil)
	require.NoError(t, subs.Add("OrderCreated", instanceReg[orderCreated]("", panicking{})))

	ok, err := d.Process(context.Background(), "OrderCreated", []byte(`{}`))
	assert.True(t, ok)
	var hie *HandlerInvocationError
	require.ErrorAs(t, err, &hie)
	assert.ErrorIs(t, err, ErrHandlerPanic)
}

func TestProcessSerializationError(t *testing.T) {
	d, subs, _ := newTestDispatcher(t, Defaults(), nil)
	var log []string
	require.NoError(t, subs.Add("OrderCreated", instanceReg[orderCreated]("a", &step{name: "a", log: &log})))

	ok, err := d.Process(context.Background(), "OrderCreated", []byte(`{"order_id":`))
	assert.True(t, ok)
	var se *SerializationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "OrderCreatedIntegrationEvent", se.EventName)
	assert.Equal(t, reflect.TypeFor[orderCreated](), se.Type)
	assert.Empty(t, log)
}

func TestProcessSkipsUnresolvedHandler(t *testing.T) {
	c := NewContainer()
	var log []string
	ProvideInstance(c, &step{name: "resolved", log: &log})

	d, subs, _ := newTestDispatcher(t, Defaults(), c)
	require.NoError(t, subs.Add("OrderCreated", newRegistration[orderCreated](reflect.TypeFor[unresolved](), "", nil)))
	require.NoError(t, subs.Add("OrderCreated", newRegistration[orderCreated](reflect.TypeFor[*step](), "", nil)))

	ok, err := d.Process(context.Background(), "OrderCreated", []byte(`{"order_id":"o-3"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"resolved:o-3"}, log)
}

func TestProcessAllUnresolvedStillProcessed(t *testing.T) {
	d, subs, codec := newTestDispatcher(t, Defaults(), nil)
	require.NoError(t, subs.Add("OrderCreated", newRegistration[orderCreated](reflect.TypeFor[unresolved](), "", nil)))

	ok, err := d.Process(context.Background(), "OrderCreated", []byte(`garbage`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, codec.unmarshals.Load())
}

func TestProcessDecoratedNames(t *testing.T) {
	cfg := Config{StripPrefix: true, Prefix: "Evt", StripSuffix: true, Suffix: "IntegrationEvent", SubscriberAppName: "svc"}
	d, subs, _ := newTestDispatcher(t, cfg, nil)
	var log []string
	require.NoError(t, subs.Add("EvtOrderCreatedIntegrationEvent", instanceReg[orderCreated]("", &step{name: "x", log: &log})))

	for _, wire := range []string{"EvtOrderCreatedIntegrationEvent", "OrderCreated", "OrderCreatedIntegrationEvent"} {
		ok, err := d.Process(context.Background(), wire, []byte(`{"order_id":"1"}`))
		require.NoError(t, err, wire)
		assert.True(t, ok, wire)
	}
	assert.Len(t, log, 3)

	pt, err := subs.EventTypeByName("EvtOrderCreatedIntegrationEvent")
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeFor[orderCreated](), pt.Type)
}

func TestProcessDecodesIntegrationEventFields(t *testing.T) {
	d, subs, _ := newTestDispatcher(t, Defaults(), nil)
	var got orderCreated
	h := HandlerFunc[orderCreated](func(_ context.Context, e orderCreated) error {
		got = e
		return nil
	})
	require.NoError(t, subs.Add("OrderCreated", instanceReg[orderCreated]("f", h)))

	_, err := d.Process(context.Background(), "OrderCreated",
		[]byte(`{"id":"evt-1","created_date":"2024-05-01T10:00:00Z","order_id":"o-9"}`))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, "o-9", got.OrderID)
	assert.Equal(t, 2024, got.CreatedAt.Year())
}
