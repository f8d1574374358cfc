package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/trickstertwo/xevent"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("xevent/kafka: transport is closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Transport implements xevent.Transport with one kafka.Writer shared by all
// topics and one consumer-group kafka.Reader per subscription.
type Transport struct {
	cfg       Config
	writer    messageWriter
	newReader func(topic, group string) messageReader

	closed atomic.Bool

	metrics struct {
		published    atomic.Uint64
		consumed     atomic.Uint64
		committed    atomic.Uint64
		redelivered  atomic.Uint64
		deadLettered atomic.Uint64
		dropped      atomic.Uint64
		fetchErrors  atomic.Uint64
	}
}

var _ xevent.Transport = (*Transport)(nil)

// NewTransport builds the writer and reader factory and checks that the first
// broker is reachable.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer, transport, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("xevent/kafka: connection failed: %w", err)
	}
	_ = conn.Close()

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: cfg.AllowAutoTopicCreation,
	}
	if transport != nil {
		w.Transport = transport
	}

	start := kafkago.FirstOffset
	if cfg.StartOffset == "last" {
		start = kafkago.LastOffset
	}
	newReader := func(topic, group string) messageReader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     group,
			Topic:       topic,
			StartOffset: start,
			MinBytes:    cfg.MinBytes,
			MaxBytes:    cfg.MaxBytes,
			MaxWait:     cfg.MaxWait,
			Dialer:      dialer,
		})
	}
	return newTransport(cfg, w, newReader), nil
}

func newTransport(cfg Config, w messageWriter, newReader func(topic, group string) messageReader) *Transport {
	return &Transport{cfg: cfg, writer: w, newReader: newReader}
}

func newDialer(cfg Config) (*kafkago.Dialer, *kafkago.Transport, error) {
	var tlsConfig *tls.Config
	if cfg.TLS {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
	}
	var mechanism sasl.Mechanism
	if cfg.SASLUsername != "" {
		mechanism = plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword}
	}

	dialer := &kafkago.Dialer{
		ClientID:      cfg.ClientID,
		Timeout:       5 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig,
		SASLMechanism: mechanism,
	}
	if tlsConfig == nil && mechanism == nil {
		return dialer, nil, nil
	}
	return dialer, &kafkago.Transport{ClientID: cfg.ClientID, TLS: tlsConfig, SASL: mechanism}, nil
}

// Publish writes messages keyed by wire name, so one event type keeps its
// order within a partition.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*xevent.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafkago.Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil {
			out = append(out, encodeMessage(t.cfg.topic(topic), m))
		}
	}
	if err := t.writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("xevent/kafka: publish %s: %w", t.cfg.topic(topic), err)
	}
	t.metrics.published.Add(uint64(len(out)))
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

// Subscribe starts a consumer loop for group on topic. Messages are handled
// one at a time; the offset is committed on Ack or after dead-lettering.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xevent.Delivery)) (xevent.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, xevent.ErrInvalidSubscription
	}

	reader := t.newReader(t.cfg.topic(topic), group)
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.consumeLoop(loopCtx, reader, handler)
	}()

	return &subscription{close: func() error {
		cancel()
		<-done
		return reader.Close()
	}}, nil
}

func (t *Transport) consumeLoop(ctx context.Context, r messageReader, handler func(xevent.Delivery)) {
	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			t.metrics.fetchErrors.Add(1)
			if !sleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		t.metrics.consumed.Add(1)
		if !t.handle(ctx, r, km, handler) {
			return
		}
	}
}

// handle delivers km until it is acked, redelivering nacked attempts up to
// MaxRedeliveries times. It reports false when ctx ended first or the handler
// left the delivery unsettled; km then stays uncommitted.
func (t *Transport) handle(ctx context.Context, r messageReader, km kafkago.Message, handler func(xevent.Delivery)) bool {
	msg := decodeMessage(km)
	for attempt := 0; ; attempt++ {
		d := &delivery{msg: msg}
		handler(d)
		if !d.settled {
			return false
		}
		if d.acked {
			return t.commit(ctx, r, km)
		}
		if attempt >= t.cfg.MaxRedeliveries {
			return t.giveUp(ctx, r, km, d.reason)
		}
		t.metrics.redelivered.Add(1)
		if !sleep(ctx, t.cfg.RedeliveryDelay) {
			return false
		}
	}
}

func (t *Transport) giveUp(ctx context.Context, r messageReader, km kafkago.Message, reason error) bool {
	if t.cfg.DeadLetter == "" {
		t.metrics.dropped.Add(1)
		return t.commit(ctx, r, km)
	}
	headers := append([]kafkago.Header(nil), km.Headers...)
	headers = append(headers,
		kafkago.Header{Key: headerOrigTopic, Value: []byte(km.Topic)},
		kafkago.Header{Key: headerError, Value: []byte(fmt.Sprint(reason))},
	)
	dl := kafkago.Message{Topic: t.cfg.DeadLetter, Key: km.Key, Value: km.Value, Headers: headers}
	for ctx.Err() == nil {
		if err := t.writer.WriteMessages(ctx, dl); err == nil {
			t.metrics.deadLettered.Add(1)
			return t.commit(ctx, r, km)
		}
		if !sleep(ctx, time.Second) {
			return false
		}
	}
	return false
}

func (t *Transport) commit(ctx context.Context, r messageReader, km kafkago.Message) bool {
	if err := r.CommitMessages(ctx, km); err != nil {
		return ctx.Err() == nil
	}
	t.metrics.committed.Add(1)
	return true
}

func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.writer.Close()
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published    uint64
	Consumed     uint64
	Committed    uint64
	Redelivered  uint64
	DeadLettered uint64
	Dropped      uint64
	FetchErrors  uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:    t.metrics.published.Load(),
		Consumed:     t.metrics.consumed.Load(),
		Committed:    t.metrics.committed.Load(),
		Redelivered:  t.metrics.redelivered.Load(),
		DeadLettered: t.metrics.deadLettered.Load(),
		Dropped:      t.metrics.dropped.Load(),
		FetchErrors:  t.metrics.fetchErrors.Load(),
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
