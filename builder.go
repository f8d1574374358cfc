package xevent

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances.
type BusBuilder struct {
	cfg Config

	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	resolver    Resolver
	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a builder with Defaults(), the DefaultCodecName codec
// and a 5s ack timeout.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		cfg:        Defaults(),
		codecName:  DefaultCodecName,
		ackTimeout: 5 * time.Second,
	}
}

// WithConfig sets the naming convention. It is validated by Build.
func (bb *BusBuilder) WithConfig(cfg Config) *BusBuilder {
	bb.cfg = cfg
	return bb
}

// WithTransport selects a registered transport factory by name.
func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport. It wins over WithTransport.
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

// WithCodec selects a registered codec. Build fails with ErrUnknownCodec for
// names nobody registered.
func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec. It wins over WithCodec.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

// WithResolver sets where Subscribe-registered handler types are resolved from.
func (bb *BusBuilder) WithResolver(r Resolver) *BusBuilder {
	bb.resolver = r
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool makes observer notification asynchronous.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	if bb.poolWorkers < 1 {
		bb.poolWorkers = 4
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

func (bb *BusBuilder) WithAckTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	if err := bb.cfg.Validate(); err != nil {
		return nil, err
	}

	var tr Transport
	var err error
	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	cd := bb.codecInst
	if cd == nil {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	handleCtx, handleCancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:         bb.cfg,
		transport:   tr,
		codec:       cd,
		clock:       clk,
		logger:      lg,
		resolver:    bb.resolver,
		middlewares: append([]Middleware(nil), bb.middlewares...),
		ackTimeout:  bb.ackTimeout,
		runCtx:      runCtx,
		runCancel:   runCancel,
		handleCtx:    handleCtx,
		handleCancel: handleCancel,
		topics:      make(map[string]Subscription),
		metrics:     &busMetrics{},
	}
	b.subs = NewSubscriptions(b.cfg, b.releaseTopic)
	b.dispatcher = NewDispatcher(b.cfg, b.subs, b.resolver, b.codec, b.logger)
	if bb.poolWorkers > 0 {
		b.observerPool = NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer)
	}

	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New builds a Bus and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	return bus, func() error { return bus.Close(context.Background()) }, nil
}
