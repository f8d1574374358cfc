package outbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"golang.org/x/time/rate"

	"github.com/trickstertwo/xevent"
)

// Publisher sends an encoded event. *xevent.Bus satisfies it.
type Publisher interface {
	PublishRaw(ctx context.Context, payload []byte, typeName string, meta map[string]string) error
}

var _ Publisher = (*xevent.Bus)(nil)

// RelayConfig tunes the polling relay.
type RelayConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxAttempts is the number of failed publishes after which a record is
	// left in the table and no longer retried. Zero retries forever.
	MaxAttempts int `yaml:"max_attempts"`
	// Rate limits publishes per second; zero disables the limit.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    100,
		PollInterval: time.Second,
		MaxAttempts:  10,
		Rate:         500,
		Burst:        100,
	}
}

// Relay moves pending records from a Store to a Publisher in insertion order.
type Relay struct {
	store   Store
	pub     Publisher
	cfg     RelayConfig
	limiter *rate.Limiter
	logger  *xlog.Logger
	clock   xclock.Clock
}

// RelayOption customizes a Relay.
type RelayOption func(*Relay)

func WithLogger(l *xlog.Logger) RelayOption {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(c xclock.Clock) RelayOption {
	return func(r *Relay) {
		if c != nil {
			r.clock = c
		}
	}
}

func NewRelay(store Store, pub Publisher, cfg RelayConfig, opts ...RelayOption) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	r := &Relay{
		store:   store,
		pub:     pub,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, max(1, cfg.Burst)),
		logger:  xlog.Default(),
		clock:   xclock.Default(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Run flushes every PollInterval until ctx ends. Flush errors are logged and
// retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("outbox flush failed")
		} else if n > 0 {
			r.logger.Debug().Float64("published", float64(n)).Msg("outbox flushed")
		}
		// A full batch means more rows are probably waiting.
		if err == nil && n == r.cfg.BatchSize {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch of pending records and returns how many were
// published. It stops at the first failure so later records of the same
// stream are never published ahead of an earlier one.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	recs, err := r.store.Pending(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, rec := range recs {
		if err := r.limiter.Wait(ctx); err != nil {
			return published, err
		}

		meta := make(map[string]string, len(rec.Metadata)+1)
		maps.Copy(meta, rec.Metadata)
		meta[xevent.MetaMessageID] = rec.ID

		if err := r.pub.PublishRaw(ctx, rec.Payload, rec.EventName, meta); err != nil {
			cause := fmt.Errorf("outbox: publish %s: %w", rec.ID, err)
			if markErr := r.store.MarkFailed(ctx, rec.ID, err); markErr != nil {
				return published, errors.Join(cause, markErr)
			}
			if r.cfg.MaxAttempts > 0 && rec.Attempts+1 >= r.cfg.MaxAttempts {
				r.logger.Error().Err(err).
					Str("record_id", rec.ID).
					Str("event_name", rec.EventName).
					Msg("outbox record exhausted its attempts")
			}
			return published, cause
		}
		if err := r.store.MarkPublished(ctx, rec.ID, r.clock.Now()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
