// Command xeventd relays outbox records to the configured transport and serves
// health and metrics endpoints for the bus.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/trickstertwo/xevent"
	xotel "github.com/trickstertwo/xevent/contrib/otel"
	xprom "github.com/trickstertwo/xevent/contrib/prometheus"
	"github.com/trickstertwo/xevent/outbox"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before XEVENT_* variables")
	flag.Parse()

	cfg, err := LoadConfig(*configPath, *envFile)
	logger := newLogger(cfg.Log)
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("xeventd stopped")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

func newLogger(c LogConfig) *xlog.Logger {
	level := xlog.LevelInfo
	if c.Debug {
		level = xlog.LevelDebug
	}
	return zerolog.Use(zerolog.Config{
		MinLevel:          level,
		Console:           c.Console,
		ConsoleTimeFormat: time.RFC3339,
		Caller:            c.Debug,
		CallerSkip:        5,
	}).With(xlog.Str("app", "xeventd"))
}

func buildBus(cfg Config, logger *xlog.Logger, reg prometheus.Registerer) (*xevent.Bus, error) {
	return xevent.NewBusBuilder().
		WithConfig(cfg.Bus).
		WithTransport(cfg.Transport, cfg.transportConfig()).
		WithLogger(logger).
		WithAckTimeout(cfg.AckTimeout).
		WithObserver(xprom.New(reg, "xevent")).
		WithMiddleware(
			xotel.Middleware(),
			xevent.RetryMiddleware(xevent.RetryConfig{
				MaxAttempts: 3,
				Backoff:     xevent.ExponentialBackoff(100*time.Millisecond, 2*time.Second),
			}),
		).
		Build()
}

func run(ctx context.Context, cfg Config, logger *xlog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus, err := buildBus(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := bus.Close(cctx); err != nil {
			logger.Warn().Err(err).Msg("bus close")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Outbox.Enabled {
		store, err := outbox.NewSQLiteStore(cfg.Outbox.Path, outbox.DefaultSQLiteConfig())
		if err != nil {
			return err
		}
		defer store.Close()

		relay := outbox.NewRelay(store, bus, cfg.Outbox.Relay, outbox.WithLogger(logger))
		g.Go(func() error {
			logger.Info().Str("path", cfg.Outbox.Path).Msg("outbox relay started")
			return relay.Run(gctx)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           newAdminRouter(bus, reg, cfg.Admin),
		ReadHeaderTimeout: cfg.Admin.ReadTimeout,
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Admin.Addr).Str("transport", cfg.Transport).Msg("admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
