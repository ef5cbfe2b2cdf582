// Package app provides the top-level application lifecycle. It wires the
// engine to Redis, the HTTP/websocket server and the notifiers, and keeps
// one subscription running until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/taffyke/crypto-spread-navigator/internal/arbitrage"
	"github.com/taffyke/crypto-spread-navigator/internal/config"
	"github.com/taffyke/crypto-spread-navigator/internal/engine"
	"github.com/taffyke/crypto-spread-navigator/internal/exchange"
	"github.com/taffyke/crypto-spread-navigator/internal/fallback"
	"github.com/taffyke/crypto-spread-navigator/internal/feed"
	"github.com/taffyke/crypto-spread-navigator/internal/retry"
	"github.com/taffyke/crypto-spread-navigator/internal/server"
	"github.com/taffyke/crypto-spread-navigator/internal/server/handler"
	"github.com/taffyke/crypto-spread-navigator/internal/server/ws"
)

// shutdownTimeout bounds subscription close and HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run wires all dependencies, starts the subscription with the server and
// relay around it, and blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	log := a.logger.With(slog.String("component", "app"))
	log.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	eng, err := a.newEngine(deps)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	sub, err := eng.Subscribe(gctx, a.cfg.Feed.Exchanges, a.cfg.Feed.Symbols)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	var hub *ws.Hub
	if a.cfg.Server.Enabled {
		hub = ws.NewHub(sub.Status, a.cfg.Server.CORSOrigins, a.logger)
		g.Go(func() error {
			if err := hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		a.startServer(gctx, g, sub, hub, deps)
	}

	var alerter Alerter
	if deps.Alerter != nil {
		alerter = deps.Alerter
	}
	var broadcaster Broadcaster
	if hub != nil {
		broadcaster = hub
	}
	publish := a.cfg.Redis.Publish && engine.Mode(a.cfg.Mode) != engine.ModeFollow
	relay := NewRelay(broadcaster, deps.SignalBus, deps.TickerCache, alerter, publish, a.logger)
	g.Go(func() error {
		return relay.Run(gctx, sub.Updates())
	})

	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return sub.Close(closeCtx)
	})

	err = g.Wait()
	log.Info("application stopped", slog.Int64("dropped_events", sub.Dropped()))
	return err
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newEngine translates config into the engine and its REST fetcher.
func (a *App) newEngine(deps *Dependencies) (*engine.Engine, error) {
	cfg := a.cfg

	overrides := make(map[string][]exchange.Option, len(cfg.Feed.Endpoints))
	for name, ep := range cfg.Feed.Endpoints {
		overrides[name] = []exchange.Option{exchange.WithStreamURL(ep.Stream), exchange.WithRESTURL(ep.REST)}
	}
	registry, err := exchange.DefaultWith(overrides)
	if err != nil {
		return nil, fmt.Errorf("feed endpoints: %w", err)
	}

	// Left as a nil interface when disabled; a typed nil would enable fallback.
	var fetcher engine.Fetcher
	if cfg.Fallback.Enabled {
		opts := []fallback.Option{
			fallback.WithTimeout(cfg.Fallback.Timeout.Duration),
			fallback.WithCacheTTL(cfg.Fallback.CacheTTL.Duration),
			fallback.WithLogger(a.logger),
		}
		if deps.RateLimiter != nil && cfg.Fallback.RateLimit > 0 {
			opts = append(opts, fallback.WithRateLimiter(deps.RateLimiter, cfg.Fallback.RateLimit, cfg.Fallback.RateWindow.Duration))
		}
		fetcher = fallback.NewFetcher(registry, opts...)
	}

	ecfg := engine.Config{
		Mode: engine.Mode(cfg.Mode),
		Feed: feed.Config{
			ConnectTimeout: cfg.Feed.ConnectTimeout.Duration,
			WriteTimeout:   cfg.Feed.WriteTimeout.Duration,
			ReadTimeout:    cfg.Feed.ReadTimeout.Duration,
			PingInterval:   cfg.Feed.PingInterval.Duration,
		},
		Retry: retry.Policy{
			BaseDelay:      cfg.Retry.BaseDelay.Duration,
			MaxDelay:       cfg.Retry.MaxDelay.Duration,
			JitterFraction: cfg.Retry.JitterFraction,
			MaxAttempts:    cfg.Retry.MaxAttempts,
		},
		Poller: fallback.PollerConfig{
			Interval:    cfg.Fallback.PollInterval.Duration,
			Concurrency: cfg.Fallback.Concurrency,
		},
		TTL:        cfg.Aggregator.TTL.Duration,
		Strategies: cfg.Arbitrage.Strategies,
		Params: arbitrage.Params{
			MinSpreadPercent: decimal.NewFromFloat(cfg.Arbitrage.MinSpreadPercent),
			Notional:         decimal.NewFromFloat(cfg.Arbitrage.Notional),
			Risk: arbitrage.RiskThresholds{
				ElevatedSpread: decimal.NewFromFloat(cfg.Arbitrage.ElevatedSpread),
				SuspectSpread:  decimal.NewFromFloat(cfg.Arbitrage.SuspectSpread),
				MediumVolume:   decimal.NewFromFloat(cfg.Arbitrage.MediumVolume),
				LowVolume:      decimal.NewFromFloat(cfg.Arbitrage.LowVolume),
			},
		},
		CycleInterval: cfg.Arbitrage.CycleInterval.Duration,
	}

	opts := []engine.Option{engine.WithLogger(a.logger)}
	if deps.SignalBus != nil {
		opts = append(opts, engine.WithBus(deps.SignalBus))
	}
	return engine.New(ecfg, registry, fetcher, opts...), nil
}

// startServer adds the HTTP server and its graceful shutdown to g.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, sub *engine.Subscription, hub *ws.Hub, deps *Dependencies) {
	var pinger handler.Pinger
	var history handler.HistoryReader
	if deps.Redis != nil {
		pinger = deps.Redis
		history = deps.SignalBus
	}
	handlers := server.Handlers{
		Health:        handler.NewHealthHandler(pinger, a.logger),
		Status:        handler.NewStatusHandler(sub, a.cfg.Mode, a.cfg.Arbitrage.Strategies),
		Tickers:       handler.NewTickerHandler(sub),
		Opportunities: handler.NewOpportunityHandler(sub, history, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
