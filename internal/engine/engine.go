// Package engine is the consumer API of the ingestion pipeline. A
// Subscription owns one ingestion session: its own retry manager,
// aggregator, detector and per-exchange supervisors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/aggregator"
	"github.com/taffyke/crypto-spread-navigator/internal/arbitrage"
	"github.com/taffyke/crypto-spread-navigator/internal/domain"
	"github.com/taffyke/crypto-spread-navigator/internal/exchange"
	"github.com/taffyke/crypto-spread-navigator/internal/fallback"
	"github.com/taffyke/crypto-spread-navigator/internal/feed"
	"github.com/taffyke/crypto-spread-navigator/internal/retry"
)

// Mode selects the ingestion path.
type Mode string

const (
	// ModeStream keeps a websocket per exchange with REST fallback.
	ModeStream Mode = "stream"
	// ModePoll polls the REST ticker endpoints only.
	ModePoll Mode = "poll"
	// ModeFollow reads tickers another instance publishes on the bus.
	ModeFollow Mode = "follow"
)

// Config holds the tunables of every subscription.
type Config struct {
	Mode   Mode
	Feed   feed.Config
	Retry  retry.Policy
	Poller fallback.PollerConfig
	// TTL is the aggregator staleness window. Zero keeps entries forever.
	TTL           time.Duration
	Strategies    []string
	Params        arbitrage.Params
	CycleInterval time.Duration
	// EventBuffer is the capacity of Subscription.Updates.
	EventBuffer int
}

// DefaultConfig returns the stream-mode defaults.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeStream,
		Feed:          feed.DefaultConfig(),
		Retry:         retry.DefaultPolicy(),
		Poller:        fallback.DefaultPollerConfig(),
		TTL:           aggregator.DefaultTTL,
		Strategies:    []string{"cross_spread"},
		Params:        arbitrage.DefaultParams(),
		CycleInterval: 15 * time.Second,
		EventBuffer:   256,
	}
}

// Fetcher is the REST ticker fetcher shared by every subscription.
type Fetcher interface {
	Fetch(ctx context.Context, exchange, symbol string) (domain.TickerSnapshot, error)
}

// Engine creates subscriptions. It holds no per-session state.
type Engine struct {
	cfg      Config
	adapters *exchange.Registry
	fetcher  Fetcher
	bus      domain.SignalBus
	base     *slog.Logger
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus sets the signal bus that ModeFollow reads from.
func WithBus(bus domain.SignalBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.base = l }
}

// New creates an Engine. fetcher may be nil in stream mode, which disables
// the REST fallback.
func New(cfg Config, adapters *exchange.Registry, fetcher Fetcher, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		adapters: adapters,
		fetcher:  fetcher,
		base:     slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.cfg.Mode == "" {
		e.cfg.Mode = ModeStream
	}
	if len(e.cfg.Strategies) == 0 {
		e.cfg.Strategies = []string{"cross_spread"}
	}
	if e.cfg.EventBuffer <= 0 {
		e.cfg.EventBuffer = 256
	}
	e.logger = e.base.With(slog.String("component", "engine"))
	return e
}

// Exchanges lists every venue the engine can subscribe to.
func (e *Engine) Exchanges() []string {
	return e.adapters.Names()
}

// Subscribe starts ingestion for exchanges x symbols and returns the live
// session. ctx bounds the session's lifetime; Close ends it explicitly.
func (e *Engine) Subscribe(ctx context.Context, exchanges, symbols []string) (*Subscription, error) {
	if len(exchanges) == 0 {
		return nil, errors.New("engine: subscribe: no exchanges")
	}
	if len(symbols) == 0 {
		return nil, errors.New("engine: subscribe: no symbols")
	}

	var names []string
	adapters := make(map[string]exchange.Adapter, len(exchanges))
	for _, ex := range exchanges {
		a, err := e.adapters.Get(ex)
		if err != nil {
			return nil, fmt.Errorf("engine: subscribe: %w", err)
		}
		if _, dup := adapters[a.Name()]; dup {
			continue
		}
		if e.cfg.Mode == ModePoll {
			if _, err := e.adapters.REST(a.Name()); err != nil {
				return nil, fmt.Errorf("engine: subscribe: %w", err)
			}
		}
		adapters[a.Name()] = a
		names = append(names, a.Name())
	}
	slices.Sort(names)

	var canon []string
	for _, sym := range symbols {
		c, err := exchange.NormalizeSymbol(sym)
		if err != nil {
			return nil, fmt.Errorf("engine: subscribe: %w", err)
		}
		if !slices.Contains(canon, c) {
			canon = append(canon, c)
		}
	}

	strategies, err := arbitrage.DefaultRegistry(e.cfg.Params).Select(e.cfg.Strategies...)
	if err != nil {
		return nil, fmt.Errorf("engine: subscribe: %w", err)
	}
	if e.cfg.Mode == ModeFollow && e.bus == nil {
		return nil, errors.New("engine: subscribe: follow mode needs a signal bus")
	}

	retries := retry.NewManager(e.cfg.Retry)
	sub := newSubscription(names, canon, e.cfg.EventBuffer, e.logger)
	sub.retries = retries
	sub.agg = aggregator.New(aggregator.WithTTL(e.cfg.TTL))
	sub.detector = arbitrage.NewDetector(arbitrage.DetectorConfig{
		Strategies: strategies,
		Source:     sub.agg,
		Interval:   e.cfg.CycleInterval,
		Publish:    sub.handleResult,
		Logger:     e.base,
	})

	runCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel

	switch e.cfg.Mode {
	case ModeStream:
		for _, name := range names {
			deps := feed.Deps{
				Retries:  retries,
				OnTicker: sub.handleTicker,
				OnStatus: sub.handleStatus,
				Logger:   e.base,
			}
			if e.fetcher != nil {
				deps.Fetcher = e.fetcher
			}
			s := feed.NewSupervisor(adapters[name], e.cfg.Feed, deps)
			sub.supervisors = append(sub.supervisors, s)
		}
	case ModePoll:
		if e.fetcher == nil {
			cancel()
			return nil, errors.New("engine: subscribe: poll mode needs a fetcher")
		}
		targets := make(map[string][]string, len(names))
		for _, name := range names {
			targets[name] = slices.Clone(canon)
		}
		sub.poller = fallback.NewPoller(e.cfg.Poller, e.fetcher, retries, targets, sub.handleTicker, sub.handleStatus, e.base)
	case ModeFollow:
		sub.follower = feed.NewFollower(e.bus, names, canon, sub.handleTicker, sub.handleStatus, e.base)
	default:
		cancel()
		return nil, fmt.Errorf("engine: subscribe: unknown mode %q", e.cfg.Mode)
	}

	if err := sub.start(runCtx, e.cfg.TTL); err != nil {
		closeCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer done()
		sub.Close(closeCtx)
		return nil, fmt.Errorf("engine: subscribe: %w", err)
	}
	e.logger.Info("subscription started",
		slog.String("mode", string(e.cfg.Mode)),
		slog.Any("exchanges", names),
		slog.Any("symbols", canon),
	)
	return sub, nil
}
