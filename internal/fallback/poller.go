package fallback

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
	"github.com/taffyke/crypto-spread-navigator/internal/retry"
)

// TickerFetcher is the request side used by the Poller. *Fetcher satisfies
// it.
type TickerFetcher interface {
	Fetch(ctx context.Context, exchange, symbol string) (domain.TickerSnapshot, error)
}

// PollerConfig holds poll-mode settings.
type PollerConfig struct {
	Interval    time.Duration // default 5s
	Concurrency int           // max in-flight requests, default 8
}

// DefaultPollerConfig returns sensible defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{Interval: 5 * time.Second, Concurrency: 8}
}

// Poller fetches every (exchange, symbol) target over REST on an interval.
// It is the ingestion path when streaming is disabled.
type Poller struct {
	cfg      PollerConfig
	fetcher  TickerFetcher
	retries  *retry.Manager
	targets  map[string][]string
	onTicker func(domain.TickerSnapshot)
	onStatus func(domain.ConnectionState)
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*domain.ConnectionState

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewPoller builds a poller over targets (exchange -> canonical symbols).
// onTicker and onStatus may be nil.
func NewPoller(cfg PollerConfig, fetcher TickerFetcher, retries *retry.Manager, targets map[string][]string,
	onTicker func(domain.TickerSnapshot), onStatus func(domain.ConnectionState), logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollerConfig().Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultPollerConfig().Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		cfg:      cfg,
		fetcher:  fetcher,
		retries:  retries,
		targets:  targets,
		onTicker: onTicker,
		onStatus: onStatus,
		logger:   logger.With(slog.String("component", "poller")),
		now:      time.Now,
		states:   make(map[string]*domain.ConnectionState, len(targets)),
	}
	for ex, syms := range targets {
		p.states[ex] = &domain.ConnectionState{
			Exchange: ex,
			State:    domain.StateIdle,
			Symbols:  slices.Clone(syms),
			Since:    p.now(),
		}
	}
	return p
}

// Start launches the polling loop. Calling Start on a running poller is a
// no-op.
func (p *Poller) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.stopped {
		return domain.ErrClosed
	}
	if p.cancel != nil {
		return nil
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for ex := range p.targets {
		p.setState(ex, domain.StateConnecting, nil)
	}

	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info("poller started",
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("exchanges", len(p.targets)),
	)
	return nil
}

// Stop cancels the loop and waits for in-flight requests, bounded by ctx.
func (p *Poller) Stop(ctx context.Context) error {
	p.runMu.Lock()
	p.stopped = true
	if p.cancel != nil {
		p.cancel()
	}
	p.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	closed := make([]domain.ConnectionState, 0, len(p.states))
	for _, st := range p.states {
		st.State = domain.StateClosed
		st.Since = p.now()
		closed = append(closed, st.Clone())
	}
	p.mu.Unlock()
	if p.onStatus != nil {
		for _, st := range closed {
			p.onStatus(st)
		}
	}
	p.logger.Info("poller stopped")
	return nil
}

// Reconnect clears every fallback backoff so the next cycle polls all
// targets.
func (p *Poller) Reconnect() {
	for ex, syms := range p.targets {
		for _, s := range syms {
			p.retries.Reset(retry.FallbackKey(ex, s))
		}
	}
}

// State returns the status of one exchange.
func (p *Poller) State(exchange string) (domain.ConnectionState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[exchange]
	if !ok {
		return domain.ConnectionState{}, false
	}
	return st.Clone(), true
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

type exchangeTally struct {
	ok      atomic.Int64
	failed  atomic.Int64
	mu      sync.Mutex
	lastErr error
}

// PollOnce runs one cycle over every target and updates per-exchange
// status.
func (p *Poller) PollOnce(ctx context.Context) {
	start := p.now()
	sem := make(chan struct{}, p.cfg.Concurrency)
	tallies := make(map[string]*exchangeTally, len(p.targets))
	var wg sync.WaitGroup

	for ex, syms := range p.targets {
		tally := &exchangeTally{}
		tallies[ex] = tally
		for _, sym := range syms {
			key := retry.FallbackKey(ex, sym)
			if !p.retries.Ready(key) {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					return
				}
				snap, err := p.fetcher.Fetch(ctx, ex, sym)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					d := p.retries.RecordFailure(key)
					tally.failed.Add(1)
					tally.mu.Lock()
					tally.lastErr = err
					tally.mu.Unlock()
					if d.GiveUp {
						p.logger.Error("poll retries exhausted, giving up on target",
							slog.String("exchange", ex),
							slog.String("symbol", sym),
							slog.Int("attempts", d.Attempt),
							slog.Any("error", err),
						)
						return
					}
					p.logger.Warn("poll failed",
						slog.String("exchange", ex),
						slog.String("symbol", sym),
						slog.Duration("backoff", d.Delay),
						slog.Any("error", err),
					)
					return
				}
				p.retries.RecordSuccess(key)
				tally.ok.Add(1)
				if p.onTicker != nil {
					p.onTicker(snap)
				}
			}()
		}
	}
	wg.Wait()
	if ctx.Err() != nil {
		return
	}

	for ex, tally := range tallies {
		switch {
		case tally.ok.Load() > 0:
			p.setState(ex, domain.StateReceiving, nil)
		case tally.failed.Load() > 0:
			p.setState(ex, domain.StateReconnecting, tally.lastErr)
		}
	}
	p.logger.Debug("poll cycle complete",
		slog.Int("exchanges", len(p.targets)),
		slog.Duration("duration", p.now().Sub(start)),
	)
}

func (p *Poller) setState(ex string, s domain.State, err error) {
	p.mu.Lock()
	st, ok := p.states[ex]
	if !ok {
		p.mu.Unlock()
		return
	}
	if st.State != s {
		st.Since = p.now()
	}
	st.State = s
	failures, exhausted := 0, false
	for _, sym := range st.Symbols {
		rs := p.retries.State(retry.FallbackKey(ex, sym))
		failures = max(failures, rs.Failures)
		exhausted = exhausted || rs.Exhausted
	}
	st.RetryCount = failures
	st.Exhausted = exhausted
	if err != nil {
		st.LastError = err.Error()
		st.ErrorKind = domain.ErrorKindFallback
		st.FallbackError = err.Error()
	} else if s == domain.StateReceiving {
		st.LastError = ""
		st.ErrorKind = ""
		st.FallbackError = ""
	}
	out := st.Clone()
	p.mu.Unlock()

	if p.onStatus != nil {
		p.onStatus(out)
	}
}
