package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Bus channels a publishing instance writes to. Tickers go to one channel
// per symbol, see domain.Event.Channel.
const (
	TickerPattern = "ch:ticker:*"
	StatusChannel = "ch:status"
)

// Follower ingests tickers and connection status published on the signal
// bus by another instance instead of talking to exchanges itself.
type Follower struct {
	bus       domain.SignalBus
	exchanges map[string]bool
	symbols   map[string]bool
	onTicker  func(domain.TickerSnapshot)
	onStatus  func(domain.ConnectionState)
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	closed  bool
	wg      sync.WaitGroup
}

// NewFollower creates a Follower that keeps only the given exchanges and
// canonical symbols. Empty filters accept everything.
func NewFollower(bus domain.SignalBus, exchanges, symbols []string, onTicker func(domain.TickerSnapshot), onStatus func(domain.ConnectionState), logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{
		bus:       bus,
		exchanges: set(exchanges),
		symbols:   set(symbols),
		onTicker:  onTicker,
		onStatus:  onStatus,
		logger:    logger.With(slog.String("component", "bus_follower")),
	}
}

func set(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// Start subscribes to the ticker and status channels. Both subscriptions
// are established before Start returns.
func (f *Follower) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return domain.ErrClosed
	}
	if f.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	tickers, err := f.bus.Subscribe(runCtx, TickerPattern)
	if err != nil {
		cancel()
		return fmt.Errorf("feed: follow tickers: %w", err)
	}
	status, err := f.bus.Subscribe(runCtx, StatusChannel)
	if err != nil {
		cancel()
		return fmt.Errorf("feed: follow status: %w", err)
	}
	f.cancel = cancel
	f.running = true

	f.wg.Add(2)
	go f.consume(runCtx, tickers, f.handleTicker)
	go f.consume(runCtx, status, f.handleStatus)
	f.logger.Info("bus follower started")
	return nil
}

// Stop unsubscribes and waits for the consumers, bounded by ctx.
func (f *Follower) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.logger.Info("bus follower stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("feed: follower stop: %w", ctx.Err())
	}
}

func (f *Follower) consume(ctx context.Context, ch <-chan []byte, handle func(domain.Event) error) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			var ev domain.Event
			err := json.Unmarshal(data, &ev)
			if err == nil {
				if ctx.Err() != nil {
					return
				}
				err = handle(ev)
			}
			if err != nil {
				f.logger.Debug("bus message dropped",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *Follower) handleTicker(ev domain.Event) error {
	if ev.Kind != domain.EventTicker || ev.Ticker == nil {
		return fmt.Errorf("unexpected event %q on ticker channel", ev.Kind)
	}
	t := *ev.Ticker
	if !f.wants(t.Exchange, t.Symbol) {
		return nil
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if f.onTicker != nil {
		f.onTicker(t)
	}
	return nil
}

func (f *Follower) handleStatus(ev domain.Event) error {
	if ev.Kind != domain.EventStatus || ev.Status == nil {
		return fmt.Errorf("unexpected event %q on status channel", ev.Kind)
	}
	if f.exchanges != nil && !f.exchanges[ev.Status.Exchange] {
		return nil
	}
	if f.onStatus != nil {
		f.onStatus(ev.Status.Clone())
	}
	return nil
}

func (f *Follower) wants(exchange, symbol string) bool {
	if f.exchanges != nil && !f.exchanges[exchange] {
		return false
	}
	return f.symbols == nil || f.symbols[symbol]
}
