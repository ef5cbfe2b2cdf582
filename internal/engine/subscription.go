package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taffyke/crypto-spread-navigator/internal/aggregator"
	"github.com/taffyke/crypto-spread-navigator/internal/arbitrage"
	"github.com/taffyke/crypto-spread-navigator/internal/domain"
	"github.com/taffyke/crypto-spread-navigator/internal/fallback"
	"github.com/taffyke/crypto-spread-navigator/internal/feed"
	"github.com/taffyke/crypto-spread-navigator/internal/retry"
)

// Subscription is a live ingestion session. All methods are safe for
// concurrent use.
type Subscription struct {
	exchanges []string
	symbols   []string
	logger    *slog.Logger

	retries     *retry.Manager
	agg         *aggregator.Aggregator
	detector    *arbitrage.Detector
	supervisors []*feed.Supervisor
	poller      *fallback.Poller
	follower    *feed.Follower

	cancel  context.CancelFunc
	workers *errgroup.Group

	updates  chan domain.Event
	dropped  atomic.Int64
	closed   atomic.Bool
	once     sync.Once
	done     chan struct{}
	closeErr error
	// emitMu orders sends on updates against its close.
	emitMu sync.RWMutex

	mu     sync.RWMutex
	status map[string]domain.ConnectionState
}

func newSubscription(exchanges, symbols []string, buffer int, logger *slog.Logger) *Subscription {
	s := &Subscription{
		exchanges: exchanges,
		symbols:   symbols,
		logger:    logger,
		updates:   make(chan domain.Event, buffer),
		done:      make(chan struct{}),
		status:    make(map[string]domain.ConnectionState, len(exchanges)),
	}
	now := time.Now()
	for _, ex := range exchanges {
		s.status[ex] = domain.ConnectionState{
			Exchange: ex,
			State:    domain.StateIdle,
			Symbols:  slices.Clone(symbols),
			Since:    now,
		}
	}
	return s
}

func (s *Subscription) start(ctx context.Context, ttl time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	s.workers = g
	g.Go(func() error {
		return s.detector.Run(gctx, s.agg.Changes())
	})
	if ttl > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
					if n := s.agg.Prune(); n > 0 {
						s.logger.Debug("pruned stale tickers", slog.Int("count", n))
					}
				}
			}
		})
	}

	for _, sup := range s.supervisors {
		if err := sup.Start(ctx, s.symbols); err != nil {
			return err
		}
	}
	if s.poller != nil {
		if err := s.poller.Start(ctx); err != nil {
			return err
		}
	}
	if s.follower != nil {
		if err := s.follower.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Exchanges returns the subscribed venues, sorted.
func (s *Subscription) Exchanges() []string { return slices.Clone(s.exchanges) }

// Symbols returns the subscribed canonical symbols.
func (s *Subscription) Symbols() []string { return slices.Clone(s.symbols) }

// Snapshots returns an immutable copy of the live ticker table.
func (s *Subscription) Snapshots() domain.Matrix {
	return s.agg.Snapshot()
}

// Opportunities returns the latest detection cycle's ranked output.
func (s *Subscription) Opportunities() []domain.ArbitrageOpportunity {
	return slices.Clone(s.detector.Latest().Opportunities)
}

// Evaluate runs one detection cycle now.
func (s *Subscription) Evaluate(ctx context.Context) ([]domain.ArbitrageOpportunity, error) {
	if s.closed.Load() {
		return nil, domain.ErrClosed
	}
	res, err := s.detector.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(res.Opportunities), nil
}

// Status returns the connection state of every subscribed exchange.
func (s *Subscription) Status() map[string]domain.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.ConnectionState, len(s.status))
	for k, v := range s.status {
		out[k] = v.Clone()
	}
	return out
}

// LastError returns the most recent unresolved connection error across all
// exchanges, or nil. An exchange that gave up wraps domain.ErrRetryExhausted.
func (s *Subscription) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.ConnectionState
	for _, ex := range slices.Sorted(maps.Keys(s.status)) {
		st := s.status[ex]
		if st.LastError == "" && st.FallbackError == "" {
			continue
		}
		if latest == nil || st.Since.After(latest.Since) {
			latest = &st
		}
	}
	if latest == nil {
		return nil
	}
	msg := latest.LastError
	if msg == "" {
		msg = latest.FallbackError
	}
	err := errors.New(msg)
	if latest.Exhausted {
		err = fmt.Errorf("%w: %s", domain.ErrRetryExhausted, msg)
	}
	kind := latest.ErrorKind
	if kind == "" {
		kind = domain.ErrorKindFallback
	}
	return &domain.ConnectionError{Exchange: latest.Exchange, Kind: kind, Err: err}
}

// Updates delivers ticker, status and opportunity events. Delivery is
// best effort: when the buffer is full the oldest event is discarded. The
// channel is closed by Close.
func (s *Subscription) Updates() <-chan domain.Event {
	return s.updates
}

// Dropped is the number of events discarded because Updates was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Reconnect clears all backoff and forces every exchange to reconnect now.
func (s *Subscription) Reconnect() error {
	if s.closed.Load() {
		return domain.ErrClosed
	}
	s.retries.ResetAll()
	var errs []error
	for _, sup := range s.supervisors {
		if err := sup.Reconnect(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sup.Exchange(), err))
		}
	}
	if s.poller != nil {
		s.poller.Reconnect()
	}
	s.logger.Info("reconnect requested", slog.Int("exchanges", len(s.exchanges)))
	return errors.Join(errs...)
}

// Close stops ingestion and detection and waits for every goroutine,
// bounded by ctx. Once Close returns nil no further aggregator write, event
// or timer happens and Updates is closed. Close is idempotent.
func (s *Subscription) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.closed.Store(true)
		go s.shutdown()
	})
	select {
	case <-s.done:
		return s.closeErr
	case <-ctx.Done():
		return fmt.Errorf("engine: close: %w", ctx.Err())
	}
}

func (s *Subscription) shutdown() {
	defer close(s.done)

	// Stops are unbounded here; Close bounds the caller's wait instead.
	ctx := context.Background()
	var g errgroup.Group
	for _, sup := range s.supervisors {
		g.Go(func() error { return sup.Stop(ctx) })
	}
	if s.poller != nil {
		g.Go(func() error { return s.poller.Stop(ctx) })
	}
	if s.follower != nil {
		g.Go(func() error { return s.follower.Stop(ctx) })
	}
	err := g.Wait()

	if s.cancel != nil {
		s.cancel()
	}
	if s.workers != nil {
		if werr := s.workers.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			err = errors.Join(err, werr)
		}
	}
	s.closeErr = err
	s.emitMu.Lock()
	close(s.updates)
	s.emitMu.Unlock()
	s.logger.Info("subscription closed", slog.Int64("dropped_events", s.dropped.Load()))
}

func (s *Subscription) handleTicker(t domain.TickerSnapshot) {
	if s.closed.Load() {
		return
	}
	if !s.agg.Update(t) {
		return
	}
	s.emit(domain.Event{Kind: domain.EventTicker, Ticker: &t, At: t.CapturedAt})
}

func (s *Subscription) handleStatus(st domain.ConnectionState) {
	s.mu.Lock()
	s.status[st.Exchange] = st.Clone()
	s.mu.Unlock()
	s.emit(domain.Event{Kind: domain.EventStatus, Status: &st, At: st.Since})
}

func (s *Subscription) handleResult(res arbitrage.Result) {
	s.emit(domain.Event{
		Kind:          domain.EventOpportunities,
		Opportunities: res.Opportunities,
		At:            res.EvaluatedAt,
	})
}

// emit never blocks. On a full buffer the oldest event makes room.
func (s *Subscription) emit(ev domain.Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.updates <- ev:
		return
	default:
	}
	select {
	case <-s.updates:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.updates <- ev:
	default:
		s.dropped.Add(1)
	}
}
