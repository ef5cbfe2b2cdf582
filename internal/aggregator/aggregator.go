// Package aggregator keeps the latest ticker per (exchange, symbol) and
// hands out consistent copies of the whole table.
package aggregator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// DefaultTTL is how long a snapshot stays visible without being refreshed.
const DefaultTTL = 2 * time.Minute

type shard struct {
	mu      sync.RWMutex
	tickers map[string]domain.TickerSnapshot // symbol -> latest
}

// Aggregator is safe for concurrent use. Writers for different exchanges
// never contend on the same lock.
type Aggregator struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.RWMutex
	shards map[string]*shard

	version atomic.Uint64
	changes chan struct{}
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTTL sets the staleness window. Zero keeps entries forever.
func WithTTL(d time.Duration) Option {
	return func(a *Aggregator) { a.ttl = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New returns an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		ttl:     DefaultTTL,
		now:     time.Now,
		shards:  make(map[string]*shard),
		changes: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Aggregator) shard(exchange string) *shard {
	a.mu.RLock()
	s, ok := a.shards[exchange]
	a.mu.RUnlock()
	if ok {
		return s
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.shards[exchange]; !ok {
		s = &shard{tickers: make(map[string]domain.TickerSnapshot)}
		a.shards[exchange] = s
	}
	return s
}

// Update stores snap as the latest value for its key. Invalid snapshots are
// dropped. Ordering is arrival order: a message delivered late replaces a
// newer one.
//
// A snapshot with the same quote as the stored one only refreshes its
// timestamps, keeping the entry alive under the TTL; it bumps no version and
// signals nothing. Update reports whether the quote changed.
func (a *Aggregator) Update(snap domain.TickerSnapshot) bool {
	if snap.Validate() != nil {
		return false
	}
	s := a.shard(snap.Exchange)
	s.mu.Lock()
	if prev, ok := s.tickers[snap.Symbol]; ok && prev.SameQuote(snap) {
		if snap.CapturedAt.After(prev.CapturedAt) {
			prev.CapturedAt = snap.CapturedAt
			prev.ExchangeTime = snap.ExchangeTime
			s.tickers[snap.Symbol] = prev
		}
		s.mu.Unlock()
		return false
	}
	s.tickers[snap.Symbol] = snap
	a.version.Add(1)
	s.mu.Unlock()

	select {
	case a.changes <- struct{}{}:
	default:
	}
	return true
}

// Get returns the current value for one key, ignoring expired entries.
func (a *Aggregator) Get(exchange, symbol string) (domain.TickerSnapshot, bool) {
	a.mu.RLock()
	s, ok := a.shards[exchange]
	a.mu.RUnlock()
	if !ok {
		return domain.TickerSnapshot{}, false
	}
	s.mu.RLock()
	snap, ok := s.tickers[symbol]
	s.mu.RUnlock()
	if !ok || a.expired(snap, a.now()) {
		return domain.TickerSnapshot{}, false
	}
	return snap, true
}

// Snapshot returns an immutable copy of every live entry. Each shard is
// copied under its own lock, so the copy is consistent per exchange.
func (a *Aggregator) Snapshot() domain.Matrix {
	now := a.now()
	version := a.version.Load()

	a.mu.RLock()
	shards := make([]*shard, 0, len(a.shards))
	for _, s := range a.shards {
		shards = append(shards, s)
	}
	a.mu.RUnlock()

	var snaps []domain.TickerSnapshot
	for _, s := range shards {
		s.mu.RLock()
		for _, t := range s.tickers {
			if !a.expired(t, now) {
				snaps = append(snaps, t)
			}
		}
		s.mu.RUnlock()
	}
	return domain.NewMatrix(snaps, version, now)
}

func (a *Aggregator) expired(t domain.TickerSnapshot, now time.Time) bool {
	return a.ttl > 0 && !t.CapturedAt.IsZero() && now.Sub(t.CapturedAt) > a.ttl
}

// Prune deletes expired entries and returns how many were removed.
func (a *Aggregator) Prune() int {
	if a.ttl <= 0 {
		return 0
	}
	now := a.now()
	a.mu.RLock()
	shards := make([]*shard, 0, len(a.shards))
	for _, s := range a.shards {
		shards = append(shards, s)
	}
	a.mu.RUnlock()

	n := 0
	for _, s := range shards {
		s.mu.Lock()
		for sym, t := range s.tickers {
			if a.expired(t, now) {
				delete(s.tickers, sym)
				n++
			}
		}
		s.mu.Unlock()
	}
	if n > 0 {
		a.version.Add(1)
	}
	return n
}

// Changes delivers a signal after one or more updates. Bursts coalesce into
// a single pending signal.
func (a *Aggregator) Changes() <-chan struct{} {
	return a.changes
}

// Version increases on every change to the table.
func (a *Aggregator) Version() uint64 {
	return a.version.Load()
}
