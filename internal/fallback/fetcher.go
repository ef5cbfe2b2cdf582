// Package fallback fetches tickers over REST when a venue's stream is down,
// and polls every target on an interval when streaming is disabled.
package fallback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
	"github.com/taffyke/crypto-spread-navigator/internal/exchange"
)

// maxBody caps how much of a response is read.
const maxBody = 1 << 20

// HTTPError is a non-2xx REST response.
type HTTPError struct {
	Exchange   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Exchange, e.StatusCode, e.Body)
}

// IsRetryable reports whether the request may succeed later.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Unwrap maps well-known statuses onto domain sentinels.
func (e *HTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case http.StatusNotFound:
		return domain.ErrNotFound
	default:
		return nil
	}
}

// Resolver finds the REST side of an adapter. *exchange.Registry
// satisfies it.
type Resolver interface {
	REST(name string) (exchange.RESTAdapter, error)
}

type cached struct {
	snap    domain.TickerSnapshot
	fetched time.Time
}

// Fetcher performs single REST ticker requests. It never retries; the
// caller owns the retry policy.
type Fetcher struct {
	resolver Resolver
	client   *http.Client
	timeout  time.Duration
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	limiter     domain.RateLimiter
	limit       int
	limitWindow time.Duration

	group singleflight.Group
	mu    sync.Mutex
	cache map[domain.Key]cached
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithTimeout bounds each request. Default 10s.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithCacheTTL sets how long a fetched ticker is served from memory.
// Zero disables caching. Default 20s.
func WithCacheTTL(d time.Duration) Option {
	return func(f *Fetcher) { f.ttl = d }
}

// WithRateLimiter caps requests per venue to limit per window. The limiter
// is shared across processes when backed by Redis.
func WithRateLimiter(l domain.RateLimiter, limit int, window time.Duration) Option {
	return func(f *Fetcher) {
		f.limiter = l
		f.limit = limit
		f.limitWindow = window
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// NewFetcher returns a Fetcher resolving venues through r.
func NewFetcher(r Resolver, opts ...Option) *Fetcher {
	f := &Fetcher{
		resolver: r,
		client:   &http.Client{},
		timeout:  10 * time.Second,
		ttl:      20 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
		cache:    make(map[domain.Key]cached),
	}
	for _, o := range opts {
		o(f)
	}
	f.logger = f.logger.With(slog.String("component", "fallback"))
	return f
}

// Fetch returns the venue's current ticker for symbol. Concurrent calls for
// the same target share one request, and results younger than the cache TTL
// are returned without a request.
func (f *Fetcher) Fetch(ctx context.Context, exchangeName, symbol string) (domain.TickerSnapshot, error) {
	sym, err := exchange.NormalizeSymbol(symbol)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	key := domain.Key{Exchange: exchangeName, Symbol: sym}
	if snap, ok := f.fromCache(key); ok {
		return snap, nil
	}

	// The shared request outlives any single caller's cancellation and is
	// bounded by the fetcher timeout instead.
	ch := f.group.DoChan(key.String(), func() (any, error) {
		return f.fetch(context.WithoutCancel(ctx), key)
	})
	select {
	case <-ctx.Done():
		return domain.TickerSnapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.TickerSnapshot{}, res.Err
		}
		return res.Val.(domain.TickerSnapshot), nil
	}
}

func (f *Fetcher) fromCache(key domain.Key) (domain.TickerSnapshot, bool) {
	if f.ttl <= 0 {
		return domain.TickerSnapshot{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cache[key]
	if !ok || f.now().Sub(c.fetched) >= f.ttl {
		return domain.TickerSnapshot{}, false
	}
	return c.snap, true
}

func (f *Fetcher) fetch(ctx context.Context, key domain.Key) (domain.TickerSnapshot, error) {
	adapter, err := f.resolver.REST(key.Exchange)
	if err != nil {
		return domain.TickerSnapshot{}, fmt.Errorf("fallback: %w", err)
	}
	u, err := adapter.TickerURL(key.Symbol)
	if err != nil {
		return domain.TickerSnapshot{}, fmt.Errorf("fallback: %s: %w", key, err)
	}

	if f.limiter != nil && f.limit > 0 {
		ok, err := f.limiter.Allow(ctx, "fallback:"+key.Exchange, f.limit, f.limitWindow)
		switch {
		case err != nil:
			// Limiter outages must not block fallback data.
			f.logger.Warn("rate limiter unavailable", slog.String("exchange", key.Exchange), slog.Any("error", err))
		case !ok:
			return domain.TickerSnapshot{}, fmt.Errorf("fallback: %s: %w", key, domain.ErrRateLimited)
		}
	}

	body, err := f.get(ctx, key.Exchange, u)
	if err != nil {
		return domain.TickerSnapshot{}, fmt.Errorf("fallback: %s: %w", key, err)
	}
	snap, err := adapter.ParseTicker(key.Symbol, body)
	if err != nil {
		return domain.TickerSnapshot{}, fmt.Errorf("fallback: %s: %w", key, err)
	}
	snap.CapturedAt = f.now()
	snap.Source = domain.SourceREST

	if f.ttl > 0 {
		f.mu.Lock()
		f.cache[key] = cached{snap: snap, fetched: snap.CapturedAt}
		f.mu.Unlock()
	}
	f.logger.Debug("fallback ticker fetched",
		slog.String("exchange", key.Exchange),
		slog.String("symbol", key.Symbol),
		slog.String("last", snap.Last.String()),
	)
	return snap, nil
}

func (f *Fetcher) get(ctx context.Context, exchangeName, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Exchange: exchangeName, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

// Invalidate drops every cached ticker.
func (f *Fetcher) Invalidate() {
	f.mu.Lock()
	clear(f.cache)
	f.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
