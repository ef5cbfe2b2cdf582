package fallback

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
	"github.com/taffyke/crypto-spread-navigator/internal/exchange"
)

const binanceBody = `{"symbol":"BTCUSDT","priceChange":"1000","priceChangePercent":"2.04","lastPrice":"50000.00","bidPrice":"49999.00","askPrice":"50001.00","highPrice":"51000","lowPrice":"48000","volume":"10","closeTime":1700000000000}`

func newTestFetcher(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Fetcher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	reg := exchange.NewRegistry()
	reg.Register(exchange.NewBinance(exchange.WithRESTURL(srv.URL)))
	return NewFetcher(reg, opts...), srv
}

func TestFetch_Success(t *testing.T) {
	var gotPath string
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		w.Write([]byte(binanceBody))
	})

	snap, err := f.Fetch(context.Background(), "binance", "btc-usdt")
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if gotPath != "/api/v3/ticker/24hr?symbol=BTCUSDT" {
		t.Errorf("request path = %q", gotPath)
	}
	if snap.Symbol != "BTC/USDT" || snap.Exchange != "binance" {
		t.Errorf("identity = %s/%s", snap.Exchange, snap.Symbol)
	}
	if !snap.Last.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("Last = %s", snap.Last)
	}
	if snap.Source != domain.SourceREST || snap.CapturedAt.IsZero() {
		t.Errorf("metadata = %q %v", snap.Source, snap.CapturedAt)
	}
}

func TestFetch_HTTPError(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		sentinel  error
	}{
		{http.StatusTooManyRequests, true, domain.ErrRateLimited},
		{http.StatusNotFound, false, domain.ErrNotFound},
		{http.StatusBadGateway, true, nil},
		{http.StatusBadRequest, false, nil},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"code":-1,"msg":"nope"}`, tt.status)
			})
			_, err := f.Fetch(context.Background(), "binance", "BTC/USDT")
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) {
				t.Fatalf("expected *HTTPError, got %T: %v", err, err)
			}
			if httpErr.StatusCode != tt.status || httpErr.IsRetryable() != tt.retryable {
				t.Errorf("HTTPError = %+v retryable=%v", httpErr, httpErr.IsRetryable())
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v) = false", tt.sentinel)
			}
		})
	}
}

func TestFetch_UnknownExchange(t *testing.T) {
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {})
	if _, err := f.Fetch(context.Background(), "mtgox", "BTC/USDT"); !errors.Is(err, domain.ErrUnknownExchange) {
		t.Errorf("error = %v, want ErrUnknownExchange", err)
	}
	if _, err := f.Fetch(context.Background(), "binance", "???"); !errors.Is(err, domain.ErrUnsupportedSymbol) {
		t.Errorf("error = %v, want ErrUnsupportedSymbol", err)
	}
}

func TestFetch_CacheTTL(t *testing.T) {
	var hits atomic.Int32
	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(binanceBody))
	}, WithCacheTTL(20*time.Second), WithClock(clock))

	for range 3 {
		if _, err := f.Fetch(context.Background(), "binance", "BTC/USDT"); err != nil {
			t.Fatal(err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("requests within TTL = %d, want 1", n)
	}

	mu.Lock()
	now = now.Add(21 * time.Second)
	mu.Unlock()
	if _, err := f.Fetch(context.Background(), "binance", "BTC/USDT"); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("requests after TTL = %d, want 2", n)
	}

	f.Invalidate()
	f.Fetch(context.Background(), "binance", "BTC/USDT")
	if n := hits.Load(); n != 3 {
		t.Errorf("requests after Invalidate = %d, want 3", n)
	}
}

func TestFetch_CoalescesConcurrentRequests(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte(binanceBody))
	}, WithCacheTTL(0))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), "binance", "BTC/USDT")
			errs <- err
		}()
	}
	// Give every caller time to join the in-flight request.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Fetch error: %v", err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestFetch_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := f.Fetch(ctx, "binance", "BTC/USDT")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Fetch did not return promptly on cancel")
	}
}

type stubLimiter struct {
	allow bool
	err   error
	calls atomic.Int32
}

func (s *stubLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	s.calls.Add(1)
	return s.allow, s.err
}

func TestFetch_RateLimiter(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(binanceBody)) }

	t.Run("denied", func(t *testing.T) {
		lim := &stubLimiter{allow: false}
		f, _ := newTestFetcher(t, handler, WithRateLimiter(lim, 5, time.Second))
		if _, err := f.Fetch(context.Background(), "binance", "BTC/USDT"); !errors.Is(err, domain.ErrRateLimited) {
			t.Errorf("error = %v, want ErrRateLimited", err)
		}
	})

	t.Run("limiter down fails open", func(t *testing.T) {
		lim := &stubLimiter{err: errors.New("connection refused")}
		f, _ := newTestFetcher(t, handler, WithRateLimiter(lim, 5, time.Second))
		if _, err := f.Fetch(context.Background(), "binance", "BTC/USDT"); err != nil {
			t.Errorf("error = %v, want success", err)
		}
		if lim.calls.Load() != 1 {
			t.Errorf("limiter calls = %d", lim.calls.Load())
		}
	})
}
