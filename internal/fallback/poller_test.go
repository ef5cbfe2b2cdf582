package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
	"github.com/taffyke/crypto-spread-navigator/internal/retry"
)

type fakeFetcher struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{fail: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, ex, sym string) (domain.TickerSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ex+":"+sym]++
	if err := f.fail[ex]; err != nil {
		return domain.TickerSnapshot{}, err
	}
	return domain.TickerSnapshot{
		Exchange:   ex,
		Symbol:     sym,
		Last:       decimal.NewFromInt(100),
		CapturedAt: time.Now(),
		Source:     domain.SourceREST,
	}, nil
}

func (f *fakeFetcher) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type recorder struct {
	mu      sync.Mutex
	tickers []domain.TickerSnapshot
	status  map[string]domain.ConnectionState
}

func (r *recorder) ticker(s domain.TickerSnapshot) {
	r.mu.Lock()
	r.tickers = append(r.tickers, s)
	r.mu.Unlock()
}

func (r *recorder) state(s domain.ConnectionState) {
	r.mu.Lock()
	if r.status == nil {
		r.status = map[string]domain.ConnectionState{}
	}
	r.status[s.Exchange] = s
	r.mu.Unlock()
}

func TestPoller_PollOnce(t *testing.T) {
	ff := newFakeFetcher()
	ff.fail["kraken"] = errors.New("boom")
	rec := &recorder{}
	retries := retry.NewManager(retry.DefaultPolicy())
	targets := map[string][]string{
		"binance": {"BTC/USDT", "ETH/USDT"},
		"kraken":  {"BTC/USDT"},
	}
	p := NewPoller(PollerConfig{Interval: time.Hour, Concurrency: 2}, ff, retries, targets, rec.ticker, rec.state, nil)

	p.PollOnce(context.Background())

	if len(rec.tickers) != 2 {
		t.Errorf("tickers = %d, want 2", len(rec.tickers))
	}
	if st := rec.status["binance"]; st.State != domain.StateReceiving {
		t.Errorf("binance state = %v", st.State)
	}
	st := rec.status["kraken"]
	if st.State != domain.StateReconnecting || st.ErrorKind != domain.ErrorKindFallback || st.LastError == "" {
		t.Errorf("kraken state = %+v", st)
	}
	if st.RetryCount != 1 {
		t.Errorf("kraken RetryCount = %d, want 1", st.RetryCount)
	}

	// kraken is in backoff, so the second cycle skips it.
	p.PollOnce(context.Background())
	if n := ff.count("kraken:BTC/USDT"); n != 1 {
		t.Errorf("kraken calls = %d, want 1 while backing off", n)
	}
	if n := ff.count("binance:BTC/USDT"); n != 2 {
		t.Errorf("binance calls = %d, want 2", n)
	}

	p.Reconnect()
	p.PollOnce(context.Background())
	if n := ff.count("kraken:BTC/USDT"); n != 2 {
		t.Errorf("kraken calls after Reconnect = %d, want 2", n)
	}
}

func TestPoller_StopsAfterGivingUp(t *testing.T) {
	ff := newFakeFetcher()
	ff.fail["kraken"] = errors.New("http 503")
	rec := &recorder{}
	now := time.Unix(1700000000, 0)
	retries := retry.NewManager(
		retry.Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 2},
		retry.WithClock(func() time.Time { return now }),
	)
	targets := map[string][]string{"kraken": {"BTC/USDT"}, "okx": {"BTC/USDT"}}
	p := NewPoller(PollerConfig{Interval: time.Hour}, ff, retries, targets, rec.ticker, rec.state, nil)

	for range 6 {
		p.PollOnce(context.Background())
		now = now.Add(time.Minute) // always past any backoff
	}

	if n := ff.count("kraken:BTC/USDT"); n != 2 {
		t.Errorf("kraken fetches = %d, want 2 (stop after MaxAttempts)", n)
	}
	if n := ff.count("okx:BTC/USDT"); n != 6 {
		t.Errorf("okx fetches = %d, want 6", n)
	}
	st, _ := p.State("kraken")
	if !st.Exhausted || st.State != domain.StateReconnecting || st.RetryCount != 2 {
		t.Errorf("kraken state = %+v, want exhausted", st)
	}
	if st, _ := p.State("okx"); st.Exhausted {
		t.Errorf("okx marked exhausted: %+v", st)
	}
	rec.mu.Lock()
	reported := rec.status["kraken"].Exhausted
	rec.mu.Unlock()
	if !reported {
		t.Error("exhaustion not reported through onStatus")
	}

	ff.mu.Lock()
	delete(ff.fail, "kraken")
	ff.mu.Unlock()
	p.Reconnect()
	p.PollOnce(context.Background())
	if n := ff.count("kraken:BTC/USDT"); n != 3 {
		t.Errorf("kraken fetches after Reconnect = %d, want 3", n)
	}
	if st, _ := p.State("kraken"); st.Exhausted || st.State != domain.StateReceiving {
		t.Errorf("kraken state after Reconnect = %+v", st)
	}
}

func TestPoller_StartStop(t *testing.T) {
	ff := newFakeFetcher()
	rec := &recorder{}
	p := NewPoller(PollerConfig{Interval: 10 * time.Millisecond}, ff, retry.NewManager(retry.DefaultPolicy()),
		map[string][]string{"okx": {"BTC/USDT"}}, rec.ticker, rec.state, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for ff.count("okx:BTC/USDT") < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec.mu.Lock()
	n := len(rec.tickers)
	rec.mu.Unlock()
	if n < 3 {
		t.Errorf("tickers before stop = %d, want >= 3", n)
	}
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	after := len(rec.tickers)
	rec.mu.Unlock()
	if after != n {
		t.Errorf("ticker delivered after Stop: %d -> %d", n, after)
	}

	if st, _ := p.State("okx"); st.State != domain.StateClosed {
		t.Errorf("state after Stop = %v", st.State)
	}
	if err := p.Start(context.Background()); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("Start after Stop = %v, want ErrClosed", err)
	}
}
