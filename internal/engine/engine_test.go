package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
	"github.com/taffyke/crypto-spread-navigator/internal/exchange"
	"github.com/taffyke/crypto-spread-navigator/internal/fallback"
	"github.com/taffyke/crypto-spread-navigator/internal/retry"
)

// testVenue speaks a minimal JSON dialect: {"symbol":"BTC/USDT","last":"100"}.
type testVenue struct {
	name string
	ws   string
	rest string
}

func (v *testVenue) Name() string      { return v.name }
func (v *testVenue) StreamURL() string { return v.ws }

func (v *testVenue) BuildSubscription(symbol string) ([]byte, error) {
	return json.Marshal(map[string]string{"subscribe": symbol})
}

func (v *testVenue) ParseMessage(raw []byte) (domain.TickerSnapshot, error) {
	var m struct {
		Symbol string `json:"symbol"`
		Last   string `json:"last"`
	}
	if err := json.Unmarshal(raw, &m); err != nil || m.Symbol == "" {
		return domain.TickerSnapshot{}, domain.ErrNotRecognized
	}
	last, err := decimal.NewFromString(m.Last)
	if err != nil || !last.IsPositive() {
		return domain.TickerSnapshot{}, domain.ErrInvalidPrice
	}
	return domain.TickerSnapshot{Exchange: v.name, Symbol: m.Symbol, Last: last}, nil
}

func (v *testVenue) TickerURL(symbol string) (string, error) {
	return v.rest + "/" + v.name + "?symbol=" + url.QueryEscape(symbol), nil
}

func (v *testVenue) ParseTicker(symbol string, body []byte) (domain.TickerSnapshot, error) {
	return v.ParseMessage(body)
}

// streamOnly hides the REST methods of a venue.
type streamOnly struct{ exchange.Adapter }

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// tickerServer pushes one ticker per subscription and keeps the
// connection open.
func tickerServer(t *testing.T, last string) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var sub map[string]string
			if json.Unmarshal(msg, &sub) != nil {
				continue
			}
			out := fmt.Sprintf(`{"symbol":%q,"last":%q}`, sub["subscribe"], last)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(out)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Feed.ConnectTimeout = time.Second
	cfg.Retry = retry.Policy{BaseDelay: time.Hour, MaxDelay: time.Hour}
	cfg.CycleInterval = time.Hour
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func closeSub(t *testing.T, s *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSubscribe_StreamEndToEnd(t *testing.T) {
	reg := exchange.NewRegistry()
	reg.Register(&testVenue{name: "x", ws: wsURL(tickerServer(t, "100.0"))})
	reg.Register(&testVenue{name: "y", ws: wsURL(tickerServer(t, "102.5"))})

	e := New(testConfig(), reg, nil)
	sub, err := e.Subscribe(context.Background(), []string{"y", "x"}, []string{"btc/usdt"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer closeSub(t, sub)

	waitFor(t, "opportunity", func() bool { return len(sub.Opportunities()) == 1 })

	opp := sub.Opportunities()[0]
	if opp.Symbol != "BTC/USDT" || opp.BuyExchange != "x" || opp.SellExchange != "y" {
		t.Errorf("opportunity = %+v", opp)
	}
	if !opp.BuyPrice.Equal(decimal.RequireFromString("100")) || !opp.SellPrice.Equal(decimal.RequireFromString("102.5")) {
		t.Errorf("prices = %s / %s", opp.BuyPrice, opp.SellPrice)
	}
	if !opp.SpreadPercent.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("SpreadPercent = %s, want 2.5", opp.SpreadPercent)
	}

	m := sub.Snapshots()
	if m.Len() != 2 {
		t.Errorf("snapshot Len = %d, want 2", m.Len())
	}
	for ex, st := range sub.Status() {
		if st.State != domain.StateReceiving {
			t.Errorf("%s state = %v, want receiving", ex, st.State)
		}
	}
	if err := sub.LastError(); err != nil {
		t.Errorf("LastError = %v, want nil", err)
	}
	if got := sub.Exchanges(); len(got) != 2 || got[0] != "x" {
		t.Errorf("Exchanges = %v", got)
	}

	seen := map[domain.EventKind]bool{}
	for len(sub.Updates()) > 0 {
		seen[(<-sub.Updates()).Kind] = true
	}
	for _, k := range []domain.EventKind{domain.EventTicker, domain.EventStatus, domain.EventOpportunities} {
		if !seen[k] {
			t.Errorf("no %s event delivered", k)
		}
	}
}

func TestSubscribe_PollMode(t *testing.T) {
	prices := map[string]string{"x": "200", "y": "190"}
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		fmt.Fprintf(w, `{"symbol":%q,"last":%q}`, r.URL.Query().Get("symbol"), prices[name])
	}))
	defer rest.Close()

	reg := exchange.NewRegistry()
	reg.Register(&testVenue{name: "x", rest: rest.URL})
	reg.Register(&testVenue{name: "y", rest: rest.URL})

	cfg := testConfig()
	cfg.Mode = ModePoll
	cfg.Poller = fallback.PollerConfig{Interval: 10 * time.Millisecond, Concurrency: 2}
	e := New(cfg, reg, fallback.NewFetcher(reg, fallback.WithCacheTTL(0)))

	sub, err := e.Subscribe(context.Background(), []string{"x", "y"}, []string{"ETH/USDT"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "opportunity", func() bool { return len(sub.Opportunities()) == 1 })
	opp := sub.Opportunities()[0]
	if opp.BuyExchange != "y" || opp.SellExchange != "x" {
		t.Errorf("opportunity = %+v", opp)
	}
	tk, ok := sub.Snapshots().Get("x", "ETH/USDT")
	if !ok || tk.Source != domain.SourceREST {
		t.Errorf("snapshot = %+v, %v", tk, ok)
	}

	closeSub(t, sub)
	for ex, st := range sub.Status() {
		if st.State != domain.StateClosed {
			t.Errorf("%s state after Close = %v", ex, st.State)
		}
	}
}

func TestSubscription_Close(t *testing.T) {
	reg := exchange.NewRegistry()
	reg.Register(&testVenue{name: "x", ws: wsURL(tickerServer(t, "100"))})

	e := New(testConfig(), reg, nil)
	sub, err := e.Subscribe(context.Background(), []string{"x"}, []string{"BTC/USDT"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "ticker", func() bool { return sub.Snapshots().Len() == 1 })

	closeSub(t, sub)
	closeSub(t, sub)

	v := sub.Snapshots().Version
	time.Sleep(30 * time.Millisecond)
	if sub.Snapshots().Version != v {
		t.Error("aggregator written after Close")
	}
	for range sub.Updates() {
	}
	if st := sub.Status()["x"]; st.State != domain.StateClosed {
		t.Errorf("state = %v, want closed", st.State)
	}
	if err := sub.Reconnect(); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("Reconnect after Close = %v", err)
	}
	if _, err := sub.Evaluate(context.Background()); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("Evaluate after Close = %v", err)
	}
}

func TestSubscription_CloseWhileReconnecting(t *testing.T) {
	var dials, fetches atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		dials.Add(1)
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"BTC/USDT","last":"100"}`))
	}))
	defer flaky.Close()
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprintf(w, `{"symbol":%q,"last":"101"}`, r.URL.Query().Get("symbol"))
	}))
	defer rest.Close()

	reg := exchange.NewRegistry()
	reg.Register(&testVenue{name: "x", ws: wsURL(flaky), rest: rest.URL})

	cfg := testConfig()
	cfg.Retry = retry.Policy{BaseDelay: 80 * time.Millisecond, MaxDelay: 80 * time.Millisecond}
	e := New(cfg, reg, fallback.NewFetcher(reg, fallback.WithCacheTTL(0)))
	sub, err := e.Subscribe(context.Background(), []string{"x"}, []string{"BTC/USDT"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "reconnecting", func() bool {
		return sub.Status()["x"].State == domain.StateReconnecting && fetches.Load() >= 1
	})
	closeSub(t, sub)

	d, f, v := dials.Load(), fetches.Load(), sub.Snapshots().Version
	time.Sleep(300 * time.Millisecond)
	if n := dials.Load(); n != d {
		t.Errorf("dials %d -> %d after Close", d, n)
	}
	if n := fetches.Load(); n != f {
		t.Errorf("fetches %d -> %d after Close", f, n)
	}
	if sub.Snapshots().Version != v {
		t.Error("aggregator written after Close")
	}
	if st := sub.Status()["x"]; st.State != domain.StateClosed {
		t.Errorf("state = %v, want closed", st.State)
	}
}

func TestSubscription_LastError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := wsURL(dead)
	dead.Close()

	reg := exchange.NewRegistry()
	reg.Register(&testVenue{name: "down", ws: deadURL})
	reg.Register(&testVenue{name: "up", ws: wsURL(tickerServer(t, "100"))})

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	e := New(cfg, reg, nil)
	sub, err := e.Subscribe(context.Background(), []string{"down", "up"}, []string{"BTC/USDT"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer closeSub(t, sub)

	waitFor(t, "exhaustion", func() bool { return sub.Status()["down"].Exhausted })
	waitFor(t, "healthy venue", func() bool { return sub.Status()["up"].Healthy() })

	err = sub.LastError()
	var ce *domain.ConnectionError
	if !errors.As(err, &ce) || ce.Exchange != "down" {
		t.Fatalf("LastError = %v", err)
	}
	if !errors.Is(err, domain.ErrRetryExhausted) {
		t.Errorf("LastError %v does not wrap ErrRetryExhausted", err)
	}
	if err := sub.Reconnect(); err != nil {
		t.Errorf("Reconnect: %v", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	reg := exchange.NewRegistry()
	reg.Register(&testVenue{name: "x"})
	reg.Register(streamOnly{&testVenue{name: "wsonly"}})

	tests := []struct {
		name      string
		mode      Mode
		strategy  string
		exchanges []string
		symbols   []string
		wantIs    error
	}{
		{name: "no exchanges", symbols: []string{"BTC/USDT"}},
		{name: "no symbols", exchanges: []string{"x"}},
		{name: "unknown exchange", exchanges: []string{"nope"}, symbols: []string{"BTC/USDT"}, wantIs: domain.ErrUnknownExchange},
		{name: "bad symbol", exchanges: []string{"x"}, symbols: []string{"BTC"}, wantIs: domain.ErrUnsupportedSymbol},
		{name: "unknown strategy", strategy: "martingale", exchanges: []string{"x"}, symbols: []string{"BTC/USDT"}},
		{name: "follow without bus", mode: ModeFollow, exchanges: []string{"x"}, symbols: []string{"BTC/USDT"}},
		{name: "poll without rest", mode: ModePoll, exchanges: []string{"wsonly"}, symbols: []string{"BTC/USDT"}},
		{name: "unknown mode", mode: "carrier-pigeon", exchanges: []string{"x"}, symbols: []string{"BTC/USDT"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.mode != "" {
				cfg.Mode = tt.mode
			}
			if tt.strategy != "" {
				cfg.Strategies = []string{tt.strategy}
			}
			e := New(cfg, reg, nil)
			sub, err := e.Subscribe(context.Background(), tt.exchanges, tt.symbols)
			if err == nil {
				closeSub(t, sub)
				t.Fatal("expected error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("err = %v, want %v", err, tt.wantIs)
			}
		})
	}
}

func TestEmit_DropsOldest(t *testing.T) {
	s := newSubscription([]string{"x"}, []string{"BTC/USDT"}, 2, nil)
	for i := range 5 {
		s.emit(domain.Event{Kind: domain.EventStatus, At: time.Unix(int64(i), 0)})
	}
	if n := s.Dropped(); n != 3 {
		t.Errorf("Dropped = %d, want 3", n)
	}
	first := <-s.Updates()
	second := <-s.Updates()
	if first.At.Unix() != 3 || second.At.Unix() != 4 {
		t.Errorf("kept events at %d, %d; want the latest two", first.At.Unix(), second.At.Unix())
	}
}
