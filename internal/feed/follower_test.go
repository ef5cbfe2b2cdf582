package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// memBus is an in-process domain.SignalBus. Patterns are matched by the
// "ch:ticker:" prefix only.
type memBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
	fail error
}

func newMemBus() *memBus { return &memBus{subs: map[string][]chan []byte{}} }

func (b *memBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if b.fail != nil {
		return nil, b.fail
	}
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return ch, nil
}

func (b *memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	key := channel
	if len(channel) > len("ch:ticker:") && channel[:len("ch:ticker:")] == "ch:ticker:" {
		key = TickerPattern
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[key] {
		ch <- payload
	}
	return nil
}

func (b *memBus) StreamAppend(ctx context.Context, stream string, payload []byte) error { return nil }
func (b *memBus) StreamRevRange(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func publish(t *testing.T, b *memBus, ev domain.Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b.Publish(context.Background(), ev.Channel(), data)
}

func tickerEvent(ex, sym string, last int64) domain.Event {
	return domain.Event{
		Kind: domain.EventTicker,
		Ticker: &domain.TickerSnapshot{
			Exchange:   ex,
			Symbol:     sym,
			Last:       decimal.NewFromInt(last),
			CapturedAt: time.Now(),
			Source:     domain.SourceStream,
		},
		At: time.Now(),
	}
}

func TestFollower(t *testing.T) {
	bus := newMemBus()
	rec := &recorder{}
	f := NewFollower(bus, []string{"binance", "okx"}, []string{"BTC/USDT"}, rec.ticker, rec.status, nil)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	publish(t, bus, tickerEvent("binance", "BTC/USDT", 100))
	publish(t, bus, tickerEvent("kraken", "BTC/USDT", 101)) // exchange filtered
	publish(t, bus, tickerEvent("okx", "ETH/USDT", 2000))   // symbol filtered
	publish(t, bus, tickerEvent("okx", "BTC/USDT", 0))      // invalid
	publish(t, bus, tickerEvent("okx", "BTC/USDT", 102))
	bus.Publish(context.Background(), "ch:ticker:BTC/USDT", []byte("not json"))
	publish(t, bus, domain.Event{
		Kind:   domain.EventStatus,
		Status: &domain.ConnectionState{Exchange: "okx", State: domain.StateReceiving},
	})
	publish(t, bus, domain.Event{
		Kind:   domain.EventStatus,
		Status: &domain.ConnectionState{Exchange: "kraken", State: domain.StateReconnecting},
	})

	waitFor(t, "followed events", func() bool {
		tk, st := rec.snapshot()
		return len(tk) == 2 && len(st) == 1
	})
	tickers, states := rec.snapshot()
	if tickers[0].Exchange != "binance" || tickers[1].Exchange != "okx" {
		t.Errorf("tickers = %+v", tickers)
	}
	if !tickers[1].Last.Equal(decimal.NewFromInt(102)) {
		t.Errorf("okx last = %s", tickers[1].Last)
	}
	if states[0].Exchange != "okx" || states[0].State != domain.StateReceiving {
		t.Errorf("status = %+v", states[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.Start(context.Background()); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("Start after Stop = %v, want ErrClosed", err)
	}
}

func TestFollower_SubscribeError(t *testing.T) {
	bus := newMemBus()
	bus.fail = errors.New("connection refused")
	f := NewFollower(bus, nil, nil, nil, nil, nil)
	if err := f.Start(context.Background()); err == nil {
		t.Fatal("expected subscribe error")
	}
}
