package redis

import (
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

func TestTickerKey(t *testing.T) {
	if got := tickerKey("okx", "BTC/USDT"); got != "ticker:okx:BTC/USDT" {
		t.Fatalf("tickerKey = %q", got)
	}
	if got := lockKey("notify:abc"); got != "lock:notify:abc" {
		t.Fatalf("lockKey = %q", got)
	}
}

func TestParseTicker_FromHashFields(t *testing.T) {
	captured := time.Unix(1700000000, 5)
	snap := domain.TickerSnapshot{
		Exchange:      "binance",
		Symbol:        "ETH/USDT",
		Last:          decimal.RequireFromString("2500.10"),
		Bid:           decimal.RequireFromString("2500.00"),
		Ask:           decimal.RequireFromString("2500.20"),
		Volume:        decimal.RequireFromString("12345.6"),
		ChangePercent: decimal.RequireFromString("-1.25"),
		CapturedAt:    captured,
		Source:        domain.SourceREST,
	}

	// HGETALL returns strings; mirror that.
	vals := make(map[string]string)
	for k, v := range tickerFields(snap) {
		vals[k] = v.(string)
	}
	if _, ok := vals["exchange_ts"]; ok {
		t.Fatal("zero exchange time should not be stored")
	}

	got, err := parseTicker("binance", "ETH/USDT", vals)
	if err != nil {
		t.Fatalf("parseTicker: %v", err)
	}
	if !got.Equal(snap) {
		t.Fatalf("got %+v\nwant %+v", got, snap)
	}
}

func TestParseTicker_Errors(t *testing.T) {
	if _, err := parseTicker("x", "BTC/USDT", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("empty hash: err = %v, want ErrNotFound", err)
	}
	_, err := parseTicker("x", "BTC/USDT", map[string]string{"last": "abc", "captured": "1"})
	if err == nil {
		t.Fatal("expected error for bad decimal")
	}
	_, err = parseTicker("x", "BTC/USDT", map[string]string{"last": "1"})
	if err == nil {
		t.Fatal("expected error for missing capture time")
	}
}

func TestToStreamMessages(t *testing.T) {
	msgs := []redis.XMessage{
		{ID: "2-0", Values: map[string]interface{}{"payload": "b"}},
		{ID: "1-1", Values: map[string]interface{}{"other": "x"}},
		{ID: "1-0", Values: map[string]interface{}{"payload": []byte("a")}},
	}
	got := toStreamMessages(msgs)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "2-0" || string(got[0].Payload) != "b" || string(got[1].Payload) != "a" {
		t.Fatalf("unexpected messages %+v", got)
	}
}
