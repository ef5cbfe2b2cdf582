package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// TickerCache implements domain.TickerCache using Redis hashes. Each ticker
// is stored at "ticker:{exchange}:{symbol}" with one field per price plus
// "captured" and "exchange_ts" (Unix nanoseconds) and "source".
type TickerCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTickerCache creates a TickerCache. Keys expire after ttl unless
// refreshed; ttl <= 0 disables expiry.
func NewTickerCache(c *Client, ttl time.Duration) *TickerCache {
	return &TickerCache{rdb: c.Underlying(), ttl: ttl}
}

func tickerKey(exchange, symbol string) string {
	return "ticker:" + exchange + ":" + symbol
}

var decimalFields = []string{"last", "bid", "ask", "volume", "high", "low", "change", "change_pct"}

func tickerFields(t domain.TickerSnapshot) map[string]interface{} {
	vals := []decimal.Decimal{t.Last, t.Bid, t.Ask, t.Volume, t.High, t.Low, t.Change, t.ChangePercent}
	fields := make(map[string]interface{}, len(decimalFields)+3)
	for i, name := range decimalFields {
		fields[name] = vals[i].String()
	}
	fields["captured"] = strconv.FormatInt(t.CapturedAt.UnixNano(), 10)
	if !t.ExchangeTime.IsZero() {
		fields["exchange_ts"] = strconv.FormatInt(t.ExchangeTime.UnixNano(), 10)
	}
	fields["source"] = t.Source
	return fields
}

func parseTicker(exchange, symbol string, vals map[string]string) (domain.TickerSnapshot, error) {
	if len(vals) == 0 {
		return domain.TickerSnapshot{}, domain.ErrNotFound
	}
	t := domain.TickerSnapshot{Exchange: exchange, Symbol: symbol, Source: vals["source"]}
	dst := []*decimal.Decimal{&t.Last, &t.Bid, &t.Ask, &t.Volume, &t.High, &t.Low, &t.Change, &t.ChangePercent}
	for i, name := range decimalFields {
		s, ok := vals[name]
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return domain.TickerSnapshot{}, fmt.Errorf("parse %s: %w", name, err)
		}
		*dst[i] = d
	}
	ns, err := strconv.ParseInt(vals["captured"], 10, 64)
	if err != nil {
		return domain.TickerSnapshot{}, fmt.Errorf("parse captured: %w", err)
	}
	t.CapturedAt = time.Unix(0, ns)
	if s, ok := vals["exchange_ts"]; ok {
		ns, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return domain.TickerSnapshot{}, fmt.Errorf("parse exchange_ts: %w", err)
		}
		t.ExchangeTime = time.Unix(0, ns)
	}
	return t, nil
}

// SetTicker stores the latest snapshot for its (exchange, symbol).
func (tc *TickerCache) SetTicker(ctx context.Context, snap domain.TickerSnapshot) error {
	key := tickerKey(snap.Exchange, snap.Symbol)
	pipe := tc.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, tickerFields(snap))
	if tc.ttl > 0 {
		pipe.Expire(ctx, key, tc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set ticker %s: %w", snap.Key(), err)
	}
	return nil
}

// GetTicker returns domain.ErrNotFound when nothing is cached.
func (tc *TickerCache) GetTicker(ctx context.Context, exchange, symbol string) (domain.TickerSnapshot, error) {
	vals, err := tc.rdb.HGetAll(ctx, tickerKey(exchange, symbol)).Result()
	if err != nil {
		return domain.TickerSnapshot{}, fmt.Errorf("redis: get ticker %s:%s: %w", exchange, symbol, err)
	}
	t, err := parseTicker(exchange, symbol, vals)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.TickerSnapshot{}, fmt.Errorf("redis: get ticker %s:%s: %w", exchange, symbol, err)
	}
	return t, err
}

// GetTickers retrieves several tickers in one pipeline. Missing or
// unreadable keys are omitted from the result map.
func (tc *TickerCache) GetTickers(ctx context.Context, keys []domain.Key) (map[domain.Key]domain.TickerSnapshot, error) {
	if len(keys) == 0 {
		return map[domain.Key]domain.TickerSnapshot{}, nil
	}

	pipe := tc.rdb.Pipeline()
	cmds := make(map[domain.Key]*redis.MapStringStringCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.HGetAll(ctx, tickerKey(k.Exchange, k.Symbol))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get tickers pipeline: %w", err)
	}

	out := make(map[domain.Key]domain.TickerSnapshot, len(keys))
	for k, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		t, err := parseTicker(k.Exchange, k.Symbol, vals)
		if err != nil {
			continue
		}
		out[k] = t
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.TickerCache = (*TickerCache)(nil)
