package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot sources.
const (
	SourceStream = "stream"
	SourceREST   = "rest"
)

// Key identifies one cell of the exchange x symbol table.
type Key struct {
	Exchange string
	Symbol   string
}

func (k Key) String() string {
	return k.Exchange + ":" + k.Symbol
}

// TickerSnapshot is one exchange's normalized view of a trading pair at a
// point in time. It is treated as an immutable value: a newer snapshot for
// the same Key replaces the older one wholesale.
type TickerSnapshot struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"` // canonical BASE/QUOTE
	Last          decimal.Decimal `json:"last"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Volume        decimal.Decimal `json:"volume"` // 24h base volume
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	ExchangeTime  time.Time       `json:"exchange_time,omitzero"`
	CapturedAt    time.Time       `json:"captured_at"`
	Source        string          `json:"source"`
}

// Key returns the aggregation key of the snapshot.
func (t TickerSnapshot) Key() Key {
	return Key{Exchange: t.Exchange, Symbol: t.Symbol}
}

// QuoteVolume approximates 24h volume in quote currency.
func (t TickerSnapshot) QuoteVolume() decimal.Decimal {
	return t.Volume.Mul(t.Last)
}

// Validate rejects snapshots that must never reach the aggregator: a
// missing identity, a non-positive last price or any negative price/volume
// field. Change fields may legitimately be negative.
func (t TickerSnapshot) Validate() error {
	if t.Exchange == "" || t.Symbol == "" {
		return fmt.Errorf("%w: missing exchange or symbol", ErrNotRecognized)
	}
	if !t.Last.IsPositive() {
		return fmt.Errorf("%w: last price %s", ErrInvalidPrice, t.Last)
	}
	for name, v := range map[string]decimal.Decimal{
		"bid":    t.Bid,
		"ask":    t.Ask,
		"high":   t.High,
		"low":    t.Low,
		"volume": t.Volume,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: negative %s %s", ErrInvalidPrice, name, v)
		}
	}
	return nil
}

// Equal reports whether two snapshots carry identical data.
func (t TickerSnapshot) Equal(o TickerSnapshot) bool {
	return t.SameQuote(o) &&
		t.ExchangeTime.Equal(o.ExchangeTime) &&
		t.CapturedAt.Equal(o.CapturedAt)
}

// SameQuote reports whether two snapshots carry the same market data for the
// same key and source. Timestamps are ignored: a venue re-publishing an
// unchanged ticker is not a new quote.
func (t TickerSnapshot) SameQuote(o TickerSnapshot) bool {
	return t.Exchange == o.Exchange &&
		t.Symbol == o.Symbol &&
		t.Last.Equal(o.Last) &&
		t.Bid.Equal(o.Bid) &&
		t.Ask.Equal(o.Ask) &&
		t.Volume.Equal(o.Volume) &&
		t.High.Equal(o.High) &&
		t.Low.Equal(o.Low) &&
		t.Change.Equal(o.Change) &&
		t.ChangePercent.Equal(o.ChangePercent) &&
		t.Source == o.Source
}
