package exchange

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Binance speaks the spot 24hr ticker stream ("btcusdt@ticker").
type Binance struct {
	endpoints
}

func NewBinance(opts ...Option) *Binance {
	return &Binance{newEndpoints("wss://stream.binance.com:9443/ws", "https://api.binance.com", opts)}
}

func (b *Binance) Name() string { return "binance" }

type binanceCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (b *Binance) BuildSubscription(symbol string) ([]byte, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return json.Marshal(binanceCommand{
		Method: "SUBSCRIBE",
		Params: []string{strings.ToLower(p.Join("")) + "@ticker"},
		ID:     1,
	})
}

// binanceTicker mirrors the 24hrTicker event. Every single-letter key is
// declared because encoding/json falls back to case-insensitive matching
// ("B" would otherwise land in "b").
type binanceTicker struct {
	Event       string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	Change      string `json:"p"`
	ChangePct   string `json:"P"`
	WeightedAvg string `json:"w"`
	PrevClose   string `json:"x"`
	Last        string `json:"c"`
	LastQty     string `json:"Q"`
	Bid         string `json:"b"`
	BidQty      string `json:"B"`
	Ask         string `json:"a"`
	AskQty      string `json:"A"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
	OpenTime    int64  `json:"O"`
	CloseTime   int64  `json:"C"`
	FirstID     int64  `json:"F"`
	LastID      int64  `json:"L"`
	Count       int64  `json:"n"`

	// Command responses.
	ID    *int          `json:"id"`
	Error *binanceError `json:"error"`
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (b *Binance) ParseMessage(raw []byte) (domain.TickerSnapshot, error) {
	var m binanceTicker
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	if m.Error != nil {
		return domain.TickerSnapshot{}, rejected(b.Name(), fmt.Sprintf("code %d: %s", m.Error.Code, m.Error.Msg))
	}
	if m.Event != "24hrTicker" {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	return b.toSnapshot(binanceFields{
		symbol: m.Symbol, last: m.Last, bid: m.Bid, ask: m.Ask,
		volume: m.Volume, high: m.High, low: m.Low,
		change: m.Change, changePct: m.ChangePct,
		ts: time.UnixMilli(m.EventTime).UTC(),
	})
}

func (b *Binance) TickerURL(symbol string) (string, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return "", err
	}
	return b.rest + "/api/v3/ticker/24hr?symbol=" + url.QueryEscape(p.Join("")), nil
}

type binanceRESTTicker struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	CloseTime          int64  `json:"closeTime"`
}

func (b *Binance) ParseTicker(symbol string, body []byte) (domain.TickerSnapshot, error) {
	var m binanceRESTTicker
	if err := json.Unmarshal(body, &m); err != nil {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	p, err := ParseSymbol(symbol)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	if !strings.EqualFold(m.Symbol, p.Join("")) {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	return b.toSnapshot(binanceFields{
		symbol: p.Join(""), last: m.LastPrice, bid: m.BidPrice, ask: m.AskPrice,
		volume: m.Volume, high: m.HighPrice, low: m.LowPrice,
		change: m.PriceChange, changePct: m.PriceChangePercent,
		ts: time.UnixMilli(m.CloseTime).UTC(),
	})
}

type binanceFields struct {
	symbol, last, bid, ask, volume, high, low, change, changePct string
	ts                                                           time.Time
}

func (b *Binance) toSnapshot(f binanceFields) (domain.TickerSnapshot, error) {
	sym, err := canonicalFromConcat(f.symbol)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	last, err := requirePrice("last", f.last)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	var p fields
	snap := domain.TickerSnapshot{
		Symbol:        sym,
		Last:          last,
		Bid:           p.opt("bid", f.bid),
		Ask:           p.opt("ask", f.ask),
		Volume:        p.opt("volume", f.volume),
		High:          p.opt("high", f.high),
		Low:           p.opt("low", f.low),
		Change:        p.opt("change", f.change),
		ChangePercent: p.opt("change_percent", f.changePct),
	}
	if p.err != nil {
		return domain.TickerSnapshot{}, p.err
	}
	if f.ts.UnixMilli() > 0 {
		snap.ExchangeTime = f.ts
	}
	return finish(b.Name(), snap)
}
