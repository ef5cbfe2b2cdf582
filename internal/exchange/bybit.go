package exchange

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Bybit speaks the v5 public spot stream (topic "tickers.BTCUSDT").
type Bybit struct {
	endpoints
}

func NewBybit(opts ...Option) *Bybit {
	return &Bybit{newEndpoints("wss://stream.bybit.com/v5/public/spot", "https://api.bybit.com", opts)}
}

func (b *Bybit) Name() string { return "bybit" }

type bybitCommand struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func (b *Bybit) BuildSubscription(symbol string) ([]byte, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bybitCommand{Op: "subscribe", Args: []string{"tickers." + p.Join("")}})
}

// Bybit drops idle connections after 20s without a ping.
func (b *Bybit) PingMessage() []byte         { return []byte(`{"op":"ping"}`) }
func (b *Bybit) PingInterval() time.Duration { return 20 * time.Second }

type bybitTicker struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Ask1Price    string `json:"ask1Price"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	PrevPrice24h string `json:"prevPrice24h"`
	Volume24h    string `json:"volume24h"`
	Price24hPcnt string `json:"price24hPcnt"`
}

type bybitMessage struct {
	Topic   string          `json:"topic"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

func (b *Bybit) ParseMessage(raw []byte) (domain.TickerSnapshot, error) {
	var m bybitMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	if m.Op == "subscribe" && m.Success != nil && !*m.Success {
		return domain.TickerSnapshot{}, rejected(b.Name(), m.RetMsg)
	}
	if !strings.HasPrefix(m.Topic, "tickers.") || len(m.Data) == 0 {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	var t bybitTicker
	if err := json.Unmarshal(m.Data, &t); err != nil {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	if t.Symbol == "" {
		t.Symbol = strings.TrimPrefix(m.Topic, "tickers.")
	}
	sym, err := canonicalFromConcat(t.Symbol)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	return b.toSnapshot(sym, t, m.Ts)
}

func (b *Bybit) TickerURL(symbol string) (string, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return "", err
	}
	q := url.Values{"category": {"spot"}, "symbol": {p.Join("")}}
	return b.rest + "/v5/market/tickers?" + q.Encode(), nil
}

type bybitRESTResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []bybitTicker `json:"list"`
	} `json:"result"`
	Time int64 `json:"time"`
}

func (b *Bybit) ParseTicker(symbol string, body []byte) (domain.TickerSnapshot, error) {
	var r bybitRESTResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	if r.RetCode != 0 || len(r.Result.List) == 0 {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	return b.toSnapshot(sym, r.Result.List[0], r.Time)
}

func (b *Bybit) toSnapshot(sym string, t bybitTicker, ts int64) (domain.TickerSnapshot, error) {
	last, err := requirePrice("last", t.LastPrice)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	var f fields
	snap := domain.TickerSnapshot{
		Symbol: sym,
		Last:   last,
		Bid:    f.opt("bid", t.Bid1Price),
		Ask:    f.opt("ask", t.Ask1Price),
		Volume: f.opt("volume", t.Volume24h),
		High:   f.opt("high", t.HighPrice24h),
		Low:    f.opt("low", t.LowPrice24h),
	}
	prev := f.opt("prev_price", t.PrevPrice24h)
	pcnt := f.opt("change_percent", t.Price24hPcnt)
	if f.err != nil {
		return domain.TickerSnapshot{}, f.err
	}
	if prev.IsPositive() {
		snap.Change = last.Sub(prev)
	}
	// price24hPcnt is a fraction.
	snap.ChangePercent = pcnt.Mul(hundred)
	if ts > 0 {
		snap.ExchangeTime = time.UnixMilli(ts).UTC()
	}
	return finish(b.Name(), snap)
}
