package exchange

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Bitget speaks the v2 public "ticker" channel for SPOT instruments.
type Bitget struct {
	endpoints
}

func NewBitget(opts ...Option) *Bitget {
	return &Bitget{newEndpoints("wss://ws.bitget.com/v2/ws/public", "https://api.bitget.com", opts)}
}

func (b *Bitget) Name() string { return "bitget" }

type bitgetArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type bitgetCommand struct {
	Op   string      `json:"op"`
	Args []bitgetArg `json:"args"`
}

func (b *Bitget) BuildSubscription(symbol string) ([]byte, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bitgetCommand{
		Op:   "subscribe",
		Args: []bitgetArg{{InstType: "SPOT", Channel: "ticker", InstID: p.Join("")}},
	})
}

func (b *Bitget) PingMessage() []byte         { return []byte("ping") }
func (b *Bitget) PingInterval() time.Duration { return 30 * time.Second }

type bitgetTicker struct {
	InstID     string `json:"instId"`
	Symbol     string `json:"symbol"`
	LastPr     string `json:"lastPr"`
	BidPr      string `json:"bidPr"`
	AskPr      string `json:"askPr"`
	Open24h    string `json:"open24h"`
	High24h    string `json:"high24h"`
	Low24h     string `json:"low24h"`
	Change24h  string `json:"change24h"`
	BaseVolume string `json:"baseVolume"`
	Ts         string `json:"ts"`
}

type bitgetMessage struct {
	Event  string         `json:"event"`
	Code   json.Number    `json:"code"`
	Msg    string         `json:"msg"`
	Action string         `json:"action"`
	Arg    bitgetArg      `json:"arg"`
	Data   []bitgetTicker `json:"data"`
}

func (b *Bitget) ParseMessage(raw []byte) (domain.TickerSnapshot, error) {
	var m bitgetMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	if m.Event == "error" {
		return domain.TickerSnapshot{}, rejected(b.Name(), m.Code.String()+": "+m.Msg)
	}
	if m.Event != "" || m.Arg.Channel != "ticker" || len(m.Data) == 0 {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	t := m.Data[0]
	if t.InstID == "" {
		t.InstID = m.Arg.InstID
	}
	return b.toSnapshot(t.InstID, t)
}

func (b *Bitget) TickerURL(symbol string) (string, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return "", err
	}
	return b.rest + "/api/v2/spot/market/tickers?symbol=" + url.QueryEscape(p.Join("")), nil
}

type bitgetRESTResponse struct {
	Code string         `json:"code"`
	Msg  string         `json:"msg"`
	Data []bitgetTicker `json:"data"`
}

func (b *Bitget) ParseTicker(symbol string, body []byte) (domain.TickerSnapshot, error) {
	var r bitgetRESTResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	if r.Code != "00000" || len(r.Data) == 0 {
		return domain.TickerSnapshot{}, notRecognized(b.Name())
	}
	return b.toSnapshot(r.Data[0].Symbol, r.Data[0])
}

func (b *Bitget) toSnapshot(venueSymbol string, t bitgetTicker) (domain.TickerSnapshot, error) {
	sym, err := canonicalFromConcat(venueSymbol)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	last, err := requirePrice("last", t.LastPr)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	var f fields
	snap := domain.TickerSnapshot{
		Symbol:       sym,
		Last:         last,
		Bid:          f.opt("bid", t.BidPr),
		Ask:          f.opt("ask", t.AskPr),
		Volume:       f.opt("volume", t.BaseVolume),
		High:         f.opt("high", t.High24h),
		Low:          f.opt("low", t.Low24h),
		ExchangeTime: unixMillis(t.Ts),
	}
	open := f.opt("open", t.Open24h)
	frac := f.opt("change_percent", t.Change24h)
	if f.err != nil {
		return domain.TickerSnapshot{}, f.err
	}
	if open.IsPositive() {
		snap.Change = last.Sub(open)
	}
	// change24h is a fraction.
	snap.ChangePercent = frac.Mul(hundred)
	return finish(b.Name(), snap)
}
