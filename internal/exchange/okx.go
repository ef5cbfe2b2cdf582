package exchange

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// OKX speaks the v5 public "tickers" channel keyed by instId ("BTC-USDT").
type OKX struct {
	endpoints
}

func NewOKX(opts ...Option) *OKX {
	return &OKX{newEndpoints("wss://ws.okx.com:8443/ws/v5/public", "https://www.okx.com", opts)}
}

func (o *OKX) Name() string { return "okx" }

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxCommand struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

func (o *OKX) BuildSubscription(symbol string) ([]byte, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return json.Marshal(okxCommand{Op: "subscribe", Args: []okxArg{{Channel: "tickers", InstID: p.Join("-")}}})
}

// OKX closes connections idle for 30s; it answers a bare "ping" with "pong".
func (o *OKX) PingMessage() []byte         { return []byte("ping") }
func (o *OKX) PingInterval() time.Duration { return 25 * time.Second }

type okxTicker struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	AskPx   string `json:"askPx"`
	BidPx   string `json:"bidPx"`
	Open24h string `json:"open24h"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
	Vol24h  string `json:"vol24h"`
	Ts      string `json:"ts"`
}

type okxMessage struct {
	Event string      `json:"event"`
	Code  string      `json:"code"`
	Msg   string      `json:"msg"`
	Arg   okxArg      `json:"arg"`
	Data  []okxTicker `json:"data"`
}

func (o *OKX) ParseMessage(raw []byte) (domain.TickerSnapshot, error) {
	var m okxMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.TickerSnapshot{}, notRecognized(o.Name())
	}
	if m.Event == "error" {
		return domain.TickerSnapshot{}, rejected(o.Name(), m.Code+": "+m.Msg)
	}
	if m.Event != "" || m.Arg.Channel != "tickers" || len(m.Data) == 0 {
		return domain.TickerSnapshot{}, notRecognized(o.Name())
	}
	return o.toSnapshot(m.Data[0])
}

func (o *OKX) TickerURL(symbol string) (string, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return "", err
	}
	return o.rest + "/api/v5/market/ticker?instId=" + url.QueryEscape(p.Join("-")), nil
}

type okxRESTResponse struct {
	Code string      `json:"code"`
	Msg  string      `json:"msg"`
	Data []okxTicker `json:"data"`
}

func (o *OKX) ParseTicker(symbol string, body []byte) (domain.TickerSnapshot, error) {
	var r okxRESTResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return domain.TickerSnapshot{}, notRecognized(o.Name())
	}
	if r.Code != "0" || len(r.Data) == 0 {
		return domain.TickerSnapshot{}, notRecognized(o.Name())
	}
	return o.toSnapshot(r.Data[0])
}

func (o *OKX) toSnapshot(t okxTicker) (domain.TickerSnapshot, error) {
	sym, err := canonicalFromSep(t.InstID, "-")
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	last, err := requirePrice("last", t.Last)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	var f fields
	snap := domain.TickerSnapshot{
		Symbol:       sym,
		Last:         last,
		Bid:          f.opt("bid", t.BidPx),
		Ask:          f.opt("ask", t.AskPx),
		Volume:       f.opt("volume", t.Vol24h),
		High:         f.opt("high", t.High24h),
		Low:          f.opt("low", t.Low24h),
		ExchangeTime: unixMillis(t.Ts),
	}
	open := f.opt("open", t.Open24h)
	if f.err != nil {
		return domain.TickerSnapshot{}, f.err
	}
	snap.Change, snap.ChangePercent = changeFromOpen(last, open)
	return finish(o.Name(), snap)
}
