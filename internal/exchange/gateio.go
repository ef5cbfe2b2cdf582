package exchange

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// GateIO speaks the v4 "spot.tickers" channel keyed by currency pair
// ("BTC_USDT"). Requests carry the client's unix time, so the adapter holds
// a clock.
type GateIO struct {
	endpoints
	now func() time.Time
}

func NewGateIO(opts ...Option) *GateIO {
	return &GateIO{
		endpoints: newEndpoints("wss://api.gateio.ws/ws/v4/", "https://api.gateio.ws", opts),
		now:       time.Now,
	}
}

func (g *GateIO) Name() string { return "gateio" }

type gateCommand struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event,omitempty"`
	Payload []string `json:"payload,omitempty"`
}

func (g *GateIO) BuildSubscription(symbol string) ([]byte, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return json.Marshal(gateCommand{
		Time:    g.now().Unix(),
		Channel: "spot.tickers",
		Event:   "subscribe",
		Payload: []string{p.Join("_")},
	})
}

func (g *GateIO) PingMessage() []byte {
	b, _ := json.Marshal(gateCommand{Time: g.now().Unix(), Channel: "spot.ping"})
	return b
}

func (g *GateIO) PingInterval() time.Duration { return 15 * time.Second }

type gateTicker struct {
	CurrencyPair     string `json:"currency_pair"`
	Last             string `json:"last"`
	LowestAsk        string `json:"lowest_ask"`
	HighestBid       string `json:"highest_bid"`
	ChangePercentage string `json:"change_percentage"`
	BaseVolume       string `json:"base_volume"`
	High24h          string `json:"high_24h"`
	Low24h           string `json:"low_24h"`
}

type gateError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type gateMessage struct {
	TimeMs  int64           `json:"time_ms"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *gateError      `json:"error"`
	Result  json.RawMessage `json:"result"`
}

func (g *GateIO) ParseMessage(raw []byte) (domain.TickerSnapshot, error) {
	var m gateMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.TickerSnapshot{}, notRecognized(g.Name())
	}
	if m.Error != nil {
		return domain.TickerSnapshot{}, rejected(g.Name(), fmt.Sprintf("code %d: %s", m.Error.Code, m.Error.Message))
	}
	if m.Channel != "spot.tickers" || m.Event != "update" || len(m.Result) == 0 {
		return domain.TickerSnapshot{}, notRecognized(g.Name())
	}
	var t gateTicker
	if err := json.Unmarshal(m.Result, &t); err != nil {
		return domain.TickerSnapshot{}, notRecognized(g.Name())
	}
	snap, err := g.toSnapshot(t)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	if m.TimeMs > 0 {
		snap.ExchangeTime = time.UnixMilli(m.TimeMs).UTC()
	}
	return snap, nil
}

func (g *GateIO) TickerURL(symbol string) (string, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return "", err
	}
	return g.rest + "/api/v4/spot/tickers?currency_pair=" + url.QueryEscape(p.Join("_")), nil
}

// ParseTicker handles the REST response, a JSON array of tickers.
func (g *GateIO) ParseTicker(symbol string, body []byte) (domain.TickerSnapshot, error) {
	var list []gateTicker
	if err := json.Unmarshal(body, &list); err != nil || len(list) == 0 {
		return domain.TickerSnapshot{}, notRecognized(g.Name())
	}
	return g.toSnapshot(list[0])
}

func (g *GateIO) toSnapshot(t gateTicker) (domain.TickerSnapshot, error) {
	sym, err := canonicalFromSep(t.CurrencyPair, "_")
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	last, err := requirePrice("last", t.Last)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	var f fields
	snap := domain.TickerSnapshot{
		Symbol:        sym,
		Last:          last,
		Bid:           f.opt("bid", t.HighestBid),
		Ask:           f.opt("ask", t.LowestAsk),
		Volume:        f.opt("volume", t.BaseVolume),
		High:          f.opt("high", t.High24h),
		Low:           f.opt("low", t.Low24h),
		ChangePercent: f.opt("change_percent", t.ChangePercentage),
	}
	if f.err != nil {
		return domain.TickerSnapshot{}, f.err
	}
	snap.Change = changeFromPercent(last, snap.ChangePercent)
	return finish(g.Name(), snap)
}
