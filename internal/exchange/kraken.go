package exchange

import (
	"bytes"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Kraken speaks the v2 websocket "ticker" channel. v2 symbols are already
// canonical ("BTC/USDT") and prices arrive as JSON numbers.
type Kraken struct {
	endpoints
}

func NewKraken(opts ...Option) *Kraken {
	return &Kraken{newEndpoints("wss://ws.kraken.com/v2", "https://api.kraken.com", opts)}
}

func (k *Kraken) Name() string { return "kraken" }

type krakenParams struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol"`
}

type krakenCommand struct {
	Method string       `json:"method"`
	Params krakenParams `json:"params"`
}

func (k *Kraken) BuildSubscription(symbol string) ([]byte, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return json.Marshal(krakenCommand{
		Method: "subscribe",
		Params: krakenParams{Channel: "ticker", Symbol: []string{p.String()}},
	})
}

type krakenTicker struct {
	Symbol    string      `json:"symbol"`
	Bid       json.Number `json:"bid"`
	Ask       json.Number `json:"ask"`
	Last      json.Number `json:"last"`
	Volume    json.Number `json:"volume"`
	Low       json.Number `json:"low"`
	High      json.Number `json:"high"`
	Change    json.Number `json:"change"`
	ChangePct json.Number `json:"change_pct"`
}

type krakenMessage struct {
	Channel string         `json:"channel"`
	Type    string         `json:"type"`
	Data    []krakenTicker `json:"data"`
	Method  string         `json:"method"`
	Success *bool          `json:"success"`
	Error   string         `json:"error"`
}

func (k *Kraken) ParseMessage(raw []byte) (domain.TickerSnapshot, error) {
	var m krakenMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return domain.TickerSnapshot{}, notRecognized(k.Name())
	}
	if m.Success != nil && !*m.Success {
		return domain.TickerSnapshot{}, rejected(k.Name(), m.Error)
	}
	// Heartbeats and status frames fall through here.
	if m.Channel != "ticker" || len(m.Data) == 0 {
		return domain.TickerSnapshot{}, notRecognized(k.Name())
	}
	t := m.Data[0]
	sym, err := canonicalFromSep(t.Symbol, "/")
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	last, err := requirePrice("last", t.Last.String())
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	var f fields
	snap := domain.TickerSnapshot{
		Symbol:        sym,
		Last:          last,
		Bid:           f.num("bid", t.Bid),
		Ask:           f.num("ask", t.Ask),
		Volume:        f.num("volume", t.Volume),
		High:          f.num("high", t.High),
		Low:           f.num("low", t.Low),
		Change:        f.num("change", t.Change),
		ChangePercent: f.num("change_percent", t.ChangePct),
	}
	if f.err != nil {
		return domain.TickerSnapshot{}, f.err
	}
	return finish(k.Name(), snap)
}

// krakenRESTAsset maps canonical asset codes to the legacy REST names.
var krakenRESTAsset = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

func (k *Kraken) TickerURL(symbol string) (string, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return "", err
	}
	base := p.Base
	if alias, ok := krakenRESTAsset[base]; ok {
		base = alias
	}
	return k.rest + "/0/public/Ticker?pair=" + url.QueryEscape(base+p.Quote), nil
}

// krakenRESTTicker holds the array-encoded REST fields: a/b are
// [price, whole lot volume, lot volume], c is [price, lot volume] and
// v/l/h are [today, last 24h].
type krakenRESTTicker struct {
	A []string `json:"a"`
	B []string `json:"b"`
	C []string `json:"c"`
	V []string `json:"v"`
	L []string `json:"l"`
	H []string `json:"h"`
	O string   `json:"o"`
}

type krakenRESTResponse struct {
	Error  []string                    `json:"error"`
	Result map[string]krakenRESTTicker `json:"result"`
}

func (k *Kraken) ParseTicker(symbol string, body []byte) (domain.TickerSnapshot, error) {
	var r krakenRESTResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return domain.TickerSnapshot{}, notRecognized(k.Name())
	}
	if len(r.Error) > 0 {
		return domain.TickerSnapshot{}, rejected(k.Name(), strings.Join(r.Error, "; "))
	}
	if len(r.Result) == 0 {
		return domain.TickerSnapshot{}, notRecognized(k.Name())
	}
	// Result is keyed by Kraken's internal pair name, which differs from the
	// requested one ("XXBTZUSD" for XBTUSD).
	keys := make([]string, 0, len(r.Result))
	for key := range r.Result {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	t := r.Result[keys[0]]

	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	last, err := requirePrice("last", at(t.C, 0))
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	var f fields
	snap := domain.TickerSnapshot{
		Symbol: sym,
		Last:   last,
		Bid:    f.opt("bid", at(t.B, 0)),
		Ask:    f.opt("ask", at(t.A, 0)),
		Volume: f.opt("volume", at(t.V, 1)),
		High:   f.opt("high", at(t.H, 1)),
		Low:    f.opt("low", at(t.L, 1)),
	}
	open := f.opt("open", t.O)
	if f.err != nil {
		return domain.TickerSnapshot{}, f.err
	}
	snap.Change, snap.ChangePercent = changeFromOpen(last, open)
	return finish(k.Name(), snap)
}

func at(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}
