package exchange

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// HTX (formerly Huobi) gzips every websocket frame and pings the client
// with {"ping":<ms>}, which must be echoed as {"pong":<ms>}.
type HTX struct {
	endpoints
}

func NewHTX(opts ...Option) *HTX {
	return &HTX{newEndpoints("wss://api.huobi.pro/ws", "https://api.huobi.pro", opts)}
}

func (h *HTX) Name() string { return "htx" }

type htxCommand struct {
	Sub string `json:"sub"`
	ID  string `json:"id"`
}

func (h *HTX) BuildSubscription(symbol string) ([]byte, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	id := strings.ToLower(p.Join(""))
	return json.Marshal(htxCommand{Sub: "market." + id + ".ticker", ID: id})
}

// maxInflated bounds a decompressed frame.
const maxInflated = 1 << 20

// Decode inflates binary frames. Text frames pass through.
func (h *HTX) Decode(messageType int, raw []byte) ([]byte, error) {
	if messageType != websocket.BinaryMessage {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("htx: gzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxInflated))
	if err != nil {
		return nil, fmt.Errorf("htx: inflate: %w", err)
	}
	return out, nil
}

type htxPing struct {
	Ping int64 `json:"ping"`
}

// Reply answers server heartbeats.
func (h *HTX) Reply(raw []byte) ([]byte, bool) {
	if !bytes.Contains(raw, []byte(`"ping"`)) {
		return nil, false
	}
	var p htxPing
	if err := json.Unmarshal(raw, &p); err != nil || p.Ping == 0 {
		return nil, false
	}
	return []byte(fmt.Sprintf(`{"pong":%d}`, p.Ping)), true
}

type htxTick struct {
	Open      json.Number `json:"open"`
	High      json.Number `json:"high"`
	Low       json.Number `json:"low"`
	Amount    json.Number `json:"amount"`
	Bid       json.Number `json:"bid"`
	Ask       json.Number `json:"ask"`
	LastPrice json.Number `json:"lastPrice"`
}

type htxMessage struct {
	Ch     string          `json:"ch"`
	Ts     int64           `json:"ts"`
	Tick   json.RawMessage `json:"tick"`
	Status string          `json:"status"`
	ErrMsg string          `json:"err-msg"`
}

func (h *HTX) ParseMessage(raw []byte) (domain.TickerSnapshot, error) {
	var m htxMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.TickerSnapshot{}, notRecognized(h.Name())
	}
	if m.Status == "error" {
		return domain.TickerSnapshot{}, rejected(h.Name(), m.ErrMsg)
	}
	venue, ok := strings.CutPrefix(m.Ch, "market.")
	if !ok || !strings.HasSuffix(venue, ".ticker") || len(m.Tick) == 0 {
		return domain.TickerSnapshot{}, notRecognized(h.Name())
	}
	venue = strings.TrimSuffix(venue, ".ticker")
	var t htxTick
	dec := json.NewDecoder(bytes.NewReader(m.Tick))
	dec.UseNumber()
	if err := dec.Decode(&t); err != nil {
		return domain.TickerSnapshot{}, notRecognized(h.Name())
	}
	sym, err := canonicalFromConcat(venue)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	// The ticker channel's close is the rolling 24h candle close; only
	// lastPrice is the latest trade.
	last, err := requirePrice("lastPrice", t.LastPrice.String())
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	var f fields
	snap := domain.TickerSnapshot{
		Symbol: sym,
		Last:   last,
		Bid:    f.num("bid", t.Bid),
		Ask:    f.num("ask", t.Ask),
		Volume: f.num("volume", t.Amount),
		High:   f.num("high", t.High),
		Low:    f.num("low", t.Low),
	}
	open := f.num("open", t.Open)
	if f.err != nil {
		return domain.TickerSnapshot{}, f.err
	}
	snap.Change, snap.ChangePercent = changeFromOpen(last, open)
	if m.Ts > 0 {
		snap.ExchangeTime = time.UnixMilli(m.Ts).UTC()
	}
	return finish(h.Name(), snap)
}

func (h *HTX) TickerURL(symbol string) (string, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return "", err
	}
	return h.rest + "/market/detail/merged?symbol=" + url.QueryEscape(strings.ToLower(p.Join(""))), nil
}

type htxMergedTick struct {
	Open   json.Number   `json:"open"`
	High   json.Number   `json:"high"`
	Low    json.Number   `json:"low"`
	Close  json.Number   `json:"close"`
	Amount json.Number   `json:"amount"`
	Bid    []json.Number `json:"bid"`
	Ask    []json.Number `json:"ask"`
}

type htxRESTResponse struct {
	Status string        `json:"status"`
	ErrMsg string        `json:"err-msg"`
	Ts     int64         `json:"ts"`
	Tick   htxMergedTick `json:"tick"`
}

func (h *HTX) ParseTicker(symbol string, body []byte) (domain.TickerSnapshot, error) {
	var r htxRESTResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return domain.TickerSnapshot{}, notRecognized(h.Name())
	}
	if r.Status != "ok" {
		return domain.TickerSnapshot{}, notRecognized(h.Name())
	}
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	last, err := requirePrice("last", r.Tick.Close.String())
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	var f fields
	snap := domain.TickerSnapshot{
		Symbol: sym,
		Last:   last,
		Bid:    f.num("bid", first(r.Tick.Bid)),
		Ask:    f.num("ask", first(r.Tick.Ask)),
		Volume: f.num("volume", r.Tick.Amount),
		High:   f.num("high", r.Tick.High),
		Low:    f.num("low", r.Tick.Low),
	}
	open := f.num("open", r.Tick.Open)
	if f.err != nil {
		return domain.TickerSnapshot{}, f.err
	}
	snap.Change, snap.ChangePercent = changeFromOpen(last, open)
	if r.Ts > 0 {
		snap.ExchangeTime = time.UnixMilli(r.Ts).UTC()
	}
	return finish(h.Name(), snap)
}

func first(ns []json.Number) json.Number {
	if len(ns) == 0 {
		return ""
	}
	return ns[0]
}
