package exchange

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Coinbase speaks the Exchange public feed "ticker" channel keyed by
// product id ("BTC-USD").
type Coinbase struct {
	endpoints
}

func NewCoinbase(opts ...Option) *Coinbase {
	return &Coinbase{newEndpoints("wss://ws-feed.exchange.coinbase.com", "https://api.exchange.coinbase.com", opts)}
}

func (c *Coinbase) Name() string { return "coinbase" }

type coinbaseCommand struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

func (c *Coinbase) BuildSubscription(symbol string) ([]byte, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return json.Marshal(coinbaseCommand{
		Type:       "subscribe",
		ProductIDs: []string{p.Join("-")},
		Channels:   []string{"ticker"},
	})
}

type coinbaseMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Open24h   string `json:"open_24h"`
	Volume24h string `json:"volume_24h"`
	Low24h    string `json:"low_24h"`
	High24h   string `json:"high_24h"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Time      string `json:"time"`
}

func (c *Coinbase) ParseMessage(raw []byte) (domain.TickerSnapshot, error) {
	var m coinbaseMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.TickerSnapshot{}, notRecognized(c.Name())
	}
	switch m.Type {
	case "error":
		msg := m.Message
		if m.Reason != "" {
			msg += ": " + m.Reason
		}
		return domain.TickerSnapshot{}, rejected(c.Name(), msg)
	case "ticker":
	default:
		return domain.TickerSnapshot{}, notRecognized(c.Name())
	}
	sym, err := canonicalFromSep(m.ProductID, "-")
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	last, err := requirePrice("last", m.Price)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	var f fields
	snap := domain.TickerSnapshot{
		Symbol:       sym,
		Last:         last,
		Bid:          f.opt("bid", m.BestBid),
		Ask:          f.opt("ask", m.BestAsk),
		Volume:       f.opt("volume", m.Volume24h),
		High:         f.opt("high", m.High24h),
		Low:          f.opt("low", m.Low24h),
		ExchangeTime: parseRFC3339(m.Time),
	}
	open := f.opt("open", m.Open24h)
	if f.err != nil {
		return domain.TickerSnapshot{}, f.err
	}
	snap.Change, snap.ChangePercent = changeFromOpen(last, open)
	return finish(c.Name(), snap)
}

func (c *Coinbase) TickerURL(symbol string) (string, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return "", err
	}
	return c.rest + "/products/" + url.PathEscape(p.Join("-")) + "/ticker", nil
}

type coinbaseRESTTicker struct {
	Ask    string `json:"ask"`
	Bid    string `json:"bid"`
	Volume string `json:"volume"`
	Price  string `json:"price"`
	Time   string `json:"time"`
	// Error responses carry only a message.
	Message string `json:"message"`
}

// ParseTicker handles the product ticker endpoint. The response carries no
// product id, so the requested symbol names the snapshot.
func (c *Coinbase) ParseTicker(symbol string, body []byte) (domain.TickerSnapshot, error) {
	var m coinbaseRESTTicker
	if err := json.Unmarshal(body, &m); err != nil || m.Price == "" {
		return domain.TickerSnapshot{}, notRecognized(c.Name())
	}
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	last, err := requirePrice("last", m.Price)
	if err != nil {
		return domain.TickerSnapshot{}, err
	}
	var f fields
	snap := domain.TickerSnapshot{
		Symbol:       sym,
		Last:         last,
		Bid:          f.opt("bid", m.Bid),
		Ask:          f.opt("ask", m.Ask),
		Volume:       f.opt("volume", m.Volume),
		ExchangeTime: parseRFC3339(m.Time),
	}
	if f.err != nil {
		return domain.TickerSnapshot{}, f.err
	}
	return finish(c.Name(), snap)
}

func parseRFC3339(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
