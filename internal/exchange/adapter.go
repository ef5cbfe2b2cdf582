// Package exchange holds one protocol adapter per venue. An adapter turns a
// canonical symbol into the venue's subscribe payload and turns inbound
// frames back into domain.TickerSnapshot values. Adapters never share
// parsing code paths with each other beyond the numeric helpers below, and
// the connection supervisor only sees the Adapter interface.
package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Adapter translates one venue's streaming wire format.
type Adapter interface {
	Name() string
	StreamURL() string
	// BuildSubscription returns the payload that subscribes to the ticker
	// channel of one canonical symbol.
	BuildSubscription(symbol string) ([]byte, error)
	// ParseMessage returns a fully populated snapshot, or an error wrapping
	// domain.ErrNotRecognized, domain.ErrInvalidPrice or
	// domain.ErrSubscriptionRejected. It must not panic on any input.
	ParseMessage(raw []byte) (domain.TickerSnapshot, error)
}

// RESTAdapter is implemented by venues with a REST ticker endpoint usable
// as a fallback source.
type RESTAdapter interface {
	TickerURL(symbol string) (string, error)
	ParseTicker(symbol string, body []byte) (domain.TickerSnapshot, error)
}

// Keepalive is implemented by venues that expect an application-level ping
// instead of (or in addition to) websocket ping frames.
type Keepalive interface {
	PingMessage() []byte
	PingInterval() time.Duration
}

// ControlReplier answers server-initiated control frames such as
// {"ping":123}. handled reports whether raw was a control frame.
type ControlReplier interface {
	Reply(raw []byte) (reply []byte, handled bool)
}

// FrameDecoder turns binary frames into JSON text before parsing.
type FrameDecoder interface {
	Decode(messageType int, raw []byte) ([]byte, error)
}

// endpoints is embedded by every adapter so tests and config can point a
// venue at a different host.
type endpoints struct {
	ws   string
	rest string
}

func (e endpoints) StreamURL() string { return e.ws }

// Option overrides an adapter's default endpoints.
type Option func(*endpoints)

// WithStreamURL overrides the websocket endpoint.
func WithStreamURL(u string) Option {
	return func(e *endpoints) {
		if u != "" {
			e.ws = u
		}
	}
}

// WithRESTURL overrides the REST base URL.
func WithRESTURL(u string) Option {
	return func(e *endpoints) {
		if u != "" {
			e.rest = strings.TrimRight(u, "/")
		}
	}
}

func newEndpoints(ws, rest string, opts []Option) endpoints {
	e := endpoints{ws: ws, rest: rest}
	for _, o := range opts {
		o(&e)
	}
	return e
}

// requirePrice parses a mandatory positive price.
func requirePrice(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: missing %s", domain.ErrNotRecognized, field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s %q", domain.ErrInvalidPrice, field, s)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s %s", domain.ErrInvalidPrice, field, d)
	}
	return d, nil
}

// optionalDecimal parses a field that may be absent. Present but malformed
// values are still an error.
func optionalDecimal(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s %q", domain.ErrInvalidPrice, field, s)
	}
	return d, nil
}

// fields parses several optional decimals at once and stops at the first
// error.
type fields struct {
	err error
}

func (f *fields) opt(name, s string) decimal.Decimal {
	if f.err != nil {
		return decimal.Zero
	}
	d, err := optionalDecimal(name, s)
	if err != nil {
		f.err = err
	}
	return d
}

func (f *fields) num(name string, n json.Number) decimal.Decimal {
	return f.opt(name, n.String())
}

// changeFromOpen derives absolute and percent change from an opening price.
func changeFromOpen(last, open decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if !open.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	change := last.Sub(open)
	return change, change.Div(open).Mul(hundred)
}

// changeFromPercent derives the absolute change from a percent change.
func changeFromPercent(last, pct decimal.Decimal) decimal.Decimal {
	base := hundred.Add(pct)
	if !base.IsPositive() {
		return decimal.Zero
	}
	open := last.Mul(hundred).Div(base)
	return last.Sub(open)
}

var hundred = decimal.NewFromInt(100)

// unixMillis parses a millisecond timestamp given as a string or number.
func unixMillis(s string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// finish validates a parsed snapshot and stamps it with the venue name.
func finish(name string, snap domain.TickerSnapshot) (domain.TickerSnapshot, error) {
	snap.Exchange = name
	if err := snap.Validate(); err != nil {
		return domain.TickerSnapshot{}, err
	}
	return snap, nil
}

func rejected(name, msg string) error {
	return fmt.Errorf("%s: %w: %s", name, domain.ErrSubscriptionRejected, msg)
}

func notRecognized(name string) error {
	return fmt.Errorf("%s: %w", name, domain.ErrNotRecognized)
}
