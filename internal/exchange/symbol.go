package exchange

import (
	"fmt"
	"strings"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Pair is a parsed trading pair.
type Pair struct {
	Base  string
	Quote string
}

// String returns the canonical BASE/QUOTE form.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Join renders the pair with a venue-specific separator.
func (p Pair) Join(sep string) string {
	return p.Base + sep + p.Quote
}

// ParseSymbol accepts "BTC/USDT", "btc-usdt", "BTC_USDT" or "BTCUSDT" and
// returns the pair in upper case.
func ParseSymbol(symbol string) (Pair, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexAny(s, "/-_"); i >= 0 {
		base, quote := s[:i], s[i+1:]
		if base == "" || quote == "" || strings.ContainsAny(quote, "/-_") {
			return Pair{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedSymbol, symbol)
		}
		return Pair{Base: base, Quote: quote}, nil
	}
	if p, ok := SplitConcat(s); ok {
		return p, nil
	}
	return Pair{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedSymbol, symbol)
}

// NormalizeSymbol returns the canonical BASE/QUOTE form of symbol.
func NormalizeSymbol(symbol string) (string, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// knownQuotes is ordered longest first so "FDUSD" wins over "USD".
var knownQuotes = []string{
	"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "USDE",
	"USD", "EUR", "GBP", "TRY", "BRL", "JPY", "KRW",
	"BTC", "ETH", "BNB", "DAI",
}

// SplitConcat splits a separator-less venue symbol such as "BTCUSDT" using
// the known quote currencies.
func SplitConcat(s string) (Pair, bool) {
	s = strings.ToUpper(s)
	for _, q := range knownQuotes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return Pair{Base: strings.TrimSuffix(s, q), Quote: q}, true
		}
	}
	return Pair{}, false
}

// canonicalFromConcat is the common inverse mapping for venues that use
// concatenated symbols.
func canonicalFromConcat(s string) (string, error) {
	p, ok := SplitConcat(s)
	if !ok {
		return "", fmt.Errorf("%w: symbol %q", domain.ErrNotRecognized, s)
	}
	return p.String(), nil
}

// canonicalFromSep maps "BTC-USDT" / "BTC_USDT" back to BTC/USDT.
func canonicalFromSep(s, sep string) (string, error) {
	base, quote, ok := strings.Cut(strings.ToUpper(s), sep)
	if !ok || base == "" || quote == "" {
		return "", fmt.Errorf("%w: symbol %q", domain.ErrNotRecognized, s)
	}
	return base + "/" + quote, nil
}
