// Package arbitrage ranks cross-exchange price gaps found in an aggregator
// snapshot. Strategies are pure functions of a domain.Matrix; the Detector
// decides when to run them and where results go.
package arbitrage

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Strategy finds opportunities in one consistent snapshot.
type Strategy interface {
	Name() string
	// Detect must be deterministic for a given matrix.
	Detect(ctx context.Context, m domain.Matrix) ([]domain.ArbitrageOpportunity, error)
}

// Params are shared by the built-in strategies.
type Params struct {
	// MinSpreadPercent is inclusive: a spread equal to it is reported.
	MinSpreadPercent decimal.Decimal
	// Notional is the quote amount used to estimate Profit.
	Notional decimal.Decimal
	Risk     RiskThresholds
}

// DefaultParams reports spreads of at least 1% on a 1000 quote notional.
func DefaultParams() Params {
	return Params{
		MinSpreadPercent: decimal.NewFromInt(1),
		Notional:         decimal.NewFromInt(1000),
		Risk:             DefaultRiskThresholds(),
	}
}

var hundred = decimal.NewFromInt(100)

// spreadPercent is (sell-buy)/buy*100. buy must be positive.
func spreadPercent(buy, sell decimal.Decimal) decimal.Decimal {
	return sell.Sub(buy).Div(buy).Mul(hundred)
}

// opportunityNamespace scopes deterministic opportunity IDs.
var opportunityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("spreadnav/opportunity"))

func opportunityID(strategy, symbol, buyEx, sellEx string, buy, sell decimal.Decimal) string {
	name := strings.Join([]string{strategy, symbol, buyEx, sellEx, buy.String(), sell.String()}, "|")
	return uuid.NewSHA1(opportunityNamespace, []byte(name)).String()
}

// newOpportunity fills the derived fields shared by every strategy.
func newOpportunity(p Params, strategy string, buy, sell domain.TickerSnapshot, buyPrice, sellPrice decimal.Decimal, m domain.Matrix) domain.ArbitrageOpportunity {
	spread := spreadPercent(buyPrice, sellPrice)
	vol := decimal.Min(buy.QuoteVolume(), sell.QuoteVolume())
	return domain.ArbitrageOpportunity{
		ID:            opportunityID(strategy, buy.Symbol, buy.Exchange, sell.Exchange, buyPrice, sellPrice),
		Symbol:        buy.Symbol,
		BuyExchange:   buy.Exchange,
		BuyPrice:      buyPrice,
		SellExchange:  sell.Exchange,
		SellPrice:     sellPrice,
		SpreadPercent: spread,
		Notional:      p.Notional,
		Profit:        p.Notional.Mul(spread).Div(hundred),
		QuoteVolume:   vol,
		Risk:          p.Risk.Classify(spread, vol),
		Strategy:      strategy,
		DetectedAt:    m.TakenAt,
	}
}
