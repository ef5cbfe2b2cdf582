package arbitrage

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// ExecutableSpread uses top of book instead of last price: buy at the
// lowest ask and sell at the highest bid on a different exchange. Quotes
// without a bid or ask are ignored.
type ExecutableSpread struct {
	params Params
}

func NewExecutableSpread(p Params) *ExecutableSpread {
	return &ExecutableSpread{params: p}
}

func (e *ExecutableSpread) Name() string { return "executable_spread" }

func (e *ExecutableSpread) Detect(ctx context.Context, m domain.Matrix) ([]domain.ArbitrageOpportunity, error) {
	var opps []domain.ArbitrageOpportunity
	for _, sym := range m.Symbols() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		quotes := m.Quotes(sym)
		if len(quotes) < 2 {
			continue
		}
		var (
			found     bool
			best      decimal.Decimal
			buy, sell domain.TickerSnapshot
		)
		for _, a := range quotes {
			if !a.Ask.IsPositive() {
				continue
			}
			for _, b := range quotes {
				if b.Exchange == a.Exchange || !b.Bid.IsPositive() {
					continue
				}
				s := spreadPercent(a.Ask, b.Bid)
				if !found || s.GreaterThan(best) {
					found, best, buy, sell = true, s, a, b
				}
			}
		}
		if !found || best.LessThan(e.params.MinSpreadPercent) {
			continue
		}
		opps = append(opps, newOpportunity(e.params, e.Name(), buy, sell, buy.Ask, sell.Bid, m))
	}
	SortOpportunities(opps)
	return opps, nil
}
