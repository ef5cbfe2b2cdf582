package arbitrage

import (
	"context"
	"slices"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// CrossSpread compares last traded prices: buy where the last price is
// lowest, sell where it is highest.
type CrossSpread struct {
	params Params
}

func NewCrossSpread(p Params) *CrossSpread {
	return &CrossSpread{params: p}
}

func (c *CrossSpread) Name() string { return "cross_spread" }

func (c *CrossSpread) Detect(ctx context.Context, m domain.Matrix) ([]domain.ArbitrageOpportunity, error) {
	var opps []domain.ArbitrageOpportunity
	for _, sym := range m.Symbols() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		quotes := m.Quotes(sym)
		if len(quotes) < 2 {
			continue
		}
		// Quotes arrive ordered by exchange, so equal prices keep that order.
		slices.SortStableFunc(quotes, func(a, b domain.TickerSnapshot) int {
			return a.Last.Cmp(b.Last)
		})
		buy, sell := quotes[0], quotes[len(quotes)-1]
		if !buy.Last.IsPositive() {
			continue
		}
		if spreadPercent(buy.Last, sell.Last).LessThan(c.params.MinSpreadPercent) {
			continue
		}
		opps = append(opps, newOpportunity(c.params, c.Name(), buy, sell, buy.Last, sell.Last, m))
	}
	SortOpportunities(opps)
	return opps, nil
}
