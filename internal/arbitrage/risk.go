package arbitrage

import (
	"github.com/shopspring/decimal"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// RiskThresholds label opportunities. Very wide spreads usually mean a
// stale or broken quote, and thin books mean the gap cannot be filled.
type RiskThresholds struct {
	// ElevatedSpread and SuspectSpread are percent.
	ElevatedSpread decimal.Decimal
	SuspectSpread  decimal.Decimal
	// MediumVolume and LowVolume are 24h quote volume on the thinner side.
	MediumVolume decimal.Decimal
	LowVolume    decimal.Decimal
}

func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{
		ElevatedSpread: decimal.NewFromInt(2),
		SuspectSpread:  decimal.NewFromInt(5),
		MediumVolume:   decimal.NewFromInt(1_000_000),
		LowVolume:      decimal.NewFromInt(100_000),
	}
}

// Classify returns the advisory risk of a spread given the thinner side's
// quote volume.
func (r RiskThresholds) Classify(spread, quoteVolume decimal.Decimal) domain.Risk {
	switch {
	case spread.GreaterThanOrEqual(r.SuspectSpread), quoteVolume.LessThan(r.LowVolume):
		return domain.RiskHigh
	case spread.GreaterThanOrEqual(r.ElevatedSpread), quoteVolume.LessThan(r.MediumVolume):
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}
