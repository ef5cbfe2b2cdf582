package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Risk is an advisory label on an opportunity.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ArbitrageOpportunity is a derived cross-exchange spread for one symbol.
// Opportunities are recomputed every detection cycle and replaced wholesale.
type ArbitrageOpportunity struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	BuyExchange   string          `json:"buy_exchange"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	SellExchange  string          `json:"sell_exchange"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	SpreadPercent decimal.Decimal `json:"spread_percent"`
	Notional      decimal.Decimal `json:"notional"`
	Profit        decimal.Decimal `json:"profit"`
	QuoteVolume   decimal.Decimal `json:"quote_volume"`
	Risk          Risk            `json:"risk"`
	Strategy      string          `json:"strategy"`
	DetectedAt    time.Time       `json:"detected_at"`
}
