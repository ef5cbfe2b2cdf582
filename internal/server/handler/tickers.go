package handler

import (
	"net/http"
	"strings"

	"github.com/taffyke/crypto-spread-navigator/internal/exchange"
)

// TickerHandler serves the live ticker table.
type TickerHandler struct {
	session Session
}

// NewTickerHandler creates a TickerHandler.
func NewTickerHandler(session Session) *TickerHandler {
	return &TickerHandler{session: session}
}

// ListTickers returns the ticker matrix, optionally narrowed by
// ?symbol=BTC/USDT,ETH/USDT.
// GET /api/tickers
func (h *TickerHandler) ListTickers(w http.ResponseWriter, r *http.Request) {
	m := h.session.Snapshots()
	if v := r.URL.Query().Get("symbol"); v != "" {
		var symbols []string
		for _, s := range strings.Split(v, ",") {
			c, err := exchange.NormalizeSymbol(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			symbols = append(symbols, c)
		}
		m = m.Filter(symbols...)
	}
	writeJSON(w, http.StatusOK, m)
}

// GetTicker returns one exchange's snapshot. The symbol uses a dash or no
// separator in the path, e.g. /api/tickers/binance/BTC-USDT.
// GET /api/tickers/{exchange}/{symbol}
func (h *TickerHandler) GetTicker(w http.ResponseWriter, r *http.Request) {
	sym, err := exchange.NormalizeSymbol(r.PathValue("symbol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, ok := h.session.Snapshots().Get(strings.ToLower(r.PathValue("exchange")), sym)
	if !ok {
		writeError(w, http.StatusNotFound, "ticker not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
