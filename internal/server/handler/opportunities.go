package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
	"github.com/taffyke/crypto-spread-navigator/internal/exchange"
)

// HistoryReader reads the newest entries of a capped stream.
type HistoryReader interface {
	StreamRevRange(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error)
}

// OpportunityHandler serves live and historical arbitrage opportunities.
type OpportunityHandler struct {
	session Session
	history HistoryReader // optional; nil disables /history
	logger  *slog.Logger
}

// NewOpportunityHandler creates an OpportunityHandler. history may be nil.
func NewOpportunityHandler(session Session, history HistoryReader, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{session: session, history: history, logger: logger}
}

type listOpportunitiesResponse struct {
	Opportunities []domain.ArbitrageOpportunity `json:"opportunities"`
}

// ListOpportunities returns the latest cycle's ranked output, optionally
// filtered by ?symbol=.
// GET /api/opportunities
func (h *OpportunityHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	opps := filterSymbol(h.session.Opportunities(), r.URL.Query().Get("symbol"))
	writeJSON(w, http.StatusOK, listOpportunitiesResponse{Opportunities: opps})
}

// Evaluate runs a detection cycle now and returns its output.
// POST /api/opportunities/evaluate
func (h *OpportunityHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	opps, err := h.session.Evaluate(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: evaluate failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "evaluation failed")
		return
	}
	if opps == nil {
		opps = []domain.ArbitrageOpportunity{}
	}
	writeJSON(w, http.StatusOK, listOpportunitiesResponse{Opportunities: opps})
}

// History returns previously detected opportunities, newest first.
// GET /api/opportunities/history?limit=50
func (h *OpportunityHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "opportunity history needs redis")
		return
	}
	limit := parseLimit(r, 50, 500)
	msgs, err := h.history.StreamRevRange(r.Context(), domain.OpportunityStream, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read opportunity history failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read opportunity history")
		return
	}

	opps := make([]domain.ArbitrageOpportunity, 0, len(msgs))
	for _, m := range msgs {
		var o domain.ArbitrageOpportunity
		if err := json.Unmarshal(m.Payload, &o); err != nil {
			continue
		}
		opps = append(opps, o)
	}
	writeJSON(w, http.StatusOK, listOpportunitiesResponse{Opportunities: filterSymbol(opps, r.URL.Query().Get("symbol"))})
}

func filterSymbol(opps []domain.ArbitrageOpportunity, symbol string) []domain.ArbitrageOpportunity {
	if c, err := exchange.NormalizeSymbol(symbol); err == nil {
		symbol = c
	}
	out := make([]domain.ArbitrageOpportunity, 0, len(opps))
	for _, o := range opps {
		if symbol == "" || strings.EqualFold(o.Symbol, symbol) {
			out = append(out, o)
		}
	}
	return out
}
