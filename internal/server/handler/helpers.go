// Package handler holds the HTTP handlers of the read API.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// Session is the part of an engine subscription the API reads from.
type Session interface {
	Exchanges() []string
	Symbols() []string
	Snapshots() domain.Matrix
	Opportunities() []domain.ArbitrageOpportunity
	Evaluate(ctx context.Context) ([]domain.ArbitrageOpportunity, error)
	Status() map[string]domain.ConnectionState
	LastError() error
	Reconnect() error
	Dropped() int64
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseLimit reads ?limit=, clamped to [1, max].
func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return min(limit, max)
}
