package handler

import (
	"net/http"
	"slices"
	"time"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

// StatusHandler serves the per-exchange connection status.
type StatusHandler struct {
	session    Session
	mode       string
	strategies []string
	startedAt  time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(session Session, mode string, strategies []string) *StatusHandler {
	return &StatusHandler{
		session:    session,
		mode:       mode,
		strategies: slices.Clone(strategies),
		startedAt:  time.Now().UTC(),
	}
}

type statusResponse struct {
	Mode          string                            `json:"mode"`
	Strategies    []string                          `json:"strategies"`
	Symbols       []string                          `json:"symbols"`
	Healthy       int                               `json:"healthy_exchanges"`
	Exchanges     map[string]domain.ConnectionState `json:"exchanges"`
	LastError     string                            `json:"last_error,omitempty"`
	DroppedEvents int64                             `json:"dropped_events"`
	UptimeSeconds int64                             `json:"uptime_seconds"`
}

// GetStatus reports mode, strategies and every exchange's connection state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.session.Status()
	resp := statusResponse{
		Mode:          h.mode,
		Strategies:    h.strategies,
		Symbols:       h.session.Symbols(),
		Exchanges:     st,
		DroppedEvents: h.session.Dropped(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	for _, cs := range st {
		if cs.Healthy() {
			resp.Healthy++
		}
	}
	if err := h.session.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reconnect clears backoff and forces every stream to reconnect.
// POST /api/reconnect
func (h *StatusHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Reconnect(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"exchanges": h.session.Exchanges()})
}
