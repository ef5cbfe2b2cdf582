package domain

import "time"

// EventKind tags an Event payload.
type EventKind string

const (
	EventTicker        EventKind = "ticker"
	EventStatus        EventKind = "status"
	EventOpportunities EventKind = "opportunities"
)

// OpportunityStream is the capped stream holding detected opportunities,
// one JSON entry each.
const OpportunityStream = "stream:arb"

// Event is pushed by the engine to whatever consumes it (HTTP hub, Redis
// bus, logger, tests). Exactly one payload field is set per Kind.
type Event struct {
	Kind          EventKind              `json:"type"`
	Ticker        *TickerSnapshot        `json:"ticker,omitempty"`
	Status        *ConnectionState       `json:"status,omitempty"`
	Opportunities []ArbitrageOpportunity `json:"opportunities,omitempty"`
	At            time.Time              `json:"at"`
}

// Channel returns the bus channel the event is published on.
func (e Event) Channel() string {
	switch e.Kind {
	case EventTicker:
		if e.Ticker != nil {
			return "ch:ticker:" + e.Ticker.Symbol
		}
		return "ch:ticker"
	case EventStatus:
		return "ch:status"
	case EventOpportunities:
		return "ch:arb"
	default:
		return "ch:misc"
	}
}
