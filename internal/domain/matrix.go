package domain

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"
)

// Matrix is an immutable copy of the exchange x symbol ticker table. The
// aggregator builds a fresh Matrix for every call to Snapshot, so readers
// never observe partial updates.
type Matrix struct {
	cells   map[string]map[string]TickerSnapshot // symbol -> exchange -> snapshot
	Version uint64
	TakenAt time.Time
}

// NewMatrix builds a Matrix from a flat list of snapshots. Later entries
// for the same key win.
func NewMatrix(snaps []TickerSnapshot, version uint64, takenAt time.Time) Matrix {
	cells := make(map[string]map[string]TickerSnapshot)
	for _, s := range snaps {
		row, ok := cells[s.Symbol]
		if !ok {
			row = make(map[string]TickerSnapshot)
			cells[s.Symbol] = row
		}
		row[s.Exchange] = s
	}
	return Matrix{cells: cells, Version: version, TakenAt: takenAt}
}

// Len returns the number of cells.
func (m Matrix) Len() int {
	n := 0
	for _, row := range m.cells {
		n += len(row)
	}
	return n
}

// Symbols returns all symbols in ascending order.
func (m Matrix) Symbols() []string {
	return slices.Sorted(maps.Keys(m.cells))
}

// Quotes returns every exchange's snapshot for symbol, ordered by exchange
// name.
func (m Matrix) Quotes(symbol string) []TickerSnapshot {
	row := m.cells[symbol]
	out := make([]TickerSnapshot, 0, len(row))
	for _, ex := range slices.Sorted(maps.Keys(row)) {
		out = append(out, row[ex])
	}
	return out
}

// Get returns a single cell.
func (m Matrix) Get(exchange, symbol string) (TickerSnapshot, bool) {
	s, ok := m.cells[symbol][exchange]
	return s, ok
}

// All returns every snapshot ordered by symbol then exchange.
func (m Matrix) All() []TickerSnapshot {
	out := make([]TickerSnapshot, 0, m.Len())
	for _, sym := range m.Symbols() {
		out = append(out, m.Quotes(sym)...)
	}
	return out
}

// Filter returns a Matrix restricted to the given symbols.
func (m Matrix) Filter(symbols ...string) Matrix {
	var snaps []TickerSnapshot
	for _, sym := range symbols {
		snaps = append(snaps, m.Quotes(strings.ToUpper(sym))...)
	}
	return NewMatrix(snaps, m.Version, m.TakenAt)
}

// MarshalJSON encodes the matrix as {"version":..,"taken_at":..,"tickers":{symbol:{exchange:snapshot}}}.
func (m Matrix) MarshalJSON() ([]byte, error) {
	cells := m.cells
	if cells == nil {
		cells = map[string]map[string]TickerSnapshot{}
	}
	return json.Marshal(struct {
		Version uint64                               `json:"version"`
		TakenAt time.Time                            `json:"taken_at"`
		Tickers map[string]map[string]TickerSnapshot `json:"tickers"`
	}{m.Version, m.TakenAt, cells})
}
