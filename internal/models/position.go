// Package models defines the position ledger's core entities: positions,
// lots, sync results, and the enumerations shared across the engine.
package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	// StatusOpen means the position has open quantity and is sellable.
	StatusOpen PositionStatus = "open"
	// StatusPendingExit means the position is locked by an in-flight exit.
	StatusPendingExit PositionStatus = "pending_exit"
	// StatusClosed means the position has zero open quantity.
	StatusClosed PositionStatus = "closed"
)

// Valid returns true if the status is one of the defined constants.
func (s PositionStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusPendingExit, StatusClosed:
		return true
	}
	return false
}

// LotStatus is the lifecycle state of a single lot.
type LotStatus string

const (
	// LotOpen means the lot still holds unsold quantity.
	LotOpen LotStatus = "open"
	// LotSold means the lot's quantity has been fully sold.
	LotSold LotStatus = "sold"
)

// OptionType is the contract type, call or put.
type OptionType string

const (
	// OptionCall is a call contract.
	OptionCall OptionType = "call"
	// OptionPut is a put contract.
	OptionPut OptionType = "put"
)

// ParseOptionType normalizes the spellings seen in alerts and broker payloads
// ("call", "c", "put", "p", any case). The second return is false when the
// input matches neither.
func ParseOptionType(s string) (OptionType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call", "c":
		return OptionCall, true
	case "put", "p":
		return OptionPut, true
	}
	return "", false
}

// Char returns the single-letter form used in CCIDs.
func (t OptionType) Char() string {
	if t == OptionCall {
		return "C"
	}
	return "P"
}

// Heuristic names the tie-break rule applied when hint scoring cannot
// discriminate among resolution candidates.
type Heuristic string

const (
	// HeuristicFIFO selects the candidate with the earliest first entry.
	HeuristicFIFO Heuristic = "fifo"
	// HeuristicNearest selects the soonest-expiring candidate, 0DTE first.
	HeuristicNearest Heuristic = "nearest"
	// HeuristicProfit would select the highest unrealized gain; without
	// market data it behaves as fifo.
	HeuristicProfit Heuristic = "profit"
	// HeuristicLargest selects the candidate with the greatest quantity.
	HeuristicLargest Heuristic = "largest"
)

// Valid returns true if the heuristic is one of the defined constants.
func (h Heuristic) Valid() bool {
	switch h {
	case HeuristicFIFO, HeuristicNearest, HeuristicProfit, HeuristicLargest:
		return true
	}
	return false
}

// Position is the aggregate per-contract view: one record per CCID, totals
// maintained from the open lots beneath it.
type Position struct {
	CCID             string          `json:"ccid"`
	Ticker           string          `json:"ticker"`
	Strike           decimal.Decimal `json:"strike"`
	OptionType       OptionType      `json:"option_type"`
	Expiration       string          `json:"expiration"` // YYYY-MM-DD
	TotalQuantity    int             `json:"total_quantity"`
	AvgCostBasis     decimal.Decimal `json:"avg_cost_basis"`
	Status           PositionStatus  `json:"status"`
	PendingExitSince *time.Time      `json:"pending_exit_since,omitempty"`
	Channel          string          `json:"channel,omitempty"`
	FirstEntryTime   time.Time       `json:"first_entry_time"`
	LastUpdateTime   time.Time       `json:"last_update_time"`
	Notes            string          `json:"notes,omitempty"`
}

// ExpiresOn reports whether the position expires on the given YYYY-MM-DD day.
func (p *Position) ExpiresOn(day string) bool {
	return p.Expiration == day
}

// DTE returns calendar days from today until expiration, negative if the
// contract has already expired. Returns 0 if the expiration cannot be parsed.
func (p *Position) DTE(today time.Time) int {
	exp, err := time.Parse("2006-01-02", p.Expiration)
	if err != nil {
		return 0
	}
	t := today.UTC().Truncate(24 * time.Hour)
	return int(exp.Sub(t).Hours() / 24)
}

// PositionLot is one buy event's quantity. Lots are append-mostly: a partial
// sell splits a lot rather than rewriting history, so the sold portion keeps
// its row and the remainder becomes a new lot carrying the original entry
// time and cost basis.
type PositionLot struct {
	LotID         string           `json:"lot_id"`
	CCID          string           `json:"ccid"`
	Quantity      int              `json:"quantity"`
	CostBasis     decimal.Decimal  `json:"cost_basis"`
	EntryTime     time.Time        `json:"entry_time"`
	SourceTradeID string           `json:"source_trade_id,omitempty"`
	Status        LotStatus        `json:"status"`
	ExitTime      *time.Time       `json:"exit_time,omitempty"`
	ExitPrice     *decimal.Decimal `json:"exit_price,omitempty"`
}

// SyncResult summarizes one reconciliation pass against the broker.
type SyncResult struct {
	PositionsAdded    int      `json:"positions_added"`
	PositionsUpdated  int      `json:"positions_updated"`
	PositionsOrphaned int      `json:"positions_orphaned"`
	Errors            []string `json:"errors,omitempty"`
}

// StatusBreakdown is the per-status slice of a position summary.
type StatusBreakdown struct {
	Count    int `json:"count"`
	Quantity int `json:"quantity"`
}

// PositionSummary is the aggregate ledger view used for observability.
type PositionSummary struct {
	ByStatus           map[PositionStatus]StatusBreakdown `json:"by_status"`
	UniqueTickers      int                                `json:"unique_tickers"`
	OpenPositions      int                                `json:"open_positions"`
	TotalOpenContracts int                                `json:"total_open_contracts"`
}

// dateLayouts are the expiration spellings accepted from hints, broadest
// first. Broker payloads use the first; humans use the rest.
var dateLayouts = []string{"2006-01-02", "20060102", "1/2/2006", "1/2/06", "1-2-2006"}

// NormalizeDate renders an expiration hint as YYYY-MM-DD. It accepts the
// layouts above plus the tokens "0dte", "0-dte", and "today", which resolve
// against the supplied day. The second return is false when nothing matches.
func NormalizeDate(raw string, today time.Time) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	if s == "0dte" || s == "0-dte" || s == "today" {
		return today.Format("2006-01-02"), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}
