package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/maut11/RHTBv5-sub000/internal/metrics"
	"github.com/maut11/RHTBv5-sub000/internal/models"
)

// Hint match scores. An exact strike or expiration pins the contract harder
// than a type match; expiring today breaks near-ties.
const (
	scoreStrikeMatch = 10
	scoreExpiryMatch = 10
	scoreTypeMatch   = 5
	scoreZeroDTE     = 3
)

// strikeMatchEpsilon is the tolerance for strike hint comparisons.
var strikeMatchEpsilon = decimal.New(1, -2) // 0.01

// Hints carries whatever contract details an alert included. Zero values mean
// the detail was absent.
type Hints struct {
	Strike     *decimal.Decimal
	OptionType string // "call", "put", "c", "p", any case
	Expiration string // date in any accepted layout, or "0dte"/"today"
	ExitAll    bool
}

// ResolvePosition maps a ticker plus partial hints to concrete open
// positions. The returned slice holds at most one position unless returnAll
// is set (or the hints demand an exit-all); it is empty when the ticker has
// no open positions.
//
// With multiple candidates, each is scored against the hints and the unique
// top scorer wins. When the top score is shared, the heuristic picks among
// the tied candidates.
func (l *Ledger) ResolvePosition(ticker string, hints Hints, heuristic models.Heuristic, returnAll bool) ([]models.Position, error) {
	if hints.ExitAll {
		returnAll = true
	}

	positions, err := l.GetOpenPositions(ticker)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		l.logger.Printf("No open positions found for %s", ticker)
		metrics.Resolutions.WithLabelValues("none").Inc()
		return nil, nil
	}
	if len(positions) == 1 && !returnAll {
		metrics.Resolutions.WithLabelValues("single").Inc()
		return positions[:1], nil
	}

	today := l.now().Format(expirationFormat)
	type scoredPosition struct {
		score int
		pos   models.Position
	}
	scored := make([]scoredPosition, len(positions))
	for i, pos := range positions {
		scored[i] = scoredPosition{score: l.matchScore(&pos, hints, today), pos: pos}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	for _, sp := range scored {
		l.logger.Printf("  %s: score=%d", sp.pos.CCID, sp.score)
	}

	if returnAll {
		metrics.Resolutions.WithLabelValues("all").Inc()
		out := make([]models.Position, len(scored))
		for i, sp := range scored {
			out[i] = sp.pos
		}
		return out, nil
	}

	if scored[0].score > scored[1].score {
		winner := scored[0].pos
		l.logger.Printf("Resolved %s to %s (score: %d vs %d)",
			ticker, winner.CCID, scored[0].score, scored[1].score)
		metrics.Resolutions.WithLabelValues("hints").Inc()
		return []models.Position{winner}, nil
	}

	tied := make([]models.Position, 0, len(scored))
	for _, sp := range scored {
		if sp.score == scored[0].score {
			tied = append(tied, sp.pos)
		}
	}
	winner := l.applyHeuristic(tied, heuristic)
	l.logger.Printf("Applied %q heuristic for %s: selected %s", heuristic, ticker, winner.CCID)
	metrics.Resolutions.WithLabelValues("heuristic").Inc()
	return []models.Position{winner}, nil
}

// matchScore scores one candidate against the hints. today is the current
// day in YYYY-MM-DD, precomputed by the caller.
func (l *Ledger) matchScore(pos *models.Position, hints Hints, today string) int {
	score := 0

	if hints.Strike != nil && hints.Strike.Sub(pos.Strike).Abs().LessThan(strikeMatchEpsilon) {
		score += scoreStrikeMatch
	}

	if hints.Expiration != "" {
		if hintDate, ok := models.NormalizeDate(hints.Expiration, l.now()); ok {
			if posDate, ok := models.NormalizeDate(pos.Expiration, l.now()); ok && hintDate == posDate {
				score += scoreExpiryMatch
			}
		}
	}

	if hints.OptionType != "" {
		if t, ok := models.ParseOptionType(hints.OptionType); ok && t == pos.OptionType {
			score += scoreTypeMatch
		}
	}

	if pos.ExpiresOn(today) {
		score += scoreZeroDTE
	}

	return score
}

// applyHeuristic picks one position from a tied set. Unknown heuristics log a
// warning and fall back to fifo. positions must be non-empty.
func (l *Ledger) applyHeuristic(positions []models.Position, heuristic models.Heuristic) models.Position {
	if len(positions) == 1 {
		return positions[0]
	}

	switch heuristic {
	case models.HeuristicFIFO:
		return oldestByEntry(positions)
	case models.HeuristicNearest:
		today := l.now().Format(expirationFormat)
		var zeroDTE []models.Position
		for _, p := range positions {
			if p.ExpiresOn(today) {
				zeroDTE = append(zeroDTE, p)
			}
		}
		if len(zeroDTE) > 0 {
			return oldestByEntry(zeroDTE)
		}
		nearest := positions[0]
		for _, p := range positions[1:] {
			if p.Expiration < nearest.Expiration {
				nearest = p
			}
		}
		return nearest
	case models.HeuristicProfit:
		// Unrealized P&L needs market data the ledger does not hold.
		l.logger.Printf("Profit heuristic not implemented, falling back to FIFO")
		return oldestByEntry(positions)
	case models.HeuristicLargest:
		largest := positions[0]
		for _, p := range positions[1:] {
			if p.TotalQuantity > largest.TotalQuantity {
				largest = p
			}
		}
		return largest
	default:
		l.logger.Printf("Unknown heuristic %q, defaulting to FIFO", heuristic)
		return oldestByEntry(positions)
	}
}

func oldestByEntry(positions []models.Position) models.Position {
	oldest := positions[0]
	for _, p := range positions[1:] {
		if p.FirstEntryTime.Before(oldest.FirstEntryTime) {
			oldest = p
		}
	}
	return oldest
}

// GetAllPositionsForExit returns every open position for a ticker, ordered
// for an "exit all" sweep.
func (l *Ledger) GetAllPositionsForExit(ticker string) ([]models.Position, error) {
	return l.ResolvePosition(ticker, Hints{ExitAll: true}, models.HeuristicFIFO, true)
}

// ExitAllPositions closes every open position for a ticker at the given
// price. Failures on individual positions are logged and skipped; the
// returned slice holds the CCIDs actually closed.
func (l *Ledger) ExitAllPositions(ticker string, price decimal.Decimal) ([]string, error) {
	positions, err := l.GetAllPositionsForExit(ticker)
	if err != nil {
		return nil, fmt.Errorf("resolve positions for %s: %w", ticker, err)
	}

	closed := make([]string, 0, len(positions))
	for _, pos := range positions {
		ok, err := l.RecordSell(pos.CCID, pos.TotalQuantity, price)
		if err != nil {
			l.logger.Printf("Failed to close %s: %v", pos.CCID, err)
			continue
		}
		if !ok {
			continue
		}
		closed = append(closed, pos.CCID)
		l.logger.Printf("Closed position %s: %d @ $%s", pos.CCID, pos.TotalQuantity, price.StringFixed(2))
	}
	return closed, nil
}
