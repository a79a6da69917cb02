package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/maut11/RHTBv5-sub000/internal/broker"
	"github.com/maut11/RHTBv5-sub000/internal/contract"
	"github.com/maut11/RHTBv5-sub000/internal/metrics"
	"github.com/maut11/RHTBv5-sub000/internal/models"
)

// BrokerSource is the slice of the broker API that reconciliation needs.
type BrokerSource interface {
	GetOpenOptionPositions(ctx context.Context) ([]broker.OptionPosition, error)
	GetInstrumentDetail(ctx context.Context, instrumentURL string) (*broker.InstrumentDetail, error)
}

// instrumentFetchLimit bounds concurrent instrument detail requests.
const instrumentFetchLimit = 4

// fetchedPosition is one broker position with its instrument details
// resolved, ready to apply to the ledger.
type fetchedPosition struct {
	ccid       string
	ticker     string
	strike     decimal.Decimal
	optionType models.OptionType
	expiration string
	quantity   int
	avgPrice   decimal.Decimal
}

// SyncFromRobinhood reconciles the ledger against the broker's open option
// positions. Broker positions missing locally are added on channel "manual";
// quantity drift overwrites local quantity and cost basis; local open
// positions absent at the broker are closed as orphaned.
//
// All broker I/O happens before the ledger lock is taken, then the changes
// apply in one transaction. Per-position fetch problems are collected into
// the result; the returned error is non-nil only when the position list
// cannot be fetched at all or the local store fails.
func (l *Ledger) SyncFromRobinhood(ctx context.Context, source BrokerSource) (*models.SyncResult, error) {
	result := &models.SyncResult{}

	rhPositions, err := source.GetOpenOptionPositions(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("fetch positions: %v", err))
		l.logger.Printf("Robinhood sync failed: %v", err)
		metrics.SyncRuns.WithLabelValues("failed").Inc()
		return result, nil
	}
	l.logger.Printf("Syncing with Robinhood: %d positions found", len(rhPositions))

	// Resolve instrument details concurrently, bounded so a large account
	// does not stampede the API. Slots keep broker order deterministic.
	fetched := make([]*fetchedPosition, len(rhPositions))
	fetchErrs := make([]string, len(rhPositions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(instrumentFetchLimit)
	for i := range rhPositions {
		i := i
		g.Go(func() error {
			pos := rhPositions[i]
			if pos.OptionURL == "" {
				fetchErrs[i] = fmt.Sprintf("position %s missing option URL", pos.ChainSymbol)
				return nil
			}
			instrument, err := source.GetInstrumentDetail(gctx, pos.OptionURL)
			if err != nil {
				fetchErrs[i] = fmt.Sprintf("fetch instrument %s: %v", pos.OptionURL, err)
				return nil
			}

			ticker := l.symbols.TraderSymbol(pos.ChainSymbol)
			optType, ok := models.ParseOptionType(instrument.Type)
			if !ok {
				optType = models.OptionCall
			}
			quantity := int(pos.Quantity.IntPart())
			if ticker == "" || instrument.StrikePrice.IsZero() || instrument.ExpirationDate == "" || quantity <= 0 {
				fetchErrs[i] = fmt.Sprintf("incomplete position data for %s", pos.ChainSymbol)
				return nil
			}

			ccid, err := contract.GenerateCCID(l.symbols, ticker, instrument.ExpirationDate, instrument.StrikePrice, optType)
			if err != nil {
				fetchErrs[i] = fmt.Sprintf("generate ccid for %s: %v", pos.ChainSymbol, err)
				return nil
			}

			fetched[i] = &fetchedPosition{
				ccid:       ccid,
				ticker:     ticker,
				strike:     instrument.StrikePrice,
				optionType: optType,
				expiration: instrument.ExpirationDate,
				quantity:   quantity,
				avgPrice:   pos.AveragePrice,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("fetch instruments: %v", err))
	}
	for _, msg := range fetchErrs {
		if msg != "" {
			result.Errors = append(result.Errors, msg)
			l.logger.Printf("Sync error for position: %s", msg)
		}
	}

	if err := l.applySyncData(fetched, result); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("apply sync: %v", err))
		metrics.SyncRuns.WithLabelValues("failed").Inc()
		return result, err
	}

	outcome := "ok"
	if len(result.Errors) > 0 {
		outcome = "partial"
	}
	metrics.SyncRuns.WithLabelValues(outcome).Inc()
	l.logger.Printf("Sync complete: added=%d, updated=%d, orphaned=%d",
		result.PositionsAdded, result.PositionsUpdated, result.PositionsOrphaned)
	return result, nil
}

// applySyncData writes one reconciliation pass in a single transaction.
func (l *Ledger) applySyncData(fetched []*fetchedPosition, result *models.SyncResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timestamp(l.now())

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seen := make(map[string]struct{})
	for _, data := range fetched {
		if data == nil {
			continue
		}
		seen[data.ccid] = struct{}{}

		var existingQty int
		err := tx.QueryRow(`SELECT total_quantity FROM positions WHERE ccid = ?`, data.ccid).
			Scan(&existingQty)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Position opened outside the bot
			_, err = tx.Exec(`
				INSERT INTO positions
				(ccid, ticker, strike, option_type, expiration, total_quantity,
				 avg_cost_basis, status, channel, first_entry_time, last_update_time)
				VALUES (?, ?, ?, ?, ?, ?, ?, 'open', 'manual', ?, ?)`,
				data.ccid, data.ticker, data.strike.String(), string(data.optionType),
				data.expiration, data.quantity, data.avgPrice.String(), now, now)
			if err != nil {
				return fmt.Errorf("insert position %s: %w", data.ccid, err)
			}
			_, err = tx.Exec(`
				INSERT INTO position_lots
				(ccid, lot_id, quantity, cost_basis, entry_time, source_trade_id, status)
				VALUES (?, ?, ?, ?, ?, NULL, 'open')`,
				data.ccid, newLotID(), data.quantity, data.avgPrice.String(), now)
			if err != nil {
				return fmt.Errorf("insert lot for %s: %w", data.ccid, err)
			}
			result.PositionsAdded++
			metrics.SyncPositions.WithLabelValues("added").Inc()
			l.logger.Printf("Added position from Robinhood %s: %d @ $%s",
				data.ccid, data.quantity, data.avgPrice.StringFixed(2))
		case err != nil:
			return fmt.Errorf("query position %s: %w", data.ccid, err)
		case existingQty != data.quantity:
			_, err = tx.Exec(`
				UPDATE positions
				SET total_quantity = ?,
				    avg_cost_basis = ?,
				    status = 'open',
				    last_update_time = ?
				WHERE ccid = ?`,
				data.quantity, data.avgPrice.String(), now, data.ccid)
			if err != nil {
				return fmt.Errorf("update position %s: %w", data.ccid, err)
			}
			result.PositionsUpdated++
			metrics.SyncPositions.WithLabelValues("updated").Inc()
			l.logger.Printf("Updated position %s: qty %d -> %d", data.ccid, existingQty, data.quantity)
		}
	}

	// Close local open positions the broker no longer shows
	rows, err := tx.Query(`SELECT ccid FROM positions WHERE status = 'open'`)
	if err != nil {
		return fmt.Errorf("query open positions: %w", err)
	}
	var localOpen []string
	for rows.Next() {
		var ccid string
		if err := rows.Scan(&ccid); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan open position: %w", err)
		}
		localOpen = append(localOpen, ccid)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate open positions: %w", err)
	}
	_ = rows.Close()

	for _, ccid := range localOpen {
		if _, ok := seen[ccid]; ok {
			continue
		}
		_, err = tx.Exec(`
			UPDATE positions
			SET status = 'closed',
			    notes = COALESCE(notes, '') || ' [Orphaned during sync ' || ? || ']',
			    last_update_time = ?
			WHERE ccid = ?`,
			now, now, ccid)
		if err != nil {
			return fmt.Errorf("orphan position %s: %w", ccid, err)
		}
		result.PositionsOrphaned++
		metrics.SyncPositions.WithLabelValues("orphaned").Inc()
		l.logger.Printf("Orphaned position %s - not found in Robinhood", ccid)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync: %w", err)
	}

	var openCount int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM positions WHERE status = 'open'`).Scan(&openCount); err == nil {
		metrics.OpenPositions.Set(float64(openCount))
	}
	return nil
}
