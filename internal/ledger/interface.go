// Package ledger implements the durable position ledger: FIFO lot accounting
// over SQLite, contract resolution from partial alert hints, per-contract exit
// locks, and reconciliation against the broker's view of the account.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maut11/RHTBv5-sub000/internal/models"
)

// Store defines the contract for position and lot persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call them from multiple goroutines.
//
// The provided Ledger implementation serializes writers with a sync.Mutex so
// multi-statement transactions never contend inside SQLite.
type Store interface {
	// Trade recording
	RecordBuy(trade BuyTrade) (string, error)
	RecordSell(ccid string, quantity int, price decimal.Decimal) (bool, error)

	// Position queries
	GetOpenPositions(ticker string) ([]models.Position, error)
	GetPositions(ticker string, status models.PositionStatus) ([]models.Position, error)
	GetPositionByCCID(ccid string) (*models.Position, error)
	GetLotsForPosition(ccid string, status models.LotStatus) ([]models.PositionLot, error)
	GetPositionSummary() (*models.PositionSummary, error)

	// Resolution
	ResolvePosition(ticker string, hints Hints, heuristic models.Heuristic, returnAll bool) ([]models.Position, error)
	GetAllPositionsForExit(ticker string) ([]models.Position, error)
	ExitAllPositions(ticker string, price decimal.Decimal) ([]string, error)

	// Exit locks
	LockForExit(ccid string, timeout time.Duration) (bool, error)
	UnlockPosition(ccid string) (bool, error)
	IsLocked(ccid string) (bool, error)
	CleanupExpiredLocks(timeout time.Duration) (int, error)

	// Broker reconciliation
	SyncFromRobinhood(ctx context.Context, source BrokerSource) (*models.SyncResult, error)

	Close() error
}

// Ensure Ledger implements Store
var _ Store = (*Ledger)(nil)
