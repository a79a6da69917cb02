package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/maut11/RHTBv5-sub000/internal/contract"
	"github.com/maut11/RHTBv5-sub000/internal/metrics"
	"github.com/maut11/RHTBv5-sub000/internal/models"
	"github.com/maut11/RHTBv5-sub000/internal/symbols"
)

// timeFormat is a fixed-width RFC 3339 layout. Zero-padded fractional seconds
// keep stored timestamps in lexicographic order, so SQL string comparisons on
// time columns agree with chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// expirationFormat is how expiration dates are stored and compared.
const expirationFormat = "2006-01-02"

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ccid TEXT NOT NULL UNIQUE,
	ticker TEXT NOT NULL,
	strike TEXT NOT NULL,
	option_type TEXT NOT NULL,
	expiration TEXT NOT NULL,
	total_quantity INTEGER NOT NULL DEFAULT 0,
	avg_cost_basis TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL DEFAULT 'open',
	pending_exit_since TEXT,
	channel TEXT,
	first_entry_time TEXT NOT NULL,
	last_update_time TEXT NOT NULL,
	notes TEXT,
	UNIQUE(ticker, expiration, strike, option_type)
);

CREATE TABLE IF NOT EXISTS position_lots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ccid TEXT NOT NULL,
	lot_id TEXT NOT NULL UNIQUE,
	quantity INTEGER NOT NULL,
	cost_basis TEXT NOT NULL,
	entry_time TEXT NOT NULL,
	source_trade_id TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	exit_time TEXT,
	exit_price TEXT,
	FOREIGN KEY (ccid) REFERENCES positions(ccid)
);

CREATE INDEX IF NOT EXISTS idx_positions_ticker ON positions(ticker);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_expiration ON positions(expiration);
CREATE INDEX IF NOT EXISTS idx_lots_ccid ON position_lots(ccid);
CREATE INDEX IF NOT EXISTS idx_lots_status ON position_lots(status);
`

// Ledger is the SQLite-backed Store implementation. The mutex serializes
// writers so multi-statement transactions never contend inside SQLite;
// readers go straight to the connection pool.
type Ledger struct {
	db      *sql.DB
	mu      sync.Mutex
	symbols *symbols.Table
	logger  *log.Logger

	// now is swappable in tests.
	now func() time.Time
}

// Open opens (or creates) the ledger database at dbPath with WAL mode enabled.
// A nil table falls back to the default symbol aliases, a nil logger to the
// process-wide default.
func Open(dbPath string, table *symbols.Table, logger *log.Logger) (*Ledger, error) {
	if table == nil {
		table = symbols.DefaultTable()
	}
	if logger == nil {
		logger = log.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Configure SQLite for a single-process ledger with concurrent readers
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	var integrity string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&integrity); err != nil {
		logger.Printf("Database integrity check error: %v", err)
	} else if integrity != "ok" {
		logger.Printf("Database integrity check failed: %s", integrity)
	}

	return &Ledger{
		db:      db,
		symbols: table,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) timestamp(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// newLotID returns a unique lot identifier.
func newLotID() string {
	return "lot_" + uuid.NewString()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// BuyTrade carries the fields of a buy fill to be recorded.
type BuyTrade struct {
	Ticker        string
	Strike        decimal.Decimal
	OptionType    models.OptionType
	Expiration    string          // YYYY-MM-DD or YYYYMMDD
	Price         decimal.Decimal // premium per contract
	Quantity      int
	SourceTradeID string
	Channel       string
}

// RecordBuy records a buy fill. It creates a new position or averages into an
// existing one, and always appends a lot for the entry. Returns the CCID of
// the position the fill landed on.
func (l *Ledger) RecordBuy(trade BuyTrade) (string, error) {
	if trade.Quantity <= 0 {
		return "", fmt.Errorf("record buy %s: %w", trade.Ticker, ErrInvalidQuantity)
	}
	if trade.Price.IsNegative() {
		return "", fmt.Errorf("record buy %s: %w", trade.Ticker, ErrInvalidPrice)
	}

	ccid, err := contract.GenerateCCID(l.symbols, trade.Ticker, trade.Expiration, trade.Strike, trade.OptionType)
	if err != nil {
		return "", err
	}
	expDate, err := contract.ParseExpiration(trade.Expiration)
	if err != nil {
		return "", err
	}
	expiration := expDate.Format(expirationFormat)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timestamp(l.now())
	lotID := newLotID()

	tx, err := l.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		oldQty    int
		oldAvgRaw string
	)
	err = tx.QueryRow(`SELECT total_quantity, avg_cost_basis FROM positions WHERE ccid = ?`, ccid).
		Scan(&oldQty, &oldAvgRaw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		ticker := l.symbols.TraderSymbol(trade.Ticker)
		_, err = tx.Exec(`
			INSERT INTO positions
			(ccid, ticker, strike, option_type, expiration, total_quantity,
			 avg_cost_basis, status, channel, first_entry_time, last_update_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'open', ?, ?, ?)`,
			ccid, ticker, trade.Strike.String(), string(trade.OptionType), expiration,
			trade.Quantity, trade.Price.String(), nullString(trade.Channel), now, now)
		if err != nil {
			return "", fmt.Errorf("insert position %s: %w", ccid, err)
		}
		l.logger.Printf("Created new position %s: %d @ $%s", ccid, trade.Quantity, trade.Price.StringFixed(2))
	case err != nil:
		return "", fmt.Errorf("query position %s: %w", ccid, err)
	default:
		oldAvg, perr := decimal.NewFromString(oldAvgRaw)
		if perr != nil {
			return "", fmt.Errorf("parse avg cost basis for %s: %w", ccid, perr)
		}
		newTotal := oldQty + trade.Quantity
		newAvg := decimal.NewFromInt(int64(oldQty)).Mul(oldAvg).
			Add(decimal.NewFromInt(int64(trade.Quantity)).Mul(trade.Price)).
			Div(decimal.NewFromInt(int64(newTotal)))
		_, err = tx.Exec(`
			UPDATE positions
			SET total_quantity = ?,
			    avg_cost_basis = ?,
			    last_update_time = ?,
			    status = 'open'
			WHERE ccid = ?`,
			newTotal, newAvg.String(), now, ccid)
		if err != nil {
			return "", fmt.Errorf("update position %s: %w", ccid, err)
		}
		l.logger.Printf("Averaged into position %s: +%d @ $%s, new total: %d @ $%s",
			ccid, trade.Quantity, trade.Price.StringFixed(2), newTotal, newAvg.StringFixed(2))
	}

	_, err = tx.Exec(`
		INSERT INTO position_lots
		(ccid, lot_id, quantity, cost_basis, entry_time, source_trade_id, status)
		VALUES (?, ?, ?, ?, ?, ?, 'open')`,
		ccid, lotID, trade.Quantity, trade.Price.String(), now, nullString(trade.SourceTradeID))
	if err != nil {
		return "", fmt.Errorf("insert lot for %s: %w", ccid, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit buy for %s: %w", ccid, err)
	}
	metrics.BuysRecorded.Inc()
	return ccid, nil
}

// openLot is the slice of a lot row needed to apply a FIFO sell. Cost basis,
// entry time, and trade ID are carried as raw column values so a split
// remainder preserves them byte for byte.
type openLot struct {
	lotID         string
	quantity      int
	costBasis     string
	entryTime     string
	sourceTradeID sql.NullString
}

// RecordSell records a sell fill against a position, consuming open lots
// oldest-first. A partially consumed lot is split: the sold portion keeps the
// original lot row, the remainder becomes a new open lot carrying the original
// entry time and cost basis. Selling more than the open quantity clamps to the
// open quantity with a warning. Returns false (with nil error) when the CCID
// does not exist.
func (l *Ledger) RecordSell(ccid string, quantity int, price decimal.Decimal) (bool, error) {
	if quantity <= 0 {
		return false, fmt.Errorf("record sell %s: %w", ccid, ErrInvalidQuantity)
	}
	if price.IsNegative() {
		return false, fmt.Errorf("record sell %s: %w", ccid, ErrInvalidPrice)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timestamp(l.now())

	tx, err := l.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentQty int
	err = tx.QueryRow(`SELECT total_quantity FROM positions WHERE ccid = ?`, ccid).Scan(&currentQty)
	if errors.Is(err, sql.ErrNoRows) {
		l.logger.Printf("Cannot sell - position not found: %s", ccid)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query position %s: %w", ccid, err)
	}

	if quantity > currentQty {
		l.logger.Printf("Sell qty (%d) > position qty (%d), adjusting to %d", quantity, currentQty, currentQty)
		metrics.QuantityClamps.Inc()
		quantity = currentQty
	}

	newQty := currentQty - quantity
	newStatus := models.StatusOpen
	if newQty == 0 {
		newStatus = models.StatusClosed
	}

	_, err = tx.Exec(`
		UPDATE positions
		SET total_quantity = ?,
		    status = ?,
		    pending_exit_since = NULL,
		    last_update_time = ?
		WHERE ccid = ?`,
		newQty, string(newStatus), now, ccid)
	if err != nil {
		return false, fmt.Errorf("update position %s: %w", ccid, err)
	}

	rows, err := tx.Query(`
		SELECT lot_id, quantity, cost_basis, entry_time, source_trade_id
		FROM position_lots
		WHERE ccid = ? AND status = 'open'
		ORDER BY entry_time ASC, id ASC`, ccid)
	if err != nil {
		return false, fmt.Errorf("query lots for %s: %w", ccid, err)
	}
	var lots []openLot
	for rows.Next() {
		var lot openLot
		if err := rows.Scan(&lot.lotID, &lot.quantity, &lot.costBasis, &lot.entryTime, &lot.sourceTradeID); err != nil {
			_ = rows.Close()
			return false, fmt.Errorf("scan lot for %s: %w", ccid, err)
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate lots for %s: %w", ccid, err)
	}
	_ = rows.Close()

	priceStr := price.String()
	remaining := quantity
	for _, lot := range lots {
		if remaining <= 0 {
			break
		}
		if lot.quantity <= remaining {
			// Sell entire lot
			_, err = tx.Exec(`
				UPDATE position_lots
				SET status = 'sold', exit_time = ?, exit_price = ?
				WHERE lot_id = ?`,
				now, priceStr, lot.lotID)
			if err != nil {
				return false, fmt.Errorf("mark lot %s sold: %w", lot.lotID, err)
			}
			remaining -= lot.quantity
			continue
		}

		// Partial lot sale - split the lot. The original row becomes the sold
		// portion; the remainder gets a fresh lot ID.
		soldQty := remaining
		leftQty := lot.quantity - soldQty
		_, err = tx.Exec(`
			UPDATE position_lots
			SET quantity = ?, status = 'sold', exit_time = ?, exit_price = ?
			WHERE lot_id = ?`,
			soldQty, now, priceStr, lot.lotID)
		if err != nil {
			return false, fmt.Errorf("split lot %s: %w", lot.lotID, err)
		}
		_, err = tx.Exec(`
			INSERT INTO position_lots
			(ccid, lot_id, quantity, cost_basis, entry_time, source_trade_id, status)
			VALUES (?, ?, ?, ?, ?, ?, 'open')`,
			ccid, newLotID(), leftQty, lot.costBasis, lot.entryTime, lot.sourceTradeID)
		if err != nil {
			return false, fmt.Errorf("insert remainder lot for %s: %w", ccid, err)
		}
		remaining = 0
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit sell for %s: %w", ccid, err)
	}
	metrics.SellsRecorded.Inc()
	l.logger.Printf("Recorded sell for %s: %d @ $%s, remaining: %d, status: %s",
		ccid, quantity, price.StringFixed(2), newQty, newStatus)
	return true, nil
}

const positionColumns = `ccid, ticker, strike, option_type, expiration, total_quantity,
	avg_cost_basis, status, pending_exit_since, channel, first_entry_time, last_update_time, notes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var (
		p          models.Position
		strikeRaw  string
		optType    string
		avgRaw     string
		status     string
		pendingRaw sql.NullString
		channel    sql.NullString
		firstRaw   string
		lastRaw    string
		notes      sql.NullString
	)
	err := row.Scan(&p.CCID, &p.Ticker, &strikeRaw, &optType, &p.Expiration,
		&p.TotalQuantity, &avgRaw, &status, &pendingRaw, &channel,
		&firstRaw, &lastRaw, &notes)
	if err != nil {
		return nil, err
	}

	if p.Strike, err = decimal.NewFromString(strikeRaw); err != nil {
		return nil, fmt.Errorf("parse strike for %s: %w", p.CCID, err)
	}
	if p.AvgCostBasis, err = decimal.NewFromString(avgRaw); err != nil {
		return nil, fmt.Errorf("parse avg cost basis for %s: %w", p.CCID, err)
	}
	p.OptionType = models.OptionType(optType)
	p.Status = models.PositionStatus(status)
	if pendingRaw.Valid {
		t, err := parseTime(pendingRaw.String)
		if err != nil {
			return nil, fmt.Errorf("parse pending_exit_since for %s: %w", p.CCID, err)
		}
		p.PendingExitSince = &t
	}
	p.Channel = channel.String
	if p.FirstEntryTime, err = parseTime(firstRaw); err != nil {
		return nil, fmt.Errorf("parse first_entry_time for %s: %w", p.CCID, err)
	}
	if p.LastUpdateTime, err = parseTime(lastRaw); err != nil {
		return nil, fmt.Errorf("parse last_update_time for %s: %w", p.CCID, err)
	}
	p.Notes = notes.String
	return &p, nil
}

func (l *Ledger) queryPositions(query string, args ...any) ([]models.Position, error) {
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return positions, nil
}

// GetOpenPositions returns open positions ordered oldest entry first. A
// non-empty ticker filters by symbol, matching all broker/trader variants of
// the name.
func (l *Ledger) GetOpenPositions(ticker string) ([]models.Position, error) {
	if ticker == "" {
		return l.queryPositions(`
			SELECT ` + positionColumns + `
			FROM positions
			WHERE status = 'open'
			ORDER BY first_entry_time ASC, id ASC`)
	}

	variants := l.symbols.Variants(ticker)
	placeholders := strings.Repeat("?,", len(variants))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(variants))
	for i, v := range variants {
		args[i] = v
	}
	return l.queryPositions(`
		SELECT `+positionColumns+`
		FROM positions
		WHERE status = 'open' AND ticker IN (`+placeholders+`)
		ORDER BY first_entry_time ASC, id ASC`, args...)
}

// GetPositions returns positions filtered by ticker and status, oldest entry
// first. An empty ticker matches every underlying; an empty status matches
// every status. Unlike GetOpenPositions this also surfaces locked and closed
// rows, which the dashboard listings need.
func (l *Ledger) GetPositions(ticker string, status models.PositionStatus) ([]models.Position, error) {
	var (
		conds []string
		args  []any
	)
	if ticker != "" {
		variants := l.symbols.Variants(ticker)
		placeholders := strings.Repeat("?,", len(variants))
		placeholders = placeholders[:len(placeholders)-1]
		conds = append(conds, "ticker IN ("+placeholders+")")
		for _, v := range variants {
			args = append(args, v)
		}
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(status))
	}

	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY first_entry_time ASC, id ASC"
	return l.queryPositions(query, args...)
}

// GetPositionByCCID returns the position with the given CCID, or nil if it
// does not exist.
func (l *Ledger) GetPositionByCCID(ccid string) (*models.Position, error) {
	row := l.db.QueryRow(`
		SELECT `+positionColumns+`
		FROM positions
		WHERE ccid = ?`, ccid)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// GetLotsForPosition returns the lots under a CCID ordered oldest entry
// first. An empty status returns all lots.
func (l *Ledger) GetLotsForPosition(ccid string, status models.LotStatus) ([]models.PositionLot, error) {
	query := `
		SELECT lot_id, ccid, quantity, cost_basis, entry_time, source_trade_id, status, exit_time, exit_price
		FROM position_lots
		WHERE ccid = ?`
	args := []any{ccid}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY entry_time ASC, id ASC`

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lots for %s: %w", ccid, err)
	}
	defer func() { _ = rows.Close() }()

	var lots []models.PositionLot
	for rows.Next() {
		var (
			lot       models.PositionLot
			costRaw   string
			entryRaw  string
			tradeID   sql.NullString
			lotStatus string
			exitRaw   sql.NullString
			priceRaw  sql.NullString
		)
		err := rows.Scan(&lot.LotID, &lot.CCID, &lot.Quantity, &costRaw, &entryRaw,
			&tradeID, &lotStatus, &exitRaw, &priceRaw)
		if err != nil {
			return nil, fmt.Errorf("scan lot for %s: %w", ccid, err)
		}
		if lot.CostBasis, err = decimal.NewFromString(costRaw); err != nil {
			return nil, fmt.Errorf("parse cost basis for lot %s: %w", lot.LotID, err)
		}
		if lot.EntryTime, err = parseTime(entryRaw); err != nil {
			return nil, fmt.Errorf("parse entry time for lot %s: %w", lot.LotID, err)
		}
		lot.SourceTradeID = tradeID.String
		lot.Status = models.LotStatus(lotStatus)
		if exitRaw.Valid {
			t, err := parseTime(exitRaw.String)
			if err != nil {
				return nil, fmt.Errorf("parse exit time for lot %s: %w", lot.LotID, err)
			}
			lot.ExitTime = &t
		}
		if priceRaw.Valid {
			d, err := decimal.NewFromString(priceRaw.String)
			if err != nil {
				return nil, fmt.Errorf("parse exit price for lot %s: %w", lot.LotID, err)
			}
			lot.ExitPrice = &d
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lots for %s: %w", ccid, err)
	}
	return lots, nil
}

// GetPositionSummary returns aggregate counts across the whole ledger.
func (l *Ledger) GetPositionSummary() (*models.PositionSummary, error) {
	rows, err := l.db.Query(`
		SELECT status, COUNT(*), COALESCE(SUM(total_quantity), 0)
		FROM positions
		GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byStatus := make(map[models.PositionStatus]models.StatusBreakdown)
	for rows.Next() {
		var (
			status    string
			breakdown models.StatusBreakdown
		)
		if err := rows.Scan(&status, &breakdown.Count, &breakdown.Quantity); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		byStatus[models.PositionStatus(status)] = breakdown
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var uniqueTickers int
	err = l.db.QueryRow(`SELECT COUNT(DISTINCT ticker) FROM positions WHERE status = 'open'`).
		Scan(&uniqueTickers)
	if err != nil {
		return nil, fmt.Errorf("query unique tickers: %w", err)
	}

	open := byStatus[models.StatusOpen]
	return &models.PositionSummary{
		ByStatus:           byStatus,
		UniqueTickers:      uniqueTickers,
		OpenPositions:      open.Count,
		TotalOpenContracts: open.Quantity,
	}, nil
}
