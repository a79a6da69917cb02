// audit_positions - A utility to audit ledger positions against their lots
// This script helps identify drift between position totals and the FIFO lots
// underneath them, plus exit locks that have outlived their timeout.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/maut11/RHTBv5-sub000/internal/config"
)

// AuditResult is the full report of one audit pass.
type AuditResult struct {
	CheckedAt     time.Time    `json:"checked_at"`
	DBPath        string       `json:"db_path"`
	OpenPositions int          `json:"open_positions"`
	OpenLots      int          `json:"open_lots"`
	Drift         []DriftIssue `json:"drift"`
	StaleLocks    []StaleLock  `json:"stale_locks"`
}

// DriftIssue is a position whose total quantity disagrees with the sum of its
// open lots.
type DriftIssue struct {
	CCID          string `json:"ccid"`
	Status        string `json:"status"`
	TotalQuantity int    `json:"total_quantity"`
	LotQuantity   int    `json:"lot_quantity"`
}

// StaleLock is an exit lock older than the configured timeout.
type StaleLock struct {
	CCID  string `json:"ccid"`
	Since string `json:"since"`
	Age   string `json:"age"`
}

// Clean reports whether the audit found nothing wrong.
func (a *AuditResult) Clean() bool {
	return len(a.Drift) == 0 && len(a.StaleLocks) == 0
}

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "Path to configuration file")
		dbPath      = flag.String("db", "", "Ledger database path (skips config when set)")
		lockTimeout = flag.Duration("lock-timeout", time.Minute, "Exit lock lifetime for staleness checks")
		jsonOutput  = flag.Bool("json", false, "Output results as JSON")
	)
	flag.Parse()

	path := *dbPath
	timeout := *lockTimeout
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		path = cfg.Ledger.DBPath
		timeout = cfg.LockTimeout()
	}

	if _, err := os.Stat(path); err != nil {
		log.Fatalf("Ledger database not found at %s: %v", path, err)
	}

	// Read-only handle so an audit can never mutate the ledger.
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		log.Fatalf("Failed to open ledger database: %v", err)
	}
	defer func() { _ = db.Close() }()

	audit, err := auditLedger(db, timeout, time.Now().UTC())
	if err != nil {
		log.Fatalf("Audit failed: %v", err)
	}
	audit.DBPath = path

	if *jsonOutput {
		output, err := json.MarshalIndent(audit, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(output))
	} else {
		printReport(audit)
	}

	if !audit.Clean() {
		os.Exit(1)
	}
}

// auditLedger walks every non-closed position, compares its total against the
// sum of its open lots, and flags pending_exit rows whose lock is older than
// timeout. Closed positions are checked for leftover open lots.
func auditLedger(db *sql.DB, timeout time.Duration, now time.Time) (*AuditResult, error) {
	audit := &AuditResult{CheckedAt: now}

	rows, err := db.Query(`
		SELECT p.ccid, p.status, p.total_quantity,
		       COALESCE(SUM(CASE WHEN l.status = 'open' THEN l.quantity ELSE 0 END), 0)
		FROM positions p
		LEFT JOIN position_lots l ON l.ccid = p.ccid
		GROUP BY p.ccid, p.status, p.total_quantity
		ORDER BY p.ccid`)
	if err != nil {
		return nil, fmt.Errorf("query position totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			ccid, status    string
			total, lotTotal int
		)
		if err := rows.Scan(&ccid, &status, &total, &lotTotal); err != nil {
			return nil, fmt.Errorf("scan position totals: %w", err)
		}

		switch status {
		case "open", "pending_exit":
			audit.OpenPositions++
			if total != lotTotal {
				audit.Drift = append(audit.Drift, DriftIssue{
					CCID: ccid, Status: status, TotalQuantity: total, LotQuantity: lotTotal,
				})
			}
		case "closed":
			if lotTotal != 0 {
				audit.Drift = append(audit.Drift, DriftIssue{
					CCID: ccid, Status: status, TotalQuantity: total, LotQuantity: lotTotal,
				})
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position totals: %w", err)
	}

	if err := db.QueryRow(`SELECT COUNT(*) FROM position_lots WHERE status = 'open'`).
		Scan(&audit.OpenLots); err != nil {
		return nil, fmt.Errorf("count open lots: %w", err)
	}

	lockRows, err := db.Query(`
		SELECT ccid, pending_exit_since
		FROM positions
		WHERE status = 'pending_exit' AND pending_exit_since IS NOT NULL
		ORDER BY pending_exit_since`)
	if err != nil {
		return nil, fmt.Errorf("query pending exits: %w", err)
	}
	defer func() { _ = lockRows.Close() }()

	for lockRows.Next() {
		var ccid, sinceRaw string
		if err := lockRows.Scan(&ccid, &sinceRaw); err != nil {
			return nil, fmt.Errorf("scan pending exit: %w", err)
		}
		since, perr := time.Parse(time.RFC3339Nano, sinceRaw)
		if perr != nil {
			// An unparsable lock timestamp can never expire; report it.
			audit.StaleLocks = append(audit.StaleLocks, StaleLock{CCID: ccid, Since: sinceRaw, Age: "unparsable"})
			continue
		}
		if age := now.Sub(since); age > timeout {
			audit.StaleLocks = append(audit.StaleLocks, StaleLock{
				CCID:  ccid,
				Since: sinceRaw,
				Age:   age.Round(time.Second).String(),
			})
		}
	}
	if err := lockRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending exits: %w", err)
	}

	return audit, nil
}

func printReport(audit *AuditResult) {
	fmt.Printf("=== LEDGER AUDIT ===\n")
	fmt.Printf("Database: %s\n", audit.DBPath)
	fmt.Printf("Open positions: %d (open lots: %d)\n\n", audit.OpenPositions, audit.OpenLots)

	if len(audit.Drift) > 0 {
		fmt.Printf("QUANTITY DRIFT FOUND:\n")
		for i, d := range audit.Drift {
			fmt.Printf("  %d. %s (%s): position says %d, open lots sum to %d\n",
				i+1, d.CCID, d.Status, d.TotalQuantity, d.LotQuantity)
		}
		fmt.Printf("\n")
	}

	if len(audit.StaleLocks) > 0 {
		fmt.Printf("STALE EXIT LOCKS:\n")
		for i, s := range audit.StaleLocks {
			fmt.Printf("  %d. %s locked since %s (age %s)\n", i+1, s.CCID, s.Since, s.Age)
		}
		fmt.Printf("\n")
	}

	if audit.Clean() {
		fmt.Printf("No drift detected.\n")
		return
	}

	fmt.Printf("Next steps:\n")
	fmt.Printf("  1. Run a broker sync to rebuild orphaned positions\n")
	fmt.Printf("  2. Release stale locks with the daemon's sweep or by restarting it\n")
	fmt.Printf("  3. Re-run this audit to confirm the ledger is consistent\n")
}
