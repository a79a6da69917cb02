package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maut11/RHTBv5-sub000/internal/metrics"
	"github.com/maut11/RHTBv5-sub000/internal/models"
)

// LockForExit marks a position pending_exit so concurrent exits cannot double
// sell it. A held lock older than timeout is treated as abandoned and
// silently re-acquired. Returns false when the position does not exist or a
// live lock is held; the error is non-nil only for storage failures.
func (l *Ledger) LockForExit(ccid string, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	var (
		status     string
		pendingRaw sql.NullString
	)
	err := l.db.QueryRow(`SELECT status, pending_exit_since FROM positions WHERE ccid = ?`, ccid).
		Scan(&status, &pendingRaw)
	if errors.Is(err, sql.ErrNoRows) {
		l.logger.Printf("Cannot lock - position not found: %s", ccid)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query position %s: %w", ccid, err)
	}

	if status == string(models.StatusPendingExit) && pendingRaw.Valid {
		since, perr := parseTime(pendingRaw.String)
		if perr == nil && now.Sub(since) < timeout {
			l.logger.Printf("Position %s already locked for exit", ccid)
			metrics.LockContention.Inc()
			return false, nil
		}
		l.logger.Printf("Lock expired for %s, re-acquiring", ccid)
	}

	ts := l.timestamp(now)
	_, err = l.db.Exec(`
		UPDATE positions
		SET status = 'pending_exit',
		    pending_exit_since = ?,
		    last_update_time = ?
		WHERE ccid = ?`,
		ts, ts, ccid)
	if err != nil {
		return false, fmt.Errorf("lock position %s: %w", ccid, err)
	}

	l.logger.Printf("Locked position %s for exit", ccid)
	return true, nil
}

// UnlockPosition releases an exit lock, restoring the position to open.
// Returns false when the position was not in pending_exit, which makes the
// call idempotent after a sell has already cleared the lock.
func (l *Ledger) UnlockPosition(ccid string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timestamp(l.now())
	res, err := l.db.Exec(`
		UPDATE positions
		SET status = 'open',
		    pending_exit_since = NULL,
		    last_update_time = ?
		WHERE ccid = ? AND status = 'pending_exit'`,
		now, ccid)
	if err != nil {
		return false, fmt.Errorf("unlock position %s: %w", ccid, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unlock position %s: %w", ccid, err)
	}
	if n > 0 {
		l.logger.Printf("Unlocked position %s", ccid)
		return true, nil
	}
	l.logger.Printf("Could not unlock %s - not in pending_exit status", ccid)
	return false, nil
}

// IsLocked reports whether a position is currently marked pending_exit.
// Expiry is not considered here; stale locks read as locked until a
// LockForExit or CleanupExpiredLocks reclaims them.
func (l *Ledger) IsLocked(ccid string) (bool, error) {
	var status string
	err := l.db.QueryRow(`SELECT status FROM positions WHERE ccid = ?`, ccid).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query position %s: %w", ccid, err)
	}
	return status == string(models.StatusPendingExit), nil
}

// CleanupExpiredLocks reverts every pending_exit older than timeout back to
// open and returns how many were released. Stored timestamps sort
// lexicographically, so the cutoff comparison happens in SQL.
func (l *Ledger) CleanupExpiredLocks(timeout time.Duration) (int, error) {
	now := l.now()
	cutoff := l.timestamp(now.Add(-timeout))

	res, err := l.db.Exec(`
		UPDATE positions
		SET status = 'open',
		    pending_exit_since = NULL,
		    last_update_time = ?
		WHERE status = 'pending_exit'
		  AND pending_exit_since < ?`,
		l.timestamp(now), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	if n > 0 {
		metrics.ExpiredLocksReleased.Add(float64(n))
		l.logger.Printf("Released %d expired locks", n)
	}
	return int(n), nil
}
