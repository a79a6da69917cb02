package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maut11/RHTBv5-sub000/internal/models"
)

// setClock pins the ledger clock to a movable instant and returns a function
// that advances it.
func setClock(l *Ledger, start time.Time) func(d time.Duration) {
	current := start
	l.now = func() time.Time { return current }
	return func(d time.Duration) { current = current.Add(d) }
}

func TestLockForExitAcquire(t *testing.T) {
	l := newTestLedger(t)

	ccid, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 2, "1.00"))
	require.NoError(t, err)

	locked, err := l.LockForExit(ccid, time.Minute)
	require.NoError(t, err)
	assert.True(t, locked)

	isLocked, err := l.IsLocked(ccid)
	require.NoError(t, err)
	assert.True(t, isLocked)

	pos, err := l.GetPositionByCCID(ccid)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, models.StatusPendingExit, pos.Status)
	require.NotNil(t, pos.PendingExitSince)
}

func TestLockForExitContention(t *testing.T) {
	l := newTestLedger(t)

	ccid, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 2, "1.00"))
	require.NoError(t, err)

	locked, err := l.LockForExit(ccid, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	again, err := l.LockForExit(ccid, time.Minute)
	require.NoError(t, err)
	assert.False(t, again, "second lock within the timeout must be refused")
}

func TestLockForExitExpiredLockReacquired(t *testing.T) {
	l := newTestLedger(t)

	ccid, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 2, "1.00"))
	require.NoError(t, err)
	advance := setClock(l, testDay)

	locked, err := l.LockForExit(ccid, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	before, err := l.GetPositionByCCID(ccid)
	require.NoError(t, err)
	require.NotNil(t, before.PendingExitSince)

	advance(90 * time.Second)

	reacquired, err := l.LockForExit(ccid, time.Minute)
	require.NoError(t, err)
	assert.True(t, reacquired, "expired lock should be silently taken over")

	after, err := l.GetPositionByCCID(ccid)
	require.NoError(t, err)
	require.NotNil(t, after.PendingExitSince)
	assert.True(t, after.PendingExitSince.After(*before.PendingExitSince),
		"lock timestamp should move forward on re-acquire")
}

func TestLockForExitMissingPosition(t *testing.T) {
	l := newTestLedger(t)

	locked, err := l.LockForExit("SPY_20260128_595_C", time.Minute)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLockForExitAllowsClosedPositions(t *testing.T) {
	l := newTestLedger(t)

	ccid, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.00"))
	require.NoError(t, err)
	ok, err := l.RecordSell(ccid, 1, dec("1.10"))
	require.NoError(t, err)
	require.True(t, ok)

	// Locking keys off the lock state, not the position status; exit flows
	// decide separately whether a closed position is actionable.
	locked, err := l.LockForExit(ccid, time.Minute)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestUnlockPosition(t *testing.T) {
	l := newTestLedger(t)

	ccid, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 2, "1.00"))
	require.NoError(t, err)

	locked, err := l.LockForExit(ccid, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	unlocked, err := l.UnlockPosition(ccid)
	require.NoError(t, err)
	assert.True(t, unlocked)

	pos, err := l.GetPositionByCCID(ccid)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.Nil(t, pos.PendingExitSince)

	// Second unlock is a no-op.
	unlocked, err = l.UnlockPosition(ccid)
	require.NoError(t, err)
	assert.False(t, unlocked)
}

func TestUnlockPositionNotLocked(t *testing.T) {
	l := newTestLedger(t)

	ccid, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 2, "1.00"))
	require.NoError(t, err)

	unlocked, err := l.UnlockPosition(ccid)
	require.NoError(t, err)
	assert.False(t, unlocked)

	unlocked, err = l.UnlockPosition("SPY_20990101_1_C")
	require.NoError(t, err)
	assert.False(t, unlocked)
}

func TestIsLockedMissingPosition(t *testing.T) {
	l := newTestLedger(t)

	isLocked, err := l.IsLocked("SPY_20260128_595_C")
	require.NoError(t, err)
	assert.False(t, isLocked)
}

func TestCleanupExpiredLocks(t *testing.T) {
	l := newTestLedger(t)

	stale, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.00"))
	require.NoError(t, err)
	fresh, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "600", models.OptionCall, 1, "0.80"))
	require.NoError(t, err)
	open, err := l.RecordBuy(buyTrade("NDX", "2026-02-20", "21000", models.OptionPut, 1, "8.00"))
	require.NoError(t, err)

	advance := setClock(l, testDay)

	locked, err := l.LockForExit(stale, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	advance(2 * time.Minute)

	locked, err = l.LockForExit(fresh, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	released, err := l.CleanupExpiredLocks(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	staleLocked, err := l.IsLocked(stale)
	require.NoError(t, err)
	assert.False(t, staleLocked, "stale lock should be released")

	freshLocked, err := l.IsLocked(fresh)
	require.NoError(t, err)
	assert.True(t, freshLocked, "fresh lock should survive the sweep")

	openLocked, err := l.IsLocked(open)
	require.NoError(t, err)
	assert.False(t, openLocked)

	// Idempotent: nothing left to release.
	released, err = l.CleanupExpiredLocks(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

func TestCleanupExpiredLocksEmptyLedger(t *testing.T) {
	l := newTestLedger(t)

	released, err := l.CleanupExpiredLocks(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}
