package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maut11/RHTBv5-sub000/internal/models"
)

func strikeHint(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestResolveNoOpenPositions(t *testing.T) {
	l := newTestLedger(t)

	got, err := l.ResolvePosition("SPY", Hints{}, models.HeuristicFIFO, false)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = l.ResolvePosition("SPY", Hints{}, models.HeuristicFIFO, true)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveSinglePositionDirect(t *testing.T) {
	l := newTestLedger(t)

	ccid, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.00"))
	require.NoError(t, err)

	// Hints that do not even match should not matter with one candidate.
	got, err := l.ResolvePosition("SPY", Hints{Strike: strikeHint("999")}, models.HeuristicFIFO, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ccid, got[0].CCID)
}

func TestResolveStrikeHintSelectsContract(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.00"))
	require.NoError(t, err)
	want, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "600", models.OptionCall, 1, "0.80"))
	require.NoError(t, err)

	got, err := l.ResolvePosition("SPY", Hints{Strike: strikeHint("600")}, models.HeuristicFIFO, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0].CCID)

	// Within epsilon still matches.
	got, err = l.ResolvePosition("SPY", Hints{Strike: strikeHint("600.005")}, models.HeuristicFIFO, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0].CCID)
}

func TestResolveExpirationHintBeatsZeroDTEBonus(t *testing.T) {
	l := newTestLedger(t)

	// testDay is 2026-01-28, so the first contract is 0DTE (+3). The
	// expiration hint on the later contract scores +10 and must win.
	_, err := l.RecordBuy(buyTrade("SPY", "2026-01-28", "595", models.OptionCall, 1, "1.00"))
	require.NoError(t, err)
	want, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.50"))
	require.NoError(t, err)

	for _, hint := range []string{"2026-02-20", "20260220", "2/20/2026"} {
		got, err := l.ResolvePosition("SPY", Hints{Expiration: hint}, models.HeuristicFIFO, false)
		require.NoError(t, err)
		require.Len(t, got, 1, "hint %q", hint)
		assert.Equal(t, want, got[0].CCID, "hint %q", hint)
	}
}

func TestResolveZeroDTETokens(t *testing.T) {
	l := newTestLedger(t)

	want, err := l.RecordBuy(buyTrade("SPY", "2026-01-28", "595", models.OptionCall, 1, "1.00"))
	require.NoError(t, err)
	_, err = l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.50"))
	require.NoError(t, err)

	for _, hint := range []string{"0dte", "0-DTE", "today"} {
		got, err := l.ResolvePosition("SPY", Hints{Expiration: hint}, models.HeuristicFIFO, false)
		require.NoError(t, err)
		require.Len(t, got, 1, "hint %q", hint)
		assert.Equal(t, want, got[0].CCID, "hint %q", hint)
	}
}

func TestResolveTypeHint(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.00"))
	require.NoError(t, err)
	want, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "590", models.OptionPut, 1, "1.20"))
	require.NoError(t, err)

	for _, hint := range []string{"put", "p", "P", " Put "} {
		got, err := l.ResolvePosition("SPY", Hints{OptionType: hint}, models.HeuristicFIFO, false)
		require.NoError(t, err)
		require.Len(t, got, 1, "hint %q", hint)
		assert.Equal(t, want, got[0].CCID, "hint %q", hint)
	}
}

func TestResolveTieAppliesFIFO(t *testing.T) {
	l := newTestLedger(t)

	oldest, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.00"))
	require.NoError(t, err)
	_, err = l.RecordBuy(buyTrade("SPY", "2026-02-20", "600", models.OptionCall, 1, "0.80"))
	require.NoError(t, err)

	got, err := l.ResolvePosition("SPY", Hints{}, models.HeuristicFIFO, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, oldest, got[0].CCID)
}

func TestResolveHeuristics(t *testing.T) {
	t.Run("nearest prefers 0DTE, fifo within", func(t *testing.T) {
		l := newTestLedger(t)
		// Two 0DTE contracts tie on the +3 bonus; the heuristic must pick
		// the earlier entry among them, not the far contract.
		want, err := l.RecordBuy(buyTrade("SPY", "2026-01-28", "595", models.OptionCall, 1, "1.00"))
		require.NoError(t, err)
		_, err = l.RecordBuy(buyTrade("SPY", "2026-01-28", "600", models.OptionCall, 1, "0.80"))
		require.NoError(t, err)
		_, err = l.RecordBuy(buyTrade("SPY", "2026-03-20", "605", models.OptionCall, 1, "1.50"))
		require.NoError(t, err)

		got, err := l.ResolvePosition("SPY", Hints{}, models.HeuristicNearest, false)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, want, got[0].CCID)
	})

	t.Run("nearest picks soonest expiration without 0DTE", func(t *testing.T) {
		l := newTestLedger(t)
		_, err := l.RecordBuy(buyTrade("SPY", "2026-03-20", "595", models.OptionCall, 1, "1.00"))
		require.NoError(t, err)
		want, err := l.RecordBuy(buyTrade("SPY", "2026-02-06", "600", models.OptionCall, 1, "0.90"))
		require.NoError(t, err)

		got, err := l.ResolvePosition("SPY", Hints{}, models.HeuristicNearest, false)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, want, got[0].CCID)
	})

	t.Run("largest picks max quantity", func(t *testing.T) {
		l := newTestLedger(t)
		_, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.00"))
		require.NoError(t, err)
		want, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "600", models.OptionCall, 4, "0.80"))
		require.NoError(t, err)

		got, err := l.ResolvePosition("SPY", Hints{}, models.HeuristicLargest, false)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, want, got[0].CCID)
	})

	t.Run("profit falls back to fifo", func(t *testing.T) {
		l := newTestLedger(t)
		want, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.00"))
		require.NoError(t, err)
		_, err = l.RecordBuy(buyTrade("SPY", "2026-02-20", "600", models.OptionCall, 4, "0.80"))
		require.NoError(t, err)

		got, err := l.ResolvePosition("SPY", Hints{}, models.HeuristicProfit, false)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, want, got[0].CCID)
	})

	t.Run("unknown heuristic falls back to fifo", func(t *testing.T) {
		l := newTestLedger(t)
		want, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.00"))
		require.NoError(t, err)
		_, err = l.RecordBuy(buyTrade("SPY", "2026-02-20", "600", models.OptionCall, 4, "0.80"))
		require.NoError(t, err)

		got, err := l.ResolvePosition("SPY", Hints{}, models.Heuristic("magic"), false)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, want, got[0].CCID)
	})
}

func TestResolveReturnAllOrdersByScore(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.00"))
	require.NoError(t, err)
	matched, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "600", models.OptionCall, 1, "0.80"))
	require.NoError(t, err)

	got, err := l.ResolvePosition("SPY", Hints{Strike: strikeHint("600")}, models.HeuristicFIFO, true)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, matched, got[0].CCID, "highest score first")
}

func TestResolveExitAllHintForcesAll(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.00"))
	require.NoError(t, err)
	_, err = l.RecordBuy(buyTrade("SPY", "2026-02-20", "600", models.OptionCall, 1, "0.80"))
	require.NoError(t, err)

	got, err := l.ResolvePosition("SPY", Hints{ExitAll: true}, models.HeuristicFIFO, false)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestResolveSkipsLockedPositions(t *testing.T) {
	l := newTestLedger(t)

	lockedCCID, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 1, "1.00"))
	require.NoError(t, err)
	openCCID, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "600", models.OptionCall, 1, "0.80"))
	require.NoError(t, err)

	locked, err := l.LockForExit(lockedCCID, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	got, err := l.ResolvePosition("SPY", Hints{}, models.HeuristicFIFO, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, openCCID, got[0].CCID)

	locked, err = l.LockForExit(openCCID, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	got, err = l.ResolvePosition("SPY", Hints{}, models.HeuristicFIFO, false)
	require.NoError(t, err)
	assert.Empty(t, got, "all candidates locked, nothing resolvable")
}

func TestGetAllPositionsForExit(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 2, "1.00"))
	require.NoError(t, err)
	_, err = l.RecordBuy(buyTrade("SPY", "2026-02-20", "600", models.OptionCall, 3, "0.80"))
	require.NoError(t, err)
	_, err = l.RecordBuy(buyTrade("NDX", "2026-02-20", "21000", models.OptionPut, 1, "8.00"))
	require.NoError(t, err)

	got, err := l.GetAllPositionsForExit("SPY")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestExitAllPositions(t *testing.T) {
	l := newTestLedger(t)

	first, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "595", models.OptionCall, 2, "1.00"))
	require.NoError(t, err)
	second, err := l.RecordBuy(buyTrade("SPY", "2026-02-20", "600", models.OptionCall, 3, "0.80"))
	require.NoError(t, err)
	other, err := l.RecordBuy(buyTrade("NDX", "2026-02-20", "21000", models.OptionPut, 1, "8.00"))
	require.NoError(t, err)

	closed, err := l.ExitAllPositions("SPY", dec("1.50"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first, second}, closed)

	for _, ccid := range []string{first, second} {
		pos, err := l.GetPositionByCCID(ccid)
		require.NoError(t, err)
		require.NotNil(t, pos)
		assert.Equal(t, models.StatusClosed, pos.Status, "ccid %s", ccid)
	}

	untouched, err := l.GetPositionByCCID(other)
	require.NoError(t, err)
	require.NotNil(t, untouched)
	assert.Equal(t, models.StatusOpen, untouched.Status)
}
