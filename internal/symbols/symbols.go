// Package symbols maps between the tickers traders use and the symbols the
// broker actually trades them under. SPX is the canonical case: alerts say
// SPX, Robinhood fills the weekly SPXW chain, and the ledger must treat both
// as the same underlying.
package symbols

import (
	"sort"
	"strings"
)

// Table is a bidirectional ticker alias map. The zero value is unusable;
// build one with NewTable or DefaultTable.
type Table struct {
	toBroker map[string]string
	toTrader map[string]string
}

// defaultAliases are the mappings known to matter. Keys are trader symbols,
// values are the broker-side symbols.
var defaultAliases = map[string]string{
	"SPX": "SPXW",
}

// NewTable builds a Table from trader-to-broker alias pairs. Both sides are
// uppercased; the reverse direction is derived.
func NewTable(aliases map[string]string) *Table {
	t := &Table{
		toBroker: make(map[string]string, len(aliases)),
		toTrader: make(map[string]string, len(aliases)),
	}
	for trader, broker := range aliases {
		trader = strings.ToUpper(strings.TrimSpace(trader))
		broker = strings.ToUpper(strings.TrimSpace(broker))
		if trader == "" || broker == "" {
			continue
		}
		t.toBroker[trader] = broker
		t.toTrader[broker] = trader
	}
	return t
}

// DefaultTable returns a Table seeded with the built-in aliases.
func DefaultTable() *Table {
	return NewTable(defaultAliases)
}

// BrokerSymbol converts a trader symbol to the symbol the broker trades.
// Unmapped symbols pass through uppercased.
func (t *Table) BrokerSymbol(symbol string) string {
	if symbol == "" {
		return symbol
	}
	upper := strings.ToUpper(symbol)
	if broker, ok := t.toBroker[upper]; ok {
		return broker
	}
	return upper
}

// TraderSymbol converts a broker symbol back to the trader-facing ticker.
// Unmapped symbols pass through uppercased.
func (t *Table) TraderSymbol(symbol string) string {
	if symbol == "" {
		return symbol
	}
	upper := strings.ToUpper(symbol)
	if trader, ok := t.toTrader[upper]; ok {
		return trader
	}
	return upper
}

// Variants returns every spelling a symbol may appear under: the symbol
// itself plus its broker and trader aliases, deduplicated and sorted so
// queries built from the result are deterministic.
func (t *Table) Variants(symbol string) []string {
	if symbol == "" {
		return nil
	}
	upper := strings.ToUpper(symbol)
	set := map[string]struct{}{upper: {}}
	if broker, ok := t.toBroker[upper]; ok {
		set[broker] = struct{}{}
	}
	if trader, ok := t.toTrader[upper]; ok {
		set[trader] = struct{}{}
	}
	variants := make([]string, 0, len(set))
	for v := range set {
		variants = append(variants, v)
	}
	sort.Strings(variants)
	return variants
}
