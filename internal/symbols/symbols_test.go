package symbols

import (
	"reflect"
	"testing"
)

func TestBrokerSymbol(t *testing.T) {
	table := DefaultTable()

	tests := []struct {
		in   string
		want string
	}{
		{"SPX", "SPXW"},
		{"spx", "SPXW"},
		{"SPY", "SPY"},
		{"spy", "SPY"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := table.BrokerSymbol(tt.in); got != tt.want {
			t.Errorf("BrokerSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTraderSymbol(t *testing.T) {
	table := DefaultTable()

	tests := []struct {
		in   string
		want string
	}{
		{"SPXW", "SPX"},
		{"spxw", "SPX"},
		{"SPX", "SPX"},
		{"AAPL", "AAPL"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := table.TraderSymbol(tt.in); got != tt.want {
			t.Errorf("TraderSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestVariants(t *testing.T) {
	table := DefaultTable()

	tests := []struct {
		in   string
		want []string
	}{
		{"SPX", []string{"SPX", "SPXW"}},
		{"SPXW", []string{"SPX", "SPXW"}},
		{"spy", []string{"SPY"}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := table.Variants(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Variants(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCustomTable(t *testing.T) {
	table := NewTable(map[string]string{"ndx": " ndxp ", "": "X", "RUT": ""})

	if got := table.BrokerSymbol("NDX"); got != "NDXP" {
		t.Errorf("BrokerSymbol(NDX) = %q, want NDXP", got)
	}
	if got := table.TraderSymbol("NDXP"); got != "NDX" {
		t.Errorf("TraderSymbol(NDXP) = %q, want NDX", got)
	}
	// Blank halves are ignored rather than mapped.
	if got := table.BrokerSymbol("RUT"); got != "RUT" {
		t.Errorf("BrokerSymbol(RUT) = %q, want RUT", got)
	}
}
