package util

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        string
		tick     string
		expected string
	}{
		{
			name:     "basic rounding down",
			x:        "1.2345",
			tick:     "0.01",
			expected: "1.23",
		},
		{
			name:     "tie rounds away from zero",
			x:        "1.235",
			tick:     "0.01",
			expected: "1.24",
		},
		{
			name:     "negative tie rounds away from zero",
			x:        "-1.235",
			tick:     "0.01",
			expected: "-1.24",
		},
		{
			name:     "negative basic rounding",
			x:        "-1.2345",
			tick:     "0.01",
			expected: "-1.23",
		},
		{
			name:     "larger tick size",
			x:        "1.27",
			tick:     "0.05",
			expected: "1.25",
		},
		{
			name:     "exact multiple",
			x:        "1.25",
			tick:     "0.05",
			expected: "1.25",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTick(decimal.RequireFromString(tt.x), decimal.RequireFromString(tt.tick))
			if !result.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("RoundToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestFloorToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        string
		tick     string
		expected string
	}{
		{
			name:     "exact multiple",
			x:        "1.30",
			tick:     "0.05",
			expected: "1.30",
		},
		{
			name:     "basic floor",
			x:        "1.237",
			tick:     "0.01",
			expected: "1.23",
		},
		{
			name:     "just above tick boundary",
			x:        "1.2501",
			tick:     "0.05",
			expected: "1.25",
		},
		{
			name:     "negative values",
			x:        "-1.237",
			tick:     "0.01",
			expected: "-1.24",
		},
		{
			name:     "negative exact multiple",
			x:        "-1.25",
			tick:     "0.05",
			expected: "-1.25",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FloorToTick(decimal.RequireFromString(tt.x), decimal.RequireFromString(tt.tick))
			if !result.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("FloorToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestCeilToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        string
		tick     string
		expected string
	}{
		{
			name:     "exact multiple",
			x:        "1.30",
			tick:     "0.05",
			expected: "1.30",
		},
		{
			name:     "basic ceil",
			x:        "1.231",
			tick:     "0.01",
			expected: "1.24",
		},
		{
			name:     "just below tick boundary",
			x:        "1.2999",
			tick:     "0.05",
			expected: "1.30",
		},
		{
			name:     "negative values",
			x:        "-1.231",
			tick:     "0.01",
			expected: "-1.23",
		},
		{
			name:     "negative exact multiple",
			x:        "-1.25",
			tick:     "0.05",
			expected: "-1.25",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CeilToTick(decimal.RequireFromString(tt.x), decimal.RequireFromString(tt.tick))
			if !result.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("CeilToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestTickRoundingEdgeCases(t *testing.T) {
	t.Run("zero tick returns input", func(t *testing.T) {
		input := decimal.RequireFromString("1.2345")
		if result := RoundToTick(input, decimal.Zero); !result.Equal(input) {
			t.Errorf("RoundToTick(%v, 0) = %v, expected %v", input, result, input)
		}
		if result := FloorToTick(input, decimal.Zero); !result.Equal(input) {
			t.Errorf("FloorToTick(%v, 0) = %v, expected %v", input, result, input)
		}
		if result := CeilToTick(input, decimal.Zero); !result.Equal(input) {
			t.Errorf("CeilToTick(%v, 0) = %v, expected %v", input, result, input)
		}
	})

	t.Run("negative tick returns input", func(t *testing.T) {
		input := decimal.RequireFromString("1.235")
		tick := decimal.RequireFromString("-0.01")
		if result := RoundToTick(input, tick); !result.Equal(input) {
			t.Errorf("RoundToTick(%v, %v) = %v, expected %v", input, tick, result, input)
		}
	})

	t.Run("sub-penny tick", func(t *testing.T) {
		result := RoundToTick(decimal.RequireFromString("1.23456"), decimal.RequireFromString("0.001"))
		expected := decimal.RequireFromString("1.235")
		if !result.Equal(expected) {
			t.Errorf("RoundToTick(1.23456, 0.001) = %v, expected %v", result, expected)
		}
	})
}
