// Package util provides tick rounding helpers for option prices.
package util

import "github.com/shopspring/decimal"

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.01, 1.2345 becomes 1.23 and 1.235 becomes 1.24.
// A non-positive tick returns x unchanged.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}

// FloorToTick rounds x down to the nearest tick increment. Exit limits floor
// so the order never asks for more than the quoted price.
func FloorToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.Div(tick).Floor().Mul(tick)
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.Div(tick).Ceil().Mul(tick)
}
