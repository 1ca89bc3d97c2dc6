// Package decimalx holds the fixed-point helpers every other trading-core
// package reaches for instead of float math: tick/lot validation and the
// precision rule from spec §9 (scale = max decimals of base/quote plus
// tick/lot exponents).
package decimalx

import "github.com/shopspring/decimal"

// IsMultipleOf reports whether amount is a non-negative integer multiple of
// step (step must be positive). Used to validate price-against-tick and
// size-against-lot before an order is admitted.
func IsMultipleOf(amount, step decimal.Decimal) bool {
	if step.Sign() <= 0 {
		return false
	}
	ratio := amount.Div(step)
	return ratio.Equal(ratio.Truncate(0))
}

// Scale returns the number of decimal places needed to exactly represent
// every one of the given step sizes without rounding.
func Scale(steps ...decimal.Decimal) int32 {
	var max int32
	for _, s := range steps {
		if e := -s.Exponent(); e > max {
			max = e
		}
	}
	return max
}

// Quantize rounds amount down to the nearest multiple of step, never up —
// used by the market maker to align its quotes to tick and lot, never inside
// settlement math, where validation rejects non-aligned quantities instead of
// silently rounding.
func Quantize(amount, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return amount
	}
	n := amount.Div(step).Truncate(0)
	return n.Mul(step)
}
