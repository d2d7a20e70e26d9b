// Package money handles the engine's fixed-precision decimal arithmetic
// and its one-way, explicitly-rounded conversion into the float64 domain
// statistics live in.
//
// Prices and quantities are decimals throughout persistence and venue I/O.
// Rolling means, standard deviations and z-scores run in float64. Decimal
// to float64 loses precision only past the 16th significant digit, which
// is acceptable for statistics; the reverse conversion is lossy by
// construction and must go through ToDecimal, which rejects NaN/Infinity.
package money

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits the engine carries for all
// money values (prices, quantities, balances, PnL).
const Scale = 8

// Money is a fixed-precision decimal value.
type Money = decimal.Decimal

// Zero is the additive identity.
var Zero = decimal.Zero

// New builds a Money from an integer coefficient and a base-10 exponent,
// e.g. New(1050, -2) == 10.50.
func New(value int64, exp int32) Money {
	return decimal.New(value, exp)
}

// Parse parses a decimal string into Money.
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return d.Round(Scale), nil
}

// ToFloat64 converts a Money value to float64 for statistical use. This
// conversion is one-way: the result must never be written back as money
// without going through ToDecimal.
func ToFloat64(m Money) float64 {
	f, _ := m.Float64()
	return f
}

// ToDecimal converts a float64 back into Money, rejecting non-finite
// values. Callers must round explicitly to the precision the target
// field requires (see FloorToStep/CeilToTick/FloorToTick below for venue
// step/tick rounding).
func ToDecimal(f float64) (Money, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Zero, fmt.Errorf("money: cannot convert non-finite float %v to decimal", f)
	}
	return decimal.NewFromFloat(f).Round(Scale), nil
}

// FloorToStep rounds qty down to the nearest multiple of step (qty_step).
// Used for entry/exit order sizing: quantities must be a non-negative
// integer multiple of the venue's step size.
func FloorToStep(qty, step Money) Money {
	if step.IsZero() {
		return qty
	}
	units := qty.Div(step).Floor()
	return units.Mul(step)
}

// CeilToTick rounds price up to the nearest multiple of tick (tick_size).
// Used for buy-side entry prices (spot long) where the engine must not
// understate the price it is willing to pay.
func CeilToTick(price, tick Money) Money {
	if tick.IsZero() {
		return price
	}
	units := price.Div(tick).Ceil()
	return units.Mul(tick)
}

// FloorToTick rounds price down to the nearest multiple of tick. Used for
// sell-side entry prices (perp short) and wherever the rounding direction
// inverts per the venue's side (the monitor package's evaluateEntry and
// closePosition pick the direction for each leg).
func FloorToTick(price, tick Money) Money {
	if tick.IsZero() {
		return price
	}
	units := price.Div(tick).Floor()
	return units.Mul(tick)
}

// Notional returns qty * price rounded to Scale.
func Notional(qty, price Money) Money {
	return qty.Mul(price).Round(Scale)
}
