package models

import "github.com/shopspring/decimal"

// MicrosPerEuro is the fixed-point scale used when persisting amounts.
const MicrosPerEuro = 1_000_000

var hundred = decimal.NewFromInt(100)

// ToMicros converts an amount to integer micro-euros, rounding half away from zero.
func ToMicros(d decimal.Decimal) int64 {
	return d.Shift(6).Round(0).IntPart()
}

// FromMicros converts integer micro-euros back to an amount.
func FromMicros(m int64) decimal.Decimal {
	return decimal.New(m, -6)
}

// RoundTotal rounds a total for presentation.
func RoundTotal(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// RoundUnit rounds a per-request amount for presentation.
func RoundUnit(d decimal.Decimal) decimal.Decimal {
	return d.Round(4)
}

// Percent returns part/whole*100, or zero when whole is zero.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).DivRound(whole, 8)
}
