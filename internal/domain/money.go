package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money amounts are stored as BIGINT micros (10^-6 USD) to avoid floating
// point errors. The partner protocol speaks in decimal dollars, so every
// inbound amount passes through ParseAmount and every outbound balance
// through FormatMicros.
const microsPerUnit = 1_000_000

// ParseAmount converts a partner-supplied decimal dollar amount to micros.
// Rejects negative and zero amounts and anything with sub-micro precision.
func ParseAmount(d decimal.Decimal) (int64, error) {
	if d.Sign() <= 0 {
		return 0, fmt.Errorf("amount must be positive, got %s", d)
	}
	micros := d.Mul(decimal.NewFromInt(microsPerUnit))
	if !micros.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than 6 decimal places", d)
	}
	return micros.IntPart(), nil
}

// ToDecimal converts int64 micros to a shopspring/decimal dollar value.
func ToDecimal(micros int64) decimal.Decimal {
	return decimal.NewFromInt(micros).Div(decimal.NewFromInt(microsPerUnit))
}

// FromDecimal converts a decimal dollar value to int64 micros, rounding down.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(microsPerUnit)).IntPart()
}

// FormatMicros renders micros as a fixed two-decimal dollar string for
// partner responses and logs.
func FormatMicros(micros int64) string {
	return ToDecimal(micros).StringFixed(2)
}
