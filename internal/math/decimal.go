package math

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToDecimal renders a fixed-point amount as a decimal with the given number
// of fractional digits. Exact; no rounding happens.
func ToDecimal(v int64, decimals int) decimal.Decimal {
	return decimal.New(v, -int32(decimals))
}

// ToDecimalUint is ToDecimal for unsigned amounts.
func ToDecimalUint(v uint64, decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -int32(decimals))
}

// FromDecimal converts a decimal into fixed-point at the given scale.
// Values with more fractional digits than the scale allows, or that do not fit
// in int64, are rejected rather than rounded.
func FromDecimal(d decimal.Decimal, decimals int) (int64, error) {
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%s has more than %d decimal places", d.String(), decimals)
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, overflow("decimal")
	}
	return bi.Int64(), nil
}

// FromDecimalUint converts a non-negative decimal into unsigned fixed-point.
func FromDecimalUint(d decimal.Decimal, decimals int) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%s must not be negative", d.String())
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%s has more than %d decimal places", d.String(), decimals)
	}
	bi := shifted.BigInt()
	if !bi.IsUint64() {
		return 0, overflow("decimal")
	}
	return bi.Uint64(), nil
}

// ParseDecimal parses a decimal string directly into fixed-point.
func ParseDecimal(s string, decimals int) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return FromDecimal(d, decimals)
}
