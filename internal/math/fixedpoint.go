package math

import (
	"fmt"
	stdmath "math"
	"math/big"
	"sync"

	"PerpLiquidator/internal/liqerr"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

const (
	// BpsDenom is the basis-point denominator (1 bps = 1/10000).
	BpsDenom int64 = 10_000

	// MaxRatio is returned for zero-notional ratios and reads as "infinitely healthy".
	MaxRatio int64 = stdmath.MaxInt64

	maxDecimalPrecision = 18
)

var (
	// PriceConfig is the engine's default price precision: 10^6 (exponent -6).
	PriceConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

// NewDecimalConfig builds a config for the given number of decimals.
func NewDecimalConfig(decimals int) (DecimalConfig, error) {
	if decimals < 0 || decimals > maxDecimalPrecision {
		return DecimalConfig{}, fmt.Errorf("decimal precision must be in [0, %d], got %d", maxDecimalPrecision, decimals)
	}
	scale, err := Pow10(decimals)
	if err != nil {
		return DecimalConfig{}, err
	}
	return DecimalConfig{DecimalPrecision: decimals, Scale: scale}, nil
}

// Exponent returns the power-of-ten exponent of the config (e.g. -6 for 10^6).
func (c DecimalConfig) Exponent() int32 {
	return -int32(c.DecimalPrecision)
}

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

var (
	bigMaxInt64  = new(big.Int).SetInt64(stdmath.MaxInt64)
	bigMinInt64  = new(big.Int).SetInt64(stdmath.MinInt64)
	bigMaxUint64 = new(big.Int).SetUint64(stdmath.MaxUint64)
)

func overflow(op string) error {
	return liqerr.New(liqerr.CodeArithmeticOverflow, "%s out of range", op)
}

// narrowInt64 converts a widened value back to int64, failing on range loss.
func narrowInt64(v *big.Int, op string) (int64, error) {
	if v.Cmp(bigMaxInt64) > 0 || v.Cmp(bigMinInt64) < 0 {
		return 0, overflow(op)
	}
	return v.Int64(), nil
}

// narrowUint64 converts a widened value back to uint64, failing on range loss.
func narrowUint64(v *big.Int, op string) (uint64, error) {
	if v.Sign() < 0 || v.Cmp(bigMaxUint64) > 0 {
		return 0, overflow(op)
	}
	return v.Uint64(), nil
}

// Pow10 returns 10^n as int64.
func Pow10(n int) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative exponent %d", n)
	}
	result := int64(1)
	for i := 0; i < n; i++ {
		if result > stdmath.MaxInt64/10 {
			return 0, overflow("pow10")
		}
		result *= 10
	}
	return result, nil
}

// MulDiv computes a * b / denominator in widened arithmetic. Division truncates
// toward zero. A zero denominator is a programming error and reported as overflow.
func MulDiv(a, b, denominator int64) (int64, error) {
	if denominator == 0 {
		return 0, overflow("mul_div denominator")
	}
	x := getInt128()
	y := getInt128()
	defer putInt128(x)
	defer putInt128(y)

	x.SetInt64(a)
	y.SetInt64(b)
	x.Mul(x, y)
	y.SetInt64(denominator)
	x.Quo(x, y) // Quo truncates toward zero; Div would floor negatives

	return narrowInt64(x, "mul_div")
}

// MulDivUint is MulDiv over unsigned operands.
func MulDivUint(a, b, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, overflow("mul_div denominator")
	}
	x := getInt128()
	y := getInt128()
	defer putInt128(x)
	defer putInt128(y)

	x.SetUint64(a)
	y.SetUint64(b)
	x.Mul(x, y)
	y.SetUint64(denominator)
	x.Quo(x, y)

	return narrowUint64(x, "mul_div")
}

// MulDivSigned computes a * b / denominator where a is signed and b, denominator
// are unsigned. Used for PnL (signed per-unit move times unsigned size).
func MulDivSigned(a int64, b, denominator uint64) (int64, error) {
	if denominator == 0 {
		return 0, overflow("mul_div denominator")
	}
	x := getInt128()
	y := getInt128()
	defer putInt128(x)
	defer putInt128(y)

	x.SetInt64(a)
	y.SetUint64(b)
	x.Mul(x, y)
	y.SetUint64(denominator)
	x.Quo(x, y)

	return narrowInt64(x, "mul_div")
}

// RatioBps computes numerator * bpsDenom / denominator. A zero denominator
// returns MaxRatio rather than failing: zero notional is treated as healthy.
func RatioBps(numerator int64, denominator uint64, bpsDenom int64) (int64, error) {
	if denominator == 0 {
		return MaxRatio, nil
	}
	x := getInt128()
	y := getInt128()
	defer putInt128(x)
	defer putInt128(y)

	x.SetInt64(numerator)
	y.SetInt64(bpsDenom)
	x.Mul(x, y)
	y.SetUint64(denominator)
	x.Quo(x, y)

	return narrowInt64(x, "ratio")
}

// ApplyBps returns amount * bps / bpsDenom, truncated.
func ApplyBps(amount, bps uint64, bpsDenom int64) (uint64, error) {
	if bpsDenom <= 0 {
		return 0, overflow("bps denominator")
	}
	return MulDivUint(amount, bps, uint64(bpsDenom))
}

// CheckedAdd returns a + b or ArithmeticOverflow.
func CheckedAdd(a, b int64) (int64, error) {
	if (b > 0 && a > stdmath.MaxInt64-b) || (b < 0 && a < stdmath.MinInt64-b) {
		return 0, overflow("add")
	}
	return a + b, nil
}

// CheckedSub returns a - b or ArithmeticOverflow.
func CheckedSub(a, b int64) (int64, error) {
	if (b < 0 && a > stdmath.MaxInt64+b) || (b > 0 && a < stdmath.MinInt64+b) {
		return 0, overflow("sub")
	}
	return a - b, nil
}

// CheckedAddUint returns a + b or ArithmeticOverflow.
func CheckedAddUint(a, b uint64) (uint64, error) {
	if a > stdmath.MaxUint64-b {
		return 0, overflow("add")
	}
	return a + b, nil
}

// CheckedSubUint returns a - b or ArithmeticOverflow when b > a.
func CheckedSubUint(a, b uint64) (uint64, error) {
	if b > a {
		return 0, overflow("sub")
	}
	return a - b, nil
}

// SignedDiff returns a - b for unsigned operands as a signed value.
func SignedDiff(a, b uint64) (int64, error) {
	x := getInt128()
	y := getInt128()
	defer putInt128(x)
	defer putInt128(y)

	x.SetUint64(a)
	y.SetUint64(b)
	x.Sub(x, y)

	return narrowInt64(x, "diff")
}

// ToInt64 narrows an unsigned amount into the signed range.
func ToInt64(v uint64) (int64, error) {
	if v > stdmath.MaxInt64 {
		return 0, overflow("cast")
	}
	return int64(v), nil
}

// ToUint64 narrows a signed amount into the unsigned range; negatives fail.
func ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, overflow("cast")
	}
	return uint64(v), nil
}

// Neg returns -v, failing for MinInt64.
func Neg(v int64) (int64, error) {
	if v == stdmath.MinInt64 {
		return 0, overflow("neg")
	}
	return -v, nil
}

// RescaleExponent converts value*10^fromExpo into the representation at toExpo
// by repeated multiplication or division by 10 in widened arithmetic.
// Division truncates toward zero. The result must fit in int64.
func RescaleExponent(value int64, fromExpo, toExpo int32) (int64, error) {
	v := getInt128()
	ten := getInt128()
	defer putInt128(v)
	defer putInt128(ten)

	v.SetInt64(value)
	ten.SetInt64(10)

	// value * 10^from = result * 10^to  =>  result = value * 10^(from - to)
	delta := int64(fromExpo) - int64(toExpo)
	switch {
	case delta > 0:
		for i := int64(0); i < delta; i++ {
			v.Mul(v, ten)
			if v.Cmp(bigMaxInt64) > 0 || v.Cmp(bigMinInt64) < 0 {
				return 0, overflow("rescale")
			}
		}
	case delta < 0:
		for i := int64(0); i > delta && v.Sign() != 0; i-- {
			v.Quo(v, ten)
		}
	}

	return narrowInt64(v, "rescale")
}
