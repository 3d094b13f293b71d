package math

import (
	stdmath "math"
	"math/big"
	"sync"
)

// BpsScale is the basis-point denominator: 10_000 bps = 100% = ratio 1.0.
const BpsScale int64 = 10_000

// Unbounded is returned by RatioBps when the denominator is zero.
const Unbounded int64 = stdmath.MaxInt64

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

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
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b without overflowing int64.
// The caller owns the returned value.
func MultiplyInt128(a, b int64) *big.Int {
	result := new(big.Int)
	return result.Mul(big.NewInt(a), big.NewInt(b))
}

// DivideInt128 performs numerator / denominator for non-negative operands.
// Results that do not fit in int64 saturate at math.MaxInt64.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.DivMod(numerator, denom, remainder)

	if !quotient.IsInt64() {
		return stdmath.MaxInt64
	}
	result := quotient.Int64()

	switch roundingMode {
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	case RoundHalfEven:
		twice := getInt128()
		defer putInt128(twice)
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(denom)
		if cmp > 0 || (cmp == 0 && result%2 != 0) {
			result++
		}
	}

	return result
}

// MulDiv computes a * b / c with a 128-bit intermediate product.
func MulDiv(a, b, c int64, mode RoundingMode) int64 {
	return DivideInt128(MultiplyInt128(a, b), c, mode)
}

// ApplyBps returns amount * bps / 10_000.
func ApplyBps(amount, bps int64, mode RoundingMode) int64 {
	return MulDiv(amount, bps, BpsScale, mode)
}

// RatioBps returns numerator / denominator expressed in basis points,
// rounded down. A zero denominator yields Unbounded.
func RatioBps(numerator, denominator int64) int64 {
	if denominator <= 0 {
		return Unbounded
	}
	return MulDiv(numerator, BpsScale, denominator, RoundDown)
}

// RatioAtLeast reports whether numerator / denominator >= minBps / 10_000
// using exact cross-multiplication. A zero denominator always satisfies it.
func RatioAtLeast(numerator, denominator, minBps int64) bool {
	if denominator <= 0 {
		return true
	}
	lhs := MultiplyInt128(numerator, BpsScale)
	rhs := MultiplyInt128(denominator, minBps)
	return lhs.Cmp(rhs) >= 0
}

// Min64 returns the smallest of its arguments.
func Min64(first int64, rest ...int64) int64 {
	m := first
	for _, v := range rest {
		if v < m {
			m = v
		}
	}
	return m
}
