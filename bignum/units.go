// Package bignum implements the canonical 18-decimal unit arithmetic used for
// cross-chain amount comparisons, together with deci-basis-point slippage math.
//
// Amounts read from chains carry the token's native precision. They are scaled
// to 18 decimals exactly once, at the aggregation seam; everything above that
// seam compares amounts in the canonical unit. Helpers that take or return
// native-precision values carry "Native" in their name.
package bignum

import (
	"errors"
	"fmt"
	"math/big"
)

// DbpsDenominator is the deci-basis-point scale: 1 dbps = 1e-5.
const DbpsDenominator = 100_000

// CanonicalDecimals is the precision of the internal canonical unit.
const CanonicalDecimals = 18

// RoundingTolerance is the amount below which a residual shortfall is treated
// as fulfilled: 1e12, roughly one smallest unit of a 6-decimal token after
// upscaling.
var RoundingTolerance = new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)

var (
	errNegativeAmount = errors.New("negative amount")
	errBadDecimals    = errors.New("decimals exceed 18")
)

var pow10 [CanonicalDecimals + 1]*big.Int

func init() {
	for i := range pow10 {
		pow10[i] = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(i)), nil)
	}
}

// Normalize scales a native-precision amount up to the canonical 18-decimal
// unit. decimals above 18 are rejected rather than truncated.
func Normalize(native *big.Int, decimals uint8) (*big.Int, error) {
	if decimals > CanonicalDecimals {
		return nil, fmt.Errorf("%w: %d", errBadDecimals, decimals)
	}
	return new(big.Int).Mul(native, pow10[CanonicalDecimals-decimals]), nil
}

// Denormalize scales a canonical amount down to native precision, truncating
// any dust below the token's smallest unit.
func Denormalize(canonical *big.Int, decimals uint8) (*big.Int, error) {
	if decimals > CanonicalDecimals {
		return nil, fmt.Errorf("%w: %d", errBadDecimals, decimals)
	}
	return new(big.Int).Quo(canonical, pow10[CanonicalDecimals-decimals]), nil
}

// ParseAmount parses a base-10 integer amount string. The empty string parses
// to zero, matching the hub's representation of absent amounts.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s", errNegativeAmount, s)
	}
	return v, nil
}

// GrossUpForSlippage returns the input that must be sent so that, after losing
// up to slippageDbps to the bridge, at least needed arrives:
//
//	gross = needed * M / (M - slippageDbps)
//
// rounded up so the estimate never undershoots.
func GrossUpForSlippage(needed *big.Int, slippageDbps int64) *big.Int {
	if slippageDbps <= 0 {
		return new(big.Int).Set(needed)
	}
	if slippageDbps >= DbpsDenominator {
		slippageDbps = DbpsDenominator - 1
	}
	num := new(big.Int).Mul(needed, big.NewInt(DbpsDenominator))
	den := big.NewInt(DbpsDenominator - slippageDbps)
	num.Add(num, new(big.Int).Sub(den, big.NewInt(1)))
	return num.Quo(num, den)
}

// RealizedSlippageDbps computes the slippage actually quoted by a bridge, in
// dbps: (sent - received) * M / sent. Both amounts must share a unit. A
// received amount above sent reports zero, not a negative bonus.
func RealizedSlippageDbps(sent, received *big.Int) int64 {
	if sent.Sign() <= 0 || received.Cmp(sent) >= 0 {
		return 0
	}
	loss := new(big.Int).Sub(sent, received)
	loss.Mul(loss, big.NewInt(DbpsDenominator))
	return loss.Quo(loss, sent).Int64()
}

// WithinTolerance reports whether a residual shortfall is small enough to be
// treated as zero.
func WithinTolerance(residual *big.Int) bool {
	return residual.Cmp(RoundingTolerance) <= 0
}

// Min returns the smaller of a and b as a fresh value.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
