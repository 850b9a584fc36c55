package common

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Percent is a percentage scaled by 10^PercentDecimals, so HundredPercent
// represents 100%.
type Percent uint32

const (
	PercentDecimals = 1
	HundredPercent  = Percent(1000)
)

var hundredPercent = big.NewInt(int64(HundredPercent))

// Big returns the value as a big integer.
func (p Percent) Big() *big.Int { return big.NewInt(int64(p)) }

// Valid reports whether p lies within [0, 100%].
func (p Percent) Valid() bool { return p <= HundredPercent }

// Decimal renders the value as a human readable percentage, e.g. 125 -> 12.5.
func (p Percent) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -PercentDecimals)
}

func (p Percent) String() string {
	return p.Decimal().String() + "%"
}

// ParsePercent converts a human readable percentage ("12.5") into the scaled
// integer form. More fractional digits than PercentDecimals are rejected.
func ParsePercent(s string) (Percent, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse percent %q: %w", s, err)
	}
	scaled := d.Shift(PercentDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("percent %q exceeds %d decimal places", s, PercentDecimals)
	}
	if scaled.Sign() < 0 || scaled.GreaterThan(decimal.NewFromInt(int64(^uint32(0)))) {
		return 0, fmt.Errorf("percent %q out of range", s)
	}
	return Percent(scaled.IntPart()), nil
}

// MulPercent returns floor(amount * p / HundredPercent).
func MulPercent(amount *big.Int, p Percent) *big.Int {
	if amount == nil || amount.Sign() <= 0 || p == 0 {
		return big.NewInt(0)
	}
	return MulDiv(amount, p.Big(), hundredPercent)
}

// MulDiv returns floor(a * b / d). A zero divisor yields zero.
func MulDiv(a, b, d *big.Int) *big.Int {
	if a == nil || b == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, d)
}

// MulDivUp returns ceil(a * b / d) for non-negative operands.
func MulDivUp(a, b, d *big.Int) *big.Int {
	if a == nil || b == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(product, d, new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// FundsToShares converts an asset amount into pool shares at the current
// valuation. An empty pool mints 1:1. A pool with shares but no funds cannot
// price new shares and yields zero.
func FundsToShares(amount, totalFunds, totalShares *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if totalShares == nil || totalShares.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	if totalFunds == nil || totalFunds.Sign() == 0 {
		return big.NewInt(0)
	}
	return MulDiv(amount, totalShares, totalFunds)
}

// SharesToFunds is the inverse of FundsToShares.
func SharesToFunds(shares, totalFunds, totalShares *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 {
		return big.NewInt(0)
	}
	if totalShares == nil || totalShares.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	return MulDiv(shares, totalFunds, totalShares)
}

// Min returns a copy of the smaller value.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// SubFloor returns max(a-b, 0).
func SubFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		return out.SetInt64(0)
	}
	return out
}

// Clone returns a non-nil copy of v.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
