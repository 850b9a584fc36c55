package common

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// ParseAmount parses a base-10 token amount. Values must be non-negative and
// fit in 256 bits, matching the width of on-ledger balances.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return value.ToBig(), nil
}

// CheckedAdd adds two balances and fails when the sum leaves the 256-bit range.
func CheckedAdd(a, b *big.Int) (*big.Int, error) {
	x, overflow := uint256.FromBig(Clone(a))
	if overflow || a.Sign() < 0 {
		return nil, NewError(ErrOutOfBounds, "amount exceeds 256 bits")
	}
	y, overflow := uint256.FromBig(Clone(b))
	if overflow || b.Sign() < 0 {
		return nil, NewError(ErrOutOfBounds, "amount exceeds 256 bits")
	}
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, NewError(ErrOutOfBounds, "balance overflow")
	}
	return sum.ToBig(), nil
}
