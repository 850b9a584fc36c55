package lending

import (
	"fmt"
	"math/big"

	nativecommon "poolledger/native/common"
)

// Bounds enforced on governance supplied parameters.
const (
	MaxProtocolFeePercent = nativecommon.Percent(100)  // 10%
	MinEarnFactor         = nativecommon.HundredPercent // 100%
	MaxEarnFactor         = nativecommon.Percent(5000) // 500%
	MaxExitFeePercent     = nativecommon.Percent(50)   // 5%
)

// Params groups the governance controlled knobs of a pool.
type Params struct {
	// TargetStakePercent is the minimum ratio of staked funds to total funds.
	// It also defines the funding limit: stakedFunds / TargetStakePercent.
	TargetStakePercent nativecommon.Percent
	// TargetLiquidityPercent of TotalFunds is kept out of reach of new offers.
	TargetLiquidityPercent nativecommon.Percent
	// ProtocolFeePercent of each interest payment goes to the treasury.
	ProtocolFeePercent nativecommon.Percent
	// EarnFactor boosts the staker's share of interest relative to its
	// ownership. 100% means no boost.
	EarnFactor nativecommon.Percent
	// ExitFeePercent applies to withdrawals within ExitFeeCooldown seconds of
	// the lender's latest deposit.
	ExitFeePercent  nativecommon.Percent
	ExitFeeCooldown uint64
	// MinInitialStake is the smallest first stake and the stake value needed to
	// open the pool.
	MinInitialStake *big.Int
	// StakerInactivityPeriod after which governance may default loans.
	StakerInactivityPeriod uint64
}

// DefaultParams returns conservative defaults.
func DefaultParams() Params {
	return Params{
		TargetStakePercent:     100,
		TargetLiquidityPercent: 0,
		ProtocolFeePercent:     20,
		EarnFactor:             1500,
		ExitFeePercent:         5,
		ExitFeeCooldown:        7 * 24 * 60 * 60,
		MinInitialStake:        big.NewInt(1_000),
		StakerInactivityPeriod: 30 * 24 * 60 * 60,
	}
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	clone := p
	clone.MinInitialStake = nativecommon.Clone(p.MinInitialStake)
	return clone
}

// Validate enforces the governance bounds.
func (p Params) Validate() error {
	if p.TargetStakePercent == 0 || p.TargetStakePercent > nativecommon.HundredPercent {
		return fmt.Errorf("%w: target stake %s outside (0%%, 100%%]", errParamBounds, p.TargetStakePercent)
	}
	if p.TargetLiquidityPercent > nativecommon.HundredPercent {
		return fmt.Errorf("%w: target liquidity %s above 100%%", errParamBounds, p.TargetLiquidityPercent)
	}
	if p.ProtocolFeePercent > MaxProtocolFeePercent {
		return fmt.Errorf("%w: protocol fee %s above %s", errParamBounds, p.ProtocolFeePercent, MaxProtocolFeePercent)
	}
	if p.EarnFactor < MinEarnFactor || p.EarnFactor > MaxEarnFactor {
		return fmt.Errorf("%w: earn factor %s outside [%s, %s]", errParamBounds, p.EarnFactor, MinEarnFactor, MaxEarnFactor)
	}
	if p.ExitFeePercent > MaxExitFeePercent {
		return fmt.Errorf("%w: exit fee %s above %s", errParamBounds, p.ExitFeePercent, MaxExitFeePercent)
	}
	if p.MinInitialStake == nil || p.MinInitialStake.Sign() <= 0 {
		return fmt.Errorf("%w: minimum initial stake must be positive", errParamBounds)
	}
	return nil
}
