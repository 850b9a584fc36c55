package lending

import (
	"math/big"

	"poolledger/crypto"
	nativecommon "poolledger/native/common"
)

func (e *Engine) requireLoanDesk(caller crypto.Address) error {
	if e.loanDesk.IsZero() || !caller.Equal(e.loanDesk) {
		return errNotLoanDesk
	}
	return nil
}

// ReserveOffer earmarks amount of lendable liquidity for a drafted offer so
// concurrent offers cannot promise the same funds.
func (e *Engine) ReserveOffer(caller crypto.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.requireLoanDesk(caller); err != nil {
		return err
	}
	if !positive(amount) {
		return errInvalidAmount
	}
	pool, params, err := e.load()
	if err != nil {
		return err
	}
	if pool.Closed {
		return errPoolClosed
	}
	if !pool.Opened {
		return errPoolNotOpen
	}
	balance, err := e.assetBalance()
	if err != nil {
		return err
	}
	if amount.Cmp(lendableOf(pool, params, balance)) > 0 {
		return errInsufficientLiquidity
	}
	pool.AllocatedFunds.Add(pool.AllocatedFunds, amount)
	if err := e.storePool(pool); err != nil {
		return err
	}
	if err := e.checkInvariants(pool); err != nil {
		return err
	}
	e.emit(newAmountEvent(EventTypeOfferReserved, e.poolID, amount))
	return nil
}

// ReleaseOffer returns a reservation to free liquidity.
func (e *Engine) ReleaseOffer(caller crypto.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.requireLoanDesk(caller); err != nil {
		return err
	}
	if !positive(amount) {
		return errInvalidAmount
	}
	pool, _, err := e.load()
	if err != nil {
		return err
	}
	if amount.Cmp(pool.AllocatedFunds) > 0 {
		return errAllocationUnderflow
	}
	pool.AllocatedFunds.Sub(pool.AllocatedFunds, amount)
	if err := e.storePool(pool); err != nil {
		return err
	}
	e.emit(newAmountEvent(EventTypeOfferReleased, e.poolID, amount))
	return nil
}

// Disburse converts a reservation into borrowed principal and pays it to the
// borrower. Books are written before the transfer.
func (e *Engine) Disburse(caller, to crypto.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.requireLoanDesk(caller); err != nil {
		return err
	}
	if !positive(amount) {
		return errInvalidAmount
	}
	pool, _, err := e.load()
	if err != nil {
		return err
	}
	if amount.Cmp(pool.AllocatedFunds) > 0 {
		return errAllocationUnderflow
	}
	pool.AllocatedFunds.Sub(pool.AllocatedFunds, amount)
	pool.BorrowedFunds.Add(pool.BorrowedFunds, amount)
	if err := e.storePool(pool); err != nil {
		return err
	}
	if err := e.asset.Transfer(e.poolAddress, to, amount); err != nil {
		return err
	}
	if err := e.checkInvariants(pool); err != nil {
		return err
	}
	e.emit(newTransferEvent(EventTypeDisbursed, e.poolID, to, amount))
	return nil
}

// CollectRepayment pulls principal plus interest from payer, who must have
// approved the pool address. Interest is split between the treasury, the
// staker and the pool.
func (e *Engine) CollectRepayment(caller, payer crypto.Address, principal, interest *big.Int) (*RepaymentSplit, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := e.requireLoanDesk(caller); err != nil {
		return nil, err
	}
	principal = nativecommon.Clone(principal)
	interest = nativecommon.Clone(interest)
	if principal.Sign() < 0 || interest.Sign() < 0 {
		return nil, errInvalidAmount
	}
	total := new(big.Int).Add(principal, interest)
	if total.Sign() == 0 {
		return nil, errInvalidAmount
	}
	pool, params, err := e.load()
	if err != nil {
		return nil, err
	}
	if principal.Cmp(pool.BorrowedFunds) > 0 {
		return nil, errBorrowUnderflow
	}
	split := splitInterest(pool, params, interest)
	split.Principal = principal

	pool.BorrowedFunds.Sub(pool.BorrowedFunds, principal)
	pool.ProtocolRevenue.Add(pool.ProtocolRevenue, split.ProtocolRevenue)
	pool.StakerRevenue.Add(pool.StakerRevenue, split.StakerRevenue)
	pool.TotalFunds.Add(pool.TotalFunds, split.PoolEarnings)
	if err := e.storePool(pool); err != nil {
		return nil, err
	}
	if err := e.asset.TransferFrom(e.poolAddress, payer, e.poolAddress, total); err != nil {
		return nil, err
	}
	if err := e.checkInvariants(pool); err != nil {
		return nil, err
	}
	e.emit(newRepaymentEvent(e.poolID, payer, split))
	return split, nil
}

// splitInterest divides interest into the protocol fee, the staker's boosted
// share and the remainder that accrues to all share holders.
func splitInterest(pool *Pool, params Params, interest *big.Int) *RepaymentSplit {
	protocol := nativecommon.MulPercent(interest, params.ProtocolFeePercent)
	remaining := new(big.Int).Sub(interest, protocol)
	staker := big.NewInt(0)
	boost := new(big.Int).Sub(params.EarnFactor.Big(), hundredPercent)
	if boost.Sign() > 0 && pool.StakedShares.Sign() > 0 && remaining.Sign() > 0 {
		weighted := new(big.Int).Mul(boost, pool.StakedShares)
		denominator := new(big.Int).Mul(hundredPercent, pool.TotalShares)
		denominator.Add(denominator, weighted)
		staker = nativecommon.MulDiv(remaining, weighted, denominator)
	}
	return &RepaymentSplit{
		Interest:        nativecommon.Clone(interest),
		ProtocolRevenue: protocol,
		StakerRevenue:   staker,
		PoolEarnings:    new(big.Int).Sub(remaining, staker),
	}
}

// WriteDownLoss absorbs a default. Staked shares worth the loss are burned
// first, so lender value is unchanged while the stake covers it. Any excess
// reduces the value of every remaining share.
func (e *Engine) WriteDownLoss(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := e.requireLoanDesk(caller); err != nil {
		return nil, err
	}
	if !positive(amount) {
		return nil, errInvalidAmount
	}
	pool, _, err := e.load()
	if err != nil {
		return nil, err
	}
	loss := nativecommon.Min(amount, pool.TotalFunds)
	burned := nativecommon.MulDivUp(loss, pool.TotalShares, pool.TotalFunds)
	if burned.Cmp(pool.StakedShares) > 0 {
		burned = nativecommon.Clone(pool.StakedShares)
	}
	pool.StakedShares.Sub(pool.StakedShares, burned)
	pool.TotalShares.Sub(pool.TotalShares, burned)
	pool.TotalFunds.Sub(pool.TotalFunds, loss)
	if err := e.storePool(pool); err != nil {
		return nil, err
	}
	if burned.Sign() > 0 {
		if err := e.shares.Burn(e.poolAddress, e.poolAddress, burned); err != nil {
			return nil, err
		}
	}
	if err := e.checkInvariants(pool); err != nil {
		return nil, err
	}
	e.emit(newLossEvent(e.poolID, loss, burned))
	return burned, nil
}

// CloseOutDefault removes the defaulted principal from the borrowed total.
func (e *Engine) CloseOutDefault(caller crypto.Address, principal *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.requireLoanDesk(caller); err != nil {
		return err
	}
	if principal == nil || principal.Sign() < 0 {
		return errInvalidAmount
	}
	pool, _, err := e.load()
	if err != nil {
		return err
	}
	if principal.Cmp(pool.BorrowedFunds) > 0 {
		return errBorrowUnderflow
	}
	pool.BorrowedFunds.Sub(pool.BorrowedFunds, principal)
	if err := e.storePool(pool); err != nil {
		return err
	}
	if err := e.checkInvariants(pool); err != nil {
		return err
	}
	e.emit(newAmountEvent(EventTypeDefaultClosed, e.poolID, principal))
	return nil
}

// NoteStakerActivity records that the staker acted through the loan desk.
func (e *Engine) NoteStakerActivity(caller crypto.Address) error {
	if e.state == nil {
		return errNilState
	}
	if err := e.requireLoanDesk(caller); err != nil {
		return err
	}
	pool, _, err := e.load()
	if err != nil {
		return err
	}
	pool.LastStakerActivity = e.now()
	return e.storePool(pool)
}
