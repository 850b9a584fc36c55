package lending

import (
	"math/big"

	"poolledger/crypto"
	nativecommon "poolledger/native/common"
)

var (
	errRequestNotFound     = nativecommon.NewError(nativecommon.ErrNotFound, "pool: withdrawal request not found")
	errNotRequestOwner     = nativecommon.NewError(nativecommon.ErrUnauthorized, "pool: withdrawal request belongs to another lender")
	errRequestNotPending   = nativecommon.NewError(nativecommon.ErrInvalidState, "pool: withdrawal request is not pending")
	errUpdateExceedsLocked = nativecommon.NewError(nativecommon.ErrInvariant, "pool: update exceeds locked shares")
	errInvalidBatch        = nativecommon.NewError(nativecommon.ErrOutOfBounds, "pool: max requests must be positive")
)

type payout struct {
	lender crypto.Address
	shares *big.Int
	amount *big.Int
	req    *WithdrawalRequest
}

// advanceHead moves the queue head past requests that are no longer pending.
// It reports whether any pending request remains.
func (e *Engine) advanceHead(pool *Pool) (bool, error) {
	for pool.QueueHead < pool.QueueNext {
		req, err := e.loadRequest(pool.QueueHead)
		if err != nil {
			return false, err
		}
		if req.Status == WithdrawalPending {
			return true, nil
		}
		pool.QueueHead++
	}
	return false, nil
}

// settle burns the request's locked shares from the books and computes the
// net payout. Token movements are left to the caller.
func (e *Engine) settle(pool *Pool, params Params, lender *LenderState, req *WithdrawalRequest, now uint64) *big.Int {
	value := nativecommon.SharesToFunds(req.Shares, pool.TotalFunds, pool.TotalShares)
	fee := e.exitFee(params, lender, value, now)
	net := new(big.Int).Sub(value, fee)

	pool.TotalFunds.Sub(pool.TotalFunds, net)
	pool.TotalShares.Sub(pool.TotalShares, req.Shares)
	pool.LockedShares.Sub(pool.LockedShares, req.Shares)
	lender.SharesLocked.Sub(lender.SharesLocked, req.Shares)
	if lender.CountOutstanding > 0 {
		lender.CountOutstanding--
	}
	req.Status = WithdrawalFulfilled
	req.FulfilledAt = now
	req.Paid = net
	req.Fee = fee
	return net
}

func (e *Engine) pay(p payout) error {
	if err := e.shares.Burn(e.poolAddress, e.poolAddress, p.shares); err != nil {
		return err
	}
	if p.amount.Sign() == 0 {
		return nil
	}
	return e.asset.Transfer(e.poolAddress, p.lender, p.amount)
}

// RequestWithdrawal locks shares for redemption. When nothing is queued ahead
// and liquidity covers the value, the request is fulfilled immediately.
func (e *Engine) RequestWithdrawal(lender crypto.Address, shares *big.Int) (uint64, bool, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, false, err
	}
	if err := e.enter(); err != nil {
		return 0, false, err
	}
	defer e.exit()
	if !positive(shares) {
		return 0, false, errInvalidAmount
	}
	free, err := e.shares.BalanceOf(lender)
	if err != nil {
		return 0, false, err
	}
	if free.Cmp(shares) < 0 {
		return 0, false, errInsufficientShares
	}
	pool, params, err := e.load()
	if err != nil {
		return 0, false, err
	}
	queued, err := e.advanceHead(pool)
	if err != nil {
		return 0, false, err
	}
	lenderState, err := e.loadLender(lender)
	if err != nil {
		return 0, false, err
	}
	balance, err := e.assetBalance()
	if err != nil {
		return 0, false, err
	}
	now := e.now()
	req := &WithdrawalRequest{
		ID:        pool.QueueNext,
		Lender:    lender.Raw(),
		Shares:    nativecommon.Clone(shares),
		CreatedAt: now,
		Status:    WithdrawalPending,
	}
	pool.QueueNext++
	pool.LockedShares.Add(pool.LockedShares, shares)
	lenderState.SharesLocked.Add(lenderState.SharesLocked, shares)
	lenderState.CountOutstanding++

	value := nativecommon.SharesToFunds(shares, pool.TotalFunds, pool.TotalShares)
	fulfilled := !queued && value.Cmp(liquidityOf(pool, balance)) <= 0
	var net *big.Int
	if fulfilled {
		net = e.settle(pool, params, lenderState, req, now)
		pool.QueueHead = pool.QueueNext
	}
	if err := e.storeRequest(req); err != nil {
		return 0, false, err
	}
	if err := e.storeLender(lender, lenderState); err != nil {
		return 0, false, err
	}
	if err := e.storePool(pool); err != nil {
		return 0, false, err
	}
	if err := e.shares.Transfer(lender, e.poolAddress, shares); err != nil {
		return 0, false, err
	}
	if fulfilled {
		if err := e.pay(payout{lender: lender, shares: req.Shares, amount: net, req: req}); err != nil {
			return 0, false, err
		}
	}
	if err := e.checkInvariants(pool); err != nil {
		return 0, false, err
	}
	e.emit(newWithdrawalEvent(EventTypeWithdrawalRequested, e.poolID, req))
	if fulfilled {
		e.emit(newWithdrawalEvent(EventTypeWithdrawalFulfilled, e.poolID, req))
	}
	return req.ID, fulfilled, nil
}

// FulfillWithdrawalRequests serves up to maxRequests pending requests in id
// order. It stops at the first request whose value exceeds liquidity; requests
// are never partially served or skipped.
func (e *Engine) FulfillWithdrawalRequests(maxRequests uint64) (uint64, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.exit()
	if maxRequests == 0 {
		return 0, errInvalidBatch
	}
	pool, params, err := e.load()
	if err != nil {
		return 0, err
	}
	balance, err := e.assetBalance()
	if err != nil {
		return 0, err
	}
	liquidity := liquidityOf(pool, balance)
	now := e.now()
	var served []payout
	for pool.QueueHead < pool.QueueNext && uint64(len(served)) < maxRequests {
		req, err := e.loadRequest(pool.QueueHead)
		if err != nil {
			return 0, err
		}
		if req.Status != WithdrawalPending {
			pool.QueueHead++
			continue
		}
		value := nativecommon.SharesToFunds(req.Shares, pool.TotalFunds, pool.TotalShares)
		if value.Cmp(liquidity) > 0 {
			break
		}
		lenderAddr := crypto.FromRaw(crypto.PoolPrefix, req.Lender)
		lenderState, err := e.loadLender(lenderAddr)
		if err != nil {
			return 0, err
		}
		net := e.settle(pool, params, lenderState, req, now)
		liquidity.Sub(liquidity, net)
		if err := e.storeRequest(req); err != nil {
			return 0, err
		}
		if err := e.storeLender(lenderAddr, lenderState); err != nil {
			return 0, err
		}
		pool.QueueHead++
		served = append(served, payout{lender: lenderAddr, shares: req.Shares, amount: net, req: req})
	}
	if err := e.storePool(pool); err != nil {
		return 0, err
	}
	for _, p := range served {
		if err := e.pay(p); err != nil {
			return 0, err
		}
	}
	if err := e.checkInvariants(pool); err != nil {
		return 0, err
	}
	for _, p := range served {
		e.emit(newWithdrawalEvent(EventTypeWithdrawalFulfilled, e.poolID, p.req))
	}
	return uint64(len(served)), nil
}

// CancelWithdrawalRequest returns the locked shares of a pending request.
func (e *Engine) CancelWithdrawalRequest(lender crypto.Address, id uint64) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	pool, _, err := e.load()
	if err != nil {
		return err
	}
	req, err := e.pendingRequestOf(lender, id)
	if err != nil {
		return err
	}
	lenderState, err := e.loadLender(lender)
	if err != nil {
		return err
	}
	pool.LockedShares.Sub(pool.LockedShares, req.Shares)
	lenderState.SharesLocked.Sub(lenderState.SharesLocked, req.Shares)
	if lenderState.CountOutstanding > 0 {
		lenderState.CountOutstanding--
	}
	req.Status = WithdrawalCancelled
	if err := e.storeRequest(req); err != nil {
		return err
	}
	if err := e.storeLender(lender, lenderState); err != nil {
		return err
	}
	if _, err := e.advanceHead(pool); err != nil {
		return err
	}
	if err := e.storePool(pool); err != nil {
		return err
	}
	if err := e.shares.Transfer(e.poolAddress, lender, req.Shares); err != nil {
		return err
	}
	if err := e.checkInvariants(pool); err != nil {
		return err
	}
	e.emit(newWithdrawalEvent(EventTypeWithdrawalCancelled, e.poolID, req))
	return nil
}

// UpdateWithdrawalRequest lowers the locked shares of a pending request to
// newShares, returning the difference to the lender. The request keeps its
// place in the queue.
func (e *Engine) UpdateWithdrawalRequest(lender crypto.Address, id uint64, newShares *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if !positive(newShares) {
		return errInvalidAmount
	}
	pool, _, err := e.load()
	if err != nil {
		return err
	}
	req, err := e.pendingRequestOf(lender, id)
	if err != nil {
		return err
	}
	if newShares.Cmp(req.Shares) > 0 {
		return errUpdateExceedsLocked
	}
	released := new(big.Int).Sub(req.Shares, newShares)
	if released.Sign() == 0 {
		return nil
	}
	lenderState, err := e.loadLender(lender)
	if err != nil {
		return err
	}
	req.Shares = nativecommon.Clone(newShares)
	pool.LockedShares.Sub(pool.LockedShares, released)
	lenderState.SharesLocked.Sub(lenderState.SharesLocked, released)
	if err := e.storeRequest(req); err != nil {
		return err
	}
	if err := e.storeLender(lender, lenderState); err != nil {
		return err
	}
	if err := e.storePool(pool); err != nil {
		return err
	}
	if err := e.shares.Transfer(e.poolAddress, lender, released); err != nil {
		return err
	}
	if err := e.checkInvariants(pool); err != nil {
		return err
	}
	e.emit(newWithdrawalEvent(EventTypeWithdrawalUpdated, e.poolID, req))
	return nil
}

func (e *Engine) pendingRequestOf(lender crypto.Address, id uint64) (*WithdrawalRequest, error) {
	req, err := e.loadRequest(id)
	if err != nil {
		return nil, err
	}
	if req.Lender != lender.Raw() {
		return nil, errNotRequestOwner
	}
	if req.Status != WithdrawalPending {
		return nil, errRequestNotPending
	}
	return req, nil
}
