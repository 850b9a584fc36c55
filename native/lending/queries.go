package lending

import (
	"math/big"

	"poolledger/crypto"
	nativecommon "poolledger/native/common"
)

// Snapshot returns the pool record together with derived figures.
func (e *Engine) Snapshot() (*Snapshot, error) {
	pool, params, err := e.load()
	if err != nil {
		return nil, err
	}
	balance, err := e.assetBalance()
	if err != nil {
		return nil, err
	}
	supply, err := e.shares.TotalSupply()
	if err != nil {
		return nil, err
	}
	pending, err := e.countPending(pool)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		PoolID:          e.poolID,
		Pool:            pool.Clone(),
		Params:          params.Clone(),
		Liquidity:       liquidityOf(pool, balance),
		Lendable:        lendableOf(pool, params, balance),
		FundingLimit:    fundingLimitOf(pool, params),
		StakedFunds:     stakedFundsOf(pool),
		AssetBalance:    balance,
		ShareSupply:     supply,
		PendingRequests: pending,
	}, nil
}

func (e *Engine) countPending(pool *Pool) (uint64, error) {
	var count uint64
	for id := pool.QueueHead; id < pool.QueueNext; id++ {
		req, err := e.loadRequest(id)
		if err != nil {
			return 0, err
		}
		if req.Status == WithdrawalPending {
			count++
		}
	}
	return count, nil
}

// Params returns the active pool parameters.
func (e *Engine) Params() (Params, error) {
	_, params, err := e.load()
	return params, err
}

// IsOpen reports whether the pool accepts deposits and loan requests.
func (e *Engine) IsOpen() (bool, error) {
	pool, _, err := e.load()
	if err != nil {
		return false, err
	}
	return pool.Opened && !pool.Closed, nil
}

// LastStakerActivity returns the unix time of the latest staker action.
func (e *Engine) LastStakerActivity() (uint64, error) {
	pool, _, err := e.load()
	if err != nil {
		return 0, err
	}
	return pool.LastStakerActivity, nil
}

// FundsToShares converts amount at the current valuation.
func (e *Engine) FundsToShares(amount *big.Int) (*big.Int, error) {
	pool, _, err := e.load()
	if err != nil {
		return nil, err
	}
	return nativecommon.FundsToShares(amount, pool.TotalFunds, pool.TotalShares), nil
}

// SharesToFunds converts shares at the current valuation.
func (e *Engine) SharesToFunds(shares *big.Int) (*big.Int, error) {
	pool, _, err := e.load()
	if err != nil {
		return nil, err
	}
	return nativecommon.SharesToFunds(shares, pool.TotalFunds, pool.TotalShares), nil
}

// AmountWithdrawable values the lender's free shares.
func (e *Engine) AmountWithdrawable(lender crypto.Address) (*big.Int, error) {
	pool, _, err := e.load()
	if err != nil {
		return nil, err
	}
	free, err := e.shares.BalanceOf(lender)
	if err != nil {
		return nil, err
	}
	return nativecommon.SharesToFunds(free, pool.TotalFunds, pool.TotalShares), nil
}

// AmountUnstakable is the stake the staker may currently withdraw.
func (e *Engine) AmountUnstakable() (*big.Int, error) {
	pool, params, err := e.load()
	if err != nil {
		return nil, err
	}
	balance, err := e.assetBalance()
	if err != nil {
		return nil, err
	}
	return unstakableOf(pool, params, balance), nil
}

// Liquidity is the asset balance not owed as revenue or reserved for offers.
func (e *Engine) Liquidity() (*big.Int, error) {
	pool, _, err := e.load()
	if err != nil {
		return nil, err
	}
	balance, err := e.assetBalance()
	if err != nil {
		return nil, err
	}
	return liquidityOf(pool, balance), nil
}

// Lendable is the liquidity available to new offers after the target buffer.
func (e *Engine) Lendable() (*big.Int, error) {
	pool, params, err := e.load()
	if err != nil {
		return nil, err
	}
	balance, err := e.assetBalance()
	if err != nil {
		return nil, err
	}
	return lendableOf(pool, params, balance), nil
}

// WithdrawalRequest returns a copy of request id.
func (e *Engine) WithdrawalRequest(id uint64) (*WithdrawalRequest, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.loadRequest(id)
}

// WithdrawalState returns the lender's withdrawal bookkeeping.
func (e *Engine) WithdrawalState(lender crypto.Address) (*LenderState, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.loadLender(lender)
}

// PendingWithdrawals lists up to limit pending requests in fulfilment order.
// A zero limit lists all of them.
func (e *Engine) PendingWithdrawals(limit int) ([]*WithdrawalRequest, error) {
	pool, _, err := e.load()
	if err != nil {
		return nil, err
	}
	var out []*WithdrawalRequest
	for id := pool.QueueHead; id < pool.QueueNext; id++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		req, err := e.loadRequest(id)
		if err != nil {
			return nil, err
		}
		if req.Status == WithdrawalPending {
			out = append(out, req)
		}
	}
	return out, nil
}
