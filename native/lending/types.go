package lending

import (
	"math/big"

	nativecommon "poolledger/native/common"
)

// Pool captures the scalar accounting state of a lending pool. Amounts are
// denominated in base units of the pool asset.
type Pool struct {
	// TotalFunds is the value attributable to share holders, including
	// principal that is currently lent out.
	TotalFunds *big.Int
	// TotalShares mirrors the share token supply.
	TotalShares *big.Int
	// StakedShares is the first-loss buffer owned by the staker and held by
	// the pool address.
	StakedShares *big.Int
	// LockedShares sums the shares parked in pending withdrawal requests.
	LockedShares *big.Int
	// BorrowedFunds is the outstanding principal across loans.
	BorrowedFunds *big.Int
	// AllocatedFunds is reserved for drafted, locked or offered loans.
	AllocatedFunds *big.Int
	// StakerRevenue and ProtocolRevenue are held by the pool but excluded from
	// TotalFunds until withdrawn.
	StakerRevenue   *big.Int
	ProtocolRevenue *big.Int
	Opened          bool
	Closed          bool
	// LastStakerActivity is the unix time of the latest staker action.
	LastStakerActivity uint64
	// QueueHead is the oldest request id that may still be pending and
	// QueueNext the id assigned to the next request.
	QueueHead uint64
	QueueNext uint64
}

func newPool() *Pool {
	return &Pool{
		TotalFunds:      big.NewInt(0),
		TotalShares:     big.NewInt(0),
		StakedShares:    big.NewInt(0),
		LockedShares:    big.NewInt(0),
		BorrowedFunds:   big.NewInt(0),
		AllocatedFunds:  big.NewInt(0),
		StakerRevenue:   big.NewInt(0),
		ProtocolRevenue: big.NewInt(0),
		QueueHead:       1,
		QueueNext:       1,
	}
}

// Clone returns a deep copy of the pool record.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalFunds = nativecommon.Clone(p.TotalFunds)
	clone.TotalShares = nativecommon.Clone(p.TotalShares)
	clone.StakedShares = nativecommon.Clone(p.StakedShares)
	clone.LockedShares = nativecommon.Clone(p.LockedShares)
	clone.BorrowedFunds = nativecommon.Clone(p.BorrowedFunds)
	clone.AllocatedFunds = nativecommon.Clone(p.AllocatedFunds)
	clone.StakerRevenue = nativecommon.Clone(p.StakerRevenue)
	clone.ProtocolRevenue = nativecommon.Clone(p.ProtocolRevenue)
	return &clone
}

func (p *Pool) normalise() {
	p.TotalFunds = nativecommon.Clone(p.TotalFunds)
	p.TotalShares = nativecommon.Clone(p.TotalShares)
	p.StakedShares = nativecommon.Clone(p.StakedShares)
	p.LockedShares = nativecommon.Clone(p.LockedShares)
	p.BorrowedFunds = nativecommon.Clone(p.BorrowedFunds)
	p.AllocatedFunds = nativecommon.Clone(p.AllocatedFunds)
	p.StakerRevenue = nativecommon.Clone(p.StakerRevenue)
	p.ProtocolRevenue = nativecommon.Clone(p.ProtocolRevenue)
	if p.QueueHead == 0 {
		p.QueueHead = 1
	}
	if p.QueueNext == 0 {
		p.QueueNext = 1
	}
}

// WithdrawalStatus enumerates the lifecycle of a withdrawal request.
type WithdrawalStatus uint8

const (
	WithdrawalPending WithdrawalStatus = iota + 1
	WithdrawalFulfilled
	WithdrawalCancelled
)

func (s WithdrawalStatus) String() string {
	switch s {
	case WithdrawalPending:
		return "PENDING"
	case WithdrawalFulfilled:
		return "FULFILLED"
	case WithdrawalCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// WithdrawalRequest is a queued exit. IDs are assigned from a global sequence
// and define fulfilment order.
type WithdrawalRequest struct {
	ID          uint64
	Lender      [20]byte
	Shares      *big.Int
	CreatedAt   uint64
	Status      WithdrawalStatus
	FulfilledAt uint64
	// Paid and Fee are set on fulfilment.
	Paid *big.Int
	Fee  *big.Int
}

// Clone returns a deep copy of the request.
func (r *WithdrawalRequest) Clone() *WithdrawalRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Shares = nativecommon.Clone(r.Shares)
	clone.Paid = nativecommon.Clone(r.Paid)
	clone.Fee = nativecommon.Clone(r.Fee)
	return &clone
}

// LenderState is the per-lender withdrawal bookkeeping.
type LenderState struct {
	SharesLocked     *big.Int
	CountOutstanding uint64
	LastDepositTime  uint64
}

// Clone returns a deep copy of the lender state.
func (l *LenderState) Clone() *LenderState {
	if l == nil {
		return nil
	}
	clone := *l
	clone.SharesLocked = nativecommon.Clone(l.SharesLocked)
	return &clone
}

// RepaymentSplit describes how a repayment was distributed.
type RepaymentSplit struct {
	Principal       *big.Int
	Interest        *big.Int
	StakerRevenue   *big.Int
	ProtocolRevenue *big.Int
	PoolEarnings    *big.Int
}

// Snapshot is a read-only view of the pool with derived figures.
type Snapshot struct {
	PoolID          string
	Pool            *Pool
	Params          Params
	Liquidity       *big.Int
	Lendable        *big.Int
	FundingLimit    *big.Int
	StakedFunds     *big.Int
	AssetBalance    *big.Int
	ShareSupply     *big.Int
	PendingRequests uint64
}
