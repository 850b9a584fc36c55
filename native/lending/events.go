package lending

import (
	"math/big"
	"strconv"

	"poolledger/core/types"
	"poolledger/crypto"
)

const (
	EventTypeDeposited           = "pool.deposited"
	EventTypeStaked              = "pool.staked"
	EventTypeUnstaked            = "pool.unstaked"
	EventTypePoolOpened          = "pool.opened"
	EventTypePoolClosed          = "pool.closed"
	EventTypeWithdrawalRequested = "pool.withdrawal.requested"
	EventTypeWithdrawalFulfilled = "pool.withdrawal.fulfilled"
	EventTypeWithdrawalCancelled = "pool.withdrawal.cancelled"
	EventTypeWithdrawalUpdated   = "pool.withdrawal.updated"
	EventTypeOfferReserved       = "pool.offer.reserved"
	EventTypeOfferReleased       = "pool.offer.released"
	EventTypeDisbursed           = "pool.disbursed"
	EventTypeRepaymentCollected  = "pool.repayment.collected"
	EventTypeLossWrittenDown     = "pool.loss.written_down"
	EventTypeDefaultClosed       = "pool.default.closed"
	EventTypeRevenueWithdrawn    = "pool.revenue.withdrawn"
	EventTypeParamsUpdated       = "pool.params.updated"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func newPoolEvent(eventType, poolID string) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{"poolId": poolID}}
}

func newDepositedEvent(poolID string, lender crypto.Address, amount, shares *big.Int) *types.Event {
	evt := newPoolEvent(EventTypeDeposited, poolID)
	evt.Attributes["account"] = lender.String()
	evt.Attributes["amount"] = formatAmount(amount)
	evt.Attributes["shares"] = formatAmount(shares)
	return evt
}

func newStakedEvent(poolID string, staker crypto.Address, amount, shares *big.Int) *types.Event {
	evt := newPoolEvent(EventTypeStaked, poolID)
	evt.Attributes["account"] = staker.String()
	evt.Attributes["amount"] = formatAmount(amount)
	evt.Attributes["shares"] = formatAmount(shares)
	return evt
}

func newUnstakedEvent(poolID string, staker crypto.Address, amount, shares *big.Int) *types.Event {
	evt := newPoolEvent(EventTypeUnstaked, poolID)
	evt.Attributes["account"] = staker.String()
	evt.Attributes["amount"] = formatAmount(amount)
	evt.Attributes["shares"] = formatAmount(shares)
	return evt
}

func newLifecycleEvent(eventType, poolID string, actor crypto.Address) *types.Event {
	evt := newPoolEvent(eventType, poolID)
	evt.Attributes["account"] = actor.String()
	return evt
}

func newWithdrawalEvent(eventType, poolID string, req *WithdrawalRequest) *types.Event {
	evt := newPoolEvent(eventType, poolID)
	if req == nil {
		return evt
	}
	evt.Attributes["requestId"] = strconv.FormatUint(req.ID, 10)
	evt.Attributes["account"] = crypto.FromRaw(crypto.PoolPrefix, req.Lender).String()
	evt.Attributes["shares"] = formatAmount(req.Shares)
	evt.Attributes["status"] = req.Status.String()
	if req.Status == WithdrawalFulfilled {
		evt.Attributes["amount"] = formatAmount(req.Paid)
		evt.Attributes["fee"] = formatAmount(req.Fee)
	}
	return evt
}

func newAmountEvent(eventType, poolID string, amount *big.Int) *types.Event {
	evt := newPoolEvent(eventType, poolID)
	evt.Attributes["amount"] = formatAmount(amount)
	return evt
}

func newTransferEvent(eventType, poolID string, to crypto.Address, amount *big.Int) *types.Event {
	evt := newAmountEvent(eventType, poolID, amount)
	evt.Attributes["account"] = to.String()
	return evt
}

func newRepaymentEvent(poolID string, payer crypto.Address, split *RepaymentSplit) *types.Event {
	evt := newPoolEvent(EventTypeRepaymentCollected, poolID)
	evt.Attributes["account"] = payer.String()
	evt.Attributes["principal"] = formatAmount(split.Principal)
	evt.Attributes["interest"] = formatAmount(split.Interest)
	evt.Attributes["stakerRevenue"] = formatAmount(split.StakerRevenue)
	evt.Attributes["protocolRevenue"] = formatAmount(split.ProtocolRevenue)
	evt.Attributes["poolEarnings"] = formatAmount(split.PoolEarnings)
	return evt
}

func newLossEvent(poolID string, loss, burned *big.Int) *types.Event {
	evt := newAmountEvent(EventTypeLossWrittenDown, poolID, loss)
	evt.Attributes["sharesBurned"] = formatAmount(burned)
	return evt
}

func newRevenueWithdrawnEvent(poolID string, caller crypto.Address, staker, protocol *big.Int) *types.Event {
	evt := newPoolEvent(EventTypeRevenueWithdrawn, poolID)
	evt.Attributes["account"] = caller.String()
	evt.Attributes["stakerRevenue"] = formatAmount(staker)
	evt.Attributes["protocolRevenue"] = formatAmount(protocol)
	evt.Attributes["amount"] = formatAmount(new(big.Int).Add(staker, protocol))
	return evt
}

func newParamsUpdatedEvent(poolID string, caller crypto.Address, params Params) *types.Event {
	evt := newPoolEvent(EventTypeParamsUpdated, poolID)
	evt.Attributes["account"] = caller.String()
	evt.Attributes["targetStakePercent"] = params.TargetStakePercent.String()
	evt.Attributes["targetLiquidityPercent"] = params.TargetLiquidityPercent.String()
	evt.Attributes["protocolFeePercent"] = params.ProtocolFeePercent.String()
	evt.Attributes["earnFactor"] = params.EarnFactor.String()
	evt.Attributes["exitFeePercent"] = params.ExitFeePercent.String()
	evt.Attributes["exitFeeCooldown"] = strconv.FormatUint(params.ExitFeeCooldown, 10)
	return evt
}
