package loandesk

import (
	"math/big"

	nativecommon "poolledger/native/common"
)

var interestScale = new(big.Int).Mul(nativecommon.HundredPercent.Big(), new(big.Int).SetUint64(Year))

// accruedInterest computes simple interest on principal between from and to.
// Seconds after the grace deadline accrue at apr+lateDelta.
func accruedInterest(principal *big.Int, apr, lateDelta nativecommon.Percent, from, to, lateStart uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || to <= from {
		return big.NewInt(0)
	}
	var normalSecs, lateSecs uint64
	switch {
	case to <= lateStart:
		normalSecs = to - from
	case from >= lateStart:
		lateSecs = to - from
	default:
		normalSecs = lateStart - from
		lateSecs = to - lateStart
	}
	weighted := new(big.Int).Mul(apr.Big(), new(big.Int).SetUint64(normalSecs))
	lateRate := new(big.Int).Add(apr.Big(), lateDelta.Big())
	weighted.Add(weighted, lateRate.Mul(lateRate, new(big.Int).SetUint64(lateSecs)))
	return nativecommon.MulDiv(principal, weighted, interestScale)
}

// balanceDue values the loan at now.
func balanceDue(loan *Loan, now uint64) *BalanceDue {
	principal := loan.PrincipalOutstanding()
	interest := nativecommon.Clone(loan.InterestOwed)
	if loan.Status == LoanOutstanding {
		interest.Add(interest, accruedInterest(principal, loan.APR, loan.LateAPRDelta, loan.LastPaymentAt, now, loan.DefaultableAt()))
	} else {
		principal = big.NewInt(0)
		interest = big.NewInt(0)
	}
	return &BalanceDue{
		Principal: principal,
		Interest:  interest,
		Total:     new(big.Int).Add(principal, interest),
	}
}
