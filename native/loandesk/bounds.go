package loandesk

import (
	"fmt"
	"math/big"

	nativecommon "poolledger/native/common"
)

// ValidateTerms checks offer terms against the protocol-wide safe bounds.
func ValidateTerms(terms OfferTerms, safeMinAmount *big.Int) error {
	if terms.Amount == nil || terms.Amount.Cmp(safeMinAmount) < 0 {
		return fmt.Errorf("%w: amount below %s", errTermsBounds, safeMinAmount)
	}
	if terms.Duration < MinLoanDuration || terms.Duration > MaxLoanDuration {
		return fmt.Errorf("%w: duration %d outside [%d, %d]", errTermsBounds, terms.Duration, MinLoanDuration, MaxLoanDuration)
	}
	if terms.GracePeriod < MinGracePeriod || terms.GracePeriod > MaxGracePeriod {
		return fmt.Errorf("%w: grace period %d outside [%d, %d]", errTermsBounds, terms.GracePeriod, MinGracePeriod, MaxGracePeriod)
	}
	if terms.Installments < MinInstallments || terms.Installments > MaxInstallments {
		return fmt.Errorf("%w: installments %d outside [%d, %d]", errTermsBounds, terms.Installments, MinInstallments, MaxInstallments)
	}
	if uint64(terms.Installments) > terms.Duration/Day {
		return fmt.Errorf("%w: %d installments exceed %d days", errTermsBounds, terms.Installments, terms.Duration/Day)
	}
	if terms.APR > MaxAPR {
		return fmt.Errorf("%w: apr %s above %s", errTermsBounds, terms.APR, MaxAPR)
	}
	if terms.LateAPRDelta > MaxLateAPRDelta {
		return fmt.Errorf("%w: late apr delta %s above %s", errTermsBounds, terms.LateAPRDelta, MaxLateAPRDelta)
	}
	if uint64(terms.APR)+uint64(terms.LateAPRDelta) > uint64(MaxCombinedRate) {
		return fmt.Errorf("%w: apr plus late delta above %s", errTermsBounds, MaxCombinedRate)
	}
	return nil
}

// ValidateTemplate checks a loan template against the safe bounds.
func ValidateTemplate(t LoanTemplate, safeMinAmount *big.Int) error {
	if t.MinAmount == nil || t.MinAmount.Cmp(safeMinAmount) < 0 {
		return fmt.Errorf("%w: minimum amount below %s", errTemplateBounds, safeMinAmount)
	}
	if t.MinDuration < MinLoanDuration || t.MaxDuration > MaxLoanDuration || t.MinDuration > t.MaxDuration {
		return fmt.Errorf("%w: duration range [%d, %d] invalid", errTemplateBounds, t.MinDuration, t.MaxDuration)
	}
	if t.GracePeriod < MinGracePeriod || t.GracePeriod > MaxGracePeriod {
		return fmt.Errorf("%w: grace period %d out of range", errTemplateBounds, t.GracePeriod)
	}
	if t.APR > MaxAPR || t.LateAPRDelta > MaxLateAPRDelta ||
		uint64(t.APR)+uint64(t.LateAPRDelta) > uint64(nativecommon.HundredPercent) {
		return fmt.Errorf("%w: rates out of range", errTemplateBounds)
	}
	return nil
}
