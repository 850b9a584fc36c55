package loandesk

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"poolledger/core/types"
	"poolledger/crypto"
)

const (
	EventTypeApplicationRequested = "loandesk.application.requested"
	EventTypeApplicationDenied    = "loandesk.application.denied"
	EventTypeApplicationCancelled = "loandesk.application.cancelled"
	EventTypeOfferDrafted         = "loandesk.offer.drafted"
	EventTypeOfferUpdated         = "loandesk.offer.updated"
	EventTypeOfferLocked          = "loandesk.offer.locked"
	EventTypeOfferMade            = "loandesk.offer.made"
	EventTypeOfferCancelled       = "loandesk.offer.cancelled"
	EventTypeLoanBorrowed         = "loandesk.loan.borrowed"
	EventTypeLoanRepaid           = "loandesk.loan.repaid"
	EventTypeLoanDefaulted        = "loandesk.loan.defaulted"
	EventTypeTemplateUpdated      = "loandesk.template.updated"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func newDeskEvent(eventType, poolID string) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{"poolId": poolID}}
}

func newApplicationEvent(eventType, poolID string, app *Application) *types.Event {
	evt := newDeskEvent(eventType, poolID)
	evt.Attributes["applicationId"] = formatUint(app.ID)
	evt.Attributes["borrower"] = borrowerOf(app).String()
	evt.Attributes["status"] = app.Status.String()
	evt.Attributes["amount"] = formatAmount(app.Amount)
	evt.Attributes["duration"] = formatUint(app.Duration)
	if eventType == EventTypeApplicationRequested {
		evt.Attributes["reference"] = app.ReferenceUUID
		evt.Attributes["digest"] = hex.EncodeToString(app.ReferenceDigest[:])
	}
	if app.Offer.Amount != nil {
		evt.Attributes["offerAmount"] = formatAmount(app.Offer.Amount)
		evt.Attributes["apr"] = app.Offer.APR.String()
	}
	if app.Offer.ExpiresAt != 0 {
		evt.Attributes["expiresAt"] = formatUint(app.Offer.ExpiresAt)
	}
	return evt
}

func newLoanEvent(eventType, poolID string, loan *Loan) *types.Event {
	evt := newDeskEvent(eventType, poolID)
	evt.Attributes["loanId"] = formatUint(loan.ID)
	evt.Attributes["applicationId"] = formatUint(loan.ApplicationID)
	evt.Attributes["borrower"] = crypto.FromRaw(crypto.PoolPrefix, loan.Borrower).String()
	evt.Attributes["amount"] = formatAmount(loan.Amount)
	evt.Attributes["status"] = loan.Status.String()
	return evt
}

func newRepaymentEvent(poolID string, payer crypto.Address, loan *Loan, receipt *Repayment) *types.Event {
	evt := newLoanEvent(EventTypeLoanRepaid, poolID, loan)
	evt.Attributes["payer"] = payer.String()
	evt.Attributes["paid"] = formatAmount(receipt.Paid)
	evt.Attributes["principal"] = formatAmount(receipt.Principal)
	evt.Attributes["interest"] = formatAmount(receipt.Interest)
	return evt
}

func newDefaultEvent(poolID string, caller crypto.Address, loan *Loan, loss, burned *big.Int) *types.Event {
	evt := newLoanEvent(EventTypeLoanDefaulted, poolID, loan)
	evt.Attributes["caller"] = caller.String()
	evt.Attributes["loss"] = formatAmount(loss)
	evt.Attributes["sharesBurned"] = formatAmount(burned)
	return evt
}

func newTemplateEvent(poolID string, staker crypto.Address, tmpl LoanTemplate) *types.Event {
	evt := newDeskEvent(EventTypeTemplateUpdated, poolID)
	evt.Attributes["account"] = staker.String()
	evt.Attributes["minAmount"] = formatAmount(tmpl.MinAmount)
	evt.Attributes["minDuration"] = formatUint(tmpl.MinDuration)
	evt.Attributes["maxDuration"] = formatUint(tmpl.MaxDuration)
	evt.Attributes["apr"] = tmpl.APR.String()
	evt.Attributes["lateAprDelta"] = tmpl.LateAPRDelta.String()
	evt.Attributes["offerExpiration"] = formatUint(tmpl.OfferExpiration)
	return evt
}
