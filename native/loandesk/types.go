package loandesk

import (
	"math/big"
	"strings"

	nativecommon "poolledger/native/common"
)

const (
	Day  = uint64(24 * 60 * 60)
	Year = 365 * Day

	// LockDuration is the cooling-off window between locking a draft offer
	// and offering it.
	LockDuration = 2 * Day

	MinLoanDuration  = Day
	MaxLoanDuration  = 51 * Year
	MinGracePeriod   = 3 * Day
	MaxGracePeriod   = 365 * Day
	MinInstallments  = uint32(1)
	MaxInstallments  = uint32(4096)
	MaxAPR           = nativecommon.HundredPercent
	MaxLateAPRDelta  = nativecommon.HundredPercent
	MaxCombinedRate  = nativecommon.HundredPercent
	defaultAssetUnit = int64(1)
)

// ApplicationStatus enumerates the lifecycle of a loan application.
type ApplicationStatus uint8

const (
	StatusApplied ApplicationStatus = iota + 1
	StatusDenied
	StatusCancelled
	StatusOfferDrafted
	StatusOfferDraftLocked
	StatusOfferMade
	StatusOfferAccepted
	StatusOfferCancelled
)

var applicationStatusNames = map[ApplicationStatus]string{
	StatusApplied:          "APPLIED",
	StatusDenied:           "DENIED",
	StatusCancelled:        "CANCELLED",
	StatusOfferDrafted:     "OFFER_DRAFTED",
	StatusOfferDraftLocked: "OFFER_DRAFT_LOCKED",
	StatusOfferMade:        "OFFER_MADE",
	StatusOfferAccepted:    "OFFER_ACCEPTED",
	StatusOfferCancelled:   "OFFER_CANCELLED",
}

func (s ApplicationStatus) String() string {
	if name, ok := applicationStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseApplicationStatus maps a status name back to its value.
func ParseApplicationStatus(name string) (ApplicationStatus, bool) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for status, candidate := range applicationStatusNames {
		if candidate == upper {
			return status, true
		}
	}
	return 0, false
}

// Terminal reports whether no further transition is possible.
func (s ApplicationStatus) Terminal() bool {
	switch s {
	case StatusDenied, StatusCancelled, StatusOfferAccepted, StatusOfferCancelled:
		return true
	default:
		return false
	}
}

// OfferTerms are the loan terms drafted by the staker.
type OfferTerms struct {
	Amount       *big.Int
	Duration     uint64
	GracePeriod  uint64
	Installments uint32
	APR          nativecommon.Percent
	LateAPRDelta nativecommon.Percent
	DraftedAt    uint64
	LockedAt     uint64
	OfferedAt    uint64
	// ExpiresAt is fixed when the offer is made. Zero means no expiry.
	ExpiresAt uint64
}

// Clone returns a deep copy of the offer terms.
func (o OfferTerms) Clone() OfferTerms {
	clone := o
	clone.Amount = nativecommon.Clone(o.Amount)
	return clone
}

// Application is a borrower's loan request and, once drafted, its offer.
type Application struct {
	ID              uint64
	Borrower        [20]byte
	Amount          *big.Int
	Duration        uint64
	ReferenceUUID   string
	ReferenceDigest [32]byte
	Status          ApplicationStatus
	CreatedAt       uint64
	Offer           OfferTerms
	LoanID          uint64
}

// Clone returns a deep copy of the application.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Amount = nativecommon.Clone(a.Amount)
	clone.Offer = a.Offer.Clone()
	return &clone
}

// LoanStatus enumerates the servicing state of a loan.
type LoanStatus uint8

const (
	LoanOutstanding LoanStatus = iota + 1
	LoanRepaid
	LoanDefaulted
)

func (s LoanStatus) String() string {
	switch s {
	case LoanOutstanding:
		return "OUTSTANDING"
	case LoanRepaid:
		return "REPAID"
	case LoanDefaulted:
		return "DEFAULTED"
	default:
		return "UNKNOWN"
	}
}

// Loan is created when an offer is borrowed. Terms never change afterwards.
type Loan struct {
	ID              uint64
	ApplicationID   uint64
	Borrower        [20]byte
	Amount          *big.Int
	Duration        uint64
	GracePeriod     uint64
	Installments    uint32
	APR             nativecommon.Percent
	LateAPRDelta    nativecommon.Percent
	Status          LoanStatus
	BorrowedAt      uint64
	LastPaymentAt   uint64
	TotalRepaid     *big.Int
	PrincipalRepaid *big.Int
	InterestPaid    *big.Int
	// InterestOwed carries interest accrued before LastPaymentAt that a
	// partial payment did not cover.
	InterestOwed *big.Int
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Amount = nativecommon.Clone(l.Amount)
	clone.TotalRepaid = nativecommon.Clone(l.TotalRepaid)
	clone.PrincipalRepaid = nativecommon.Clone(l.PrincipalRepaid)
	clone.InterestPaid = nativecommon.Clone(l.InterestPaid)
	clone.InterestOwed = nativecommon.Clone(l.InterestOwed)
	return &clone
}

// PrincipalOutstanding is the unrepaid principal.
func (l *Loan) PrincipalOutstanding() *big.Int {
	return nativecommon.SubFloor(nativecommon.Clone(l.Amount), nativecommon.Clone(l.PrincipalRepaid))
}

// DefaultableAt is the first instant after the grace period.
func (l *Loan) DefaultableAt() uint64 {
	return l.BorrowedAt + l.Duration + l.GracePeriod
}

// LoanTemplate bounds incoming applications and supplies suggested terms.
type LoanTemplate struct {
	MinAmount       *big.Int
	MinDuration     uint64
	MaxDuration     uint64
	GracePeriod     uint64
	APR             nativecommon.Percent
	LateAPRDelta    nativecommon.Percent
	OfferExpiration uint64
}

// DefaultTemplate returns a permissive template within the safe bounds.
func DefaultTemplate() LoanTemplate {
	return LoanTemplate{
		MinAmount:       big.NewInt(defaultAssetUnit),
		MinDuration:     MinLoanDuration,
		MaxDuration:     MaxLoanDuration,
		GracePeriod:     MinGracePeriod,
		APR:             100,
		LateAPRDelta:    50,
		OfferExpiration: 7 * Day,
	}
}

// Clone returns a deep copy of the template.
func (t LoanTemplate) Clone() LoanTemplate {
	clone := t
	clone.MinAmount = nativecommon.Clone(t.MinAmount)
	return clone
}

// BalanceDue splits what a borrower owes right now.
type BalanceDue struct {
	Principal *big.Int
	Interest  *big.Int
	Total     *big.Int
}

// Repayment reports how a payment was applied.
type Repayment struct {
	Paid      *big.Int
	Principal *big.Int
	Interest  *big.Int
	Status    LoanStatus
}
