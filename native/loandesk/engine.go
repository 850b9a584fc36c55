package loandesk

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"poolledger/core/events"
	"poolledger/core/types"
	"poolledger/crypto"
	nativecommon "poolledger/native/common"
	"poolledger/native/lending"
)

var (
	errNilState            = errors.New("loandesk: state not configured")
	errNilPool             = errors.New("loandesk: pool not configured")
	errNotInitialised      = nativecommon.NewError(nativecommon.ErrInvalidState, "loandesk: not initialised")
	errAlreadyInitialised  = nativecommon.NewError(nativecommon.ErrInvalidState, "loandesk: already initialised")
	errReentrant           = nativecommon.NewError(nativecommon.ErrInvalidState, "loandesk: reentrant call")
	errInvalidTransition   = nativecommon.NewError(nativecommon.ErrInvalidState, "loandesk: invalid application transition")
	errPoolNotOpen         = nativecommon.NewError(nativecommon.ErrInvalidState, "loandesk: pool not open")
	errActiveApplication   = nativecommon.NewError(nativecommon.ErrInvalidState, "loandesk: borrower has an active application")
	errLockWindow          = nativecommon.NewError(nativecommon.ErrInvalidState, "loandesk: offer still inside lock window")
	errOfferExpired        = nativecommon.NewError(nativecommon.ErrInvalidState, "loandesk: offer expired")
	errLoanNotOutstanding  = nativecommon.NewError(nativecommon.ErrInvalidState, "loandesk: loan not outstanding")
	errGracePeriod         = nativecommon.NewError(nativecommon.ErrInvalidState, "loandesk: loan still inside grace period")
	errNotUser             = nativecommon.NewError(nativecommon.ErrUnauthorized, "loandesk: caller holds a privileged role")
	errNotStaker           = nativecommon.NewError(nativecommon.ErrUnauthorized, "loandesk: caller lacks staker role")
	errNotBorrower         = nativecommon.NewError(nativecommon.ErrUnauthorized, "loandesk: caller is not the borrower")
	errDefaultDenied       = nativecommon.NewError(nativecommon.ErrUnauthorized, "loandesk: caller may not default this loan")
	errInvalidAmount       = nativecommon.NewError(nativecommon.ErrOutOfBounds, "loandesk: amount must be positive")
	errAmountBounds        = nativecommon.NewError(nativecommon.ErrOutOfBounds, "loandesk: amount below template minimum")
	errDurationBounds      = nativecommon.NewError(nativecommon.ErrOutOfBounds, "loandesk: duration outside template range")
	errInvalidReference    = nativecommon.NewError(nativecommon.ErrOutOfBounds, "loandesk: invalid application reference")
	errTermsBounds         = nativecommon.NewError(nativecommon.ErrOutOfBounds, "loandesk: offer terms out of bounds")
	errTemplateBounds      = nativecommon.NewError(nativecommon.ErrOutOfBounds, "loandesk: template out of bounds")
	errApplicationNotFound = nativecommon.NewError(nativecommon.ErrNotFound, "loandesk: application not found")
	errLoanNotFound        = nativecommon.NewError(nativecommon.ErrNotFound, "loandesk: loan not found")
)

const moduleName = nativecommon.ModuleLoanDesk

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// poolLedger is the slice of the pool ledger the desk drives. It is
// satisfied by *lending.Engine.
type poolLedger interface {
	IsOpen() (bool, error)
	Params() (lending.Params, error)
	LastStakerActivity() (uint64, error)
	ReserveOffer(caller crypto.Address, amount *big.Int) error
	ReleaseOffer(caller crypto.Address, amount *big.Int) error
	Disburse(caller, to crypto.Address, amount *big.Int) error
	CollectRepayment(caller, payer crypto.Address, principal, interest *big.Int) (*lending.RepaymentSplit, error)
	WriteDownLoss(caller crypto.Address, amount *big.Int) (*big.Int, error)
	CloseOutDefault(caller crypto.Address, principal *big.Int) error
	NoteStakerActivity(caller crypto.Address) error
}

type counters struct {
	NextApplicationID uint64
	NextLoanID        uint64
}

// Engine is the loan desk: it takes applications, lets the staker draft,
// lock and make offers, originates loans against the pool and services
// repayments and defaults.
type Engine struct {
	state      engineState
	poolID     string
	address    crypto.Address
	pool       poolLedger
	safeMin    *big.Int
	caps       nativecommon.CapabilityView
	pauses     nativecommon.PauseView
	emitter    events.Emitter
	nowFn      func() int64
	inProgress bool
}

// NewEngine creates the desk for poolID. address must be the loan desk
// address registered with the pool. assetUnit is one whole asset token in
// base units and bounds the smallest loan; nil means one base unit.
func NewEngine(poolID string, address crypto.Address, pool poolLedger, assetUnit *big.Int) *Engine {
	safeMin := big.NewInt(defaultAssetUnit)
	if assetUnit != nil && assetUnit.Sign() > 0 {
		safeMin = nativecommon.Clone(assetUnit)
	}
	return &Engine{
		poolID:  poolID,
		address: address,
		pool:    pool,
		safeMin: safeMin,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

func (e *Engine) SetState(state engineState) { e.state = state }

func (e *Engine) SetCapabilities(caps nativecommon.CapabilityView) { e.caps = caps }

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets the emitter to
// a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock. Passing nil restores wall time.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) Address() crypto.Address { return e.address }

// SafeMinAmount is the smallest principal any template or offer may use.
func (e *Engine) SafeMinAmount() *big.Int { return nativecommon.Clone(e.safeMin) }

func (e *Engine) now() uint64 {
	if e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) emit(event *types.Event) {
	if e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(events.Structured{Evt: event})
}

func (e *Engine) enter() error {
	if e.state == nil {
		return errNilState
	}
	if e.pool == nil {
		return errNilPool
	}
	if e.inProgress {
		return errReentrant
	}
	e.inProgress = true
	return nil
}

func (e *Engine) exit() { e.inProgress = false }

func (e *Engine) countersKey() []byte { return []byte(fmt.Sprintf("loandesk/%s/counters", e.poolID)) }

func (e *Engine) templateKey() []byte { return []byte(fmt.Sprintf("loandesk/%s/template", e.poolID)) }

func (e *Engine) applicationKey(id uint64) []byte {
	return []byte(fmt.Sprintf("loandesk/%s/application/%d", e.poolID, id))
}

func (e *Engine) loanKey(id uint64) []byte {
	return []byte(fmt.Sprintf("loandesk/%s/loan/%d", e.poolID, id))
}

func (e *Engine) recentKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("loandesk/%s/recent/%x", e.poolID, addr[:]))
}

// Initialize persists the template and starts the id counters at one.
func (e *Engine) Initialize(template LoanTemplate) error {
	if e.state == nil {
		return errNilState
	}
	if err := ValidateTemplate(template, e.safeMin); err != nil {
		return err
	}
	var existing counters
	ok, err := e.state.KVGet(e.countersKey(), &existing)
	if err != nil {
		return err
	}
	if ok {
		return errAlreadyInitialised
	}
	if err := e.state.KVPut(e.templateKey(), template.Clone()); err != nil {
		return err
	}
	return e.state.KVPut(e.countersKey(), &counters{NextApplicationID: 1, NextLoanID: 1})
}

func (e *Engine) loadCounters() (*counters, error) {
	c := new(counters)
	ok, err := e.state.KVGet(e.countersKey(), c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotInitialised
	}
	return c, nil
}

func (e *Engine) loadTemplate() (LoanTemplate, error) {
	var tmpl LoanTemplate
	ok, err := e.state.KVGet(e.templateKey(), &tmpl)
	if err != nil {
		return LoanTemplate{}, err
	}
	if !ok {
		return LoanTemplate{}, errNotInitialised
	}
	tmpl.MinAmount = nativecommon.Clone(tmpl.MinAmount)
	return tmpl, nil
}

func (e *Engine) loadApplication(id uint64) (*Application, error) {
	app := new(Application)
	ok, err := e.state.KVGet(e.applicationKey(id), app)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errApplicationNotFound
	}
	app.Amount = nativecommon.Clone(app.Amount)
	app.Offer.Amount = nativecommon.Clone(app.Offer.Amount)
	return app, nil
}

func (e *Engine) storeApplication(app *Application) error {
	return e.state.KVPut(e.applicationKey(app.ID), app)
}

func (e *Engine) loadLoan(id uint64) (*Loan, error) {
	loan := new(Loan)
	ok, err := e.state.KVGet(e.loanKey(id), loan)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errLoanNotFound
	}
	loan.Amount = nativecommon.Clone(loan.Amount)
	loan.TotalRepaid = nativecommon.Clone(loan.TotalRepaid)
	loan.PrincipalRepaid = nativecommon.Clone(loan.PrincipalRepaid)
	loan.InterestPaid = nativecommon.Clone(loan.InterestPaid)
	loan.InterestOwed = nativecommon.Clone(loan.InterestOwed)
	return loan, nil
}

func (e *Engine) storeLoan(loan *Loan) error {
	return e.state.KVPut(e.loanKey(loan.ID), loan)
}

func (e *Engine) recentApplication(borrower crypto.Address) (*Application, error) {
	var id uint64
	ok, err := e.state.KVGet(e.recentKey(borrower.Raw()), &id)
	if err != nil {
		return nil, err
	}
	if !ok || id == 0 {
		return nil, nil
	}
	return e.loadApplication(id)
}

func (e *Engine) requireStaker(caller crypto.Address) error {
	return nativecommon.Require(e.caps, caller, nativecommon.CapStaker, errNotStaker)
}

func offerExpired(app *Application, now uint64) bool {
	return app.Status == StatusOfferMade && app.Offer.ExpiresAt != 0 && now > app.Offer.ExpiresAt
}

func borrowerOf(app *Application) crypto.Address {
	return crypto.FromRaw(crypto.PoolPrefix, app.Borrower)
}

func positive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}

// expireOffer cancels a made offer whose acceptance window has passed and
// returns its reservation to the pool.
func (e *Engine) expireOffer(app *Application) error {
	if err := transition(app, eventCancelOffer); err != nil {
		return err
	}
	if err := e.storeApplication(app); err != nil {
		return err
	}
	if err := e.pool.ReleaseOffer(e.address, app.Offer.Amount); err != nil {
		return err
	}
	e.emit(newApplicationEvent(EventTypeOfferCancelled, e.poolID, app))
	return nil
}

// RequestLoan files a new application. A borrower may hold one active
// application at a time; an expired offer does not count as active.
func (e *Engine) RequestLoan(borrower crypto.Address, amount *big.Int, duration uint64, reference string, digest [32]byte) (uint64, error) {
	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	if !nativecommon.IsUser(e.caps, borrower) {
		return 0, errNotUser
	}
	open, err := e.pool.IsOpen()
	if err != nil {
		return 0, err
	}
	if !open {
		return 0, errPoolNotOpen
	}
	tmpl, err := e.loadTemplate()
	if err != nil {
		return 0, err
	}
	if !positive(amount) {
		return 0, errInvalidAmount
	}
	if amount.Cmp(tmpl.MinAmount) < 0 {
		return 0, errAmountBounds
	}
	if duration < tmpl.MinDuration || duration > tmpl.MaxDuration {
		return 0, errDurationBounds
	}
	ref, err := uuid.Parse(reference)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errInvalidReference, err)
	}
	now := e.now()
	prior, err := e.recentApplication(borrower)
	if err != nil {
		return 0, err
	}
	if prior != nil && !prior.Status.Terminal() {
		if !offerExpired(prior, now) {
			return 0, errActiveApplication
		}
		if err := e.expireOffer(prior); err != nil {
			return 0, err
		}
	}
	ids, err := e.loadCounters()
	if err != nil {
		return 0, err
	}
	app := &Application{
		ID:              ids.NextApplicationID,
		Borrower:        borrower.Raw(),
		Amount:          nativecommon.Clone(amount),
		Duration:        duration,
		ReferenceUUID:   ref.String(),
		ReferenceDigest: digest,
		Status:          StatusApplied,
		CreatedAt:       now,
	}
	ids.NextApplicationID++
	if err := e.storeApplication(app); err != nil {
		return 0, err
	}
	if err := e.state.KVPut(e.countersKey(), ids); err != nil {
		return 0, err
	}
	if err := e.state.KVPut(e.recentKey(app.Borrower), app.ID); err != nil {
		return 0, err
	}
	e.emit(newApplicationEvent(EventTypeApplicationRequested, e.poolID, app))
	return app.ID, nil
}

// stakerTransition runs a staker-only lifecycle step. apply may adjust the
// application after the state change; it runs before the record is stored.
func (e *Engine) stakerTransition(staker crypto.Address, id uint64, event string, apply func(app *Application, now uint64) error) (*Application, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.requireStaker(staker); err != nil {
		return nil, err
	}
	app, err := e.loadApplication(id)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := transition(app, event); err != nil {
		return nil, err
	}
	if apply != nil {
		if err := apply(app, now); err != nil {
			return nil, err
		}
	}
	if err := e.storeApplication(app); err != nil {
		return nil, err
	}
	if err := e.pool.NoteStakerActivity(e.address); err != nil {
		return nil, err
	}
	return app, nil
}

// DenyLoan rejects an application that has no offer yet.
func (e *Engine) DenyLoan(staker crypto.Address, id uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	app, err := e.stakerTransition(staker, id, eventDeny, nil)
	if err != nil {
		return err
	}
	e.emit(newApplicationEvent(EventTypeApplicationDenied, e.poolID, app))
	return nil
}

func (e *Engine) draftTerms(terms OfferTerms, now uint64) (OfferTerms, error) {
	if err := ValidateTerms(terms, e.safeMin); err != nil {
		return OfferTerms{}, err
	}
	drafted := terms.Clone()
	drafted.DraftedAt = now
	drafted.LockedAt = 0
	drafted.OfferedAt = 0
	drafted.ExpiresAt = 0
	return drafted, nil
}

// DraftOffer attaches terms to an application and reserves the principal in
// the pool.
func (e *Engine) DraftOffer(staker crypto.Address, id uint64, terms OfferTerms) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	app, err := e.stakerTransition(staker, id, eventDraft, func(app *Application, now uint64) error {
		drafted, err := e.draftTerms(terms, now)
		if err != nil {
			return err
		}
		app.Offer = drafted
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.pool.ReserveOffer(e.address, app.Offer.Amount); err != nil {
		return err
	}
	e.emit(newApplicationEvent(EventTypeOfferDrafted, e.poolID, app))
	return nil
}

// UpdateDraftOffer replaces the terms of an unlocked draft and adjusts the
// pool reservation by the difference.
func (e *Engine) UpdateDraftOffer(staker crypto.Address, id uint64, terms OfferTerms) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	delta := new(big.Int)
	app, err := e.stakerTransition(staker, id, eventUpdate, func(app *Application, now uint64) error {
		drafted, err := e.draftTerms(terms, now)
		if err != nil {
			return err
		}
		delta.Sub(drafted.Amount, app.Offer.Amount)
		app.Offer = drafted
		return nil
	})
	if err != nil {
		return err
	}
	switch delta.Sign() {
	case 1:
		err = e.pool.ReserveOffer(e.address, delta)
	case -1:
		err = e.pool.ReleaseOffer(e.address, delta.Neg(delta))
	}
	if err != nil {
		return err
	}
	e.emit(newApplicationEvent(EventTypeOfferUpdated, e.poolID, app))
	return nil
}

// LockDraftOffer freezes the draft and starts the lock window.
func (e *Engine) LockDraftOffer(staker crypto.Address, id uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	app, err := e.stakerTransition(staker, id, eventLock, func(app *Application, now uint64) error {
		app.Offer.LockedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(newApplicationEvent(EventTypeOfferLocked, e.poolID, app))
	return nil
}

// OfferLoan presents a locked draft to the borrower once the lock window has
// elapsed. The offer expires after the template's offer expiration.
func (e *Engine) OfferLoan(staker crypto.Address, id uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	tmpl, err := e.loadTemplate()
	if err != nil {
		return err
	}
	app, err := e.stakerTransition(staker, id, eventOffer, func(app *Application, now uint64) error {
		if now < app.Offer.LockedAt+LockDuration {
			return errLockWindow
		}
		app.Offer.OfferedAt = now
		if tmpl.OfferExpiration > 0 {
			app.Offer.ExpiresAt = now + tmpl.OfferExpiration
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(newApplicationEvent(EventTypeOfferMade, e.poolID, app))
	return nil
}

// CancelOffer withdraws a drafted, locked or made offer and releases its
// reservation.
func (e *Engine) CancelOffer(staker crypto.Address, id uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	app, err := e.stakerTransition(staker, id, eventCancelOffer, nil)
	if err != nil {
		return err
	}
	if err := e.pool.ReleaseOffer(e.address, app.Offer.Amount); err != nil {
		return err
	}
	e.emit(newApplicationEvent(EventTypeOfferCancelled, e.poolID, app))
	return nil
}

// CancelLoan lets the borrower withdraw an application that has no offer.
func (e *Engine) CancelLoan(borrower crypto.Address, id uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	app, err := e.loadApplication(id)
	if err != nil {
		return err
	}
	if app.Borrower != borrower.Raw() {
		return errNotBorrower
	}
	if err := transition(app, eventCancel); err != nil {
		return err
	}
	if err := e.storeApplication(app); err != nil {
		return err
	}
	e.emit(newApplicationEvent(EventTypeApplicationCancelled, e.poolID, app))
	return nil
}

// Borrow accepts a made offer. The application, the loan record and the pool
// books are written before the asset leaves the pool.
func (e *Engine) Borrow(borrower crypto.Address, id uint64) (uint64, error) {
	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	app, err := e.loadApplication(id)
	if err != nil {
		return 0, err
	}
	if app.Borrower != borrower.Raw() {
		return 0, errNotBorrower
	}
	now := e.now()
	if offerExpired(app, now) {
		return 0, errOfferExpired
	}
	if err := transition(app, eventBorrow); err != nil {
		return 0, err
	}
	ids, err := e.loadCounters()
	if err != nil {
		return 0, err
	}
	loan := &Loan{
		ID:              ids.NextLoanID,
		ApplicationID:   app.ID,
		Borrower:        app.Borrower,
		Amount:          nativecommon.Clone(app.Offer.Amount),
		Duration:        app.Offer.Duration,
		GracePeriod:     app.Offer.GracePeriod,
		Installments:    app.Offer.Installments,
		APR:             app.Offer.APR,
		LateAPRDelta:    app.Offer.LateAPRDelta,
		Status:          LoanOutstanding,
		BorrowedAt:      now,
		LastPaymentAt:   now,
		TotalRepaid:     big.NewInt(0),
		PrincipalRepaid: big.NewInt(0),
		InterestPaid:    big.NewInt(0),
		InterestOwed:    big.NewInt(0),
	}
	ids.NextLoanID++
	app.LoanID = loan.ID
	if err := e.storeApplication(app); err != nil {
		return 0, err
	}
	if err := e.storeLoan(loan); err != nil {
		return 0, err
	}
	if err := e.state.KVPut(e.countersKey(), ids); err != nil {
		return 0, err
	}
	if err := e.pool.Disburse(e.address, borrower, loan.Amount); err != nil {
		return 0, err
	}
	e.emit(newLoanEvent(EventTypeLoanBorrowed, e.poolID, loan))
	return loan.ID, nil
}

// LoanBalanceDue returns what the borrower owes at the current time.
func (e *Engine) LoanBalanceDue(id uint64) (*BalanceDue, error) {
	if e.state == nil {
		return nil, errNilState
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	return balanceDue(loan, e.now()), nil
}

// Repay applies amount to an outstanding loan, interest first. Payments above
// the balance due are capped. The payer must have approved the pool address.
func (e *Engine) Repay(payer crypto.Address, id uint64, amount *big.Int) (*Repayment, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if !positive(amount) {
		return nil, errInvalidAmount
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != LoanOutstanding {
		return nil, errLoanNotOutstanding
	}
	now := e.now()
	due := balanceDue(loan, now)
	paid := nativecommon.Min(amount, due.Total)
	interest := nativecommon.Min(paid, due.Interest)
	principal := new(big.Int).Sub(paid, interest)

	loan.InterestOwed = new(big.Int).Sub(due.Interest, interest)
	loan.LastPaymentAt = now
	loan.TotalRepaid.Add(loan.TotalRepaid, paid)
	loan.InterestPaid.Add(loan.InterestPaid, interest)
	loan.PrincipalRepaid.Add(loan.PrincipalRepaid, principal)
	if loan.PrincipalOutstanding().Sign() == 0 {
		loan.Status = LoanRepaid
	}
	if err := e.storeLoan(loan); err != nil {
		return nil, err
	}
	if _, err := e.pool.CollectRepayment(e.address, payer, principal, interest); err != nil {
		return nil, err
	}
	receipt := &Repayment{Paid: paid, Principal: principal, Interest: interest, Status: loan.Status}
	e.emit(newRepaymentEvent(e.poolID, payer, loan, receipt))
	return receipt, nil
}

// defaultCheck returns nil when caller may default the loan at now.
func (e *Engine) defaultCheck(loan *Loan, caller crypto.Address, now uint64) error {
	if loan.Status != LoanOutstanding {
		return errLoanNotOutstanding
	}
	if now <= loan.DefaultableAt() {
		return errGracePeriod
	}
	if e.caps != nil && e.caps.HasCapability(caller, nativecommon.CapStaker) {
		return nil
	}
	if e.caps == nil || !e.caps.HasCapability(caller, nativecommon.CapGovernance) {
		return errDefaultDenied
	}
	params, err := e.pool.Params()
	if err != nil {
		return err
	}
	last, err := e.pool.LastStakerActivity()
	if err != nil {
		return err
	}
	if now < last+params.StakerInactivityPeriod {
		return errDefaultDenied
	}
	return nil
}

// CanDefault reports whether caller may default the loan right now.
func (e *Engine) CanDefault(id uint64, caller crypto.Address) (bool, error) {
	if e.state == nil {
		return false, errNilState
	}
	if e.pool == nil {
		return false, errNilPool
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return false, err
	}
	err = e.defaultCheck(loan, caller, e.now())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, nativecommon.ErrUnauthorized), errors.Is(err, nativecommon.ErrInvalidState):
		return false, nil
	default:
		return false, err
	}
}

// DefaultLoan writes off the unrepaid principal. The staker's shares absorb
// the loss first.
func (e *Engine) DefaultLoan(caller crypto.Address, id uint64) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if err := e.defaultCheck(loan, caller, e.now()); err != nil {
		return nil, err
	}
	loss := loan.PrincipalOutstanding()
	loan.Status = LoanDefaulted
	if err := e.storeLoan(loan); err != nil {
		return nil, err
	}
	burned := big.NewInt(0)
	if loss.Sign() > 0 {
		if burned, err = e.pool.WriteDownLoss(e.address, loss); err != nil {
			return nil, err
		}
		if err := e.pool.CloseOutDefault(e.address, loss); err != nil {
			return nil, err
		}
	}
	if e.caps != nil && e.caps.HasCapability(caller, nativecommon.CapStaker) {
		if err := e.pool.NoteStakerActivity(e.address); err != nil {
			return nil, err
		}
	}
	e.emit(newDefaultEvent(e.poolID, caller, loan, loss, burned))
	return loss, nil
}

// UpdateTemplate replaces the loan template.
func (e *Engine) UpdateTemplate(staker crypto.Address, template LoanTemplate) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.requireStaker(staker); err != nil {
		return err
	}
	if err := ValidateTemplate(template, e.safeMin); err != nil {
		return err
	}
	if _, err := e.loadTemplate(); err != nil {
		return err
	}
	if err := e.state.KVPut(e.templateKey(), template.Clone()); err != nil {
		return err
	}
	if err := e.pool.NoteStakerActivity(e.address); err != nil {
		return err
	}
	e.emit(newTemplateEvent(e.poolID, staker, template))
	return nil
}

// Application returns a copy of the application.
func (e *Engine) Application(id uint64) (*Application, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.loadApplication(id)
}

// Loan returns a copy of the loan.
func (e *Engine) Loan(id uint64) (*Loan, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.loadLoan(id)
}

// RecentApplicationOf returns the borrower's latest application.
func (e *Engine) RecentApplicationOf(borrower crypto.Address) (*Application, error) {
	if e.state == nil {
		return nil, errNilState
	}
	app, err := e.recentApplication(borrower)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, errApplicationNotFound
	}
	return app, nil
}

// OfferExpired reports whether a made offer can no longer be borrowed.
func (e *Engine) OfferExpired(id uint64) (bool, error) {
	app, err := e.Application(id)
	if err != nil {
		return false, err
	}
	return offerExpired(app, e.now()), nil
}

// Template returns the active loan template.
func (e *Engine) Template() (LoanTemplate, error) {
	if e.state == nil {
		return LoanTemplate{}, errNilState
	}
	return e.loadTemplate()
}
