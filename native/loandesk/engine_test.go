package loandesk

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"poolledger/core/state"
	"poolledger/crypto"
	"poolledger/native/access"
	nativecommon "poolledger/native/common"
	"poolledger/native/lending"
	"poolledger/native/token"
	"poolledger/storage"
)

const testStart = int64(1_700_000_000)

type harness struct {
	t        *testing.T
	desk     *Engine
	pool     *lending.Engine
	asset    *token.Ledger
	registry *access.Registry
	now      int64

	poolAddr crypto.Address
	deskAddr crypto.Address
	issuer   crypto.Address
	staker   crypto.Address
	gov      crypto.Address
	pauser   crypto.Address
}

func makeAddress(b byte) crypto.Address {
	var raw [20]byte
	raw[0] = 0x20
	raw[19] = b
	return crypto.FromRaw(crypto.PoolPrefix, raw)
}

func poolParams() lending.Params {
	params := lending.DefaultParams()
	params.TargetStakePercent = 100
	params.TargetLiquidityPercent = 0
	params.ProtocolFeePercent = 0
	params.EarnFactor = nativecommon.HundredPercent
	params.ExitFeePercent = 0
	params.MinInitialStake = big.NewInt(1000)
	params.StakerInactivityPeriod = 60 * Day
	return params
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	h := &harness{
		t:        t,
		now:      testStart,
		poolAddr: crypto.ModuleAddress("pool/desk-test/vault"),
		deskAddr: crypto.ModuleAddress("pool/desk-test/desk"),
		issuer:   makeAddress(0xF0),
		staker:   makeAddress(0xA1),
		gov:      makeAddress(0xA2),
		pauser:   makeAddress(0xA4),
	}
	clock := func() int64 { return h.now }
	h.asset = token.NewLedger("USDC", h.issuer)
	h.asset.SetState(mgr)
	shares := token.NewLedger("PLS", h.poolAddr)
	shares.SetState(mgr)
	h.registry = access.NewRegistry("desk-test")
	h.registry.SetState(mgr)
	for role, addr := range map[string]crypto.Address{
		nativecommon.CapStaker:     h.staker,
		nativecommon.CapGovernance: h.gov,
		nativecommon.CapPauser:     h.pauser,
	} {
		if err := h.registry.Seed(role, addr); err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
	}
	h.pool = lending.NewEngine("desk-test", h.poolAddr, h.asset, shares)
	h.pool.SetState(mgr)
	h.pool.SetCapabilities(h.registry)
	h.pool.SetPauses(h.registry)
	h.pool.SetLoanDesk(h.deskAddr)
	h.pool.SetNowFunc(clock)
	if err := h.pool.Initialize(poolParams()); err != nil {
		t.Fatalf("initialize pool: %v", err)
	}
	h.desk = NewEngine("desk-test", h.deskAddr, h.pool, nil)
	h.desk.SetState(mgr)
	h.desk.SetCapabilities(h.registry)
	h.desk.SetPauses(h.registry)
	h.desk.SetNowFunc(clock)
	if err := h.desk.Initialize(DefaultTemplate()); err != nil {
		t.Fatalf("initialize desk: %v", err)
	}

	h.fund(h.staker, 60_000)
	if _, err := h.pool.Stake(h.staker, big.NewInt(60_000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := h.pool.Open(h.staker); err != nil {
		t.Fatalf("open: %v", err)
	}
	lender := makeAddress(0x01)
	h.fund(lender, 500_000)
	if _, err := h.pool.Deposit(lender, big.NewInt(500_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return h
}

func (h *harness) fund(addr crypto.Address, amount int64) {
	h.t.Helper()
	if err := h.asset.Mint(h.issuer, addr, big.NewInt(amount)); err != nil {
		h.t.Fatalf("mint: %v", err)
	}
	allowance, err := h.asset.Allowance(addr, h.poolAddr)
	if err != nil {
		h.t.Fatalf("allowance: %v", err)
	}
	if err := h.asset.Approve(addr, h.poolAddr, allowance.Add(allowance, big.NewInt(amount))); err != nil {
		h.t.Fatalf("approve: %v", err)
	}
}

func (h *harness) balance(addr crypto.Address) int64 {
	h.t.Helper()
	bal, err := h.asset.BalanceOf(addr)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (h *harness) snapshot() *lending.Snapshot {
	h.t.Helper()
	snap, err := h.pool.Snapshot()
	if err != nil {
		h.t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func terms(amount int64) OfferTerms {
	return OfferTerms{
		Amount:       big.NewInt(amount),
		Duration:     30 * Day,
		GracePeriod:  3 * Day,
		Installments: 1,
		APR:          100,
		LateAPRDelta: 50,
	}
}

func (h *harness) apply(borrower crypto.Address, amount int64) uint64 {
	h.t.Helper()
	id, err := h.desk.RequestLoan(borrower, big.NewInt(amount), 30*Day, uuid.NewString(), [32]byte{1})
	if err != nil {
		h.t.Fatalf("request loan: %v", err)
	}
	return id
}

// offer runs an application through draft, lock and offer.
func (h *harness) offer(borrower crypto.Address, t OfferTerms) uint64 {
	h.t.Helper()
	id := h.apply(borrower, t.Amount.Int64())
	if err := h.desk.DraftOffer(h.staker, id, t); err != nil {
		h.t.Fatalf("draft: %v", err)
	}
	if err := h.desk.LockDraftOffer(h.staker, id); err != nil {
		h.t.Fatalf("lock: %v", err)
	}
	h.now += int64(LockDuration)
	if err := h.desk.OfferLoan(h.staker, id); err != nil {
		h.t.Fatalf("offer: %v", err)
	}
	return id
}

func (h *harness) borrow(borrower crypto.Address, t OfferTerms) uint64 {
	h.t.Helper()
	appID := h.offer(borrower, t)
	loanID, err := h.desk.Borrow(borrower, appID)
	if err != nil {
		h.t.Fatalf("borrow: %v", err)
	}
	return loanID
}

func TestApplicationLifecycle(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)

	appID := h.offer(borrower, terms(10_000))
	if snap := h.snapshot(); snap.Pool.AllocatedFunds.Int64() != 10_000 {
		t.Fatalf("expected reservation of 10000, got %s", snap.Pool.AllocatedFunds)
	}
	loanID, err := h.desk.Borrow(borrower, appID)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	app, err := h.desk.Application(appID)
	if err != nil || app.Status != StatusOfferAccepted || app.LoanID != loanID {
		t.Fatalf("unexpected application %+v err=%v", app, err)
	}
	loan, err := h.desk.Loan(loanID)
	if err != nil || loan.Status != LoanOutstanding || loan.Amount.Int64() != 10_000 {
		t.Fatalf("unexpected loan %+v err=%v", loan, err)
	}
	if got := h.balance(borrower); got != 10_000 {
		t.Fatalf("expected borrower to hold 10000, got %d", got)
	}
	snap := h.snapshot()
	if snap.Pool.AllocatedFunds.Sign() != 0 || snap.Pool.BorrowedFunds.Int64() != 10_000 {
		t.Fatalf("unexpected pool books %+v", snap.Pool)
	}
	if _, err := h.desk.Borrow(borrower, appID); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("expected second borrow to fail, got %v", err)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)
	id := h.apply(borrower, 1000)

	if err := h.desk.LockDraftOffer(h.staker, id); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("lock before draft: %v", err)
	}
	if err := h.desk.OfferLoan(h.staker, id); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("offer before lock: %v", err)
	}
	if _, err := h.desk.Borrow(borrower, id); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("borrow before offer: %v", err)
	}
	if err := h.desk.DenyLoan(borrower, id); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("deny by borrower: %v", err)
	}
	if err := h.desk.CancelLoan(makeAddress(0x03), id); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("cancel by stranger: %v", err)
	}
	if err := h.desk.DenyLoan(h.staker, id); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if err := h.desk.CancelLoan(borrower, id); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("cancel after deny: %v", err)
	}
}

func TestLockWindowAndDraftUpdates(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)
	id := h.apply(borrower, 5000)
	if err := h.desk.DraftOffer(h.staker, id, terms(5000)); err != nil {
		t.Fatalf("draft: %v", err)
	}
	if err := h.desk.UpdateDraftOffer(h.staker, id, terms(8000)); err != nil {
		t.Fatalf("update up: %v", err)
	}
	if got := h.snapshot().Pool.AllocatedFunds.Int64(); got != 8000 {
		t.Fatalf("expected 8000 reserved, got %d", got)
	}
	if err := h.desk.UpdateDraftOffer(h.staker, id, terms(3000)); err != nil {
		t.Fatalf("update down: %v", err)
	}
	if got := h.snapshot().Pool.AllocatedFunds.Int64(); got != 3000 {
		t.Fatalf("expected 3000 reserved, got %d", got)
	}
	if err := h.desk.LockDraftOffer(h.staker, id); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := h.desk.UpdateDraftOffer(h.staker, id, terms(4000)); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("update after lock: %v", err)
	}
	h.now += int64(LockDuration) - 1
	if err := h.desk.OfferLoan(h.staker, id); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("expected lock window rejection, got %v", err)
	}
	h.now++
	if err := h.desk.OfferLoan(h.staker, id); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := h.desk.CancelOffer(h.staker, id); err != nil {
		t.Fatalf("cancel offer: %v", err)
	}
	if got := h.snapshot().Pool.AllocatedFunds.Sign(); got != 0 {
		t.Fatalf("cancel must release the reservation")
	}
}

func TestOfferTermsSafeBounds(t *testing.T) {
	h := newHarness(t)
	id := h.apply(makeAddress(0x02), 1000)
	cases := map[string]func(*OfferTerms){
		"zero amount":        func(o *OfferTerms) { o.Amount = big.NewInt(0) },
		"short duration":     func(o *OfferTerms) { o.Duration = Day - 1 },
		"long duration":      func(o *OfferTerms) { o.Duration = MaxLoanDuration + 1 },
		"short grace":        func(o *OfferTerms) { o.GracePeriod = 2 * Day },
		"no installments":    func(o *OfferTerms) { o.Installments = 0 },
		"installments > day": func(o *OfferTerms) { o.Installments = 31 },
		"combined rate":      func(o *OfferTerms) { o.APR = 600; o.LateAPRDelta = 401 },
	}
	for name, mutate := range cases {
		bad := terms(1000)
		mutate(&bad)
		if err := h.desk.DraftOffer(h.staker, id, bad); !errors.Is(err, nativecommon.ErrOutOfBounds) {
			t.Fatalf("%s: expected ErrOutOfBounds, got %v", name, err)
		}
	}
	if got := h.snapshot().Pool.AllocatedFunds.Sign(); got != 0 {
		t.Fatalf("rejected drafts must not reserve funds")
	}
}

func TestOneActiveApplicationPerBorrower(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)
	first := h.apply(borrower, 1000)
	if _, err := h.desk.RequestLoan(borrower, big.NewInt(1000), 30*Day, uuid.NewString(), [32]byte{}); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("expected active application rejection, got %v", err)
	}
	if err := h.desk.CancelLoan(borrower, first); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	second := h.apply(borrower, 1000)
	recent, err := h.desk.RecentApplicationOf(borrower)
	if err != nil || recent.ID != second {
		t.Fatalf("expected recent application %d, got %+v err=%v", second, recent, err)
	}
}

func TestRequestLoanValidation(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)
	if _, err := h.desk.RequestLoan(h.staker, big.NewInt(1000), 30*Day, uuid.NewString(), [32]byte{}); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("staker must not borrow, got %v", err)
	}
	if _, err := h.desk.RequestLoan(borrower, big.NewInt(1000), Day-1, uuid.NewString(), [32]byte{}); !errors.Is(err, nativecommon.ErrOutOfBounds) {
		t.Fatalf("expected duration rejection, got %v", err)
	}
	if _, err := h.desk.RequestLoan(borrower, big.NewInt(1000), 30*Day, "not-a-uuid", [32]byte{}); !errors.Is(err, nativecommon.ErrOutOfBounds) {
		t.Fatalf("expected reference rejection, got %v", err)
	}
	if err := h.registry.SetPaused(h.pauser, nativecommon.ModuleLoanDesk, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := h.desk.RequestLoan(borrower, big.NewInt(1000), 30*Day, uuid.NewString(), [32]byte{}); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected pause rejection, got %v", err)
	}
}

func TestExpiredOfferCannotBeBorrowed(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)
	id := h.offer(borrower, terms(2000))
	h.now += int64(7*Day) + 1
	expired, err := h.desk.OfferExpired(id)
	if err != nil || !expired {
		t.Fatalf("expected expired offer, got %v err=%v", expired, err)
	}
	if _, err := h.desk.Borrow(borrower, id); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("expected expiry rejection, got %v", err)
	}
	next := h.apply(borrower, 1000)
	old, err := h.desk.Application(id)
	if err != nil || old.Status != StatusOfferCancelled {
		t.Fatalf("expired offer should be cancelled, got %+v err=%v", old, err)
	}
	if got := h.snapshot().Pool.AllocatedFunds.Sign(); got != 0 {
		t.Fatalf("expired reservation must be released")
	}
	if next == id {
		t.Fatalf("expected a fresh application id")
	}
}

func TestReentrantBorrowRejected(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)
	id := h.offer(borrower, terms(1000))
	var reentered error
	h.asset.SetTransferHook(func(from, to crypto.Address, amount *big.Int) {
		if to.Equal(borrower) {
			_, reentered = h.desk.Borrow(borrower, id)
		}
	})
	if _, err := h.desk.Borrow(borrower, id); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if !errors.Is(reentered, nativecommon.ErrInvalidState) {
		t.Fatalf("expected reentrant borrow to fail, got %v", reentered)
	}
	if got := h.balance(borrower); got != 1000 {
		t.Fatalf("expected a single disbursement, got %d", got)
	}
}

func TestInterestAccruesLinearly(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)
	long := terms(10_000)
	long.Duration = Year
	loanID := h.borrow(borrower, long)

	h.now += int64(Year)
	due, err := h.desk.LoanBalanceDue(loanID)
	if err != nil {
		t.Fatalf("balance due: %v", err)
	}
	// 10000 at 10% for a year
	if due.Interest.Int64() != 1000 || due.Total.Int64() != 11_000 {
		t.Fatalf("unexpected balance %+v", due)
	}
}

func TestLateInterestAfterGrace(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)
	loanID := h.borrow(borrower, terms(365_000))

	h.now += int64(33*Day + Year)
	due, err := h.desk.LoanBalanceDue(loanID)
	if err != nil {
		t.Fatalf("balance due: %v", err)
	}
	// 33 days at 10% plus a year at 15%
	if due.Interest.Int64() != 58_050 {
		t.Fatalf("expected 58050 interest, got %s", due.Interest)
	}
}

func TestRepayInterestFirstAndCap(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)
	long := terms(10_000)
	long.Duration = Year
	loanID := h.borrow(borrower, long)
	h.fund(borrower, 5000)
	if err := h.asset.Approve(borrower, h.poolAddr, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	h.now += int64(Year)
	receipt, err := h.desk.Repay(borrower, loanID, big.NewInt(1500))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if receipt.Interest.Int64() != 1000 || receipt.Principal.Int64() != 500 || receipt.Status != LoanOutstanding {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	receipt, err = h.desk.Repay(borrower, loanID, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("repay rest: %v", err)
	}
	if receipt.Paid.Int64() != 9500 || receipt.Status != LoanRepaid {
		t.Fatalf("expected capped final payment, got %+v", receipt)
	}
	if got := h.balance(borrower); got != 10_000+5000-11_000 {
		t.Fatalf("unexpected borrower balance %d", got)
	}
	if _, err := h.desk.Repay(borrower, loanID, big.NewInt(1)); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("expected repaid loan rejection, got %v", err)
	}
	snap := h.snapshot()
	if snap.Pool.BorrowedFunds.Sign() != 0 || snap.Pool.TotalFunds.Int64() != 561_000 {
		t.Fatalf("unexpected pool after repayment %+v", snap.Pool)
	}
}

func TestPartialPaymentCarriesInterest(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)
	long := terms(10_000)
	long.Duration = Year
	loanID := h.borrow(borrower, long)
	h.fund(borrower, 1000)

	h.now += int64(Year)
	if _, err := h.desk.Repay(borrower, loanID, big.NewInt(400)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	due, err := h.desk.LoanBalanceDue(loanID)
	if err != nil {
		t.Fatalf("balance due: %v", err)
	}
	if due.Interest.Int64() != 600 || due.Principal.Int64() != 10_000 {
		t.Fatalf("unpaid interest must carry over, got %+v", due)
	}
}

func TestDefaultRules(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)
	loanID := h.borrow(borrower, terms(4000))

	if _, err := h.desk.DefaultLoan(h.staker, loanID); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("expected grace period rejection, got %v", err)
	}
	h.now += int64(33*Day) + 1
	if ok, _ := h.desk.CanDefault(loanID, borrower); ok {
		t.Fatalf("borrower must not default")
	}
	if ok, _ := h.desk.CanDefault(loanID, h.gov); ok {
		t.Fatalf("governance must wait for staker inactivity")
	}
	if ok, err := h.desk.CanDefault(loanID, h.staker); err != nil || !ok {
		t.Fatalf("staker should be able to default, got %v err=%v", ok, err)
	}

	before := h.snapshot()
	loss, err := h.desk.DefaultLoan(h.staker, loanID)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if loss.Int64() != 4000 {
		t.Fatalf("expected loss 4000, got %s", loss)
	}
	after := h.snapshot()
	if after.Pool.BorrowedFunds.Sign() != 0 {
		t.Fatalf("defaulted principal must leave borrowed funds")
	}
	if after.Pool.StakedShares.Cmp(before.Pool.StakedShares) >= 0 {
		t.Fatalf("staker must absorb the loss first")
	}
	loan, _ := h.desk.Loan(loanID)
	if loan.Status != LoanDefaulted {
		t.Fatalf("expected defaulted status, got %s", loan.Status)
	}
	if _, err := h.desk.DefaultLoan(h.staker, loanID); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("expected second default to fail, got %v", err)
	}
}

func TestGovernanceDefaultsAfterStakerInactivity(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(0x02)
	loanID := h.borrow(borrower, terms(1000))
	h.fund(borrower, 300)
	if _, err := h.desk.Repay(borrower, loanID, big.NewInt(300)); err != nil {
		t.Fatalf("repay: %v", err)
	}

	h.now += int64(33*Day) + 1
	if _, err := h.desk.DefaultLoan(h.gov, loanID); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected governance rejection while staker active, got %v", err)
	}
	h.now += int64(30 * Day)
	loss, err := h.desk.DefaultLoan(h.gov, loanID)
	if err != nil {
		t.Fatalf("governance default: %v", err)
	}
	loan, _ := h.desk.Loan(loanID)
	want := new(big.Int).Sub(loan.Amount, loan.PrincipalRepaid)
	if loss.Cmp(want) != 0 {
		t.Fatalf("expected loss %s, got %s", want, loss)
	}
}

func TestUpdateTemplate(t *testing.T) {
	h := newHarness(t)
	tmpl := DefaultTemplate()
	tmpl.MinAmount = big.NewInt(5000)
	if err := h.desk.UpdateTemplate(makeAddress(0x02), tmpl); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected staker check, got %v", err)
	}
	bad := tmpl.Clone()
	bad.MinDuration = 10 * Day
	bad.MaxDuration = 5 * Day
	if err := h.desk.UpdateTemplate(h.staker, bad); !errors.Is(err, nativecommon.ErrOutOfBounds) {
		t.Fatalf("expected bounds rejection, got %v", err)
	}
	if err := h.desk.UpdateTemplate(h.staker, tmpl); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := h.desk.RequestLoan(makeAddress(0x02), big.NewInt(4999), 30*Day, uuid.NewString(), [32]byte{}); !errors.Is(err, nativecommon.ErrOutOfBounds) {
		t.Fatalf("expected template minimum, got %v", err)
	}
}
