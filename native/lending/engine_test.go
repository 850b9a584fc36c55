package lending

import (
	"errors"
	"math/big"
	"testing"

	"poolledger/core/state"
	"poolledger/crypto"
	"poolledger/native/access"
	nativecommon "poolledger/native/common"
	"poolledger/native/token"
	"poolledger/storage"
)

const testStart = int64(1_700_000_000)

type harness struct {
	t        *testing.T
	engine   *Engine
	asset    *token.Ledger
	shares   *token.Ledger
	registry *access.Registry
	now      int64

	poolAddr crypto.Address
	desk     crypto.Address
	issuer   crypto.Address
	staker   crypto.Address
	gov      crypto.Address
	treasury crypto.Address
	pauser   crypto.Address
}

func makeAddress(b byte) crypto.Address {
	var raw [20]byte
	raw[0] = 0x10
	raw[19] = b
	return crypto.FromRaw(crypto.PoolPrefix, raw)
}

func testParams() Params {
	params := DefaultParams()
	params.TargetStakePercent = 100
	params.TargetLiquidityPercent = 0
	params.ProtocolFeePercent = 0
	params.EarnFactor = nativecommon.HundredPercent
	params.ExitFeePercent = 0
	params.MinInitialStake = big.NewInt(1000)
	return params
}

func newHarness(t *testing.T, params Params) *harness {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	h := &harness{
		t:        t,
		now:      testStart,
		poolAddr: crypto.ModuleAddress("pool/test/vault"),
		desk:     crypto.ModuleAddress("pool/test/desk"),
		issuer:   makeAddress(0xF0),
		staker:   makeAddress(0xA1),
		gov:      makeAddress(0xA2),
		treasury: makeAddress(0xA3),
		pauser:   makeAddress(0xA4),
	}
	h.asset = token.NewLedger("USDC", h.issuer)
	h.asset.SetState(mgr)
	h.shares = token.NewLedger("PLS", h.poolAddr)
	h.shares.SetState(mgr)
	h.registry = access.NewRegistry("test")
	h.registry.SetState(mgr)
	seeds := map[string]crypto.Address{
		nativecommon.CapStaker:     h.staker,
		nativecommon.CapGovernance: h.gov,
		nativecommon.CapTreasury:   h.treasury,
		nativecommon.CapPauser:     h.pauser,
	}
	for role, addr := range seeds {
		if err := h.registry.Seed(role, addr); err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
	}
	h.engine = NewEngine("test", h.poolAddr, h.asset, h.shares)
	h.engine.SetState(mgr)
	h.engine.SetCapabilities(h.registry)
	h.engine.SetPauses(h.registry)
	h.engine.SetLoanDesk(h.desk)
	h.engine.SetNowFunc(func() int64 { return h.now })
	if err := h.engine.Initialize(params); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return h
}

// fund mints amount to addr and approves the pool to pull it.
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

func (h *harness) stakeAndOpen(amount int64) {
	h.t.Helper()
	h.fund(h.staker, amount)
	if _, err := h.engine.Stake(h.staker, big.NewInt(amount)); err != nil {
		h.t.Fatalf("stake: %v", err)
	}
	if err := h.engine.Open(h.staker); err != nil {
		h.t.Fatalf("open: %v", err)
	}
}

func (h *harness) deposit(lender crypto.Address, amount int64) *big.Int {
	h.t.Helper()
	h.fund(lender, amount)
	minted, err := h.engine.Deposit(lender, big.NewInt(amount))
	if err != nil {
		h.t.Fatalf("deposit: %v", err)
	}
	return minted
}

// lend reserves and disburses amount to borrower through the desk hooks.
func (h *harness) lend(borrower crypto.Address, amount int64) {
	h.t.Helper()
	if err := h.engine.ReserveOffer(h.desk, big.NewInt(amount)); err != nil {
		h.t.Fatalf("reserve: %v", err)
	}
	if err := h.engine.Disburse(h.desk, borrower, big.NewInt(amount)); err != nil {
		h.t.Fatalf("disburse: %v", err)
	}
}

func (h *harness) snapshot() *Snapshot {
	h.t.Helper()
	snap, err := h.engine.Snapshot()
	if err != nil {
		h.t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func (h *harness) assetBalance(addr crypto.Address) int64 {
	h.t.Helper()
	bal, err := h.asset.BalanceOf(addr)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (h *harness) shareBalance(addr crypto.Address) int64 {
	h.t.Helper()
	bal, err := h.shares.BalanceOf(addr)
	if err != nil {
		h.t.Fatalf("share balance: %v", err)
	}
	return bal.Int64()
}

// assertShareIdentity checks totalShares == Σ free lender shares + staked + locked.
func (h *harness) assertShareIdentity(lenders ...crypto.Address) {
	h.t.Helper()
	snap := h.snapshot()
	sum := new(big.Int).Add(snap.Pool.StakedShares, snap.Pool.LockedShares)
	for _, lender := range lenders {
		sum.Add(sum, big.NewInt(h.shareBalance(lender)))
	}
	if sum.Cmp(snap.Pool.TotalShares) != 0 || snap.ShareSupply.Cmp(snap.Pool.TotalShares) != 0 {
		h.t.Fatalf("share identity broken: holdings=%s total=%s supply=%s", sum, snap.Pool.TotalShares, snap.ShareSupply)
	}
}

func TestWorkedExampleLiquidityAndBorrowedFunds(t *testing.T) {
	h := newHarness(t, testParams())
	lender := makeAddress(0x01)
	borrower := makeAddress(0x02)

	h.stakeAndOpen(1000)
	snap := h.snapshot()
	if snap.Pool.TotalShares.Int64() != 1000 || snap.Pool.StakedShares.Int64() != 1000 {
		t.Fatalf("expected 1000 staked shares at 1:1, got %s/%s", snap.Pool.TotalShares, snap.Pool.StakedShares)
	}

	if minted := h.deposit(lender, 9000); minted.Int64() != 9000 {
		t.Fatalf("expected 9000 shares, got %s", minted)
	}
	snap = h.snapshot()
	if snap.Pool.TotalFunds.Int64() != 10000 || snap.Pool.TotalShares.Int64() != 10000 {
		t.Fatalf("expected 10000/10000, got %s/%s", snap.Pool.TotalFunds, snap.Pool.TotalShares)
	}

	h.lend(borrower, 3950)
	snap = h.snapshot()
	if snap.Liquidity.Int64() != 6050 {
		t.Fatalf("expected liquidity 6050, got %s", snap.Liquidity)
	}
	if snap.Pool.BorrowedFunds.Int64() != 3950 {
		t.Fatalf("expected borrowed 3950, got %s", snap.Pool.BorrowedFunds)
	}
	if h.assetBalance(borrower) != 3950 {
		t.Fatalf("borrower did not receive funds")
	}

	if err := h.asset.Approve(borrower, h.poolAddr, big.NewInt(2000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := h.engine.CollectRepayment(h.desk, borrower, big.NewInt(2000), big.NewInt(0)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	snap = h.snapshot()
	if snap.Liquidity.Int64() != 8050 {
		t.Fatalf("expected liquidity 8050, got %s", snap.Liquidity)
	}
	if snap.Pool.BorrowedFunds.Int64() != 1950 {
		t.Fatalf("expected borrowed 1950, got %s", snap.Pool.BorrowedFunds)
	}
	h.assertShareIdentity(lender)
}

func TestDepositRejections(t *testing.T) {
	h := newHarness(t, testParams())
	lender := makeAddress(0x01)
	h.fund(lender, 20000)

	if _, err := h.engine.Deposit(lender, big.NewInt(100)); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("expected not-open rejection, got %v", err)
	}
	h.stakeAndOpen(1000)

	if _, err := h.engine.Deposit(lender, big.NewInt(9001)); !errors.Is(err, nativecommon.ErrOutOfBounds) {
		t.Fatalf("expected funding limit rejection, got %v", err)
	}
	if _, err := h.engine.Deposit(lender, big.NewInt(0)); !errors.Is(err, nativecommon.ErrOutOfBounds) {
		t.Fatalf("expected zero amount rejection, got %v", err)
	}
	h.fund(h.treasury, 100)
	if _, err := h.engine.Deposit(h.treasury, big.NewInt(100)); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected privileged depositor rejection, got %v", err)
	}
	broke := makeAddress(0x03)
	if _, err := h.engine.Deposit(broke, big.NewInt(100)); !errors.Is(err, nativecommon.ErrInsufficient) {
		t.Fatalf("expected allowance rejection, got %v", err)
	}
}

func TestPausedPoolBlocksMutation(t *testing.T) {
	h := newHarness(t, testParams())
	lender := makeAddress(0x01)
	h.stakeAndOpen(1000)
	h.fund(lender, 500)

	if err := h.registry.SetPaused(h.pauser, nativecommon.ModulePool, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := h.engine.Deposit(lender, big.NewInt(500)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if h.assetBalance(lender) != 500 {
		t.Fatalf("expected lender balance to remain 500")
	}
	if snap := h.snapshot(); snap.Pool.TotalFunds.Int64() != 1000 {
		t.Fatalf("expected pool funds unchanged, got %s", snap.Pool.TotalFunds)
	}
	if err := h.registry.SetPaused(h.pauser, nativecommon.ModulePool, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := h.engine.Deposit(lender, big.NewInt(500)); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

func TestStakeOpenCloseRules(t *testing.T) {
	h := newHarness(t, testParams())
	outsider := makeAddress(0x09)

	if err := h.engine.Open(h.staker); !errors.Is(err, nativecommon.ErrInsufficient) {
		t.Fatalf("expected open without stake to fail, got %v", err)
	}
	h.fund(h.staker, 5000)
	if _, err := h.engine.Stake(h.staker, big.NewInt(999)); !errors.Is(err, nativecommon.ErrOutOfBounds) {
		t.Fatalf("expected initial stake minimum, got %v", err)
	}
	h.fund(outsider, 1000)
	if _, err := h.engine.Stake(outsider, big.NewInt(1000)); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected staker-only stake, got %v", err)
	}
	if _, err := h.engine.Stake(h.staker, big.NewInt(1000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := h.engine.Open(h.staker); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h.engine.Open(h.staker); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("expected double open to fail, got %v", err)
	}
	if err := h.engine.ReserveOffer(h.desk, big.NewInt(100)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := h.engine.Close(h.staker); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("expected close with allocation to fail, got %v", err)
	}
	if err := h.engine.ReleaseOffer(h.desk, big.NewInt(100)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.engine.Close(h.staker); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.engine.Close(h.staker); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("expected second close to fail, got %v", err)
	}
}

func TestUnstakeKeepsTargetRatio(t *testing.T) {
	h := newHarness(t, testParams())
	lender := makeAddress(0x01)
	h.stakeAndOpen(1000)
	h.deposit(lender, 4000)

	unstakable, err := h.engine.AmountUnstakable()
	if err != nil {
		t.Fatalf("unstakable: %v", err)
	}
	// (1000*1000 - 100*5000) / 900
	if unstakable.Int64() != 555 {
		t.Fatalf("expected 555 unstakable, got %s", unstakable)
	}
	if _, err := h.engine.Unstake(h.staker, big.NewInt(556)); !errors.Is(err, nativecommon.ErrInsufficient) {
		t.Fatalf("expected unstake bound, got %v", err)
	}
	if _, err := h.engine.Unstake(h.staker, big.NewInt(555)); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	snap := h.snapshot()
	if snap.StakedFunds.Int64() != 445 || snap.Pool.TotalFunds.Int64() != 4445 {
		t.Fatalf("unexpected post-unstake state staked=%s total=%s", snap.StakedFunds, snap.Pool.TotalFunds)
	}
	if h.assetBalance(h.staker) != 555 {
		t.Fatalf("staker should have received 555")
	}

	if err := h.engine.Close(h.staker); err != nil {
		t.Fatalf("close: %v", err)
	}
	unstakable, err = h.engine.AmountUnstakable()
	if err != nil {
		t.Fatalf("unstakable: %v", err)
	}
	if unstakable.Int64() != 445 {
		t.Fatalf("expected full stake unstakable after close, got %s", unstakable)
	}
	if _, err := h.engine.Unstake(h.staker, unstakable); err != nil {
		t.Fatalf("unstake all: %v", err)
	}
	h.assertShareIdentity(lender)
}

func TestUpdateParamsGovernanceAndBounds(t *testing.T) {
	h := newHarness(t, testParams())
	params := testParams()
	params.ProtocolFeePercent = 101
	if err := h.engine.UpdateParams(h.gov, params); !errors.Is(err, nativecommon.ErrOutOfBounds) {
		t.Fatalf("expected fee bound, got %v", err)
	}
	params = testParams()
	params.EarnFactor = 999
	if err := h.engine.UpdateParams(h.gov, params); !errors.Is(err, nativecommon.ErrOutOfBounds) {
		t.Fatalf("expected earn factor bound, got %v", err)
	}
	params = testParams()
	params.ExitFeePercent = 50
	if err := h.engine.UpdateParams(h.staker, params); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected governance-only update, got %v", err)
	}
	if err := h.engine.UpdateParams(h.gov, params); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := h.engine.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if got.ExitFeePercent != 50 {
		t.Fatalf("params not persisted: %+v", got)
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	h := newHarness(t, testParams())
	if err := h.engine.Initialize(testParams()); !errors.Is(err, nativecommon.ErrInvalidState) {
		t.Fatalf("expected already initialised, got %v", err)
	}
}
