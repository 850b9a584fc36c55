package lending

import (
	"errors"
	"math/big"
	"testing"

	nativecommon "poolledger/native/common"
)

func TestHooksRequireLoanDesk(t *testing.T) {
	h := newHarness(t, testParams())
	h.stakeAndOpen(1000)
	intruder := makeAddress(0x66)
	amount := big.NewInt(10)

	checks := map[string]error{}
	checks["reserve"] = h.engine.ReserveOffer(intruder, amount)
	checks["release"] = h.engine.ReleaseOffer(intruder, amount)
	checks["disburse"] = h.engine.Disburse(intruder, intruder, amount)
	_, checks["collect"] = h.engine.CollectRepayment(intruder, intruder, amount, amount)
	_, checks["writeDown"] = h.engine.WriteDownLoss(intruder, amount)
	checks["closeOut"] = h.engine.CloseOutDefault(intruder, amount)
	checks["activity"] = h.engine.NoteStakerActivity(intruder)
	for name, err := range checks {
		if !errors.Is(err, nativecommon.ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestReserveOfferHonoursTargetLiquidity(t *testing.T) {
	params := testParams()
	params.TargetLiquidityPercent = 100
	h := newHarness(t, params)
	h.stakeAndOpen(1000)
	h.deposit(makeAddress(0x01), 9000)

	lendable, err := h.engine.Lendable()
	if err != nil || lendable.Int64() != 9000 {
		t.Fatalf("expected 9000 lendable, got %v err=%v", lendable, err)
	}
	if err := h.engine.ReserveOffer(h.desk, big.NewInt(9001)); !errors.Is(err, nativecommon.ErrInsufficient) {
		t.Fatalf("expected liquidity rejection, got %v", err)
	}
	if err := h.engine.ReserveOffer(h.desk, big.NewInt(5000)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := h.engine.ReserveOffer(h.desk, big.NewInt(4001)); !errors.Is(err, nativecommon.ErrInsufficient) {
		t.Fatalf("reservations must not double count liquidity, got %v", err)
	}
	if err := h.engine.ReleaseOffer(h.desk, big.NewInt(5001)); !errors.Is(err, nativecommon.ErrInvariant) {
		t.Fatalf("expected release underflow, got %v", err)
	}
}

func TestInterestSplitAndRevenueWithdrawal(t *testing.T) {
	params := testParams()
	params.ProtocolFeePercent = 100 // 10%
	params.EarnFactor = 1500        // 150%
	h := newHarness(t, params)
	lender := makeAddress(0x01)
	borrower := makeAddress(0x02)
	h.stakeAndOpen(1000)
	h.deposit(lender, 9000)
	h.lend(borrower, 1000)

	h.fund(borrower, 1000)
	split, err := h.engine.CollectRepayment(h.desk, borrower, big.NewInt(0), big.NewInt(1000))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	// protocol = 100; staker = 900*500*1000 / (1000*10000 + 500*1000) = 42
	if split.ProtocolRevenue.Int64() != 100 || split.StakerRevenue.Int64() != 42 || split.PoolEarnings.Int64() != 858 {
		t.Fatalf("unexpected split %+v", split)
	}
	snap := h.snapshot()
	if snap.Pool.TotalFunds.Int64() != 10858 {
		t.Fatalf("expected pool earnings in total funds, got %s", snap.Pool.TotalFunds)
	}
	if snap.Liquidity.Int64() != 9858 {
		t.Fatalf("revenues must be excluded from liquidity, got %s", snap.Liquidity)
	}

	if _, err := h.engine.WithdrawRevenue(lender); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected revenue role check, got %v", err)
	}
	paid, err := h.engine.WithdrawRevenue(h.staker)
	if err != nil || paid.Int64() != 42 {
		t.Fatalf("staker revenue: %v err=%v", paid, err)
	}
	paid, err = h.engine.WithdrawRevenue(h.treasury)
	if err != nil || paid.Int64() != 100 {
		t.Fatalf("treasury revenue: %v err=%v", paid, err)
	}
	if _, err := h.engine.WithdrawRevenue(h.treasury); !errors.Is(err, nativecommon.ErrInsufficient) {
		t.Fatalf("expected empty revenue rejection, got %v", err)
	}
	h.assertShareIdentity(lender)
}

func TestWriteDownLossCoveredByStakeLeavesLendersWhole(t *testing.T) {
	h := newHarness(t, testParams())
	lender := makeAddress(0x01)
	h.stakeAndOpen(1000)
	h.deposit(lender, 9000)
	h.lend(makeAddress(0x02), 2000)

	before, _ := h.engine.AmountWithdrawable(lender)
	burned, err := h.engine.WriteDownLoss(h.desk, big.NewInt(500))
	if err != nil {
		t.Fatalf("write down: %v", err)
	}
	if err := h.engine.CloseOutDefault(h.desk, big.NewInt(500)); err != nil {
		t.Fatalf("close out: %v", err)
	}
	if burned.Int64() != 500 {
		t.Fatalf("expected 500 staked shares burned, got %s", burned)
	}
	after, _ := h.engine.AmountWithdrawable(lender)
	if after.Cmp(before) != 0 {
		t.Fatalf("lender value changed: %s -> %s", before, after)
	}
	snap := h.snapshot()
	if snap.Pool.StakedShares.Int64() != 500 || snap.Pool.TotalFunds.Int64() != 9500 || snap.Pool.BorrowedFunds.Int64() != 1500 {
		t.Fatalf("unexpected pool %+v", snap.Pool)
	}
	h.assertShareIdentity(lender)
}

func TestWriteDownLossBeyondStakeReducesLenderValue(t *testing.T) {
	h := newHarness(t, testParams())
	lender := makeAddress(0x01)
	h.stakeAndOpen(1000)
	h.deposit(lender, 9000)
	h.lend(makeAddress(0x02), 2000)

	burned, err := h.engine.WriteDownLoss(h.desk, big.NewInt(1500))
	if err != nil {
		t.Fatalf("write down: %v", err)
	}
	if err := h.engine.CloseOutDefault(h.desk, big.NewInt(1500)); err != nil {
		t.Fatalf("close out: %v", err)
	}
	if burned.Int64() != 1000 {
		t.Fatalf("expected whole stake burned, got %s", burned)
	}
	after, _ := h.engine.AmountWithdrawable(lender)
	if after.Int64() != 8500 {
		t.Fatalf("expected lender to absorb the 500 excess, got %s", after)
	}
	snap := h.snapshot()
	if snap.Pool.StakedShares.Sign() != 0 || snap.Pool.TotalShares.Int64() != 9000 {
		t.Fatalf("unexpected pool %+v", snap.Pool)
	}
	h.assertShareIdentity(lender)
}

func TestCloseOutDefaultCannotExceedBorrowed(t *testing.T) {
	h := newHarness(t, testParams())
	h.stakeAndOpen(1000)
	h.lend(makeAddress(0x02), 100)
	if err := h.engine.CloseOutDefault(h.desk, big.NewInt(101)); !errors.Is(err, nativecommon.ErrInvariant) {
		t.Fatalf("expected borrowed underflow, got %v", err)
	}
}

func TestStakerActivityTracked(t *testing.T) {
	h := newHarness(t, testParams())
	h.stakeAndOpen(1000)
	h.now += 500
	if err := h.engine.NoteStakerActivity(h.desk); err != nil {
		t.Fatalf("note activity: %v", err)
	}
	last, err := h.engine.LastStakerActivity()
	if err != nil || last != uint64(testStart+500) {
		t.Fatalf("unexpected activity time %d err=%v", last, err)
	}
}
