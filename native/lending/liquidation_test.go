package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"cowlend/core/events"
)

func TestDistributeDefaultSurplus(t *testing.T) {
	dist := Distribute(big.NewInt(1_200), big.NewInt(1_050), PathDefault, 500)
	if dist.Lender.Cmp(big.NewInt(1_050)) != 0 ||
		dist.Treasury.Cmp(big.NewInt(7)) != 0 ||
		dist.Borrower.Cmp(big.NewInt(143)) != 0 ||
		dist.Surplus.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected distribution %+v", dist)
	}
}

func TestDistributeBarrierSurplusGoesToBorrower(t *testing.T) {
	dist := Distribute(big.NewInt(1_200), big.NewInt(1_050), PathBarrier, 500)
	if dist.Treasury.Sign() != 0 || dist.Borrower.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("barrier path must not charge a penalty: %+v", dist)
	}
}

func TestDistributeShortfall(t *testing.T) {
	dist := Distribute(big.NewInt(900), big.NewInt(1_000), PathDefault, 500)
	if dist.Lender.Cmp(big.NewInt(900)) != 0 || dist.Shortfall.Cmp(big.NewInt(100)) != 0 ||
		dist.Borrower.Sign() != 0 || dist.Treasury.Sign() != 0 {
		t.Fatalf("unexpected shortfall distribution %+v", dist)
	}
}

func TestDistributeConservesProceeds(t *testing.T) {
	debt := big.NewInt(1_000)
	for proceeds := int64(0); proceeds <= 3_000; proceeds += 37 {
		for _, path := range []Path{PathDefault, PathBarrier} {
			dist := Distribute(big.NewInt(proceeds), debt, path, 500)
			sum := new(big.Int).Add(dist.Lender, dist.Treasury)
			sum.Add(sum, dist.Borrower)
			if sum.Cmp(big.NewInt(proceeds)) != 0 {
				t.Fatalf("proceeds %d path %s distributed %s", proceeds, path, sum)
			}
		}
	}
}

func TestBarrierLiquidationWithShortfall(t *testing.T) {
	h := newHarness(t)
	id := h.create(1_000, 10, 500, thirtyDays)

	ok, _, err := h.liquidator.IsLiquidatable(context.Background(), id)
	if err != nil || ok {
		t.Fatalf("healthy loan reported liquidatable: %v %v", ok, err)
	}

	drop := new(big.Int).Mul(big.NewInt(999), new(big.Int).Div(wad, big.NewInt(10)))
	h.oracle.set(drop, h.now)
	h.pool.price = drop

	ok, path, err := h.liquidator.IsLiquidatable(context.Background(), id)
	if err != nil || !ok || path != PathBarrier {
		t.Fatalf("expected barrier path, got %v %s %v", ok, path, err)
	}
	outcome, err := h.liquidator.Liquidate(context.Background(), id, h.lender, 300)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if outcome.Proceeds.Cmp(big.NewInt(999)) != 0 || outcome.Distribution.Shortfall.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if got := h.balance("USDC", h.lender); got.Cmp(big.NewInt(9_999)) != 0 {
		t.Fatalf("lender balance %s", got)
	}
	if h.status(id) != StatusLiquidated {
		t.Fatalf("expected liquidated status")
	}
	if _, _, err := h.ledger.Repay(context.Background(), id, h.borrower); !errors.Is(err, ErrLoanNotActive) {
		t.Fatalf("expected ErrLoanNotActive after liquidation, got %v", err)
	}
	types := h.emitter.types()
	if types[len(types)-1] != events.TypeLoanLiquidated {
		t.Fatalf("missing liquidation event: %v", types)
	}
}

func TestDefaultLiquidationChargesPenalty(t *testing.T) {
	h := newHarness(t)
	id := h.create(1_000, 12, 500, 365*24*time.Hour)
	h.oracle.set(price(100), h.now)
	h.pool.price = price(100)

	h.advance(365*24*time.Hour + 72*time.Hour)
	h.oracle.set(price(100), h.now)
	if ok, _, _ := h.liquidator.IsLiquidatable(context.Background(), id); ok {
		t.Fatalf("loan liquidatable before the grace period elapsed")
	}

	h.advance(time.Second)
	h.oracle.set(price(100), h.now)
	ok, path, err := h.liquidator.IsLiquidatable(context.Background(), id)
	if err != nil || !ok || path != PathDefault {
		t.Fatalf("expected default path, got %v %s %v", ok, path, err)
	}

	outcome, err := h.liquidator.Liquidate(context.Background(), id, h.lender, 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	dist := outcome.Distribution
	if outcome.Debt.Cmp(big.NewInt(1_051)) != 0 || outcome.Proceeds.Cmp(big.NewInt(1_200)) != 0 {
		t.Fatalf("unexpected debt/proceeds %s/%s", outcome.Debt, outcome.Proceeds)
	}
	if dist.Lender.Cmp(big.NewInt(1_051)) != 0 || dist.Treasury.Cmp(big.NewInt(7)) != 0 || dist.Borrower.Cmp(big.NewInt(142)) != 0 {
		t.Fatalf("unexpected distribution %+v", dist)
	}
	if got := h.balance("USDC", h.treasury); got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("treasury balance %s", got)
	}
	if got := h.balance("USDC", h.borrower); got.Cmp(big.NewInt(1_142)) != 0 {
		t.Fatalf("borrower balance %s", got)
	}
	if got := h.balance("ETH", h.escrow); got.Sign() != 0 {
		t.Fatalf("escrow still holds collateral: %s", got)
	}
}

func TestStalePriceBlocksLiquidation(t *testing.T) {
	h := newHarness(t)
	id := h.create(1_000, 10, 500, thirtyDays)
	h.oracle.set(price(1), h.now.Add(-2*time.Hour))

	if _, _, err := h.liquidator.IsLiquidatable(context.Background(), id); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if _, err := h.liquidator.Liquidate(context.Background(), id, h.lender, 100); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if h.status(id) != StatusActive || h.pool.swaps != 0 {
		t.Fatalf("stale price changed state")
	}
	if KindOf(ErrStalePrice) != KindDependency {
		t.Fatalf("stale price should be a dependency error")
	}
}

func TestLiquidateRejectsHealthyLoanAndSlippage(t *testing.T) {
	h := newHarness(t)
	id := h.create(1_000, 10, 500, thirtyDays)

	if _, err := h.liquidator.Liquidate(context.Background(), id, h.lender, 100); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
	if _, err := h.liquidator.Liquidate(context.Background(), id, h.lender, 5_000); !errors.Is(err, ErrSlippageTooHigh) {
		t.Fatalf("expected ErrSlippageTooHigh, got %v", err)
	}

	h.oracle.set(price(90), h.now)
	h.pool.price = price(50)
	_, err := h.liquidator.Liquidate(context.Background(), id, h.lender, 300)
	if !errors.Is(err, ErrSwapFailed) || errors.Is(err, ErrSlippageTooHigh) {
		t.Fatalf("expected swap failure, got %v", err)
	}
	if KindOf(err) != KindDependency {
		t.Fatalf("pool shortfall classified as %s", KindOf(err))
	}
	if h.status(id) != StatusActive {
		t.Fatalf("failed liquidation changed status")
	}
	if got := h.balance("ETH", h.escrow); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("escrow collateral moved on failure: %s", got)
	}
}

func TestSweepActiveLiquidatesOnlyEligibleLoans(t *testing.T) {
	h := newHarness(t)
	healthy := h.create(1_000, 20, 500, thirtyDays)
	weak := h.create(1_000, 7, 500, thirtyDays)

	ok, err := h.liquidator.TryLiquidate(context.Background(), weak)
	if err != nil || ok {
		t.Fatalf("7 units at 150 still cover the debt: ok=%v err=%v", ok, err)
	}

	h.oracle.set(price(140), h.now)
	h.pool.price = price(140)
	liquidated, err := h.liquidator.SweepActive(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(liquidated) != 1 || liquidated[0] != weak {
		t.Fatalf("unexpected sweep result %v", liquidated)
	}
	if h.status(healthy) != StatusActive || h.status(weak) != StatusLiquidated {
		t.Fatalf("sweep touched the wrong loans")
	}
}

func TestZeroCollateralLoanOnlyDefaults(t *testing.T) {
	h := newHarness(t)
	id, err := h.ledger.CreateLoan(context.Background(), CreateParams{
		Lender:    h.lender,
		Borrower:  h.borrower,
		Principal: big.NewInt(1_000),
		RateBips:  500,
		Maturity:  uint64(h.now.Add(thirtyDays).Unix()),
		Origin:    OriginBatch,
	}, h.intake)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.oracle.set(price(150), h.now.Add(-24*time.Hour))
	if ok, _, err := h.liquidator.IsLiquidatable(context.Background(), id); ok || err != nil {
		t.Fatalf("uncollateralised loan must wait for default: %v %v", ok, err)
	}

	h.advance(thirtyDays + 73*time.Hour)
	outcome, err := h.liquidator.Liquidate(context.Background(), id, h.lender, 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if outcome.Proceeds.Sign() != 0 || outcome.Distribution.Shortfall.Cmp(outcome.Debt) != 0 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if h.pool.swaps != 0 {
		t.Fatalf("no swap expected without collateral")
	}
}

func TestLiquidateAfterRepayIsRejected(t *testing.T) {
	h := newHarness(t)
	id := h.create(1_000, 10, 500, thirtyDays)
	h.mint("USDC", h.borrower, 100)
	h.advance(thirtyDays)
	if _, _, err := h.ledger.Repay(context.Background(), id, h.borrower); err != nil {
		t.Fatalf("repay: %v", err)
	}
	lenderBefore := h.balance("USDC", h.lender)
	borrowerBefore := h.balance("ETH", h.borrower)
	eventsBefore := len(h.emitter.types())

	h.advance(200 * time.Hour)
	h.oracle.set(price(1), h.now)
	h.pool.price = price(1)

	if _, err := h.liquidator.Liquidate(context.Background(), id, h.lender, 100); !errors.Is(err, ErrLoanNotActive) {
		t.Fatalf("expected ErrLoanNotActive, got %v", err)
	}
	ok, err := h.liquidator.TryLiquidate(context.Background(), id)
	if err != nil || ok {
		t.Fatalf("try liquidate on repaid loan: ok=%v err=%v", ok, err)
	}
	if ok, _, err := h.liquidator.IsLiquidatable(context.Background(), id); ok || err != nil {
		t.Fatalf("repaid loan reported liquidatable: %v %v", ok, err)
	}
	if h.status(id) != StatusRepaid {
		t.Fatalf("status changed to %s", h.status(id))
	}
	if h.balance("USDC", h.lender).Cmp(lenderBefore) != 0 || h.balance("ETH", h.borrower).Cmp(borrowerBefore) != 0 {
		t.Fatalf("balances moved after repayment")
	}
	if h.pool.swaps != 0 || len(h.emitter.types()) != eventsBefore {
		t.Fatalf("repaid loan was sold")
	}
}

func TestSecondLiquidationIsRejected(t *testing.T) {
	h := newHarness(t)
	id := h.create(1_000, 10, 500, thirtyDays)
	h.oracle.set(price(90), h.now)
	h.pool.price = price(90)
	if _, err := h.liquidator.Liquidate(context.Background(), id, h.lender, 100); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	lenderBefore := h.balance("USDC", h.lender)
	borrowerBefore := h.balance("USDC", h.borrower)
	eventsBefore := len(h.emitter.types())

	if _, err := h.liquidator.Liquidate(context.Background(), id, h.lender, 100); !errors.Is(err, ErrLoanNotActive) {
		t.Fatalf("expected ErrLoanNotActive, got %v", err)
	}
	if ok, err := h.liquidator.TryLiquidate(context.Background(), id); ok || err != nil {
		t.Fatalf("try liquidate on liquidated loan: ok=%v err=%v", ok, err)
	}
	if h.status(id) != StatusLiquidated || h.pool.swaps != 1 {
		t.Fatalf("loan sold twice")
	}
	if h.balance("USDC", h.lender).Cmp(lenderBefore) != 0 || h.balance("USDC", h.borrower).Cmp(borrowerBefore) != 0 {
		t.Fatalf("balances moved on second liquidation")
	}
	if len(h.emitter.types()) != eventsBefore {
		t.Fatalf("second liquidation emitted events")
	}
}

func TestGraceDeadlineUsesWholeSeconds(t *testing.T) {
	h := newHarness(t)
	id := h.create(1_000, 10, 500, thirtyDays)

	h.advance(thirtyDays + 72*time.Hour + 500*time.Millisecond)
	h.oracle.set(price(150), h.now)
	if ok, _, err := h.liquidator.IsLiquidatable(context.Background(), id); ok || err != nil {
		t.Fatalf("loan defaulted inside the final grace second: %v %v", ok, err)
	}

	h.advance(time.Second)
	h.oracle.set(price(150), h.now)
	ok, path, err := h.liquidator.IsLiquidatable(context.Background(), id)
	if err != nil || !ok || path != PathDefault {
		t.Fatalf("expected default path one second later, got %v %s %v", ok, path, err)
	}
}

func TestFutureDatedPriceIsRejected(t *testing.T) {
	h := newHarness(t)
	id := h.create(1_000, 10, 500, thirtyDays)
	h.oracle.set(price(1), h.now.Add(time.Minute))
	h.pool.price = price(1)

	if _, _, err := h.liquidator.IsLiquidatable(context.Background(), id); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if _, err := h.liquidator.Liquidate(context.Background(), id, h.lender, 100); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if h.status(id) != StatusActive || h.pool.swaps != 0 {
		t.Fatalf("future-dated price changed state")
	}
}
