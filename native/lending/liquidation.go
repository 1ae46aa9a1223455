package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"cowlend/core/events"
	"cowlend/crypto"
	nativecommon "cowlend/native/common"
	"cowlend/observability/metrics"
)

// Path identifies why a loan is liquidatable.
type Path uint8

const (
	PathNone Path = iota
	// PathDefault applies once the grace period after maturity has elapsed.
	PathDefault
	// PathBarrier applies whenever collateral value falls below the debt.
	PathBarrier
)

func (p Path) String() string {
	switch p {
	case PathDefault:
		return "default"
	case PathBarrier:
		return "barrier"
	default:
		return "none"
	}
}

func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Distribution splits liquidation proceeds. Lender + Treasury + Borrower always
// equals the proceeds.
type Distribution struct {
	Lender    *big.Int `json:"lender"`
	Treasury  *big.Int `json:"treasury"`
	Borrower  *big.Int `json:"borrower"`
	Surplus   *big.Int `json:"surplus"`
	Shortfall *big.Int `json:"shortfall"`
}

// Distribute pays the lender up to the debt. A surplus goes to the borrower,
// less penaltyBps to the treasury on the default path. A shortfall is left
// with the lender.
func Distribute(proceeds, debt *big.Int, path Path, penaltyBps uint64) Distribution {
	proceeds = nonNil(proceeds)
	debt = nonNil(debt)
	dist := Distribution{
		Lender:    minBig(proceeds, debt),
		Treasury:  big.NewInt(0),
		Borrower:  big.NewInt(0),
		Surplus:   big.NewInt(0),
		Shortfall: big.NewInt(0),
	}
	if proceeds.Cmp(debt) <= 0 {
		dist.Shortfall = new(big.Int).Sub(debt, proceeds)
		return dist
	}
	dist.Surplus = new(big.Int).Sub(proceeds, debt)
	if path == PathDefault {
		dist.Treasury = BasisPointsOf(dist.Surplus, penaltyBps)
	}
	dist.Borrower = new(big.Int).Sub(dist.Surplus, dist.Treasury)
	return dist
}

// Outcome reports a completed liquidation.
type Outcome struct {
	LoanID       LoanID       `json:"loanId"`
	Path         Path         `json:"path"`
	Debt         *big.Int     `json:"debt"`
	Proceeds     *big.Int     `json:"proceeds"`
	MinAmountOut *big.Int     `json:"minAmountOut"`
	Distribution Distribution `json:"distribution"`
}

// Liquidator decides eligibility and closes loans by selling their collateral.
type Liquidator struct {
	ledger *Ledger
	oracle PriceOracle
	pool   Pool
	keeper crypto.Address
	logger *slog.Logger
}

func NewLiquidator(ledger *Ledger, oracle PriceOracle, pool Pool) *Liquidator {
	return &Liquidator{ledger: ledger, oracle: oracle, pool: pool, logger: slog.Default()}
}

// SetKeeper sets the identity recorded as caller for triggered liquidations.
func (lq *Liquidator) SetKeeper(addr crypto.Address) {
	lq.keeper = addr
}

func (lq *Liquidator) SetLogger(logger *slog.Logger) {
	if logger != nil {
		lq.logger = logger
	}
}

// freshPrice loads the oracle price and rejects readings older than
// OracleMaxAge or dated after now.
func (lq *Liquidator) freshPrice(ctx context.Context, now time.Time) (*big.Int, error) {
	if lq.oracle == nil {
		return nil, ErrPriceUnavailable
	}
	price, err := lq.oracle.LatestPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if price.Value == nil || price.Value.Sign() <= 0 {
		return nil, ErrPriceUnavailable
	}
	if price.UpdatedAt.After(now) {
		metrics.Lending().ObserveStalePrice()
		return nil, fmt.Errorf("%w: updated %s is in the future", ErrStalePrice, price.UpdatedAt.UTC().Format(time.RFC3339))
	}
	if now.Sub(price.UpdatedAt) > lq.ledger.cfg.OracleMaxAge {
		metrics.Lending().ObserveStalePrice()
		return nil, fmt.Errorf("%w: updated %s", ErrStalePrice, price.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return price.Value, nil
}

// CollateralValue converts a collateral amount into principal units.
func (lq *Liquidator) CollateralValue(amount, price *big.Int) *big.Int {
	return mulDiv(nonNil(amount), price, lq.ledger.cfg.PriceScale)
}

// pastGrace works in whole seconds like DebtAt so one op sees one clock.
func (lq *Liquidator) pastGrace(loan *Loan, now time.Time) bool {
	grace := uint64(lq.ledger.cfg.GracePeriod / time.Second)
	return uint64(now.Unix()) > loan.Maturity+grace
}

// classify returns the applicable path. price is only consulted when the
// default path does not already apply.
func (lq *Liquidator) classify(ctx context.Context, loan *Loan, now time.Time) (Path, *big.Int, error) {
	if lq.pastGrace(loan, now) {
		return PathDefault, nil, nil
	}
	if loan.Collateral.Sign() == 0 {
		return PathNone, nil, nil
	}
	price, err := lq.freshPrice(ctx, now)
	if err != nil {
		return PathNone, nil, err
	}
	debt := loan.DebtAt(uint64(now.Unix()))
	if lq.CollateralValue(loan.Collateral, price).Cmp(debt) < 0 {
		return PathBarrier, price, nil
	}
	return PathNone, price, nil
}

// IsLiquidatable reports whether the loan can be liquidated now and on which
// path.
func (lq *Liquidator) IsLiquidatable(ctx context.Context, id LoanID) (bool, Path, error) {
	loan, err := lq.ledger.GetLoan(id)
	if err != nil {
		return false, PathNone, err
	}
	if loan.Status != StatusActive {
		return false, PathNone, nil
	}
	path, _, err := lq.classify(ctx, loan, lq.ledger.now())
	if err != nil {
		return false, PathNone, err
	}
	return path != PathNone, path, nil
}

// HealthFactor returns collateral value over current debt scaled by 1e18.
// Values below 1e18 mean the barrier path is open.
func (lq *Liquidator) HealthFactor(ctx context.Context, id LoanID) (*big.Int, error) {
	loan, err := lq.ledger.GetLoan(id)
	if err != nil {
		return nil, err
	}
	now := lq.ledger.now()
	price, err := lq.freshPrice(ctx, now)
	if err != nil {
		return nil, err
	}
	debt := loan.DebtAt(uint64(now.Unix()))
	if debt.Sign() == 0 {
		return nil, ErrLoanNotActive
	}
	return mulDiv(lq.CollateralValue(loan.Collateral, price), wad, debt), nil
}

// Liquidate sells all collateral of an eligible loan and distributes the
// proceeds. slippageBps bounds the sale below the oracle valuation.
func (lq *Liquidator) Liquidate(ctx context.Context, id LoanID, caller crypto.Address, slippageBps uint64) (*Outcome, error) {
	cfg := lq.ledger.cfg
	if slippageBps > cfg.MaxSlippageBps {
		return nil, fmt.Errorf("%w: %d bps above %d", ErrSlippageTooHigh, slippageBps, cfg.MaxSlippageBps)
	}
	var outcome *Outcome
	err := lq.ledger.Execute(ctx, func(op *Op) error {
		if err := nativecommon.Guard(lq.ledger.pauses, moduleLiquidate); err != nil {
			return err
		}
		loan, err := op.Loan(id)
		if err != nil {
			return err
		}
		if loan.Status != StatusActive {
			return ErrLoanNotActive
		}
		path, price, err := lq.classify(op.ctx, loan, op.now)
		if err != nil {
			return err
		}
		if path == PathNone {
			return ErrNotLiquidatable
		}
		result, err := lq.sell(op, loan, path, price, slippageBps)
		if err != nil {
			return err
		}
		outcome = result

		loan.Status = StatusLiquidated
		if err := writeLoan(op.tx, loan); err != nil {
			return err
		}
		op.Emit(events.LoanLiquidated{
			LoanID:   id,
			Path:     path.String(),
			Proceeds: new(big.Int).Set(result.Proceeds),
			Surplus:  new(big.Int).Set(result.Distribution.Surplus),
			Penalty:  new(big.Int).Set(result.Distribution.Treasury),
			Caller:   caller,
		})
		shortfall := result.Distribution.Shortfall.Sign() > 0
		op.AfterCommit(func() { metrics.Lending().ObserveLiquidation(path.String(), shortfall) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	lq.logger.Info("loan liquidated",
		slog.String("loanId", id.String()),
		slog.String("path", outcome.Path.String()),
		slog.String("proceeds", outcome.Proceeds.String()),
		slog.String("shortfall", outcome.Distribution.Shortfall.String()))
	return outcome, nil
}

// sell swaps the escrowed collateral and pays out the distribution from escrow.
func (lq *Liquidator) sell(op *Op, loan *Loan, path Path, price *big.Int, slippageBps uint64) (*Outcome, error) {
	cfg := lq.ledger.cfg
	now := op.now
	debt := loan.DebtAt(uint64(now.Unix()))
	proceeds := big.NewInt(0)
	minOut := big.NewInt(0)

	if loan.Collateral.Sign() > 0 {
		if price == nil {
			fresh, err := lq.freshPrice(op.ctx, now)
			if err != nil {
				return nil, err
			}
			price = fresh
		}
		value := lq.CollateralValue(loan.Collateral, price)
		minOut = new(big.Int).Sub(value, BasisPointsOf(value, slippageBps))
		if lq.pool == nil {
			return nil, fmt.Errorf("%w: no pool configured", ErrSwapFailed)
		}
		// Pool failures, including output under minOut, are dependency errors.
		out, err := lq.pool.SwapExactIn(op.ctx, op.tx, cfg.Escrow, cfg.CollateralAsset, loan.Collateral, minOut)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSwapFailed, err)
		}
		if out == nil || out.Cmp(minOut) < 0 {
			return nil, fmt.Errorf("%w: received %s below %s", ErrSwapFailed, nonNil(out), minOut)
		}
		proceeds = new(big.Int).Set(out)
	}

	dist := Distribute(proceeds, debt, path, cfg.PenaltyBps)
	payouts := []struct {
		to     crypto.Address
		amount *big.Int
	}{
		{loan.Lender, dist.Lender},
		{cfg.Treasury, dist.Treasury},
		{loan.Borrower, dist.Borrower},
	}
	for _, payout := range payouts {
		if payout.amount.Sign() == 0 {
			continue
		}
		if err := lq.ledger.assets.Transfer(op.tx, cfg.PrincipalAsset, cfg.Escrow, payout.to, payout.amount); err != nil {
			return nil, fmt.Errorf("lending: distribute proceeds: %w", err)
		}
	}
	return &Outcome{
		LoanID:       loan.ID,
		Path:         path,
		Debt:         debt,
		Proceeds:     proceeds,
		MinAmountOut: minOut,
		Distribution: dist,
	}, nil
}

// TryLiquidate liquidates the loan when eligible using the default slippage.
// It returns false without error when the loan is not eligible.
func (lq *Liquidator) TryLiquidate(ctx context.Context, id LoanID) (bool, error) {
	_, err := lq.Liquidate(ctx, id, lq.keeper, lq.ledger.cfg.DefaultSlippageBps)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotLiquidatable), errors.Is(err, ErrLoanNotActive):
		return false, nil
	default:
		return false, err
	}
}

// SweepActive attempts TryLiquidate on every active loan and returns the ids
// that were liquidated. Failures on individual loans do not stop the sweep.
func (lq *Liquidator) SweepActive(ctx context.Context) ([]LoanID, error) {
	ids, err := lq.ledger.ActiveLoans()
	if err != nil {
		return nil, err
	}
	liquidated := make([]LoanID, 0)
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := lq.TryLiquidate(ctx, id)
		if err != nil {
			lq.logger.Warn("sweep liquidation failed", slog.String("loanId", id.String()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if ok {
			liquidated = append(liquidated, id)
		}
	}
	return liquidated, errors.Join(errs...)
}
