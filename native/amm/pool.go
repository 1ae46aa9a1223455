// Package amm is a constant-product pool between the collateral and principal
// assets. The liquidation engine sells collateral through it and external
// swaps notify registered hooks once they commit.
package amm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"cowlend/core/events"
	"cowlend/crypto"
	"cowlend/native/bank"
	"cowlend/native/lending"
	"cowlend/storage"
)

const maxFeeBps = 1_000

var (
	ErrUnknownAsset       = errors.New("amm: asset not in pool")
	ErrNoLiquidity        = errors.New("amm: pool has no liquidity")
	ErrInvalidAmount      = errors.New("amm: amount must be positive")
	ErrOverflow           = errors.New("amm: amount overflows 256 bits")
	ErrInsufficientOutput = fmt.Errorf("%w: pool output below minimum", lending.ErrSlippageTooHigh)
)

// Executor runs pool mutations inside the shared single-writer operation.
// *lending.Ledger satisfies it.
type Executor interface {
	Execute(ctx context.Context, fn func(*lending.Op) error) error
	View(fn func(storage.Tx) error) error
}

// SwapResult describes a committed public swap.
type SwapResult struct {
	Trader    crypto.Address
	AssetIn   string
	AssetOut  string
	AmountIn  *big.Int
	AmountOut *big.Int
}

// SwapHook is notified after a public swap commits.
type SwapHook interface {
	AfterSwap(ctx context.Context, swap SwapResult)
}

// SwapHookFunc adapts a function to SwapHook.
type SwapHookFunc func(ctx context.Context, swap SwapResult)

func (f SwapHookFunc) AfterSwap(ctx context.Context, swap SwapResult) { f(ctx, swap) }

// Pool holds its reserves as bank balances of Account.
type Pool struct {
	bank    *bank.Ledger
	exec    Executor
	account crypto.Address
	assetA  string
	assetB  string
	feeBps  uint64
	logger  *slog.Logger

	hooksMu sync.RWMutex
	hooks   []SwapHook
}

// NewPool builds a pool trading assetA against assetB with a fee in basis
// points taken from the input amount.
func NewPool(balances *bank.Ledger, exec Executor, account crypto.Address, assetA, assetB string, feeBps uint64) (*Pool, error) {
	assetA = strings.ToUpper(strings.TrimSpace(assetA))
	assetB = strings.ToUpper(strings.TrimSpace(assetB))
	if assetA == "" || assetB == "" || assetA == assetB {
		return nil, fmt.Errorf("amm: two distinct assets required")
	}
	if account.IsZero() {
		return nil, fmt.Errorf("amm: pool account required")
	}
	if feeBps > maxFeeBps {
		return nil, fmt.Errorf("amm: fee %d bps above %d", feeBps, maxFeeBps)
	}
	return &Pool{
		bank:    balances,
		exec:    exec,
		account: account,
		assetA:  assetA,
		assetB:  assetB,
		feeBps:  feeBps,
		logger:  slog.Default(),
	}, nil
}

func (p *Pool) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Account is the address holding the reserves.
func (p *Pool) Account() crypto.Address { return p.account }

// Register adds a hook invoked after each public swap.
func (p *Pool) Register(hook SwapHook) {
	if hook == nil {
		return
	}
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.hooks = append(p.hooks, hook)
}

func (p *Pool) other(asset string) (string, string, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	switch asset {
	case p.assetA:
		return asset, p.assetB, nil
	case p.assetB:
		return asset, p.assetA, nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
}

// Reserves returns the pool balances of assetA and assetB.
func (p *Pool) Reserves(tx storage.Tx) (*big.Int, *big.Int) {
	return p.bank.Balance(tx, p.assetA, p.account), p.bank.Balance(tx, p.assetB, p.account)
}

// Assets returns the pool's two assets.
func (p *Pool) Assets() (string, string) { return p.assetA, p.assetB }

// Snapshot reads both reserves keyed by asset.
func (p *Pool) Snapshot() (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, 2)
	err := p.exec.View(func(tx storage.Tx) error {
		a, b := p.Reserves(tx)
		out[p.assetA] = a
		out[p.assetB] = b
		return nil
	})
	return out, err
}

func (p *Pool) quote(tx storage.Tx, assetIn string, amountIn *big.Int) (string, *big.Int, error) {
	in, out, err := p.other(assetIn)
	if err != nil {
		return "", nil, err
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return "", nil, ErrInvalidAmount
	}
	amountOut, err := getAmountOut(amountIn, p.bank.Balance(tx, in, p.account), p.bank.Balance(tx, out, p.account), p.feeBps)
	if err != nil {
		return "", nil, err
	}
	return out, amountOut, nil
}

// Quote returns how much of the other asset amountIn would buy right now.
func (p *Pool) Quote(assetIn string, amountIn *big.Int) (*big.Int, error) {
	var out *big.Int
	err := p.exec.View(func(tx storage.Tx) error {
		var err error
		_, out, err = p.quote(tx, assetIn, amountIn)
		return err
	})
	return out, err
}

// SwapExactIn implements lending.Pool. It sells amountIn of assetIn held by
// trader inside tx and fails with ErrInsufficientOutput below minAmountOut.
func (p *Pool) SwapExactIn(ctx context.Context, tx storage.Tx, trader crypto.Address, assetIn string, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	assetOut, amountOut, err := p.quote(tx, assetIn, amountIn)
	if err != nil {
		return nil, err
	}
	if minAmountOut != nil && amountOut.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("%w: got %s want %s", ErrInsufficientOutput, amountOut, minAmountOut)
	}
	if amountOut.Sign() == 0 {
		return nil, ErrNoLiquidity
	}
	if err := p.bank.Transfer(tx, assetIn, trader, p.account, amountIn); err != nil {
		return nil, err
	}
	if err := p.bank.Transfer(tx, assetOut, p.account, trader, amountOut); err != nil {
		return nil, err
	}
	return amountOut, nil
}

// Swap is the public entry point. Hooks run after the swap commits and outside
// the writer lock, so they may start their own operations.
func (p *Pool) Swap(ctx context.Context, trader crypto.Address, assetIn string, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	var result SwapResult
	err := p.exec.Execute(ctx, func(op *lending.Op) error {
		in, out, err := p.other(assetIn)
		if err != nil {
			return err
		}
		amountOut, err := p.SwapExactIn(ctx, op.Tx(), trader, in, amountIn, minAmountOut)
		if err != nil {
			return err
		}
		result = SwapResult{Trader: trader, AssetIn: in, AssetOut: out, AmountIn: new(big.Int).Set(amountIn), AmountOut: amountOut}
		op.Emit(events.PoolSwap{
			Trader:    trader,
			AssetIn:   in,
			AssetOut:  out,
			AmountIn:  new(big.Int).Set(amountIn),
			AmountOut: new(big.Int).Set(amountOut),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("pool swap committed",
		slog.String("trader", trader.String()),
		slog.String("assetIn", result.AssetIn),
		slog.String("amountIn", result.AmountIn.String()),
		slog.String("amountOut", result.AmountOut.String()))
	p.hooksMu.RLock()
	hooks := append([]SwapHook(nil), p.hooks...)
	p.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook.AfterSwap(ctx, result)
	}
	return result.AmountOut, nil
}

// AddLiquidity moves both assets from provider into the pool.
func (p *Pool) AddLiquidity(ctx context.Context, provider crypto.Address, amountA, amountB *big.Int) error {
	return p.exec.Execute(ctx, func(op *lending.Op) error {
		if amountA == nil || amountB == nil || amountA.Sign() <= 0 || amountB.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if err := p.bank.Transfer(op.Tx(), p.assetA, provider, p.account, amountA); err != nil {
			return err
		}
		return p.bank.Transfer(op.Tx(), p.assetB, provider, p.account, amountB)
	})
}

// getAmountOut applies x*y=k with the fee taken from the input.
func getAmountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint64) (*big.Int, error) {
	in, overflow := uint256.FromBig(amountIn)
	if overflow {
		return nil, ErrOverflow
	}
	rIn, overflow := uint256.FromBig(reserveIn)
	if overflow {
		return nil, ErrOverflow
	}
	rOut, overflow := uint256.FromBig(reserveOut)
	if overflow {
		return nil, ErrOverflow
	}
	if rIn.IsZero() || rOut.IsZero() {
		return nil, ErrNoLiquidity
	}
	inWithFee, overflow := new(uint256.Int).MulOverflow(in, uint256.NewInt(10_000-feeBps))
	if overflow {
		return nil, ErrOverflow
	}
	numerator, overflow := new(uint256.Int).MulOverflow(inWithFee, rOut)
	if overflow {
		return nil, ErrOverflow
	}
	denominator, overflow := new(uint256.Int).MulOverflow(rIn, uint256.NewInt(10_000))
	if overflow {
		return nil, ErrOverflow
	}
	if _, overflow = denominator.AddOverflow(denominator, inWithFee); overflow {
		return nil, ErrOverflow
	}
	return new(uint256.Int).Div(numerator, denominator).ToBig(), nil
}
