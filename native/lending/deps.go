package lending

import (
	"context"
	"math/big"
	"time"

	"cowlend/crypto"
	"cowlend/storage"
)

// Price is an oracle reading of the collateral asset in principal units,
// scaled by Config.PriceScale.
type Price struct {
	Value     *big.Int
	UpdatedAt time.Time
	Source    string
}

// PriceOracle supplies the latest collateral price.
type PriceOracle interface {
	LatestPrice(ctx context.Context) (Price, error)
}

// Pool sells assetIn held by trader for the pool's other asset. It must fail
// rather than return less than minAmountOut; the liquidator reports any pool
// failure as ErrSwapFailed. Balance changes are applied inside tx.
type Pool interface {
	SwapExactIn(ctx context.Context, tx storage.Tx, trader crypto.Address, assetIn string, amountIn, minAmountOut *big.Int) (*big.Int, error)
}

// Assets moves balances between accounts inside the caller's transaction.
type Assets interface {
	Transfer(tx storage.Tx, asset string, from, to crypto.Address, amount *big.Int) error
}
