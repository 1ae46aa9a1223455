package events

import (
	"math/big"
	"strconv"
	"time"

	"cowlend/core/types"
	"cowlend/crypto"
)

const (
	// TypePoolSwap is emitted for every committed public pool swap.
	TypePoolSwap = "amm.swap"
	// TypePriceUpdated is emitted when the oracle feed accepts a new price.
	TypePriceUpdated = "oracle.price_updated"
)

type PoolSwap struct {
	Trader    crypto.Address
	AssetIn   string
	AssetOut  string
	AmountIn  *big.Int
	AmountOut *big.Int
}

func (PoolSwap) EventType() string { return TypePoolSwap }

func (e PoolSwap) Event() *types.Event {
	return &types.Event{
		Type: TypePoolSwap,
		Attributes: map[string]string{
			"trader":    e.Trader.String(),
			"assetIn":   e.AssetIn,
			"assetOut":  e.AssetOut,
			"amountIn":  amountString(e.AmountIn),
			"amountOut": amountString(e.AmountOut),
		},
	}
}

type PriceUpdated struct {
	Pair      string
	Value     *big.Int
	Timestamp time.Time
	Source    string
}

func (PriceUpdated) EventType() string { return TypePriceUpdated }

func (e PriceUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypePriceUpdated,
		Attributes: map[string]string{
			"pair":      e.Pair,
			"value":     amountString(e.Value),
			"timestamp": strconv.FormatInt(e.Timestamp.Unix(), 10),
			"source":    e.Source,
		},
	}
}
