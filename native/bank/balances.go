package bank

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"cowlend/crypto"
	nativecommon "cowlend/native/common"
	"cowlend/storage"
)

var bucketBalances = []byte("bank/balances")

var (
	errInvalidAsset  = errors.New("bank: asset required")
	errInvalidAmount = errors.New("bank: amount must be positive")
)

// Ledger tracks per-asset balances inside the shared store. It holds no state
// of its own, so every call participates in the caller's transaction.
type Ledger struct{}

func NewLedger() *Ledger { return &Ledger{} }

func balanceKey(asset string, addr crypto.Address) []byte {
	asset = normalizeAsset(asset)
	key := make([]byte, 0, len(asset)+1+crypto.AddressLength)
	key = append(key, asset...)
	key = append(key, '/')
	return append(key, addr.Bytes()...)
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// Balance returns the balance of addr in asset.
func (l *Ledger) Balance(tx storage.Tx, asset string, addr crypto.Address) *big.Int {
	raw := tx.Get(bucketBalances, balanceKey(asset, addr))
	if raw == nil {
		return big.NewInt(0)
	}
	return new(big.Int).SetBytes(raw)
}

func (l *Ledger) set(tx storage.Tx, asset string, addr crypto.Address, amount *big.Int) error {
	key := balanceKey(asset, addr)
	if amount.Sign() == 0 {
		return tx.Delete(bucketBalances, key)
	}
	return tx.Put(bucketBalances, key, amount.Bytes())
}

// Credit adds amount to addr.
func (l *Ledger) Credit(tx storage.Tx, asset string, addr crypto.Address, amount *big.Int) error {
	if normalizeAsset(asset) == "" {
		return errInvalidAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	if addr.IsZero() {
		return fmt.Errorf("bank: credit to null address")
	}
	next := new(big.Int).Add(l.Balance(tx, asset, addr), amount)
	return l.set(tx, asset, addr, next)
}

// Debit removes amount from addr, failing when the balance is too small.
func (l *Ledger) Debit(tx storage.Tx, asset string, addr crypto.Address, amount *big.Int) error {
	if normalizeAsset(asset) == "" {
		return errInvalidAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	current := l.Balance(tx, asset, addr)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("bank: %s balance %s below %s: %w", normalizeAsset(asset), current, amount, nativecommon.ErrInsufficientBalance)
	}
	return l.set(tx, asset, addr, new(big.Int).Sub(current, amount))
}

// Transfer moves amount of asset from one account to another.
func (l *Ledger) Transfer(tx storage.Tx, asset string, from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if from.Equal(to) {
		return nil
	}
	if err := l.Debit(tx, asset, from, amount); err != nil {
		return err
	}
	return l.Credit(tx, asset, to, amount)
}

// Mint credits amount to addr in its own transaction. Used for faucets and
// bootstrapping pool liquidity.
func (l *Ledger) Mint(store storage.Store, asset string, to crypto.Address, amount *big.Int) error {
	return store.Update(func(tx storage.Tx) error {
		return l.Credit(tx, asset, to, amount)
	})
}

// Balances returns every non-zero balance of addr keyed by asset.
func (l *Ledger) Balances(tx storage.Tx, addr crypto.Address) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int)
	suffix := string(addr.Bytes())
	err := tx.ForEach(bucketBalances, nil, func(key, value []byte) error {
		if len(key) <= crypto.AddressLength+1 || string(key[len(key)-crypto.AddressLength:]) != suffix {
			return nil
		}
		asset := string(key[:len(key)-crypto.AddressLength-1])
		out[asset] = new(big.Int).SetBytes(value)
		return nil
	})
	return out, err
}
