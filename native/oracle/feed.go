package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"cowlend/core/events"
	"cowlend/crypto"
	"cowlend/native/lending"
	"cowlend/storage"
)

var bucketPrices = []byte("oracle/prices")

var (
	ErrPairMismatch      = errors.New("oracle: report pair mismatch")
	ErrSignerUnknown     = errors.New("oracle: report signer unknown")
	ErrSignatureInvalid  = errors.New("oracle: report signature invalid")
	ErrReportStale       = errors.New("oracle: report stale")
	ErrReportOutOfOrder  = errors.New("oracle: report not newer than latest")
	ErrDeviationTooLarge = errors.New("oracle: report deviation too large")
)

// Feed stores the latest accepted price for one pair and serves it to the
// liquidation engine.
type Feed struct {
	store           storage.Store
	pair            string
	maxAge          time.Duration
	maxDeviationBps uint64
	futureTolerance time.Duration
	now             func() time.Time
	emitter         events.Emitter

	mu      sync.RWMutex
	signers map[string]struct{}
}

// NewFeed builds a feed for pair ("ETH/USDC"). maxAge bounds how old a
// submitted report may be; zero disables the check.
func NewFeed(store storage.Store, pair string, maxAge time.Duration, maxDeviationBps uint64) *Feed {
	return &Feed{
		store:           store,
		pair:            normalisePair(pair),
		maxAge:          maxAge,
		maxDeviationBps: maxDeviationBps,
		futureTolerance: 30 * time.Second,
		now:             time.Now,
		emitter:         events.NoopEmitter{},
		signers:         make(map[string]struct{}),
	}
}

// SetClock overrides the feed clock.
func (f *Feed) SetClock(now func() time.Time) {
	if now != nil {
		f.now = now
	}
}

func (f *Feed) SetEmitter(emitter events.Emitter) {
	if emitter != nil {
		f.emitter = emitter
	}
}

// Pair returns the normalised pair the feed serves.
func (f *Feed) Pair() string { return f.pair }

// AddSigner allow-lists addr to publish reports.
func (f *Feed) AddSigner(addr crypto.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signers[string(addr.Bytes())] = struct{}{}
}

func (f *Feed) RemoveSigner(addr crypto.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.signers, string(addr.Bytes()))
}

func (f *Feed) isSigner(addr crypto.Address) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.signers[string(addr.Bytes())]
	return ok
}

type storedPrice struct {
	Value     *big.Int
	Timestamp uint64
	Source    []byte
}

// Submit verifies a signed report and records it as the latest price.
func (f *Feed) Submit(report Report) (crypto.Address, error) {
	if normalisePair(report.Pair) != f.pair {
		return crypto.Address{}, ErrPairMismatch
	}
	hash, err := report.Hash()
	if err != nil {
		return crypto.Address{}, err
	}
	signer, err := crypto.RecoverAddress(hash, report.Signature)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !f.isSigner(signer) {
		return crypto.Address{}, ErrSignerUnknown
	}
	now := f.now()
	if f.futureTolerance > 0 && report.Timestamp.After(now.Add(f.futureTolerance)) {
		return crypto.Address{}, ErrReportStale
	}
	if f.maxAge > 0 && now.Sub(report.Timestamp) > f.maxAge {
		return crypto.Address{}, ErrReportStale
	}
	err = f.store.Update(func(tx storage.Tx) error {
		prev, ok, err := readPrice(tx, f.pair)
		if err != nil {
			return err
		}
		if ok {
			if uint64(report.Timestamp.Unix()) <= prev.Timestamp {
				return ErrReportOutOfOrder
			}
			if err := f.checkDeviation(prev.Value, report.Value); err != nil {
				return err
			}
		}
		return writePrice(tx, f.pair, report.Value, report.Timestamp, signer.Bytes())
	})
	if err != nil {
		return crypto.Address{}, err
	}
	f.emitter.Emit(events.PriceUpdated{Pair: f.pair, Value: new(big.Int).Set(report.Value), Timestamp: report.Timestamp, Source: signer.String()})
	return signer, nil
}

// Set records a price without a signature. It is meant for operators during
// incident response and skips the deviation bound.
func (f *Feed) Set(value *big.Int, ts time.Time) error {
	if value == nil || value.Sign() <= 0 {
		return fmt.Errorf("oracle: value must be positive")
	}
	if err := f.store.Update(func(tx storage.Tx) error {
		return writePrice(tx, f.pair, value, ts, nil)
	}); err != nil {
		return err
	}
	f.emitter.Emit(events.PriceUpdated{Pair: f.pair, Value: new(big.Int).Set(value), Timestamp: ts, Source: "manual"})
	return nil
}

func (f *Feed) checkDeviation(prev, next *big.Int) error {
	if f.maxDeviationBps == 0 || prev == nil || prev.Sign() <= 0 {
		return nil
	}
	diff := new(big.Int).Sub(next, prev)
	diff.Abs(diff)
	threshold := new(big.Int).Mul(prev, new(big.Int).SetUint64(f.maxDeviationBps))
	threshold.Quo(threshold, big.NewInt(10_000))
	if diff.Cmp(threshold) > 0 {
		return ErrDeviationTooLarge
	}
	return nil
}

// LatestPrice implements lending.PriceOracle. Freshness is judged by the caller.
func (f *Feed) LatestPrice(ctx context.Context) (lending.Price, error) {
	if err := ctx.Err(); err != nil {
		return lending.Price{}, err
	}
	var out lending.Price
	err := f.store.View(func(tx storage.Tx) error {
		stored, ok, err := readPrice(tx, f.pair)
		if err != nil {
			return err
		}
		if !ok {
			return lending.ErrPriceUnavailable
		}
		source := "manual"
		if len(stored.Source) > 0 {
			source = crypto.NewAddress(crypto.LendPrefix, stored.Source).String()
		}
		out = lending.Price{
			Value:     stored.Value,
			UpdatedAt: time.Unix(int64(stored.Timestamp), 0).UTC(),
			Source:    source,
		}
		return nil
	})
	return out, err
}

func readPrice(tx storage.Tx, pair string) (storedPrice, bool, error) {
	raw := tx.Get(bucketPrices, []byte(pair))
	if raw == nil {
		return storedPrice{}, false, nil
	}
	var stored storedPrice
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return storedPrice{}, false, fmt.Errorf("oracle: decode price: %w", err)
	}
	return stored, true, nil
}

func writePrice(tx storage.Tx, pair string, value *big.Int, ts time.Time, source []byte) error {
	encoded, err := rlp.EncodeToBytes(storedPrice{
		Value:     new(big.Int).Set(value),
		Timestamp: uint64(ts.Unix()),
		Source:    source,
	})
	if err != nil {
		return err
	}
	return tx.Put(bucketPrices, []byte(pair), encoded)
}
