package lending

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"cowlend/core/events"
	"cowlend/crypto"
	"cowlend/native/bank"
	"cowlend/storage"
)

var testGenesis = time.Unix(1_700_000_000, 0)

func makeAddress(prefix crypto.AddressPrefix, suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0xAA
	raw[19] = suffix
	return crypto.NewAddress(prefix, raw)
}

type mockOracle struct {
	mu    sync.Mutex
	price Price
	err   error
}

func (o *mockOracle) LatestPrice(context.Context) (Price, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return Price{}, o.err
	}
	return Price{Value: new(big.Int).Set(o.price.Value), UpdatedAt: o.price.UpdatedAt, Source: "mock"}, nil
}

func (o *mockOracle) set(value *big.Int, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price = Price{Value: value, UpdatedAt: at}
}

// mockPool pays out at a fixed price scaled by 1e18.
type mockPool struct {
	bank      *bank.Ledger
	price     *big.Int
	principal string
	swaps     int
}

func (p *mockPool) SwapExactIn(_ context.Context, tx storage.Tx, trader crypto.Address, assetIn string, amountIn, minOut *big.Int) (*big.Int, error) {
	out := mulDiv(amountIn, p.price, wad)
	if out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("mock pool: %w", ErrSlippageTooHigh)
	}
	if err := p.bank.Debit(tx, assetIn, trader, amountIn); err != nil {
		return nil, err
	}
	if out.Sign() > 0 {
		if err := p.bank.Credit(tx, p.principal, trader, out); err != nil {
			return nil, err
		}
	}
	p.swaps++
	return out, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.EventType()
	}
	return out
}

type harness struct {
	t          *testing.T
	store      *storage.MemStore
	bank       *bank.Ledger
	ledger     *Ledger
	liquidator *Liquidator
	oracle     *mockOracle
	pool       *mockPool
	emitter    *recordingEmitter
	now        time.Time

	intake, lender, borrower, escrow, treasury crypto.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		store:    storage.NewMemStore(),
		bank:     bank.NewLedger(),
		emitter:  &recordingEmitter{},
		now:      testGenesis,
		intake:   makeAddress(crypto.LendPrefix, 0x01),
		lender:   makeAddress(crypto.LendPrefix, 0x10),
		borrower: makeAddress(crypto.LendPrefix, 0x20),
		escrow:   makeAddress(crypto.LendPrefix, 0xE0),
		treasury: makeAddress(crypto.LendPrefix, 0xF0),
	}
	cfg := DefaultConfig()
	cfg.Escrow = h.escrow
	cfg.Treasury = h.treasury
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	h.ledger = NewLedger(h.store, h.bank, cfg)
	h.ledger.SetClock(func() time.Time { return h.now })
	h.ledger.SetEmitter(h.emitter)
	h.ledger.AuthorizeOriginator(h.intake)

	h.oracle = &mockOracle{}
	h.oracle.set(price(150), h.now)
	h.pool = &mockPool{bank: h.bank, price: price(150), principal: cfg.PrincipalAsset}
	h.liquidator = NewLiquidator(h.ledger, h.oracle, h.pool)

	h.mint(cfg.PrincipalAsset, h.lender, 10_000)
	h.mint(cfg.CollateralAsset, h.borrower, 100)
	return h
}

// price returns units of principal per unit of collateral at 1e18 scale.
func price(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), wad)
}

func (h *harness) mint(asset string, to crypto.Address, amount int64) {
	h.t.Helper()
	if err := h.bank.Mint(h.store, asset, to, big.NewInt(amount)); err != nil {
		h.t.Fatalf("mint: %v", err)
	}
}

func (h *harness) balance(asset string, addr crypto.Address) *big.Int {
	var out *big.Int
	_ = h.store.View(func(tx storage.Tx) error {
		out = h.bank.Balance(tx, asset, addr)
		return nil
	})
	return out
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) create(principal, collateral int64, rateBips uint64, term time.Duration) LoanID {
	h.t.Helper()
	id, err := h.ledger.CreateLoan(context.Background(), CreateParams{
		Lender:     h.lender,
		Borrower:   h.borrower,
		Principal:  big.NewInt(principal),
		Collateral: big.NewInt(collateral),
		RateBips:   rateBips,
		Maturity:   uint64(h.now.Add(term).Unix()),
		Origin:     OriginOrder,
	}, h.intake)
	if err != nil {
		h.t.Fatalf("create loan: %v", err)
	}
	return id
}

func (h *harness) status(id LoanID) Status {
	h.t.Helper()
	loan, err := h.ledger.GetLoan(id)
	if err != nil {
		h.t.Fatalf("get loan: %v", err)
	}
	return loan.Status
}
