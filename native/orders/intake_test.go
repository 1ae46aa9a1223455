package orders

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cowlend/crypto"
	"cowlend/native/bank"
	"cowlend/native/common"
	"cowlend/native/lending"
	"cowlend/storage"
)

var genesis = time.Unix(1_700_000_000, 0)

type fixture struct {
	t         *testing.T
	store     *storage.MemStore
	bank      *bank.Ledger
	ledger    *lending.Ledger
	intake    *Intake
	domain    Domain
	now       time.Time
	lendKey   *crypto.PrivateKey
	borrowKey *crypto.PrivateKey
	cfg       lending.Config
}

func fixedAddress(suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0xCC
	raw[19] = suffix
	return crypto.NewAddress(crypto.LendPrefix, raw)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lendKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	borrowKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	f := &fixture{
		t:         t,
		store:     storage.NewMemStore(),
		bank:      bank.NewLedger(),
		domain:    DefaultDomain(1, fixedAddress(0x99)),
		now:       genesis,
		lendKey:   lendKey,
		borrowKey: borrowKey,
	}
	f.cfg = lending.DefaultConfig()
	f.cfg.Escrow = fixedAddress(0xE0)
	f.cfg.Treasury = fixedAddress(0xF0)
	require.NoError(t, f.cfg.Validate())

	f.ledger = lending.NewLedger(f.store, f.bank, f.cfg)
	f.ledger.SetClock(func() time.Time { return f.now })
	identity := fixedAddress(0x01)
	f.ledger.AuthorizeOriginator(identity)
	f.intake = NewIntake(f.ledger, NewValidator(f.domain), identity)

	require.NoError(t, f.bank.Mint(f.store, f.cfg.PrincipalAsset, f.lender(), big.NewInt(10_000)))
	require.NoError(t, f.bank.Mint(f.store, f.cfg.CollateralAsset, f.borrower(), big.NewInt(100)))
	return f
}

func (f *fixture) lender() crypto.Address   { return f.lendKey.Address() }
func (f *fixture) borrower() crypto.Address { return f.borrowKey.Address() }

func (f *fixture) lendOffer(nonce int64) Order {
	return Order{
		Maker:      f.lender(),
		Side:       SideLend,
		Principal:  big.NewInt(1_000),
		Collateral: big.NewInt(10),
		RateBips:   500,
		Maturity:   uint64(f.now.Add(365 * 24 * time.Hour).Unix()),
		Expiry:     uint64(f.now.Add(time.Hour).Unix()),
		Nonce:      big.NewInt(nonce),
	}
}

func (f *fixture) sign(order Order, key *crypto.PrivateKey) SignedOrder {
	f.t.Helper()
	signed, err := Sign(order, f.domain, key)
	require.NoError(f.t, err)
	return signed
}

func (f *fixture) balance(asset string, addr crypto.Address) int64 {
	var out *big.Int
	require.NoError(f.t, f.store.View(func(tx storage.Tx) error {
		out = f.bank.Balance(tx, asset, addr)
		return nil
	}))
	return out.Int64()
}

func TestAcceptLendOffer(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(f.lendOffer(1), f.lendKey)

	id, err := f.intake.Accept(context.Background(), signed, f.borrower())
	require.NoError(t, err)

	loan, err := f.ledger.GetLoan(id)
	require.NoError(t, err)
	require.True(t, loan.Lender.Equal(f.lender()))
	require.True(t, loan.Borrower.Equal(f.borrower()))
	require.Equal(t, lending.StatusActive, loan.Status)
	require.Equal(t, lending.OriginOrder, loan.Origin)
	require.Equal(t, uint64(500), loan.RateBips)

	require.Equal(t, int64(9_000), f.balance(f.cfg.PrincipalAsset, f.lender()))
	require.Equal(t, int64(1_000), f.balance(f.cfg.PrincipalAsset, f.borrower()))
	require.Equal(t, int64(90), f.balance(f.cfg.CollateralAsset, f.borrower()))
	require.Equal(t, int64(10), f.balance(f.cfg.CollateralAsset, f.cfg.Escrow))

	used, err := f.intake.NonceUsed(f.lender(), big.NewInt(1))
	require.NoError(t, err)
	require.True(t, used)
}

func TestAcceptBorrowOffer(t *testing.T) {
	f := newFixture(t)
	order := f.lendOffer(7)
	order.Maker = f.borrower()
	order.Side = SideBorrow
	signed := f.sign(order, f.borrowKey)

	id, err := f.intake.Accept(context.Background(), signed, f.lender())
	require.NoError(t, err)
	loan, err := f.ledger.GetLoan(id)
	require.NoError(t, err)
	require.True(t, loan.Lender.Equal(f.lender()))
	require.True(t, loan.Borrower.Equal(f.borrower()))
}

func TestAcceptRejectsReplay(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(f.lendOffer(1), f.lendKey)

	_, err := f.intake.Accept(context.Background(), signed, f.borrower())
	require.NoError(t, err)
	_, err = f.intake.Accept(context.Background(), signed, f.borrower())
	require.ErrorIs(t, err, ErrNonceAlreadyUsed)

	require.Equal(t, int64(9_000), f.balance(f.cfg.PrincipalAsset, f.lender()))
	loans, err := f.ledger.LoansOfLender(f.lender())
	require.NoError(t, err)
	require.Len(t, loans, 1)
}

func TestConcurrentAcceptConsumesNonceOnce(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(f.lendOffer(3), f.lendKey)

	const callers = 32
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.intake.Accept(context.Background(), signed, f.borrower())
		}(i)
	}
	close(start)
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, ErrNonceAlreadyUsed)
	}
	require.Equal(t, 1, accepted)

	loans, err := f.ledger.LoansOfLender(f.lender())
	require.NoError(t, err)
	require.Len(t, loans, 1)
	require.Equal(t, int64(9_000), f.balance(f.cfg.PrincipalAsset, f.lender()))
	require.Equal(t, int64(90), f.balance(f.cfg.CollateralAsset, f.borrower()))
}

func TestAcceptRejectsTamperedOrder(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(f.lendOffer(1), f.lendKey)
	signed.Order.Principal = big.NewInt(5_000)

	_, err := f.intake.Accept(context.Background(), signed, f.borrower())
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Equal(t, int64(10_000), f.balance(f.cfg.PrincipalAsset, f.lender()))
}

func TestAcceptRejectsForeignSigner(t *testing.T) {
	f := newFixture(t)
	order := f.lendOffer(1)
	digest, err := order.Digest(f.domain)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest[:], f.borrowKey)
	require.NoError(t, err)

	_, err = f.intake.Accept(context.Background(), SignedOrder{Order: order, Signature: sig}, f.borrower())
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestAcceptRejectsOtherDomain(t *testing.T) {
	f := newFixture(t)
	signed, err := Sign(f.lendOffer(1), DefaultDomain(5, fixedAddress(0x99)), f.lendKey)
	require.NoError(t, err)

	_, err = f.intake.Accept(context.Background(), signed, f.borrower())
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestAcceptRejectsExpired(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(f.lendOffer(1), f.lendKey)
	f.now = f.now.Add(2 * time.Hour)

	_, err := f.intake.Accept(context.Background(), signed, f.borrower())
	require.ErrorIs(t, err, ErrOrderExpired)
}

func TestAcceptRejectsSelfTrade(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(f.lendOffer(1), f.lendKey)

	_, err := f.intake.Accept(context.Background(), signed, f.lender())
	require.ErrorIs(t, err, ErrInvalidOrder)
}

func TestFailedAcceptKeepsNonce(t *testing.T) {
	f := newFixture(t)
	order := f.lendOffer(3)
	order.Principal = big.NewInt(50_000)
	signed := f.sign(order, f.lendKey)

	_, err := f.intake.Accept(context.Background(), signed, f.borrower())
	require.ErrorIs(t, err, common.ErrInsufficientBalance)

	used, err := f.intake.NonceUsed(f.lender(), big.NewInt(3))
	require.NoError(t, err)
	require.False(t, used)
}

func TestCancelBurnsNonce(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(f.lendOffer(4), f.lendKey)
	require.NoError(t, f.intake.Cancel(context.Background(), f.lender(), big.NewInt(4)))

	_, err := f.intake.Accept(context.Background(), signed, f.borrower())
	require.ErrorIs(t, err, ErrNonceAlreadyUsed)
}

func TestAcceptLowRecoveryID(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(f.lendOffer(1), f.lendKey)
	signed.Signature[64] -= 27

	_, err := f.intake.Accept(context.Background(), signed, f.borrower())
	require.NoError(t, err)
}

func TestAcceptQuota(t *testing.T) {
	f := newFixture(t)
	f.intake.SetQuota(common.Quota{MaxRequestsPerEpoch: 1, EpochSeconds: 3600})

	_, err := f.intake.Accept(context.Background(), f.sign(f.lendOffer(1), f.lendKey), f.borrower())
	require.NoError(t, err)
	_, err = f.intake.Accept(context.Background(), f.sign(f.lendOffer(2), f.lendKey), f.borrower())
	require.True(t, errors.Is(err, common.ErrQuotaRequestsExceeded))

	f.now = f.now.Add(time.Hour)
	order := f.lendOffer(2)
	_, err = f.intake.Accept(context.Background(), f.sign(order, f.lendKey), f.borrower())
	require.NoError(t, err)
}

func TestAcceptPaused(t *testing.T) {
	f := newFixture(t)
	f.intake.SetPauses(common.NewPauses(moduleIntake))

	_, err := f.intake.Accept(context.Background(), f.sign(f.lendOffer(1), f.lendKey), f.borrower())
	require.ErrorIs(t, err, common.ErrModulePaused)
}
