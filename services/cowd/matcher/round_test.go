package matcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cowlend/crypto"
	"cowlend/native/orders"
	"cowlend/native/settlement"
	"cowlend/services/cowd/store"
	"cowlend/services/lending/client"
)

var domain = orders.DefaultDomain(31337, crypto.MustParseAddress("0x00000000000000000000000000000000000c0111"))

type fakeSubmitter struct {
	mu      sync.Mutex
	batches []settlement.Batch
	proofs  [][]byte
	fail    func(settlement.Batch) error
}

func (f *fakeSubmitter) SubmitBatch(_ context.Context, batch settlement.Batch, proof []byte) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	f.proofs = append(f.proofs, proof)
	if f.fail != nil {
		if err := f.fail(batch); err != nil {
			return nil, err
		}
	}
	ids := make([]string, len(batch.Pairs))
	for i := range batch.Pairs {
		ids[i] = fmt.Sprintf("0x%064x", len(f.batches)*100+i)
	}
	return ids, nil
}

func setup(t *testing.T) (*store.Store, *fakeSubmitter, *Runner) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	st := store.New(db)
	sub := &fakeSubmitter{}
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	runner, err := NewRunner(st, sub, key, domain, Config{MaxPairs: 8})
	require.NoError(t, err)
	return st, sub, runner
}

func addOrder(t *testing.T, st *store.Store, side orders.Side, rate uint64, expiry time.Duration) *store.Intent {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	now := uint64(time.Now().Unix())
	order := orders.Order{
		Maker:      key.Address(),
		Side:       side,
		Principal:  big.NewInt(1_000),
		Collateral: big.NewInt(10),
		RateBips:   rate,
		Maturity:   now + 30*86_400,
		Expiry:     uint64(time.Now().Add(expiry).Unix()),
		Nonce:      big.NewInt(1),
	}
	signed, err := orders.Sign(order, domain, key)
	require.NoError(t, err)
	rec, err := st.Add(context.Background(), signed)
	require.NoError(t, err)
	return rec
}

func statusOf(t *testing.T, st *store.Store, rec *store.Intent) store.IntentStatus {
	t.Helper()
	got, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	return got.Status
}

func TestRunOnceSettlesMatchedPairs(t *testing.T) {
	st, sub, runner := setup(t)
	lend := addOrder(t, st, orders.SideLend, 400, time.Hour)
	borrow := addOrder(t, st, orders.SideBorrow, 600, time.Hour)
	spare := addOrder(t, st, orders.SideLend, 900, time.Hour)

	res, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Matched)
	require.Equal(t, 1, res.Settled)
	require.Equal(t, 1, res.Carried)
	require.Len(t, res.LoanIDs, 1)

	require.Len(t, sub.batches, 1)
	batch := sub.batches[0]
	require.Equal(t, runner.Operator(), batch.Operator)
	require.EqualValues(t, 500, batch.Pairs[0].RateBips)

	require.Equal(t, store.StatusSettled, statusOf(t, st, lend))
	require.Equal(t, store.StatusSettled, statusOf(t, st, borrow))
	require.Equal(t, store.StatusOpen, statusOf(t, st, spare))
}

func TestRunOnceExpiresStaleIntents(t *testing.T) {
	st, sub, runner := setup(t)
	stale := addOrder(t, st, orders.SideLend, 400, time.Hour)
	runner.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	res, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Expired)
	require.Empty(t, sub.batches)
	require.Equal(t, store.StatusExpired, statusOf(t, st, stale))
}

func TestRunOnceIsolatesRejectedPair(t *testing.T) {
	st, sub, runner := setup(t)
	tightLend := addOrder(t, st, orders.SideLend, 400, time.Hour)
	firstBorrow := addOrder(t, st, orders.SideBorrow, 600, time.Hour)
	wideLend := addOrder(t, st, orders.SideLend, 450, time.Hour)
	secondBorrow := addOrder(t, st, orders.SideBorrow, 650, time.Hour)

	// firstBorrow pairs with wideLend (smaller spread); lendingd refuses it.
	sub.fail = func(b settlement.Batch) error {
		for _, p := range b.Pairs {
			if p.LendIntent.Order.RateBips == 450 {
				return &client.Error{Status: http.StatusConflict, Kind: "conflict", Message: "nonce used"}
			}
		}
		return nil
	}

	res, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Matched)
	require.Equal(t, 1, res.Settled)
	require.Equal(t, 1, res.Rejected)
	require.Len(t, sub.batches, 3)

	require.Equal(t, store.StatusSettled, statusOf(t, st, tightLend))
	require.Equal(t, store.StatusSettled, statusOf(t, st, secondBorrow))
	require.Equal(t, store.StatusRejected, statusOf(t, st, wideLend))
	require.Equal(t, store.StatusRejected, statusOf(t, st, firstBorrow))
}

func TestRunOnceReleasesIntentsWhenUnavailable(t *testing.T) {
	st, sub, runner := setup(t)
	lend := addOrder(t, st, orders.SideLend, 400, time.Hour)
	borrow := addOrder(t, st, orders.SideBorrow, 600, time.Hour)
	sub.fail = func(settlement.Batch) error { return errors.New("connection refused") }

	_, err := runner.RunOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, store.StatusOpen, statusOf(t, st, lend))
	require.Equal(t, store.StatusOpen, statusOf(t, st, borrow))

	batches, err := st.Batches(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, store.BatchFailed, batches[0].Status)
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(nil, &fakeSubmitter{}, nil, domain, Config{})
	require.Error(t, err)
}
