package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cowlend/crypto"
	"cowlend/gateway/middleware"
	"cowlend/native/orders"
	"cowlend/native/settlement"
	"cowlend/services/cowd/matcher"
	"cowlend/services/cowd/store"
)

var domain = orders.DefaultDomain(31337, crypto.MustParseAddress("0x00000000000000000000000000000000000c0111"))

type okSubmitter struct{}

func (okSubmitter) SubmitBatch(_ context.Context, batch settlement.Batch, _ []byte) ([]string, error) {
	ids := make([]string, len(batch.Pairs))
	for i := range ids {
		ids[i] = fmt.Sprintf("0x%064x", i+1)
	}
	return ids, nil
}

type usedNonces map[string]bool

func (u usedNonces) NonceUsed(_ context.Context, maker crypto.Address, nonce string) (bool, error) {
	return u[maker.String()+"/"+nonce], nil
}

type testEnv struct {
	t       *testing.T
	store   *store.Store
	handler http.Handler
	nonces  usedNonces
}

func newTestEnv(t *testing.T, auth *middleware.Authenticator) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	st := store.New(db)
	operator, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	runner, err := matcher.NewRunner(st, okSubmitter{}, operator, domain, matcher.Config{})
	require.NoError(t, err)
	nonces := usedNonces{}
	srv, err := New(Deps{Store: st, Runner: runner, Domain: domain, Nonces: nonces}, Options{Auth: auth})
	require.NoError(t, err)
	return &testEnv{t: t, store: st, handler: srv.Handler(), nonces: nonces}
}

func signedWire(t *testing.T, key *crypto.PrivateKey, side orders.Side, rate uint64, d orders.Domain) orders.Wire {
	t.Helper()
	now := uint64(time.Now().Unix())
	order := orders.Order{
		Maker:      key.Address(),
		Side:       side,
		Principal:  big.NewInt(5_000),
		Collateral: big.NewInt(50),
		RateBips:   rate,
		Maturity:   now + 7*86_400,
		Expiry:     now + 600,
		Nonce:      big.NewInt(7),
	}
	signed, err := orders.Sign(order, d, key)
	require.NoError(t, err)
	return signed.ToWire()
}

func (e *testEnv) do(method, path string, body any, caller *crypto.PrivateKey) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != nil {
		req.Header.Set(middleware.DevCallerHeader, caller.Address().String())
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func newKey(t *testing.T) *crypto.PrivateKey {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func TestSubmitIntent(t *testing.T) {
	env := newTestEnv(t, nil)
	maker := newKey(t)
	wire := signedWire(t, maker, orders.SideLend, 300, domain)

	rec := env.do(http.MethodPost, "/v1/intents", wire, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var got Intent
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, "OPEN", got.Status)
	require.EqualValues(t, 1, got.Seq)
	require.Equal(t, wire.Signature, got.Order.Signature)

	rec = env.do(http.MethodPost, "/v1/intents", wire, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodGet, "/v1/intents/"+got.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitIntentRejections(t *testing.T) {
	env := newTestEnv(t, nil)
	maker := newKey(t)

	foreign := orders.DefaultDomain(1, crypto.MustParseAddress("0x00000000000000000000000000000000000000aa"))
	rec := env.do(http.MethodPost, "/v1/intents", signedWire(t, maker, orders.SideBorrow, 300, foreign), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	tampered := signedWire(t, maker, orders.SideBorrow, 300, domain)
	tampered.RateBips = 900
	rec = env.do(http.MethodPost, "/v1/intents", tampered, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	zero := signedWire(t, maker, orders.SideBorrow, 300, domain)
	zero.Principal = "0"
	rec = env.do(http.MethodPost, "/v1/intents", zero, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	used := signedWire(t, maker, orders.SideBorrow, 300, domain)
	env.nonces[maker.Address().String()+"/7"] = true
	rec = env.do(http.MethodPost, "/v1/intents", used, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/v1/intents", "not an order", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelIntentOnlyByMaker(t *testing.T) {
	env := newTestEnv(t, nil)
	maker, other := newKey(t), newKey(t)
	rec := env.do(http.MethodPost, "/v1/intents", signedWire(t, maker, orders.SideLend, 300, domain), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var got Intent
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))

	path := "/v1/intents/" + got.ID + "/cancel"
	require.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, path, nil, nil).Code)
	require.Equal(t, http.StatusNotFound, env.do(http.MethodPost, path, nil, other).Code)
	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, path, nil, maker).Code)
	require.Equal(t, http.StatusConflict, env.do(http.MethodPost, path, nil, maker).Code)

	rec = env.do(http.MethodGet, "/v1/intents?status=canceled", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []Intent
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
}

func TestRunRoundSettlesBook(t *testing.T) {
	env := newTestEnv(t, nil)
	lender, borrower := newKey(t), newKey(t)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/v1/intents", signedWire(t, lender, orders.SideLend, 300, domain), nil).Code)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/v1/intents", signedWire(t, borrower, orders.SideBorrow, 500, domain), nil).Code)

	rec := env.do(http.MethodPost, "/v1/rounds", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res matcher.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Equal(t, 1, res.Settled)

	rec = env.do(http.MethodGet, "/v1/batches", nil, nil)
	var batches []Batch
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&batches))
	require.Len(t, batches, 1)
	require.Equal(t, "SETTLED", batches[0].Status)
}

func TestOperatorScopeRequired(t *testing.T) {
	secret := "cowd-test-secret"
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: secret}, nil)
	env := newTestEnv(t, auth)
	maker := newKey(t)

	token, err := middleware.IssueToken(secret, maker.Address(), []string{ScopeIntent}, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/rounds", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/intents", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
