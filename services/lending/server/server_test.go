package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"cowlend/core/events"
	"cowlend/crypto"
	"cowlend/gateway/middleware"
	"cowlend/native/amm"
	"cowlend/native/bank"
	nativecommon "cowlend/native/common"
	"cowlend/native/lending"
	"cowlend/native/operators"
	"cowlend/native/oracle"
	"cowlend/native/orders"
	"cowlend/native/settlement"
	"cowlend/services/lending/api"
	"cowlend/storage"
)

var genesis = time.Unix(1_700_000_000, 0)

func fixed(suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0xDD
	raw[19] = suffix
	return crypto.NewAddress(crypto.LendPrefix, raw)
}

func wadUnits(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type testEnv struct {
	t        *testing.T
	store    *storage.MemStore
	cfg      lending.Config
	domain   orders.Domain
	ledger   *lending.Ledger
	journal  *events.Journal
	pauses   *nativecommon.Pauses
	feed     *oracle.Feed
	handler  http.Handler
	now      time.Time
	lender   *crypto.PrivateKey
	borrower *crypto.PrivateKey
	operator *crypto.PrivateKey
	signer   *crypto.PrivateKey
	nonce    int64
}

func newKey(t *testing.T) *crypto.PrivateKey {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func newTestEnv(t *testing.T, auth *middleware.Authenticator) *testEnv {
	t.Helper()
	env := &testEnv{
		t:        t,
		store:    storage.NewMemStore(),
		domain:   orders.DefaultDomain(1, fixed(0x99)),
		pauses:   nativecommon.NewPauses(),
		now:      genesis,
		lender:   newKey(t),
		borrower: newKey(t),
		operator: newKey(t),
		signer:   newKey(t),
	}
	clock := func() time.Time { return env.now }
	env.cfg = lending.DefaultConfig()
	env.cfg.Escrow = fixed(0xE0)
	env.cfg.Treasury = fixed(0xF0)
	require.NoError(t, env.cfg.Validate())

	journal, err := events.OpenJournal(storage.NewMemDB(), nil)
	require.NoError(t, err)
	journal.SetClock(clock)
	env.journal = journal

	balances := bank.NewLedger()
	env.ledger = lending.NewLedger(env.store, balances, env.cfg)
	env.ledger.SetClock(clock)
	env.ledger.SetEmitter(journal)
	env.ledger.SetPauses(env.pauses)

	intakeID, settlerID := fixed(0x01), fixed(0x02)
	env.ledger.AuthorizeOriginator(intakeID)
	env.ledger.AuthorizeOriginator(settlerID)
	validator := orders.NewValidator(env.domain)
	intake := orders.NewIntake(env.ledger, validator, intakeID)
	intake.SetPauses(env.pauses)
	ops := operators.NewSet(env.operator.Address())
	settler := settlement.NewSettler(env.ledger, validator, ops, settlerID)
	settler.SetPauses(env.pauses)

	env.feed = oracle.NewFeed(env.store, "ETH/USDC", time.Hour, 0)
	env.feed.SetClock(clock)
	env.feed.SetEmitter(journal)
	env.feed.AddSigner(env.signer.Address())

	pool, err := amm.NewPool(balances, env.ledger, fixed(0xA0), env.cfg.CollateralAsset, env.cfg.PrincipalAsset, 30)
	require.NoError(t, err)
	liquidator := lending.NewLiquidator(env.ledger, env.feed, pool)

	srv, err := New(Deps{
		Ledger:     env.ledger,
		Liquidator: liquidator,
		Intake:     intake,
		Settler:    settler,
		Bank:       balances,
		Feed:       env.feed,
		Pool:       pool,
		Operators:  ops,
		Pauses:     env.pauses,
		Journal:    journal,
	}, Options{Auth: auth})
	require.NoError(t, err)
	env.handler = srv.Handler()

	provider := fixed(0x50)
	env.mint(env.cfg.PrincipalAsset, env.lender.Address(), 10_000)
	env.mint(env.cfg.CollateralAsset, env.borrower.Address(), 100)
	env.mint(env.cfg.CollateralAsset, provider, 1_000)
	env.mint(env.cfg.PrincipalAsset, provider, 150_000)
	require.NoError(t, pool.AddLiquidity(context.Background(), provider, big.NewInt(1_000), big.NewInt(150_000)))
	return env
}

func (env *testEnv) do(method, path string, caller crypto.Address, body any) *httptest.ResponseRecorder {
	env.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(env.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if !caller.IsZero() {
		req.Header.Set(middleware.DevCallerHeader, caller.String())
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) mint(asset string, to crypto.Address, amount int64) {
	env.t.Helper()
	rec := env.do(http.MethodPost, "/v1/admin/mint", crypto.Address{}, api.MintRequest{Asset: asset, To: to.String(), Amount: big.NewInt(amount).String()})
	require.Equal(env.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (env *testEnv) lendOffer(principal, collateral int64) orders.SignedOrder {
	env.t.Helper()
	env.nonce++
	signed, err := orders.Sign(orders.Order{
		Maker:      env.lender.Address(),
		Side:       orders.SideLend,
		Principal:  big.NewInt(principal),
		Collateral: big.NewInt(collateral),
		RateBips:   500,
		Maturity:   uint64(env.now.Add(30 * 24 * time.Hour).Unix()),
		Expiry:     uint64(env.now.Add(time.Hour).Unix()),
		Nonce:      big.NewInt(env.nonce),
	}, env.domain, env.lender)
	require.NoError(env.t, err)
	return signed
}

func (env *testEnv) accept(signed orders.SignedOrder) string {
	env.t.Helper()
	rec := env.do(http.MethodPost, "/v1/orders/accept", env.borrower.Address(), api.AcceptOrderRequest{Order: signed.ToWire()})
	require.Equal(env.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp api.AcceptOrderResponse
	require.NoError(env.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.LoanID
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAcceptOrderAndQueryLoan(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.accept(env.lendOffer(1_000, 10))

	rec := env.do(http.MethodGet, "/v1/loans/"+id, crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	loan := decode[api.Loan](t, rec)
	require.Equal(t, "active", loan.Status)
	require.Equal(t, "1000", loan.Principal)
	require.Equal(t, "1000", loan.Debt)
	require.Equal(t, env.borrower.Address().String(), loan.Borrower)

	rec = env.do(http.MethodGet, "/v1/loans?borrower="+env.borrower.Address().String(), crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[api.LoanList](t, rec).Loans, 1)

	rec = env.do(http.MethodGet, "/v1/loans/active", crypto.Address{}, nil)
	require.Equal(t, []string{id}, decode[api.LoanIDs](t, rec).LoanIDs)

	rec = env.do(http.MethodGet, "/v1/accounts/"+env.borrower.Address().String()+"/balances", crypto.Address{}, nil)
	balances := decode[api.Balances](t, rec)
	require.Equal(t, "1000", balances.Balances[env.cfg.PrincipalAsset])
	require.Equal(t, "90", balances.Balances[env.cfg.CollateralAsset])

	path := "/v1/orders/nonces/" + env.lender.Address().String() + "/1"
	rec = env.do(http.MethodGet, path, crypto.Address{}, nil)
	require.True(t, decode[api.NonceStatus](t, rec).Used)
}

func TestAcceptOrderErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	signed := env.lendOffer(1_000, 10)
	env.accept(signed)

	rec := env.do(http.MethodPost, "/v1/orders/accept", env.borrower.Address(), api.AcceptOrderRequest{Order: signed.ToWire()})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "precondition", decode[api.Error](t, rec).Kind)

	forged := env.lendOffer(1_000, 10)
	forged.Order.RateBips = 1
	rec = env.do(http.MethodPost, "/v1/orders/accept", env.borrower.Address(), api.AcceptOrderRequest{Order: forged.ToWire()})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/v1/orders/accept", crypto.Address{}, api.AcceptOrderRequest{Order: env.lendOffer(1_000, 10).ToWire()})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/accept", strings.NewReader("{not json"))
	req.Header.Set(middleware.DevCallerHeader, env.borrower.Address().String())
	raw := httptest.NewRecorder()
	env.handler.ServeHTTP(raw, req)
	require.Equal(t, http.StatusBadRequest, raw.Code)

	rec = env.do(http.MethodGet, "/v1/loans/0x1234", crypto.Address{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(http.MethodGet, "/v1/loans/0x"+strings.Repeat("ab", 32), crypto.Address{}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelNonceBlocksAccept(t *testing.T) {
	env := newTestEnv(t, nil)
	signed := env.lendOffer(1_000, 10)
	rec := env.do(http.MethodPost, "/v1/orders/cancel", env.lender.Address(), api.CancelNonceRequest{Nonce: signed.Order.Nonce.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/v1/orders/accept", env.borrower.Address(), api.AcceptOrderRequest{Order: signed.ToWire()})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRepayAfterMaturity(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.accept(env.lendOffer(1_000, 10))

	rec := env.do(http.MethodPost, "/v1/loans/"+id+"/repay", env.borrower.Address(), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	env.now = env.now.Add(31 * 24 * time.Hour)
	env.mint(env.cfg.PrincipalAsset, env.borrower.Address(), 100)
	rec = env.do(http.MethodPost, "/v1/loans/"+id+"/repay", env.lender.Address(), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/v1/loans/"+id+"/repay", env.borrower.Address(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	repaid := decode[api.RepayResponse](t, rec)
	require.Equal(t, "1000", repaid.PrincipalPaid)
	require.NotEqual(t, "0", repaid.InterestPaid)

	rec = env.do(http.MethodGet, "/v1/loans/"+id, crypto.Address{}, nil)
	loan := decode[api.Loan](t, rec)
	require.Equal(t, "repaid", loan.Status)
	require.Equal(t, "0", loan.Debt)
}

func TestPausedModuleRejectsRepay(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.accept(env.lendOffer(1_000, 10))
	env.now = env.now.Add(31 * 24 * time.Hour)
	env.mint(env.cfg.PrincipalAsset, env.borrower.Address(), 100)

	rec := env.do(http.MethodPost, "/v1/admin/pauses", crypto.Address{}, api.PauseRequest{Module: "lending.repay", Paused: true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"lending.repay"}, decode[api.Pauses](t, rec).Paused)

	rec = env.do(http.MethodPost, "/v1/loans/"+id+"/repay", env.borrower.Address(), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	env.do(http.MethodPost, "/v1/admin/pauses", crypto.Address{}, api.PauseRequest{Module: "lending.repay"})
	rec = env.do(http.MethodPost, "/v1/loans/"+id+"/repay", env.borrower.Address(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBarrierLiquidationOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/v1/admin/oracle/price", crypto.Address{}, api.ManualPriceRequest{Value: wadUnits(150).String(), Timestamp: env.now.Add(-time.Minute).Unix()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := env.accept(env.lendOffer(1_000, 7))

	rec = env.do(http.MethodPost, "/v1/loans/"+id+"/liquidate", fixed(0x70), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// 7 ETH at 140 is worth 980 against a debt of 1000
	report, err := oracle.SignReport(oracle.Report{Pair: "ETH/USDC", Value: wadUnits(140), Timestamp: env.now}, env.signer)
	require.NoError(t, err)
	rec = env.do(http.MethodPost, "/v1/oracle/reports", env.signer.Address(), api.PriceReport{
		Pair:      report.Pair,
		Value:     report.Value.String(),
		Timestamp: report.Timestamp.Unix(),
		Signature: "0x" + hex.EncodeToString(report.Signature),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/loans/"+id+"/health", crypto.Address{}, nil)
	health := decode[api.Health](t, rec)
	require.True(t, health.Liquidatable)
	require.Equal(t, "barrier", health.Path)

	rec = env.do(http.MethodPost, "/v1/loans/"+id+"/liquidate", fixed(0x70), api.LiquidateRequest{SlippageBps: 1_000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	outcome := decode[api.LiquidateResponse](t, rec)
	require.Equal(t, "barrier", outcome.Path)
	require.Equal(t, "1000", outcome.ToLender)
	require.Equal(t, "0", outcome.ToTreasury)
	require.Equal(t, "0", outcome.Shortfall)
}

func TestOracleReportFromUnknownSigner(t *testing.T) {
	env := newTestEnv(t, nil)
	stranger := newKey(t)
	report, err := oracle.SignReport(oracle.Report{Pair: "ETH/USDC", Value: wadUnits(150), Timestamp: env.now}, stranger)
	require.NoError(t, err)
	rec := env.do(http.MethodPost, "/v1/oracle/reports", stranger.Address(), api.PriceReport{
		Pair:      report.Pair,
		Value:     report.Value.String(),
		Timestamp: report.Timestamp.Unix(),
		Signature: "0x" + hex.EncodeToString(report.Signature),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/v1/oracle/price", crypto.Address{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitBatchOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	maturity := uint64(env.now.Add(30 * 24 * time.Hour).Unix())
	sign := func(key *crypto.PrivateKey, side orders.Side, rate, maturity uint64, nonce int64) orders.SignedOrder {
		signed, err := orders.Sign(orders.Order{
			Maker:      key.Address(),
			Side:       side,
			Principal:  big.NewInt(2_000),
			Collateral: big.NewInt(20),
			RateBips:   rate,
			Maturity:   maturity,
			Expiry:     uint64(env.now.Add(time.Hour).Unix()),
			Nonce:      big.NewInt(nonce),
		}, env.domain, key)
		require.NoError(t, err)
		return signed
	}
	lend := sign(env.lender, orders.SideLend, 400, maturity+3600, 100)
	borrow := sign(env.borrower, orders.SideBorrow, 600, maturity, 200)
	batch := settlement.Batch{Operator: env.operator.Address(), Pairs: []settlement.Pair{{
		Lender:       env.lender.Address(),
		Borrower:     env.borrower.Address(),
		Principal:    big.NewInt(2_000),
		Collateral:   big.NewInt(20),
		RateBips:     500,
		Maturity:     maturity,
		LendIntent:   lend,
		BorrowIntent: borrow,
	}}}
	proof, err := settlement.SignBatch(batch, env.domain, env.operator)
	require.NoError(t, err)
	body := settlement.NewSubmission(batch, proof)

	rec := env.do(http.MethodPost, "/v1/batches", env.lender.Address(), body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/v1/batches", env.operator.Address(), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ids := decode[api.LoanIDs](t, rec).LoanIDs
	require.Len(t, ids, 1)

	rec = env.do(http.MethodGet, "/v1/loans/"+ids[0], crypto.Address{}, nil)
	loan := decode[api.Loan](t, rec)
	require.Equal(t, "batch", loan.Origin)
	require.Equal(t, uint64(500), loan.RateBips)

	rec = env.do(http.MethodPost, "/v1/batches", env.operator.Address(), body)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPoolRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	trader := fixed(0x60)
	env.mint(env.cfg.CollateralAsset, trader, 10)

	rec := env.do(http.MethodGet, "/v1/pool/quote?assetIn=ETH&amountIn=10", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1480", decode[api.SwapResponse](t, rec).AmountOut)

	rec = env.do(http.MethodPost, "/v1/pool/swap", trader, api.SwapRequest{AssetIn: "ETH", AmountIn: "10", MinAmountOut: "1481"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/v1/pool/swap", trader, api.SwapRequest{AssetIn: "ETH", AmountIn: "10", MinAmountOut: "1480"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/pool/reserves", crypto.Address{}, nil)
	reserves := decode[api.Reserves](t, rec)
	require.Equal(t, "1010", reserves.Reserves["ETH"])
	require.Equal(t, "148520", reserves.Reserves["USDC"])
}

func TestOperatorAdministration(t *testing.T) {
	env := newTestEnv(t, nil)
	extra := fixed(0x33)
	rec := env.do(http.MethodPost, "/v1/admin/operators", crypto.Address{}, api.OperatorRequest{Address: extra.String(), Authorized: true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[api.Operators](t, rec).Members, 2)

	rec = env.do(http.MethodPost, "/v1/admin/operators", crypto.Address{}, api.OperatorRequest{Address: extra.String()})
	require.Len(t, decode[api.Operators](t, rec).Members, 1)

	rec = env.do(http.MethodPost, "/v1/admin/operators", crypto.Address{}, api.OperatorRequest{Address: "nope", Authorized: true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScopesEnforcedWhenAuthEnabled(t *testing.T) {
	const secret = "server-test-secret"
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: secret}, nil)
	env := newTestEnv(t, nil)
	srv, err := New(Deps{
		Ledger:     env.ledger,
		Liquidator: lending.NewLiquidator(env.ledger, env.feed, nil),
		Intake:     orders.NewIntake(env.ledger, orders.NewValidator(env.domain), fixed(0x01)),
		Settler:    settlement.NewSettler(env.ledger, orders.NewValidator(env.domain), operators.NewSet(), fixed(0x02)),
		Bank:       bank.NewLedger(),
	}, Options{Auth: auth})
	require.NoError(t, err)
	handler := srv.Handler()

	token, err := middleware.IssueToken(secret, env.borrower.Address(), []string{"read"}, time.Minute)
	require.NoError(t, err)
	signed := env.lendOffer(1_000, 10)
	raw, err := json.Marshal(api.AcceptOrderRequest{Order: signed.ToWire()})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/accept", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/loans/active", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pool/reserves", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	lender, err := middleware.IssueToken(secret, env.lender.Address(), []string{"read"}, time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/v1/pool/reserves", nil)
	req.Header.Set("Authorization", "Bearer "+lender)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventsListAndStream(t *testing.T) {
	env := newTestEnv(t, nil)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	head := env.journal.Head()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	env.accept(env.lendOffer(1_000, 10))

	var rec events.Record
	require.NoError(t, wsjson.Read(ctx, conn, &rec))
	require.Greater(t, rec.Sequence, head)

	resp := env.do(http.MethodGet, "/v1/events?cursor=0&limit=1000", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var page struct {
		Head    uint64          `json:"head"`
		Records []events.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &page))
	require.Equal(t, env.journal.Head(), page.Head)
	types := make([]string, 0, len(page.Records))
	for _, r := range page.Records {
		types = append(types, r.Event.Type)
	}
	require.Contains(t, types, events.TypeLoanCreated)

	resp = env.do(http.MethodGet, "/v1/events?limit=0", crypto.Address{}, nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}
