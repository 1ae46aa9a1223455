package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/go-chi/chi/v5"

	"cowlend/crypto"
	"cowlend/gateway/middleware"
	"cowlend/native/lending"
	"cowlend/native/oracle"
	"cowlend/native/orders"
	"cowlend/services/lending/api"
	"cowlend/storage"
)

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body and leaves v untouched.
func decodeOptionalJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, api.Error{Error: "caller identity required", Kind: lending.KindAuthorization.String()})
	}
	return caller, ok
}

func parseAddress(field, value string) (crypto.Address, error) {
	addr, err := crypto.ParseAddress(strings.TrimSpace(value))
	if err != nil || addr.IsZero() {
		return crypto.Address{}, fmt.Errorf("%w: %s must be an address", errBadRequest, field)
	}
	return addr, nil
}

func parseAmount(field, value string, allowZero bool) (*big.Int, error) {
	parsed, ok := math.ParseBig256(strings.TrimSpace(value))
	if !ok || parsed.Sign() < 0 || (!allowZero && parsed.Sign() == 0) {
		return nil, fmt.Errorf("%w: %s must be a positive integer", errBadRequest, field)
	}
	return parsed, nil
}

func loanIDParam(r *http.Request) (lending.LoanID, error) {
	id, err := lending.ParseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		return lending.LoanID{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return id, nil
}

func (s *Server) toLoan(loan *lending.Loan) api.Loan {
	debt := big.NewInt(0)
	if loan.Status == lending.StatusActive {
		if current, err := s.deps.Ledger.CurrentDebt(loan.ID); err == nil {
			debt = current
		}
	}
	return api.Loan{
		ID:         loan.ID.String(),
		Sequence:   loan.Sequence,
		Lender:     loan.Lender.String(),
		Borrower:   loan.Borrower.String(),
		Principal:  loan.Principal.String(),
		Collateral: loan.Collateral.String(),
		RateBips:   loan.RateBips,
		CreatedAt:  loan.CreatedAt,
		Maturity:   loan.Maturity,
		Status:     loan.Status.String(),
		Origin:     loan.Origin.String(),
		Debt:       debt.String(),
	}
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, "get_loan", err)
		return
	}
	loan, err := s.deps.Ledger.GetLoan(id)
	if err != nil {
		s.writeError(w, r, "get_loan", err)
		return
	}
	writeJSON(w, http.StatusOK, s.toLoan(loan))
}

func (s *Server) listLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	borrower, lender := q.Get("borrower"), q.Get("lender")
	var (
		loans []*lending.Loan
		err   error
	)
	switch {
	case borrower != "" && lender == "":
		var addr crypto.Address
		if addr, err = parseAddress("borrower", borrower); err == nil {
			loans, err = s.deps.Ledger.LoansOfBorrower(addr)
		}
	case lender != "" && borrower == "":
		var addr crypto.Address
		if addr, err = parseAddress("lender", lender); err == nil {
			loans, err = s.deps.Ledger.LoansOfLender(addr)
		}
	default:
		err = fmt.Errorf("%w: exactly one of borrower or lender required", errBadRequest)
	}
	if err != nil {
		s.writeError(w, r, "list_loans", err)
		return
	}
	out := api.LoanList{Loans: make([]api.Loan, 0, len(loans))}
	for _, loan := range loans {
		out.Loans = append(out.Loans, s.toLoan(loan))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) activeLoans(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Ledger.ActiveLoans()
	if err != nil {
		s.writeError(w, r, "active_loans", err)
		return
	}
	writeJSON(w, http.StatusOK, loanIDs(ids))
}

func loanIDs(ids []lending.LoanID) api.LoanIDs {
	out := api.LoanIDs{LoanIDs: make([]string, 0, len(ids))}
	for _, id := range ids {
		out.LoanIDs = append(out.LoanIDs, id.String())
	}
	return out
}

func (s *Server) getDebt(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, "get_debt", err)
		return
	}
	debt, err := s.deps.Ledger.CurrentDebt(id)
	if err != nil {
		s.writeError(w, r, "get_debt", err)
		return
	}
	writeJSON(w, http.StatusOK, api.Debt{LoanID: id.String(), Debt: debt.String()})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, "get_health", err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	ok, path, err := s.deps.Liquidator.IsLiquidatable(ctx, id)
	if err != nil {
		s.writeError(w, r, "get_health", err)
		return
	}
	out := api.Health{LoanID: id.String(), Liquidatable: ok, Path: path.String()}
	// a stale price still allows the default path, so the factor is optional
	if factor, err := s.deps.Liquidator.HealthFactor(ctx, id); err == nil {
		out.HealthFactor = factor.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) nonceStatus(w http.ResponseWriter, r *http.Request) {
	maker, err := parseAddress("maker", chi.URLParam(r, "maker"))
	if err != nil {
		s.writeError(w, r, "nonce_status", err)
		return
	}
	nonce, err := parseAmount("nonce", chi.URLParam(r, "nonce"), true)
	if err != nil {
		s.writeError(w, r, "nonce_status", err)
		return
	}
	used, err := s.deps.Intake.NonceUsed(maker, nonce)
	if err != nil {
		s.writeError(w, r, "nonce_status", err)
		return
	}
	writeJSON(w, http.StatusOK, api.NonceStatus{Maker: maker.String(), Nonce: nonce.String(), Used: used})
}

func (s *Server) balances(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, "balances", err)
		return
	}
	out := api.Balances{Address: addr.String(), Balances: map[string]string{}}
	err = s.deps.Ledger.View(func(tx storage.Tx) error {
		balances, err := s.deps.Bank.Balances(tx, addr)
		if err != nil {
			return err
		}
		for asset, amount := range balances {
			out.Balances[asset] = amount.String()
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, "balances", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) acceptOrder(w http.ResponseWriter, r *http.Request) {
	taker, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req api.AcceptOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "accept_order", err)
		return
	}
	signed, err := orders.FromWire(req.Order)
	if err != nil {
		s.writeError(w, r, "accept_order", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	id, err := s.deps.Intake.Accept(ctx, signed, taker)
	if err != nil {
		s.writeError(w, r, "accept_order", err)
		return
	}
	writeJSON(w, http.StatusCreated, api.AcceptOrderResponse{LoanID: id.String()})
}

func (s *Server) cancelNonce(w http.ResponseWriter, r *http.Request) {
	maker, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req api.CancelNonceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "cancel_nonce", err)
		return
	}
	nonce, err := parseAmount("nonce", req.Nonce, true)
	if err != nil {
		s.writeError(w, r, "cancel_nonce", err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.deps.Intake.Cancel(ctx, maker, nonce); err != nil {
		s.writeError(w, r, "cancel_nonce", err)
		return
	}
	writeJSON(w, http.StatusOK, api.NonceStatus{Maker: maker.String(), Nonce: nonce.String(), Used: true})
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	payer, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, "repay", err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	principal, interest, err := s.deps.Ledger.Repay(ctx, id, payer)
	if err != nil {
		s.writeError(w, r, "repay", err)
		return
	}
	writeJSON(w, http.StatusOK, api.RepayResponse{PrincipalPaid: principal.String(), InterestPaid: interest.String()})
}

func (s *Server) depositCollateral(w http.ResponseWriter, r *http.Request) {
	borrower, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, "deposit_collateral", err)
		return
	}
	var req api.DepositRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "deposit_collateral", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		s.writeError(w, r, "deposit_collateral", err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	total, err := s.deps.Ledger.DepositCollateral(ctx, id, borrower, amount)
	if err != nil {
		s.writeError(w, r, "deposit_collateral", err)
		return
	}
	writeJSON(w, http.StatusOK, api.DepositResponse{Collateral: total.String()})
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, "liquidate", err)
		return
	}
	req := api.LiquidateRequest{SlippageBps: s.deps.Ledger.Config().DefaultSlippageBps}
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeError(w, r, "liquidate", err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	outcome, err := s.deps.Liquidator.Liquidate(ctx, id, caller, req.SlippageBps)
	if err != nil {
		s.writeError(w, r, "liquidate", err)
		return
	}
	writeJSON(w, http.StatusOK, api.LiquidateResponse{
		LoanID:       outcome.LoanID.String(),
		Path:         outcome.Path.String(),
		Debt:         outcome.Debt.String(),
		Proceeds:     outcome.Proceeds.String(),
		MinAmountOut: outcome.MinAmountOut.String(),
		ToLender:     outcome.Distribution.Lender.String(),
		ToTreasury:   outcome.Distribution.Treasury.String(),
		ToBorrower:   outcome.Distribution.Borrower.String(),
		Shortfall:    outcome.Distribution.Shortfall.String(),
	})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	submitter, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req api.SubmitBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "submit_batch", err)
		return
	}
	batch, proof, err := req.Decode()
	if err != nil {
		s.writeError(w, r, "submit_batch", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	ids, err := s.deps.Settler.SubmitBatch(ctx, batch, submitter, proof)
	if err != nil {
		s.writeError(w, r, "submit_batch", err)
		return
	}
	writeJSON(w, http.StatusCreated, loanIDs(ids))
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		s.writeError(w, r, "get_price", errNotConfigured)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	price, err := s.deps.Feed.LatestPrice(ctx)
	if err != nil {
		s.writeError(w, r, "get_price", err)
		return
	}
	writeJSON(w, http.StatusOK, api.Price{
		Pair:      s.deps.Feed.Pair(),
		Value:     price.Value.String(),
		UpdatedAt: price.UpdatedAt.Unix(),
		Source:    price.Source,
	})
}

func (s *Server) submitReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		s.writeError(w, r, "submit_report", errNotConfigured)
		return
	}
	var req api.PriceReport
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "submit_report", err)
		return
	}
	value, err := parseAmount("value", req.Value, false)
	if err != nil {
		s.writeError(w, r, "submit_report", err)
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(req.Signature), "0x"))
	if err != nil {
		s.writeError(w, r, "submit_report", fmt.Errorf("%w: signature: %v", errBadRequest, err))
		return
	}
	report := oracle.Report{Pair: req.Pair, Value: value, Timestamp: time.Unix(req.Timestamp, 0), Signature: sig}
	signer, err := s.deps.Feed.Submit(report)
	if err != nil {
		s.writeError(w, r, "submit_report", err)
		return
	}
	writeJSON(w, http.StatusAccepted, api.Price{
		Pair:      s.deps.Feed.Pair(),
		Value:     value.String(),
		UpdatedAt: req.Timestamp,
		Source:    signer.String(),
	})
}

func (s *Server) reserves(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool == nil {
		s.writeError(w, r, "reserves", errNotConfigured)
		return
	}
	snapshot, err := s.deps.Pool.Snapshot()
	if err != nil {
		s.writeError(w, r, "reserves", err)
		return
	}
	out := api.Reserves{Account: s.deps.Pool.Account().String(), Reserves: make(map[string]string, len(snapshot))}
	for asset, amount := range snapshot {
		out.Reserves[asset] = amount.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool == nil {
		s.writeError(w, r, "quote", errNotConfigured)
		return
	}
	q := r.URL.Query()
	amountIn, err := parseAmount("amountIn", q.Get("amountIn"), false)
	if err != nil {
		s.writeError(w, r, "quote", err)
		return
	}
	out, err := s.deps.Pool.Quote(q.Get("assetIn"), amountIn)
	if err != nil {
		s.writeError(w, r, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, api.SwapResponse{AmountOut: out.String()})
}

func (s *Server) swap(w http.ResponseWriter, r *http.Request) {
	trader, ok := s.caller(w, r)
	if !ok {
		return
	}
	if s.deps.Pool == nil {
		s.writeError(w, r, "swap", errNotConfigured)
		return
	}
	var req api.SwapRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "swap", err)
		return
	}
	amountIn, err := parseAmount("amountIn", req.AmountIn, false)
	if err != nil {
		s.writeError(w, r, "swap", err)
		return
	}
	minOut, err := parseAmount("minAmountOut", req.MinAmountOut, true)
	if err != nil {
		s.writeError(w, r, "swap", err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	out, err := s.deps.Pool.Swap(ctx, trader, req.AssetIn, amountIn, minOut)
	if err != nil {
		s.writeError(w, r, "swap", err)
		return
	}
	writeJSON(w, http.StatusOK, api.SwapResponse{AmountOut: out.String()})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.writeError(w, r, "list_events", errNotConfigured)
		return
	}
	cursor, limit, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, "list_events", err)
		return
	}
	records, err := s.deps.Journal.Since(cursor, limit)
	if err != nil {
		s.writeError(w, r, "list_events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"head": s.deps.Journal.Head(), "records": records})
}

func pageParams(r *http.Request) (uint64, int, error) {
	q := r.URL.Query()
	var (
		cursor uint64
		limit  = 100
		err    error
	)
	if raw := q.Get("cursor"); raw != "" {
		if cursor, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("%w: cursor", errBadRequest)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 || limit > 1000 {
			return 0, 0, fmt.Errorf("%w: limit must be within 1..1000", errBadRequest)
		}
	}
	return cursor, limit, nil
}
