package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"cowlend/crypto"
	"cowlend/gateway/middleware"
	"cowlend/services/lending/api"
)

func TestClientSendsIdentityAndDecodes(t *testing.T) {
	caller := crypto.MustParseAddress("0x00000000000000000000000000000000000000a1")
	var gotCaller, gotBody string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/loans/abc/liquidate", func(w http.ResponseWriter, r *http.Request) {
		gotCaller = r.Header.Get(middleware.DevCallerHeader)
		var req api.LiquidateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.SlippageBps != 250 {
			gotBody = "wrong slippage"
		}
		_ = json.NewEncoder(w).Encode(api.LiquidateResponse{LoanID: "abc", Path: "default"})
	})
	mux.HandleFunc("/v1/loans/active", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.LoanIDs{LoanIDs: []string{"a", "b"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", Caller: caller})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	out, err := c.Liquidate(context.Background(), "abc", 250)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if out.Path != "default" || gotBody != "" {
		t.Fatalf("unexpected exchange: %+v %q", out, gotBody)
	}
	if gotCaller != caller.String() {
		t.Fatalf("caller header %q", gotCaller)
	}
	ids, err := c.ActiveLoans(context.Background())
	if err != nil || len(ids) != 2 {
		t.Fatalf("active loans: %v %v", ids, err)
	}
}

func TestClientPrefersBearerToken(t *testing.T) {
	var auth, dev string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		dev = r.Header.Get(middleware.DevCallerHeader)
		_ = json.NewEncoder(w).Encode(api.Price{Value: "1"})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, BearerToken: "tok", Caller: crypto.MustParseAddress("0x00000000000000000000000000000000000000a1")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Price(context.Background()); err != nil {
		t.Fatalf("price: %v", err)
	}
	if auth != "Bearer tok" || dev != "" {
		t.Fatalf("unexpected headers %q %q", auth, dev)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.Error{Error: "lending: loan not liquidatable", Kind: "precondition"})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.Health(context.Background(), "x")
	if StatusOf(err) != http.StatusConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Kind != "precondition" {
		t.Fatalf("expected typed error, got %v", err)
	}

	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing base url error")
	}
}

