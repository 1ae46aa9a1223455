package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cowlend/crypto"
	"cowlend/gateway/middleware"
	"cowlend/native/orders"
	"cowlend/native/settlement"
	"cowlend/services/lending/api"
)

// Config controls how the Client reaches lendingd.
type Config struct {
	BaseURL         string        `yaml:"baseURL"`
	BearerToken     string        `yaml:"bearerToken"`
	TLSClientCAFile string        `yaml:"tlsClientCAFile"`
	AllowInsecure   bool          `yaml:"allowInsecure"`
	Timeout         time.Duration `yaml:"timeout"`
	// Caller is sent in the development identity header when no token is
	// configured.
	Caller crypto.Address `yaml:"-"`
}

// Client is a typed wrapper around the lendingd HTTP API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	bearer  string
	caller  crypto.Address
}

// Error is a non-2xx answer from lendingd.
type Error struct {
	Status  int
	Kind    string
	Message string
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("lendingd %d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("lendingd %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// New constructs a Client from cfg.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.AllowInsecure {
		tlsConfig.InsecureSkipVerify = true
	} else if strings.TrimSpace(cfg.TLSClientCAFile) != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		pemBytes, err := os.ReadFile(cfg.TLSClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client ca file: %w", err)
		}
		if ok := pool.AppendCertsFromPEM(pemBytes); !ok {
			return nil, fmt.Errorf("append client ca certificates: invalid pem data")
		}
		tlsConfig.RootCAs = pool
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{TLSClientConfig: tlsConfig, Proxy: http.ProxyFromEnvironment}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(transport)},
		bearer:  strings.TrimSpace(cfg.BearerToken),
		caller:  cfg.Caller,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	target := *c.baseURL
	target.Path = c.baseURL.Path + path
	if query != nil {
		target.RawQuery = query.Encode()
	}
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Client", "cowlend-client")
	switch {
	case c.bearer != "":
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	case !c.caller.IsZero():
		req.Header.Set(middleware.DevCallerHeader, c.caller.String())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		var payload api.Error
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Kind, apiErr.Message = payload.Kind, payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// AcceptOrder takes the counterparty side of signed as the configured caller.
func (c *Client) AcceptOrder(ctx context.Context, signed orders.SignedOrder) (string, error) {
	var out api.AcceptOrderResponse
	err := c.do(ctx, http.MethodPost, "/v1/orders/accept", nil, api.AcceptOrderRequest{Order: signed.ToWire()}, &out)
	return out.LoanID, err
}

// SubmitBatch posts an operator batch and returns the created loan ids.
func (c *Client) SubmitBatch(ctx context.Context, batch settlement.Batch, proof []byte) ([]string, error) {
	var out api.LoanIDs
	err := c.do(ctx, http.MethodPost, "/v1/batches", nil, settlement.NewSubmission(batch, proof), &out)
	return out.LoanIDs, err
}

// NonceUsed reports whether maker's nonce is spent or cancelled.
func (c *Client) NonceUsed(ctx context.Context, maker crypto.Address, nonce string) (bool, error) {
	var out api.NonceStatus
	err := c.do(ctx, http.MethodGet, "/v1/orders/nonces/"+maker.String()+"/"+url.PathEscape(nonce), nil, nil, &out)
	return out.Used, err
}

func (c *Client) GetLoan(ctx context.Context, id string) (api.Loan, error) {
	var out api.Loan
	err := c.do(ctx, http.MethodGet, "/v1/loans/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// LoansOf lists loans where addr is the borrower, or the lender when asLender
// is set.
func (c *Client) LoansOf(ctx context.Context, addr crypto.Address, asLender bool) ([]api.Loan, error) {
	q := url.Values{}
	if asLender {
		q.Set("lender", addr.String())
	} else {
		q.Set("borrower", addr.String())
	}
	var out api.LoanList
	err := c.do(ctx, http.MethodGet, "/v1/loans", q, nil, &out)
	return out.Loans, err
}

func (c *Client) ActiveLoans(ctx context.Context) ([]string, error) {
	var out api.LoanIDs
	err := c.do(ctx, http.MethodGet, "/v1/loans/active", nil, nil, &out)
	return out.LoanIDs, err
}

func (c *Client) Health(ctx context.Context, id string) (api.Health, error) {
	var out api.Health
	err := c.do(ctx, http.MethodGet, "/v1/loans/"+url.PathEscape(id)+"/health", nil, nil, &out)
	return out, err
}

// Liquidate closes an eligible loan. A zero slippageBps lets the server apply
// its default.
func (c *Client) Liquidate(ctx context.Context, id string, slippageBps uint64) (api.LiquidateResponse, error) {
	var body any
	if slippageBps > 0 {
		body = api.LiquidateRequest{SlippageBps: slippageBps}
	}
	var out api.LiquidateResponse
	err := c.do(ctx, http.MethodPost, "/v1/loans/"+url.PathEscape(id)+"/liquidate", nil, body, &out)
	return out, err
}

func (c *Client) Price(ctx context.Context) (api.Price, error) {
	var out api.Price
	err := c.do(ctx, http.MethodGet, "/v1/oracle/price", nil, nil, &out)
	return out, err
}
