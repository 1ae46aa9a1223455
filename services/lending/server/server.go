package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cowlend/core/events"
	"cowlend/gateway/middleware"
	"cowlend/native/amm"
	"cowlend/native/bank"
	nativecommon "cowlend/native/common"
	"cowlend/native/lending"
	"cowlend/native/operators"
	"cowlend/native/oracle"
	"cowlend/native/orders"
	"cowlend/native/settlement"
)

// Token scopes required by the write routes. Reads only need a valid token.
const (
	ScopeLend     = "lend"
	ScopeOperator = "operator"
	ScopeOracle   = "oracle"
	ScopeAdmin    = "admin"
)

const (
	requestLimit   = 1 << 20 // 1 MiB
	defaultTimeout = 10 * time.Second
)

// Rate limit keys, one per route group.
const (
	LimitRead     = "read"
	LimitWrite    = "write"
	LimitOperator = "operator"
	LimitAdmin    = "admin"
)

// Deps are the protocol components served by the API. Feed, Pool, Operators,
// Pauses and Journal are optional; their routes answer 503 when missing.
type Deps struct {
	Ledger     *lending.Ledger
	Liquidator *lending.Liquidator
	Intake     *orders.Intake
	Settler    *settlement.Settler
	Bank       *bank.Ledger
	Feed       *oracle.Feed
	Pool       *amm.Pool
	Operators  *operators.Set
	Pauses     *nativecommon.Pauses
	Journal    *events.Journal
}

// Options configure the transport around the handlers.
type Options struct {
	Auth          *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Idempotency   *middleware.Idempotency
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Metrics       http.Handler
	Timeout       time.Duration
	StreamBuffer  int
	Logger        *slog.Logger
}

// Server exposes the lending protocol over HTTP.
type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New validates deps and applies option defaults.
func New(deps Deps, opts Options) (*Server, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("server: ledger required")
	case deps.Liquidator == nil:
		return nil, errors.New("server: liquidator required")
	case deps.Intake == nil:
		return nil, errors.New("server: order intake required")
	case deps.Settler == nil:
		return nil, errors.New("server: settler required")
	case deps.Bank == nil:
		return nil, errors.New("server: bank required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Auth == nil {
		opts.Auth = middleware.NewAuthenticator(middleware.AuthConfig{}, opts.Logger)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Server{deps: deps, opts: opts, logger: opts.Logger}, nil
}

// Handler builds the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.opts.CORS))
	if s.opts.Observability != nil {
		r.Use(s.opts.Observability.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	r.Route("/v1", func(v chi.Router) {
		v.Group(func(g chi.Router) {
			s.guard(g, LimitRead)
			g.Get("/loans", s.listLoans)
			g.Get("/loans/active", s.activeLoans)
			g.Get("/loans/{id}", s.getLoan)
			g.Get("/loans/{id}/debt", s.getDebt)
			g.Get("/loans/{id}/health", s.getHealth)
			g.Get("/orders/nonces/{maker}/{nonce}", s.nonceStatus)
			g.Get("/accounts/{address}/balances", s.balances)
			g.Get("/oracle/price", s.getPrice)
			g.Get("/pool/reserves", s.reserves)
			g.Get("/pool/quote", s.quote)
			g.Get("/events", s.listEvents)
			g.Get("/events/ws", s.streamEvents)
		})
		v.Group(func(g chi.Router) {
			s.guard(g, LimitWrite, ScopeLend)
			g.Post("/orders/accept", s.acceptOrder)
			g.Post("/orders/cancel", s.cancelNonce)
			g.Post("/loans/{id}/repay", s.repay)
			g.Post("/loans/{id}/collateral", s.depositCollateral)
			g.Post("/loans/{id}/liquidate", s.liquidate)
			g.Post("/pool/swap", s.swap)
		})
		v.Group(func(g chi.Router) {
			s.guard(g, LimitOperator, ScopeOperator)
			g.Post("/batches", s.submitBatch)
		})
		v.Group(func(g chi.Router) {
			s.guard(g, LimitOperator, ScopeOracle)
			g.Post("/oracle/reports", s.submitReport)
		})
		v.Group(func(g chi.Router) {
			s.guard(g, LimitAdmin, ScopeAdmin)
			g.Get("/admin/pauses", s.listPauses)
			g.Post("/admin/pauses", s.setPause)
			g.Post("/admin/mint", s.mint)
			g.Get("/admin/operators", s.listOperators)
			g.Post("/admin/operators", s.setOperator)
			g.Post("/admin/oracle/price", s.setPrice)
		})
	})
	return otelhttp.NewHandler(r, "lendingd")
}

// guard installs authentication, then rate limiting keyed by the caller, then
// idempotency for mutating routes.
func (s *Server) guard(g chi.Router, limitKey string, scopes ...string) {
	g.Use(s.opts.Auth.Middleware(scopes...))
	if s.opts.RateLimiter != nil {
		g.Use(s.opts.RateLimiter.Middleware(limitKey))
	}
	if s.opts.Idempotency != nil && limitKey != LimitRead {
		g.Use(s.opts.Idempotency.Middleware)
	}
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.opts.Timeout)
}
