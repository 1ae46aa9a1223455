// Package server exposes the cowd intent book over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cowlend/crypto"
	"cowlend/gateway/middleware"
	"cowlend/native/orders"
	"cowlend/services/cowd/matcher"
	"cowlend/services/cowd/store"
)

const (
	ScopeIntent   = "intent"
	ScopeOperator = "operator"
)

const (
	LimitRead     = "read"
	LimitWrite    = "write"
	LimitOperator = "operator"
)

const (
	requestLimit   = 64 << 10
	defaultTimeout = 10 * time.Second
)

// NonceChecker reports whether a maker nonce has already been consumed on
// lendingd. *client.Client satisfies it.
type NonceChecker interface {
	NonceUsed(ctx context.Context, maker crypto.Address, nonce string) (bool, error)
}

// Deps wire the book, the round runner and the signing domain. Nonces is
// optional.
type Deps struct {
	Store  *store.Store
	Runner *matcher.Runner
	Domain orders.Domain
	Nonces NonceChecker
}

// Options configure the transport around the handlers.
type Options struct {
	Auth          *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Metrics       http.Handler
	Timeout       time.Duration
	Logger        *slog.Logger
}

type Server struct {
	deps      Deps
	opts      Options
	validator *orders.Validator
	now       func() time.Time
	logger    *slog.Logger
}

func New(deps Deps, opts Options) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: store required")
	}
	if deps.Runner == nil {
		return nil, errors.New("server: round runner required")
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
	return &Server{
		deps:      deps,
		opts:      opts,
		validator: orders.NewValidator(deps.Domain),
		now:       time.Now,
		logger:    opts.Logger,
	}, nil
}

// SetClock overrides the clock used for expiry checks.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

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
			g.Get("/intents", s.listIntents)
			g.Get("/intents/{id}", s.getIntent)
			g.Get("/batches", s.listBatches)
		})
		v.Group(func(g chi.Router) {
			s.guard(g, LimitWrite, ScopeIntent)
			g.Post("/intents", s.submitIntent)
			g.Post("/intents/{id}/cancel", s.cancelIntent)
		})
		v.Group(func(g chi.Router) {
			s.guard(g, LimitOperator, ScopeOperator)
			g.Post("/rounds", s.runRound)
		})
	})
	return otelhttp.NewHandler(r, "cowd")
}

func (s *Server) guard(g chi.Router, limitKey string, scopes ...string) {
	g.Use(s.opts.Auth.Middleware(scopes...))
	if s.opts.RateLimiter != nil {
		g.Use(s.opts.RateLimiter.Middleware(limitKey))
	}
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.opts.Timeout)
}
