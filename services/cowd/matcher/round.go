// Package matcher runs CoW matching rounds over the intent book and submits
// the resulting batches to lendingd.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"cowlend/crypto"
	"cowlend/native/matching"
	"cowlend/native/orders"
	"cowlend/native/settlement"
	"cowlend/observability/metrics"
	"cowlend/services/cowd/store"
	"cowlend/services/lending/client"
)

// Submitter delivers a signed batch to lendingd. *client.Client satisfies it.
type Submitter interface {
	SubmitBatch(ctx context.Context, batch settlement.Batch, proof []byte) ([]string, error)
}

// Config tunes the round runner.
type Config struct {
	Interval time.Duration
	MaxPairs int
}

// Result summarises one round.
type Result struct {
	Matched  int      `json:"matched"`
	Settled  int      `json:"settled"`
	Rejected int      `json:"rejected"`
	Expired  int      `json:"expired"`
	Carried  int      `json:"carried"`
	LoanIDs  []string `json:"loanIds"`
}

// Runner owns the operator key and serialises rounds.
type Runner struct {
	store     *store.Store
	submitter Submitter
	key       *crypto.PrivateKey
	domain    orders.Domain
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	mu sync.Mutex
}

// NewRunner constructs a round runner signing batches with key.
func NewRunner(st *store.Store, submitter Submitter, key *crypto.PrivateKey, domain orders.Domain, cfg Config) (*Runner, error) {
	if st == nil || submitter == nil {
		return nil, errors.New("matcher: store and submitter required")
	}
	if key == nil {
		return nil, errors.New("matcher: operator key required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MaxPairs <= 0 {
		cfg.MaxPairs = 64
	}
	return &Runner{
		store:     st,
		submitter: submitter,
		key:       key,
		domain:    domain,
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default(),
	}, nil
}

func (r *Runner) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

func (r *Runner) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Operator is the address batches are submitted under.
func (r *Runner) Operator() crypto.Address { return r.key.Address() }

// Start runs a round every interval until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Warn("matching round failed", slog.Any("error", err))
				continue
			}
			if res.Matched > 0 || res.Expired > 0 {
				r.logger.Info("matching round complete",
					slog.Int("matched", res.Matched),
					slog.Int("settled", res.Settled),
					slog.Int("rejected", res.Rejected),
					slog.Int("expired", res.Expired),
					slog.Int("carried", res.Carried))
			}
		}
	}
}

// RunOnce matches the open book and settles what it can. Unmatched intents
// stay open for the next round.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lends, borrows, err := r.store.Book(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("matcher: load book: %w", err)
	}
	matched := matching.Match(lends, borrows, uint64(r.now().Unix()))
	res := Result{Expired: len(matched.Expired)}
	if err := r.store.Expire(ctx, matched.Expired); err != nil {
		return res, fmt.Errorf("matcher: expire: %w", err)
	}

	pairs := matched.Pairs
	if len(pairs) > r.cfg.MaxPairs {
		pairs = pairs[:r.cfg.MaxPairs]
	}
	res.Matched = len(pairs)
	res.Carried = len(matched.UnmatchedLends) + len(matched.UnmatchedBorrows) + 2*(len(matched.Pairs)-len(pairs))
	defer func() { metrics.Lending().ObserveMatchRound(2*res.Settled, res.Carried) }()
	if len(pairs) == 0 {
		return res, nil
	}

	loanIDs, err := r.settle(ctx, pairs)
	if err == nil {
		res.Settled = len(pairs)
		res.LoanIDs = loanIDs
		return res, nil
	}
	if !rejected(err) || len(pairs) == 1 {
		if rejected(err) {
			res.Rejected = 1
			return res, r.reject(ctx, pairs, err)
		}
		return res, err
	}

	// The batch is all-or-nothing, so one bad pair sinks the rest. Retry
	// each pair alone to isolate it.
	r.logger.Warn("batch rejected, settling pairs individually", slog.Int("pairs", len(pairs)), slog.Any("error", err))
	for _, pair := range pairs {
		single := []matching.Pair{pair}
		ids, err := r.settle(ctx, single)
		switch {
		case err == nil:
			res.Settled++
			res.LoanIDs = append(res.LoanIDs, ids...)
		case rejected(err):
			res.Rejected++
			if err := r.reject(ctx, single, err); err != nil {
				return res, err
			}
		default:
			return res, err
		}
	}
	return res, nil
}

// settle records the batch, submits it and records the outcome. The
// intents return to the book on any failure.
func (r *Runner) settle(ctx context.Context, pairs []matching.Pair) ([]string, error) {
	batch := settlement.FromMatch(r.key.Address(), pairs)
	digest, err := batch.Digest(r.domain)
	if err != nil {
		return nil, err
	}
	proof, err := settlement.SignBatch(batch, r.domain, r.key)
	if err != nil {
		return nil, err
	}
	rec, err := r.store.BeginBatch(ctx, digest, pairs)
	if err != nil {
		return nil, err
	}
	loanIDs, submitErr := r.submitter.SubmitBatch(ctx, batch, proof)
	if submitErr != nil {
		if err := r.store.FailBatch(ctx, rec.ID, submitErr); err != nil {
			return nil, errors.Join(submitErr, err)
		}
		return nil, submitErr
	}
	if err := r.store.SettleBatch(ctx, rec.ID, pairs, loanIDs); err != nil {
		return nil, fmt.Errorf("matcher: record settled batch %s: %w", rec.ID, err)
	}
	return loanIDs, nil
}

func (r *Runner) reject(ctx context.Context, pairs []matching.Pair, cause error) error {
	ids := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		ids = append(ids, p.Lend.ID, p.Borrow.ID)
	}
	return r.store.Reject(ctx, ids, cause.Error())
}

// rejected reports whether lendingd refused the batch on its merits rather
// than being unreachable or failing internally.
func rejected(err error) bool {
	status := client.StatusOf(err)
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError &&
		status != http.StatusTooManyRequests && status != http.StatusUnauthorized
}
