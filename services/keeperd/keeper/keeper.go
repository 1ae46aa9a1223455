// Package keeper polls lendingd for loans that may be liquidated and closes
// them. Liquidation is permissionless, so several keepers can run side by
// side; lendingd rejects whichever attempt loses the race.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"cowlend/observability/metrics"
	"cowlend/services/lending/api"
	"cowlend/services/lending/client"
)

// ErrUnavailable is returned by Sweep when lendingd refused at least one
// liquidation because a dependency was down: a stale oracle price, no pool
// liquidity or a failed swap.
var ErrUnavailable = errors.New("keeper: liquidation dependency unavailable")

// API is the subset of the lendingd client the keeper needs.
type API interface {
	ActiveLoans(ctx context.Context) ([]string, error)
	Health(ctx context.Context, id string) (api.Health, error)
	Liquidate(ctx context.Context, id string, slippageBps uint64) (api.LiquidateResponse, error)
}

// Report summarises one sweep.
type Report struct {
	Scanned      int
	Eligible     int
	Liquidated   []api.LiquidateResponse
	Skipped      int
	Failed       int
	Unavailable  bool
	FinishedAt   time.Time
	SweepLatency time.Duration
}

type Keeper struct {
	api         API
	interval    time.Duration
	slippageBps uint64
	workers     int
	timeout     time.Duration
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.KeeperMetrics
}

type Option func(*Keeper)

func WithInterval(d time.Duration) Option {
	return func(k *Keeper) {
		if d > 0 {
			k.interval = d
		}
	}
}

// WithSlippage caps the swap slippage requested on each liquidation. Zero
// leaves the lendingd default in place.
func WithSlippage(bps uint64) Option {
	return func(k *Keeper) { k.slippageBps = bps }
}

func WithWorkers(n int) Option {
	return func(k *Keeper) {
		if n > 0 {
			k.workers = n
		}
	}
}

// WithRequestTimeout bounds each lendingd call.
func WithRequestTimeout(d time.Duration) Option {
	return func(k *Keeper) {
		if d > 0 {
			k.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(k *Keeper) {
		if now != nil {
			k.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(k *Keeper) {
		if logger != nil {
			k.logger = logger
		}
	}
}

func New(client API, opts ...Option) (*Keeper, error) {
	if client == nil {
		return nil, errors.New("keeper: lendingd client required")
	}
	k := &Keeper{
		api:      client,
		interval: 30 * time.Second,
		workers:  4,
		timeout:  15 * time.Second,
		now:      time.Now,
		logger:   slog.Default(),
		metrics:  metrics.Keeper(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		report, err := k.Sweep(ctx)
		switch {
		case errors.Is(err, ErrUnavailable):
			k.logger.Warn("liquidations deferred", slog.Any("error", err))
		case err != nil && ctx.Err() == nil:
			k.logger.Warn("sweep failed", slog.Any("error", err))
		case len(report.Liquidated) > 0 || report.Failed > 0:
			k.logger.Info("sweep complete",
				slog.Int("scanned", report.Scanned),
				slog.Int("eligible", report.Eligible),
				slog.Int("liquidated", len(report.Liquidated)),
				slog.Int("failed", report.Failed))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep inspects every active loan once and liquidates the eligible ones.
func (k *Keeper) Sweep(ctx context.Context) (Report, error) {
	start := k.now()
	listCtx, cancel := context.WithTimeout(ctx, k.timeout)
	ids, err := k.api.ActiveLoans(listCtx)
	cancel()
	if err != nil {
		return Report{}, err
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report = Report{Scanned: len(ids)}
		jobs   = make(chan string)
	)
	for i := 0; i < k.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				eligible, res, outcome := k.inspect(ctx, id)
				mu.Lock()
				if eligible {
					report.Eligible++
				}
				switch outcome {
				case outcomeLiquidated:
					report.Liquidated = append(report.Liquidated, res)
				case outcomeSkipped:
					report.Skipped++
				case outcomeFailed:
					report.Failed++
				case outcomeUnavailable:
					report.Unavailable = true
				}
				mu.Unlock()
			}
		}()
	}
feed:
	for _, id := range ids {
		select {
		case jobs <- id:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	report.FinishedAt = k.now()
	report.SweepLatency = report.FinishedAt.Sub(start)
	k.metrics.ObserveSweep(report.Scanned, report.SweepLatency, report.FinishedAt)
	if report.Unavailable {
		return report, ErrUnavailable
	}
	return report, ctx.Err()
}

type outcome int

const (
	outcomeHealthy outcome = iota
	outcomeLiquidated
	outcomeSkipped
	outcomeFailed
	outcomeUnavailable
)

func (k *Keeper) inspect(ctx context.Context, id string) (bool, api.LiquidateResponse, outcome) {
	healthCtx, cancel := context.WithTimeout(ctx, k.timeout)
	health, err := k.api.Health(healthCtx, id)
	cancel()
	if err != nil {
		return false, api.LiquidateResponse{}, k.classify(id, "", err)
	}
	if !health.Liquidatable {
		return false, api.LiquidateResponse{}, outcomeHealthy
	}

	liqCtx, cancel := context.WithTimeout(ctx, k.timeout)
	res, err := k.api.Liquidate(liqCtx, id, k.slippageBps)
	cancel()
	if err != nil {
		return true, api.LiquidateResponse{}, k.classify(id, health.Path, err)
	}
	k.metrics.ObserveAttempt(res.Path, "liquidated")
	k.logger.Info("loan liquidated",
		slog.String("loan", id),
		slog.String("path", res.Path),
		slog.String("proceeds", res.Proceeds),
		slog.String("shortfall", res.Shortfall))
	return true, res, outcomeLiquidated
}

// classify sorts lendingd failures. A conflict means the loan changed state
// between the health check and the liquidation (repaid, topped up or taken
// by another keeper).
func (k *Keeper) classify(id, path string, err error) outcome {
	switch client.StatusOf(err) {
	case http.StatusConflict, http.StatusNotFound:
		k.metrics.ObserveAttempt(path, "skipped")
		k.logger.Debug("loan skipped", slog.String("loan", id), slog.Any("error", err))
		return outcomeSkipped
	case http.StatusServiceUnavailable:
		k.metrics.ObserveAttempt(path, "unavailable")
		return outcomeUnavailable
	default:
		k.metrics.ObserveAttempt(path, "failed")
		k.logger.Warn("liquidation failed", slog.String("loan", id), slog.Any("error", err))
		return outcomeFailed
	}
}
