package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type KeeperMetrics struct {
	sweeps       prometheus.Counter
	sweepLatency prometheus.Histogram
	loansScanned prometheus.Gauge
	attempts     *prometheus.CounterVec
	lastSweep    prometheus.Gauge
}

var (
	keeperOnce     sync.Once
	keeperRegistry *KeeperMetrics
)

func Keeper() *KeeperMetrics {
	keeperOnce.Do(func() {
		keeperRegistry = &KeeperMetrics{
			sweeps: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "keeper_sweeps_total",
				Help: "Completed passes over the active loan set.",
			}),
			sweepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "keeper_sweep_seconds",
				Help:    "Wall time of one pass over the active loan set.",
				Buckets: prometheus.DefBuckets,
			}),
			loansScanned: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "keeper_loans_scanned",
				Help: "Active loans inspected in the last pass.",
			}),
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "keeper_liquidations_total",
				Help: "Liquidation attempts by path and result.",
			}, []string{"path", "result"}),
			lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "keeper_last_sweep_timestamp_seconds",
				Help: "Unix time the last pass finished.",
			}),
		}
		prometheus.MustRegister(
			keeperRegistry.sweeps,
			keeperRegistry.sweepLatency,
			keeperRegistry.loansScanned,
			keeperRegistry.attempts,
			keeperRegistry.lastSweep,
		)
	})
	return keeperRegistry
}

func (m *KeeperMetrics) ObserveSweep(scanned int, d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepLatency.Observe(d.Seconds())
	m.loansScanned.Set(float64(scanned))
	m.lastSweep.Set(float64(at.Unix()))
}

func (m *KeeperMetrics) ObserveAttempt(path, result string) {
	if m == nil {
		return
	}
	if path == "" {
		path = "unknown"
	}
	m.attempts.WithLabelValues(path, result).Inc()
}
