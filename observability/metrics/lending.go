package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LendingMetrics struct {
	loansCreated    *prometheus.CounterVec
	loansRepaid     prometheus.Counter
	loansLiquidated *prometheus.CounterVec
	shortfalls      prometheus.Counter
	batches         *prometheus.CounterVec
	batchLoans      prometheus.Histogram
	ordersRejected  *prometheus.CounterVec
	stalePrices     prometheus.Counter
	intentsMatched  prometheus.Counter
	intentsCarried  prometheus.Gauge
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			loansCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_loans_created_total",
				Help: "Count of originated loans by intake path.",
			}, []string{"origin"}),
			loansRepaid: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_loans_repaid_total",
				Help: "Count of loans closed by repayment.",
			}),
			loansLiquidated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_loans_liquidated_total",
				Help: "Count of liquidations by trigger path.",
			}, []string{"path"}),
			shortfalls: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_liquidation_shortfalls_total",
				Help: "Liquidations whose proceeds did not cover the debt.",
			}),
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_batches_total",
				Help: "Settlement batches by result.",
			}, []string{"result"}),
			batchLoans: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "lending_batch_loans",
				Help:    "Number of loans per settled batch.",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			}),
			ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_orders_rejected_total",
				Help: "Signed orders rejected at intake by reason.",
			}, []string{"reason"}),
			stalePrices: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_stale_price_total",
				Help: "Operations refused because the oracle price was stale.",
			}),
			intentsMatched: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "cow_intents_matched_total",
				Help: "Intents paired by the matcher.",
			}),
			intentsCarried: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "cow_intents_carried",
				Help: "Unmatched intents carried to the next round.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.loansCreated,
			lendingRegistry.loansRepaid,
			lendingRegistry.loansLiquidated,
			lendingRegistry.shortfalls,
			lendingRegistry.batches,
			lendingRegistry.batchLoans,
			lendingRegistry.ordersRejected,
			lendingRegistry.stalePrices,
			lendingRegistry.intentsMatched,
			lendingRegistry.intentsCarried,
		)
	})
	return lendingRegistry
}

func (m *LendingMetrics) ObserveLoanCreated(origin string) {
	if m == nil {
		return
	}
	if origin == "" {
		origin = "unknown"
	}
	m.loansCreated.WithLabelValues(origin).Inc()
}

func (m *LendingMetrics) ObserveLoanRepaid() {
	if m == nil {
		return
	}
	m.loansRepaid.Inc()
}

func (m *LendingMetrics) ObserveLiquidation(path string, shortfall bool) {
	if m == nil {
		return
	}
	if path == "" {
		path = "unknown"
	}
	m.loansLiquidated.WithLabelValues(path).Inc()
	if shortfall {
		m.shortfalls.Inc()
	}
}

func (m *LendingMetrics) ObserveBatch(result string, loans int) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.batches.WithLabelValues(result).Inc()
	if loans > 0 {
		m.batchLoans.Observe(float64(loans))
	}
}

func (m *LendingMetrics) ObserveOrderRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

func (m *LendingMetrics) ObserveStalePrice() {
	if m == nil {
		return
	}
	m.stalePrices.Inc()
}

func (m *LendingMetrics) ObserveMatchRound(matched, carried int) {
	if m == nil {
		return
	}
	m.intentsMatched.Add(float64(matched))
	m.intentsCarried.Set(float64(carried))
}
