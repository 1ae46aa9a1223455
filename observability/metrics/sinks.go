package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SinkMetrics track delivery of journal events to external consumers.
type SinkMetrics struct {
	delivered *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

var (
	sinkOnce     sync.Once
	sinkRegistry *SinkMetrics
)

func Sinks() *SinkMetrics {
	sinkOnce.Do(func() {
		sinkRegistry = &SinkMetrics{
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "event_sink_delivered_total",
				Help: "Journal events delivered by sink.",
			}, []string{"sink"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "event_sink_failures_total",
				Help: "Failed delivery attempts by sink.",
			}, []string{"sink"}),
		}
		prometheus.MustRegister(sinkRegistry.delivered, sinkRegistry.failures)
	})
	return sinkRegistry
}

func (m *SinkMetrics) IncDelivered(sink string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(labelSink(sink)).Inc()
}

func (m *SinkMetrics) IncFailure(sink string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(labelSink(sink)).Inc()
}

func labelSink(sink string) string {
	if sink == "" {
		return "unknown"
	}
	return sink
}
