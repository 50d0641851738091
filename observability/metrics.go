package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks engine calls, lifecycle transitions and ownership
// queries.
type EscrowMetrics struct {
	calls       *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	events      *prometheus.CounterVec
	queries     *prometheus.CounterVec
	dispatches  *prometheus.CounterVec
	throttles   *prometheus.CounterVec
	pendingSize prometheus.Gauge
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftescrow",
				Subsystem: "engine",
				Name:      "calls_total",
				Help:      "Total engine calls segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nftescrow",
				Subsystem: "engine",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for engine calls including commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftescrow",
				Subsystem: "engine",
				Name:      "events_total",
				Help:      "Committed engine events segmented by type.",
			}, []string{"type"}),
			queries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftescrow",
				Subsystem: "queries",
				Name:      "answers_total",
				Help:      "Resolved ownership queries segmented by purpose and answer.",
			}, []string{"purpose", "answer"}),
			dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftescrow",
				Subsystem: "queries",
				Name:      "dispatches_total",
				Help:      "Outbound ownership queries segmented by transport outcome.",
			}, []string{"outcome"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftescrow",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of RPC requests rejected due to throttling policies.",
			}, []string{"reason"}),
			pendingSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftescrow",
				Subsystem: "queries",
				Name:      "pending",
				Help:      "Ownership queries waiting for dispatch.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.calls,
			escrowRegistry.latency,
			escrowRegistry.events,
			escrowRegistry.queries,
			escrowRegistry.dispatches,
			escrowRegistry.throttles,
			escrowRegistry.pendingSize,
		)
	})
	return escrowRegistry
}

func label(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

// ObserveCall records the outcome of one engine call. outcome should be a
// stable string such as "ok", "rejected" or "error".
func (m *EscrowMetrics) ObserveCall(method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	method = label(method, "unknown")
	m.calls.WithLabelValues(method, label(outcome, "unknown")).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordEvent counts a committed engine event.
func (m *EscrowMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(eventType, "unknown")).Inc()
}

// RecordAnswer counts a resolved ownership query.
func (m *EscrowMetrics) RecordAnswer(purpose, answer string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(label(purpose, "unknown"), label(answer, "none")).Inc()
}

// RecordDispatch counts an outbound query by transport outcome.
func (m *EscrowMetrics) RecordDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(label(outcome, "unknown")).Inc()
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards remain consistent.
func (m *EscrowMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(label(reason, "unspecified")).Inc()
}

// SetPending reports the dispatcher backlog.
func (m *EscrowMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingSize.Set(float64(n))
}
