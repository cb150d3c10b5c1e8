package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type escrowMetrics struct {
	transitions    *prometheus.CounterVec
	payoutFailures *prometheus.CounterVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *escrowMetrics
)

// Escrow returns the registry tracking escrow lifecycle events.
func Escrow() *escrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "inferpay",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Escrow lifecycle events segmented by action.",
			}, []string{"action"}),
			payoutFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "inferpay",
				Subsystem: "escrow",
				Name:      "payout_failures_total",
				Help:      "Failed outbound transfers segmented by action.",
			}, []string{"action"}),
		}
		prometheus.MustRegister(escrowRegistry.transitions, escrowRegistry.payoutFailures)
	})
	return escrowRegistry
}

// RecordTransition increments the counter for a hold, release or refund.
func (m *escrowMetrics) RecordTransition(action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(action)).Inc()
}

// RecordPayoutFailure increments the failed payout counter.
func (m *escrowMetrics) RecordPayoutFailure(action string) {
	if m == nil {
		return
	}
	m.payoutFailures.WithLabelValues(label(action)).Inc()
}
