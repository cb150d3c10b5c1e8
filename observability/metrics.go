package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	inferenceMetricsOnce sync.Once
	inferenceRegistry    *InferenceMetrics

	sweepMetricsOnce sync.Once
	sweepRegistry    *SweepMetrics
)

// InferenceMetrics wraps collectors tracking submissions, payment checks and
// provider calls.
type InferenceMetrics struct {
	submissions     *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	providerRetries *prometheus.CounterVec
	settleLatency   prometheus.Histogram
}

// Inference exposes the lazily initialised inference registry.
func Inference() *InferenceMetrics {
	inferenceMetricsOnce.Do(func() {
		inferenceRegistry = &InferenceMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "inferpay",
				Subsystem: "inference",
				Name:      "submissions_total",
				Help:      "Inference submissions segmented by provider and outcome.",
			}, []string{"provider", "outcome"}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "inferpay",
				Subsystem: "payment",
				Name:      "verifications_total",
				Help:      "Payment verification results segmented by outcome.",
			}, []string{"outcome"}),
			providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "inferpay",
				Subsystem: "inference",
				Name:      "provider_call_seconds",
				Help:      "Latency of external provider calls including retries.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			}, []string{"kind", "outcome"}),
			providerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "inferpay",
				Subsystem: "inference",
				Name:      "provider_retries_total",
				Help:      "Retried provider attempts segmented by adapter kind.",
			}, []string{"kind"}),
			settleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "inferpay",
				Subsystem: "inference",
				Name:      "end_to_end_seconds",
				Help:      "Time from payment verification to escrow resolution.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			inferenceRegistry.submissions,
			inferenceRegistry.verifications,
			inferenceRegistry.providerLatency,
			inferenceRegistry.providerRetries,
			inferenceRegistry.settleLatency,
		)
	})
	return inferenceRegistry
}

// RecordSubmission counts a submission outcome.
func (m *InferenceMetrics) RecordSubmission(provider, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(provider), label(outcome)).Inc()
}

// RecordVerification counts a payment verification result.
func (m *InferenceMetrics) RecordVerification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(label(outcome)).Inc()
}

// ObserveProviderCall records the latency of a provider call.
func (m *InferenceMetrics) ObserveProviderCall(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(label(kind), label(outcome)).Observe(d.Seconds())
}

// RecordRetry counts a retried provider attempt.
func (m *InferenceMetrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.providerRetries.WithLabelValues(label(kind)).Inc()
}

// ObserveEndToEnd records the full submission latency.
func (m *InferenceMetrics) ObserveEndToEnd(d time.Duration) {
	if m == nil {
		return
	}
	m.settleLatency.Observe(d.Seconds())
}

// SweepMetrics tracks reconciliation sweep health.
type SweepMetrics struct {
	runs     *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	pending  prometheus.Gauge
	lastRun  prometheus.Gauge
}

// Sweep exposes the lazily initialised sweep registry.
func Sweep() *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepRegistry = &SweepMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "inferpay",
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Sweep executions segmented by trigger.",
			}, []string{"trigger"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "inferpay",
				Subsystem: "sweep",
				Name:      "escrows_total",
				Help:      "Escrows examined by the sweep segmented by outcome.",
			}, []string{"outcome"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "inferpay",
				Subsystem: "sweep",
				Name:      "held_escrows",
				Help:      "Held escrows observed at the start of the last sweep.",
			}),
			lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "inferpay",
				Subsystem: "sweep",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix timestamp of the last completed sweep.",
			}),
		}
		prometheus.MustRegister(
			sweepRegistry.runs,
			sweepRegistry.outcomes,
			sweepRegistry.pending,
			sweepRegistry.lastRun,
		)
	})
	return sweepRegistry
}

// RecordRun captures a completed sweep.
func (m *SweepMetrics) RecordRun(trigger string, held int, released, refunded, flagged, errs, retried int, at time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(label(trigger)).Inc()
	m.pending.Set(float64(held))
	m.outcomes.WithLabelValues("released").Add(float64(released))
	m.outcomes.WithLabelValues("refunded").Add(float64(refunded))
	m.outcomes.WithLabelValues("flagged").Add(float64(flagged))
	m.outcomes.WithLabelValues("error").Add(float64(errs))
	m.outcomes.WithLabelValues("payout_retried").Add(float64(retried))
	m.lastRun.Set(float64(at.Unix()))
}

func label(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
