// Package metrics holds the Prometheus collectors for the admission path.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the admission collectors. A nil *Metrics is valid and
// records nothing, so components can run without instrumentation in tests.
type Metrics struct {
	quotaDecisions   *prometheus.CounterVec
	quotaStoreErrors prometheus.Counter
	rateLimitChecks  *prometheus.CounterVec
	rateLimitErrors  prometheus.Counter
	ledgerRecords    *prometheus.CounterVec
	tokenCapHits     *prometheus.CounterVec
	tokenEstimates   prometheus.Histogram
	admitDuration    prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		quotaDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xmlprompt_quota_decisions_total",
				Help: "Quota evaluations by tier, action and result",
			},
			[]string{"tier", "action", "result"},
		),
		quotaStoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xmlprompt_quota_store_errors_total",
			Help: "Ledger query failures during quota evaluation (evaluated as zero usage)",
		}),
		rateLimitChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xmlprompt_rate_limit_checks_total",
				Help: "Fixed-window rate limit checks by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),
		rateLimitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xmlprompt_rate_limit_store_errors_total",
			Help: "Rate limit store failures (requests rejected)",
		}),
		ledgerRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xmlprompt_ledger_records_total",
				Help: "Usage records by outcome (written, dropped, failed)",
			},
			[]string{"outcome"},
		),
		tokenCapHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xmlprompt_token_cap_exceeded_total",
				Help: "Completed calls whose token usage exceeded the per-call cap",
			},
			[]string{"tier"},
		),
		tokenEstimates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xmlprompt_token_estimate",
			Help:    "Pre-flight token estimates",
			Buckets: prometheus.ExponentialBuckets(16, 2, 12),
		}),
		admitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xmlprompt_admission_duration_seconds",
			Help:    "Time spent deciding admission",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.quotaDecisions,
			m.quotaStoreErrors,
			m.rateLimitChecks,
			m.rateLimitErrors,
			m.ledgerRecords,
			m.tokenCapHits,
			m.tokenEstimates,
			m.admitDuration,
		)
	}
	return m
}

func (m *Metrics) QuotaDecision(tier, action string, allowed bool) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(tier, action, result(allowed)).Inc()
}

func (m *Metrics) QuotaStoreError() {
	if m == nil {
		return
	}
	m.quotaStoreErrors.Inc()
}

func (m *Metrics) RateLimitCheck(endpoint string, allowed bool) {
	if m == nil {
		return
	}
	m.rateLimitChecks.WithLabelValues(endpoint, result(allowed)).Inc()
}

func (m *Metrics) RateLimitStoreError() {
	if m == nil {
		return
	}
	m.rateLimitErrors.Inc()
}

// LedgerRecords counts usage records; outcome is "written", "dropped" or "failed".
func (m *Metrics) LedgerRecords(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ledgerRecords.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) TokenCapExceeded(tier string) {
	if m == nil {
		return
	}
	m.tokenCapHits.WithLabelValues(tier).Inc()
}

func (m *Metrics) TokenEstimate(tokens int) {
	if m == nil {
		return
	}
	m.tokenEstimates.Observe(float64(tokens))
}

func (m *Metrics) AdmitDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.admitDuration.Observe(d.Seconds())
}

func result(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
