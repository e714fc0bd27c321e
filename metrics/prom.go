package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PromMetrics struct {
	payouts       *prometheus.CounterVec
	claims        *prometheus.CounterVec
	reconciled    *prometheus.CounterVec
	pending       prometheus.Gauge
	ledgerLatency *prometheus.HistogramVec
}

func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildearn_payouts_total",
			Help: "Number of payout attempts by outcome",
		}, []string{"outcome"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildearn_claims_total",
			Help: "Number of claims by outcome",
		}, []string{"outcome"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildearn_payouts_reconciled_total",
			Help: "Number of pending payouts resolved by the reconciler",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildearn_payouts_pending",
			Help: "Payouts awaiting ledger confirmation at the last reconcile pass",
		}),
		ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buildearn_ledger_call_seconds",
			Help:    "Latency of escrow operations against the ledger",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	reg.MustRegister(m.payouts, m.claims, m.reconciled, m.pending, m.ledgerLatency)
	return m
}

func (m *PromMetrics) PayoutSubmitted(outcome string) {
	m.payouts.WithLabelValues(outcome).Inc()
}

func (m *PromMetrics) ClaimFinished(outcome string) {
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *PromMetrics) PayoutReconciled(outcome string) {
	m.reconciled.WithLabelValues(outcome).Inc()
}

func (m *PromMetrics) PendingPayouts(n int) {
	m.pending.Set(float64(n))
}

func (m *PromMetrics) LedgerLatency(op string, d time.Duration) {
	m.ledgerLatency.WithLabelValues(op).Observe(d.Seconds())
}
