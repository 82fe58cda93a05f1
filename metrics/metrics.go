// Package metrics holds the prometheus collectors for minting and
// reconciliation. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	mintAttempts    prometheus.Counter
	mintSuccesses   *prometheus.CounterVec
	mintFailures    *prometheus.CounterVec
	reconcileRuns   *prometheus.CounterVec
	listedCerts     *prometheus.GaugeVec
	promotedRecords prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		mintAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "certmint_mint_attempts_total",
			Help: "Mint pipeline runs started, retries included",
		}),
		mintSuccesses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "certmint_mint_success_total",
			Help: "Mint pipeline runs that reached success, by identifier provenance",
		}, []string{"identifier"}),
		mintFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "certmint_mint_failures_total",
			Help: "Mint pipeline runs that ended in error, by kind and step",
		}, []string{"kind", "step"}),
		reconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "certmint_reconcile_runs_total",
			Help: "Certificate list loads, by mode",
		}, []string{"mode"}),
		listedCerts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "certmint_listed_certificates",
			Help: "Certificates in the last merged list, by provenance",
		}, []string{"provenance"}),
		promotedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "certmint_promoted_records_total",
			Help: "Unconfirmed local records promoted to a chain-backed copy",
		}),
	}
}

func (m *Metrics) MintStarted() {
	if m == nil {
		return
	}
	m.mintAttempts.Inc()
}

func (m *Metrics) MintSucceeded(placeholder bool) {
	if m == nil {
		return
	}
	label := "confirmed"
	if placeholder {
		label = "placeholder"
	}
	m.mintSuccesses.WithLabelValues(label).Inc()
}

func (m *Metrics) MintFailed(kind, step string) {
	if m == nil {
		return
	}
	m.mintFailures.WithLabelValues(kind, step).Inc()
}

// Reconciled records one list load; mode is "local", "merged" or "degraded".
func (m *Metrics) Reconciled(mode string, onChain, local int) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(mode).Inc()
	m.listedCerts.WithLabelValues("chain").Set(float64(onChain))
	m.listedCerts.WithLabelValues("local").Set(float64(local))
}

func (m *Metrics) Promoted() {
	if m == nil {
		return
	}
	m.promotedRecords.Inc()
}
