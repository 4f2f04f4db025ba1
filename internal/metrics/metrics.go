// Package metrics provides Prometheus instrumentation for the wallet engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WalletOpsTotal counts wallet operations by op and outcome.
	WalletOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_ops_total",
		Help: "Wallet operations by op (reserve, settle, release, deposit) and outcome",
	}, []string{"op", "outcome"})

	// ConflictRetriesTotal counts optimistic-lock conflicts retried inside the engine.
	ConflictRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_conflict_retries_total",
		Help: "Storage version conflicts retried by the wallet engine",
	})

	// SweepClosedTotal counts reservations closed by the timeout reconciler.
	SweepClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_sweep_closed_total",
		Help: "Expired reservations closed by the reconciler, by policy",
	}, []string{"policy"})

	// SweepDuration tracks the duration of reconciler sweeps.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wallet_sweep_duration_seconds",
		Help:    "Timeout reconciler sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// AuditDriftAccounts tracks accounts with a frozen-total discrepancy as
	// of the last audit pass.
	AuditDriftAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallet_audit_drift_accounts",
		Help: "Accounts whose stored frozen total disagrees with open reservations",
	})

	// AuditDriftAbsTotal tracks the summed absolute drift across accounts.
	AuditDriftAbsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallet_audit_drift_credits",
		Help: "Sum of absolute frozen drift across accounts, in credits",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
