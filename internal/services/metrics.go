// Package services – Prometheus instrumentation for reconciliation outcomes.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// reconcileOutcomes counts reconciliation attempts by final outcome.
	// Outcomes: created, duplicate, payment_pending, still_processing,
	// not_found, payment_failed, error.
	reconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_attempts_total",
			Help: "Total reconciliation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// lockContention counts callers that lost the fulfillment lock race.
	lockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_lock_contention_total",
			Help: "Reconciliation attempts that lost the fulfillment lock race.",
		},
	)
)

func init() {
	prometheus.MustRegister(reconcileOutcomes, lockContention)
}
