package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statusTransitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailscheduler",
			Name:      "status_transitions_total",
			Help:      "Scheduled submission status transitions.",
		},
		[]string{"from", "to"},
	)
	operationsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailscheduler",
			Name:      "operations_total",
			Help:      "Manager operations by outcome (ok or error kind).",
		},
		[]string{"operation", "outcome"},
	)
	cancelDiscrepanciesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailscheduler",
			Name:      "cancel_unconfirmed_total",
			Help:      "Local cancellations the remote server did not confirm.",
		},
	)
	sweepDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mailscheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reconciliation sweeps.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	sweepOutcomesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailscheduler",
			Name:      "sweep_records_total",
			Help:      "Records examined by the reconciliation sweep, by outcome.",
		},
		[]string{"outcome"},
	)
	sweepAccountErrorsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailscheduler",
			Name:      "sweep_account_errors_total",
			Help:      "Accounts whose status lookup failed during a sweep.",
		},
	)
)
