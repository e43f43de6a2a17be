package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payment_verifications_total",
		Help: "Payment verification attempts, labeled by outcome code",
	}, []string{"outcome"})

	linksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_fulfillment_links_total",
		Help: "Asset-to-intent pairings attempted, labeled by result",
	}, []string{"result"})

	observerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_chain_observer_errors_total",
		Help: "Chain observer failures, labeled by operation",
	}, []string{"op"})

	sweepActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_sweep_actions_total",
		Help: "Intents moved or flagged by the sweeper, labeled by action",
	}, []string{"action"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_sweep_duration_seconds",
		Help:    "Duration of one sweep pass",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})
)
