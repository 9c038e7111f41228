// Package metrics holds the prometheus collectors for money movement and
// settlement.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LedgerTransactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "ledger",
		Name:      "transactions_total",
		Help:      "Completed ledger transactions by type.",
	}, []string{"type"})

	Settlements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "settlement",
		Name:      "pots_total",
		Help:      "Pot settlements by outcome.",
	}, []string{"outcome"})

	Payouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "settlement",
		Name:      "payouts_total",
		Help:      "Per-winner payout attempts by status.",
	}, []string{"status"})

	Forfeitures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "proof",
		Name:      "forfeitures_total",
		Help:      "Missed proof periods forfeited.",
	})

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrow",
		Subsystem: "scheduler",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of a full scheduler sweep.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{LedgerTransactions, Settlements, Payouts, Forfeitures, SweepDuration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
