package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "backbot"

var (
	// MonitorInterval is the current adaptive interval of each monitor.
	MonitorInterval = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "interval_ms",
			Help:      "Current polling interval of a bot monitor in milliseconds",
		},
		[]string{"bot", "monitor"},
	)

	// RateLimitHits counts runs that ended in exchange throttling.
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "rate_limit_total",
			Help:      "Monitor runs that were rate limited by the exchange",
		},
		[]string{"bot", "monitor"},
	)

	// StopMoves counts committed trailing stop improvements.
	StopMoves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trailing",
			Name:      "stop_moves_total",
			Help:      "Committed trailing stop moves",
		},
		[]string{"bot"},
	)

	// ReconcileSkips counts reconcile calls that did not replace the order.
	ReconcileSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "skips_total",
			Help:      "Reconcile calls that kept the existing protective order",
		},
		[]string{"reason"},
	)

	// CycleDuration measures one bot cycle over all its positions.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a bot risk cycle",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// EventsDropped counts domain events lost because the bus was full.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Domain events dropped because the bus buffer was full",
		},
	)
)
