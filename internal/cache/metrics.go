package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentcore",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Result cache lookups by outcome (hit, miss).",
		},
		[]string{"outcome"},
	)

	evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentcore",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries evicted to honour the size bound.",
		},
	)

	entries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentcore",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently held by the most recently updated cache.",
		},
	)
)
