package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	suppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "governor",
		Name:      "duplicates_suppressed_total",
		Help:      "Calls suppressed because the same signature ran inside the dedup window.",
	})

	failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "governor",
		Name:      "failures_total",
		Help:      "Tool failures observed, by error kind.",
	}, []string{"kind"})

	trips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "governor",
		Name:      "breaker_trips_total",
		Help:      "Times the consecutive-failure limit was reached.",
	})

	retries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "governor",
		Name:      "retries_total",
		Help:      "Retries of transient failures.",
	})
)
