package conversation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "conversation",
		Name:      "turns_total",
		Help:      "Model round-trips.",
	})

	runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "conversation",
		Name:      "runs_total",
		Help:      "Finished runs by stop reason.",
	}, []string{"reason"})
)
