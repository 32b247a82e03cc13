package approval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentcore",
	Subsystem: "approval",
	Name:      "decisions_total",
	Help:      "Approval decisions by outcome and source.",
}, []string{"outcome", "source"})
