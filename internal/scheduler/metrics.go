package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "scheduler",
		Name:      "tool_calls_total",
		Help:      "Tool calls by tool and outcome (success or error kind).",
	}, []string{"tool", "outcome"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentcore",
		Subsystem: "scheduler",
		Name:      "tool_duration_seconds",
		Help:      "Wall time per tool call, pipeline included.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"tool"})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentcore",
		Subsystem: "scheduler",
		Name:      "batch_size",
		Help:      "Calls per executed batch.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32},
	})
)
