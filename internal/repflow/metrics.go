package repflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repflow_evaluations_total",
		Help: "Total number of descriptor evaluations",
	})

	atomsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repflow_atoms_total",
		Help: "Total number of local atoms described",
	})

	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repflow_evaluation_duration_seconds",
		Help:    "Time spent evaluating the descriptor",
		Buckets: prometheus.DefBuckets,
	})
)
