package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queueDepth is the number of jobs waiting for a worker. Labels: kind
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "design_core",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Jobs queued per kind",
	}, []string{"kind"})

	// jobOutcomes counts terminal transitions. Labels: kind, status, code
	jobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "design_core",
		Subsystem: "scheduler",
		Name:      "jobs_total",
		Help:      "Terminal job transitions by kind and status",
	}, []string{"kind", "status", "code"})

	// breakerOpen is 1 while a kind's breaker rejects submissions. Labels: kind
	breakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "design_core",
		Subsystem: "scheduler",
		Name:      "breaker_open",
		Help:      "Whether the capability circuit breaker is open",
	}, []string{"kind"})

	// serviceTime measures a single capability call. Labels: kind
	serviceTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "design_core",
		Subsystem: "scheduler",
		Name:      "service_seconds",
		Help:      "Capability call duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})

	// retries counts transient failures that were retried. Labels: kind
	retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "design_core",
		Subsystem: "scheduler",
		Name:      "retries_total",
		Help:      "Retried capability calls",
	}, []string{"kind"})
)
