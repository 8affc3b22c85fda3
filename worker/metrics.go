package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dragonfly",
			Subsystem: "worker",
			Name:      "poll_total",
			Help:      "Total number of job polls, by result.",
		},
		[]string{"result"},
	)
	jobCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dragonfly",
			Subsystem: "worker",
			Name:      "job_total",
			Help:      "Total number of jobs processed, by outcome.",
		},
		[]string{"outcome"},
	)
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dragonfly",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Duration of job processing, by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"outcome"},
	)
	scanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dragonfly",
			Subsystem: "worker",
			Name:      "scan_duration_seconds",
			Help:      "Duration of scanning one distribution, by archive format.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"format"},
	)
	syncCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dragonfly",
			Subsystem: "worker",
			Name:      "rule_sync_total",
			Help:      "Total number of rule syncs, by result.",
		},
		[]string{"result"},
	)
	reauthCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dragonfly",
			Subsystem: "worker",
			Name:      "reauthorize_total",
			Help:      "Total number of reauthorization attempts, by result.",
		},
		[]string{"result"},
	)
)
