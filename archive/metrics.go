package archive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dragonfly",
			Subsystem: "archive",
			Name:      "fetch_total",
			Help:      "Total number of archive downloads, by format and result.",
		},
		[]string{"format", "result"},
	)
	fetchBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dragonfly",
			Subsystem: "archive",
			Name:      "fetch_bytes_total",
			Help:      "Total number of bytes buffered from successful archive downloads.",
		},
		[]string{"format"},
	)
	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dragonfly",
			Subsystem: "archive",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of successful archive downloads.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"format"},
	)
)
