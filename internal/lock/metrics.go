package lock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codegraph_lock_wait_seconds",
		Help:    "Time spent waiting for the write lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 9),
	})

	lockReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codegraph_lock_reclaims_total",
		Help: "Stale locks reclaimed from unresponsive holders",
	})
)
