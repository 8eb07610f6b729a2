// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reliability",
		Name:      "lock_operations_total",
		Help:      "Distributed lock operations by type and outcome",
	}, []string{"operation", "result"})

	lockAcquireWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reliability",
		Name:      "lock_acquire_wait_seconds",
		Help:      "Time spent waiting to acquire a distributed lock, including retries",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"result"})
)

// RecordLockOperation counts one lock operation.
// Operation is acquire/release/extend, result is e.g. "ok", "contended", "stale", "error".
func RecordLockOperation(operation, result string) {
	lockOperations.WithLabelValues(operation, result).Inc()
}

// RecordLockAcquireWait records how long an acquire attempt waited overall.
func RecordLockAcquireWait(result string, wait time.Duration) {
	lockAcquireWait.WithLabelValues(result).Observe(wait.Seconds())
}
