// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sagaInstances = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reliability",
		Name:      "saga_instances_total",
		Help:      "Completed saga instances by saga id and terminal status",
	}, []string{"saga", "status"})

	sagaRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reliability",
		Name:      "saga_instances_running",
		Help:      "Saga instances currently executing",
	}, []string{"saga"})

	sagaStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reliability",
		Name:      "saga_step_duration_seconds",
		Help:      "Duration of individual saga step executions and compensations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"saga", "step", "phase"})
)

// RecordSagaStarted marks one instance as running.
func RecordSagaStarted(saga string) {
	sagaRunning.WithLabelValues(saga).Inc()
}

// RecordSagaFinished records the terminal status of an instance.
func RecordSagaFinished(saga, status string) {
	sagaRunning.WithLabelValues(saga).Dec()
	sagaInstances.WithLabelValues(saga, status).Inc()
}

// RecordSagaStep records one step execution. Phase is "execute" or "compensate".
func RecordSagaStep(saga, step, phase string, duration time.Duration) {
	sagaStepDuration.WithLabelValues(saga, step, phase).Observe(duration.Seconds())
}
