// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the reliability core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reliability",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state by breaker name (exactly one of closed/half_open/open is 1)",
	}, []string{"breaker", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reliability",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total circuit breaker trips (transitions to the open state)",
	}, []string{"breaker", "reason"})

	circuitBreakerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reliability",
		Name:      "circuit_breaker_calls_total",
		Help:      "Total calls observed by a circuit breaker",
	}, []string{"breaker", "result"})

	circuitBreakerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reliability",
		Name:      "circuit_breaker_call_duration_seconds",
		Help:      "Duration of calls executed through a circuit breaker",
		Buckets:   prometheus.DefBuckets,
	}, []string{"breaker"})
)

var circuitStates = []string{"closed", "half_open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for a breaker.
func SetCircuitBreakerState(breaker, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(breaker, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(breaker, reason string) {
	circuitBreakerTrips.WithLabelValues(breaker, reason).Inc()
}

// RecordCircuitBreakerCall records the outcome and duration of one guarded call.
// Result is one of "success", "failure", "slow", "rejected".
func RecordCircuitBreakerCall(breaker, result string, duration time.Duration) {
	circuitBreakerCalls.WithLabelValues(breaker, result).Inc()
	if result != "rejected" {
		circuitBreakerCallDuration.WithLabelValues(breaker).Observe(duration.Seconds())
	}
}
