// SPDX-License-Identifier: MIT
package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, gauge.Write(metric))
	return metric.GetGauge().GetValue()
}

func getCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.GetCounter().GetValue()
}

func TestSetCircuitBreakerState(t *testing.T) {
	SetCircuitBreakerState("oee-db", "open")

	assert.Equal(t, 1.0, getGaugeValue(t, circuitBreakerState.WithLabelValues("oee-db", "open")))
	assert.Equal(t, 0.0, getGaugeValue(t, circuitBreakerState.WithLabelValues("oee-db", "closed")))
	assert.Equal(t, 0.0, getGaugeValue(t, circuitBreakerState.WithLabelValues("oee-db", "half_open")))

	// Transition back: exactly one state bit remains set.
	SetCircuitBreakerState("oee-db", "closed")
	assert.Equal(t, 0.0, getGaugeValue(t, circuitBreakerState.WithLabelValues("oee-db", "open")))
	assert.Equal(t, 1.0, getGaugeValue(t, circuitBreakerState.WithLabelValues("oee-db", "closed")))
}

func TestRecordCircuitBreakerCall(t *testing.T) {
	before := getCounterValue(t, circuitBreakerCalls.WithLabelValues("erp", "failure"))
	RecordCircuitBreakerCall("erp", "failure", 10*time.Millisecond)
	RecordCircuitBreakerCall("erp", "failure", 20*time.Millisecond)
	assert.Equal(t, before+2, getCounterValue(t, circuitBreakerCalls.WithLabelValues("erp", "failure")))
}

func TestRecordLockOperation(t *testing.T) {
	before := getCounterValue(t, lockOperations.WithLabelValues("acquire", "contended"))
	RecordLockOperation("acquire", "contended")
	assert.Equal(t, before+1, getCounterValue(t, lockOperations.WithLabelValues("acquire", "contended")))
}

func TestRecordSagaLifecycle(t *testing.T) {
	RecordSagaStarted("equipment-retire")
	assert.Equal(t, 1.0, getGaugeValue(t, sagaRunning.WithLabelValues("equipment-retire")))

	RecordSagaFinished("equipment-retire", "COMPLETED")
	assert.Equal(t, 0.0, getGaugeValue(t, sagaRunning.WithLabelValues("equipment-retire")))
	assert.GreaterOrEqual(t,
		getCounterValue(t, sagaInstances.WithLabelValues("equipment-retire", "COMPLETED")), 1.0)
}

func TestRecordEventAppended(t *testing.T) {
	before := getCounterValue(t, eventsAppended.WithLabelValues("oee.calculated"))
	RecordEventAppended("oee.calculated")
	assert.Equal(t, before+1, getCounterValue(t, eventsAppended.WithLabelValues("oee.calculated")))
}
