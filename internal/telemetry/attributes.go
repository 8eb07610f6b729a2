// SPDX-License-Identifier: MIT

package telemetry

import "go.opentelemetry.io/otel/attribute"

// SagaAttributes identifies one saga instance on a span. The instance id
// doubles as the correlation id of the events the run emits, so spans and
// events can be joined on it.
func SagaAttributes(sagaID, instanceID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("saga.id", sagaID),
		attribute.String("saga.instance_id", instanceID),
	}
}
