// SPDX-License-Identifier: MIT

// Package eventstore is an append-only, time-partitioned log of domain
// events indexed by type and correlation id. It backs audit trails, saga
// persistence and cache invalidation signals.
package eventstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is an immutable domain event. Once stored it is never mutated or
// deleted through normal operation.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	PartitionKey  string          `json:"partitionKey"`
}

// PartitionKey derives the calendar-month partition for a timestamp.
// It is a pure function so concurrent writers never coordinate on
// partition assignment.
func PartitionKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}

// partitionsInRange lists every calendar-month partition overlapping
// [start, end] so range scans prune to the relevant partitions only.
func partitionsInRange(start, end time.Time) []string {
	start = start.UTC()
	end = end.UTC()
	if end.Before(start) {
		return nil
	}

	var keys []string
	cursor := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cursor.After(last) {
		keys = append(keys, PartitionKey(cursor))
		cursor = cursor.AddDate(0, 1, 0)
	}
	return keys
}
