// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reliability",
		Name:      "events_appended_total",
		Help:      "Events appended to the event store by event type",
	}, []string{"type"})

	eventQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reliability",
		Name:      "event_query_duration_seconds",
		Help:      "Duration of event store queries by query kind",
		Buckets:   prometheus.DefBuckets,
	}, []string{"query"})
)

// RecordEventAppended counts one stored event.
func RecordEventAppended(eventType string) {
	eventsAppended.WithLabelValues(eventType).Inc()
}

// RecordEventQuery records the duration of one read query ("get", "by_type", "by_correlation").
func RecordEventQuery(query string, duration time.Duration) {
	eventQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}
