// SPDX-License-Identifier: MIT

package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plantlens/reliability/internal/log"
	"github.com/plantlens/reliability/internal/metrics"
)

// ErrNotFound is returned when no event exists for the requested id.
var ErrNotFound = errors.New("event not found")

// Query narrows a by-type range scan.
type Query struct {
	Limit  int
	Offset int
	Start  time.Time
	End    time.Time
}

// Store persists events in SQLite. Appends from concurrent producers are
// safe; the monotonic seq column preserves insertion order for
// correlation queries.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore initializes the event store schema on the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{
		db:     db,
		logger: log.WithComponent("eventstore"),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		payload BLOB,
		correlation_id TEXT,
		timestamp_ns INTEGER NOT NULL,
		partition_key TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, timestamp_ns);
	CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_events_partition ON events(partition_key, timestamp_ns);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append stores one event. Missing id and timestamp are filled in; the
// partition key is always derived from the timestamp. The stored event is
// returned.
func (s *Store) Append(ctx context.Context, e Event) (Event, error) {
	if e.Type == "" {
		return Event{}, fmt.Errorf("eventstore: event type is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.PartitionKey = PartitionKey(e.Timestamp)

	query := `
	INSERT INTO events (id, type, aggregate_id, aggregate_type, payload, correlation_id, timestamp_ns, partition_key)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.Type, e.AggregateID, e.AggregateType, []byte(e.Payload),
		nullable(e.CorrelationID), e.Timestamp.UnixNano(), e.PartitionKey,
	)
	if err != nil {
		return Event{}, fmt.Errorf("eventstore: append %q: %w", e.Type, err)
	}

	metrics.RecordEventAppended(e.Type)
	s.logger.Debug().
		Str("event_id", e.ID).
		Str("type", e.Type).
		Str("partition", e.PartitionKey).
		Msg("event appended")
	return e, nil
}

// Get returns the event with the given id.
func (s *Store) Get(ctx context.Context, id string) (Event, error) {
	start := time.Now()
	defer func() { metrics.RecordEventQuery("get", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx, `
	SELECT id, type, aggregate_id, aggregate_type, payload, correlation_id, timestamp_ns, partition_key
	FROM events WHERE id = ?
	`, id)

	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("eventstore: %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("eventstore: get %q: %w", id, err)
	}
	return e, nil
}

// ByType returns events of one type in insertion order. When the query
// carries a time range, the scan is pruned to the overlapping calendar
// partitions.
func (s *Store) ByType(ctx context.Context, eventType string, q Query) ([]Event, error) {
	start := time.Now()
	defer func() { metrics.RecordEventQuery("by_type", time.Since(start)) }()

	var sb strings.Builder
	sb.WriteString(`
	SELECT id, type, aggregate_id, aggregate_type, payload, correlation_id, timestamp_ns, partition_key
	FROM events WHERE type = ?`)
	args := []any{eventType}

	hasStart := !q.Start.IsZero()
	hasEnd := !q.End.IsZero()
	if hasStart && hasEnd {
		// Partition pruning needs both endpoints to enumerate the
		// overlapping months. Half-open ranges fall through to the
		// bare timestamp predicates below.
		partitions := partitionsInRange(q.Start, q.End)
		if len(partitions) == 0 {
			return nil, nil
		}
		sb.WriteString(" AND partition_key IN (?" + strings.Repeat(",?", len(partitions)-1) + ")")
		for _, p := range partitions {
			args = append(args, p)
		}
	}
	if hasStart {
		sb.WriteString(" AND timestamp_ns >= ?")
		args = append(args, q.Start.UTC().UnixNano())
	}
	if hasEnd {
		sb.WriteString(" AND timestamp_ns <= ?")
		args = append(args, q.End.UTC().UnixNano())
	}

	sb.WriteString(" ORDER BY seq")
	if q.Limit > 0 || q.Offset > 0 {
		// SQLite treats a negative LIMIT as unbounded, which lets an
		// offset apply without a caller-supplied limit.
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		sb.WriteString(" LIMIT ?")
		args = append(args, limit)
		if q.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, q.Offset)
		}
	}

	return s.queryEvents(ctx, sb.String(), args...)
}

// ByCorrelation returns every event linked to one causal unit of work, in
// the order the events were stored.
func (s *Store) ByCorrelation(ctx context.Context, correlationID string) ([]Event, error) {
	start := time.Now()
	defer func() { metrics.RecordEventQuery("by_correlation", time.Since(start)) }()

	return s.queryEvents(ctx, `
	SELECT id, type, aggregate_id, aggregate_type, payload, correlation_id, timestamp_ns, partition_key
	FROM events WHERE correlation_id = ? ORDER BY seq
	`, correlationID)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEvent(row scannable) (Event, error) {
	var e Event
	var payload []byte
	var correlation sql.NullString
	var tsNs int64

	if err := row.Scan(&e.ID, &e.Type, &e.AggregateID, &e.AggregateType,
		&payload, &correlation, &tsNs, &e.PartitionKey); err != nil {
		return Event{}, err
	}
	if len(payload) > 0 {
		e.Payload = payload
	}
	if correlation.Valid {
		e.CorrelationID = correlation.String
	}
	e.Timestamp = time.Unix(0, tsNs).UTC()
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
