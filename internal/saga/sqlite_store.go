// SPDX-License-Identifier: MIT

package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/plantlens/reliability/internal/persistence/sqlite"
)

// SQLiteStore persists instances in SQLite for crash recovery. The full
// instance is stored as a JSON document; status and start time are
// projected into columns for querying.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) an instance store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("saga: open store: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("saga: migrate store: %w", err)
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle (shared with other
// stores) and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("saga: migrate store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS saga_instances (
		instance_id TEXT PRIMARY KEY,
		saga_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at_ns INTEGER NOT NULL,
		document BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_saga_instances_status ON saga_instances(status);
	CREATE INDEX IF NOT EXISTS idx_saga_instances_saga ON saga_instances(saga_id, started_at_ns);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, inst *Instance) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("saga: marshal instance: %w", err)
	}
	query := `
	INSERT INTO saga_instances (instance_id, saga_id, status, started_at_ns, document)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(instance_id) DO UPDATE SET status = excluded.status, document = excluded.document
	`
	_, err = s.db.ExecContext(ctx, query,
		inst.InstanceID, inst.SagaID, string(inst.Status), inst.StartedAt.UnixNano(), doc)
	if err != nil {
		return fmt.Errorf("saga: put instance %q: %w", inst.InstanceID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, instanceID string) (*Instance, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM saga_instances WHERE instance_id = ?`, instanceID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga: %q: %w", instanceID, ErrInstanceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("saga: get instance %q: %w", instanceID, err)
	}
	return unmarshalInstance(doc)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Instance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	query := `SELECT document FROM saga_instances WHERE status IN (?` +
		strings.Repeat(",?", len(statuses)-1) + `) ORDER BY started_at_ns`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("saga: list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Instance
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("saga: scan instance: %w", err)
		}
		inst, err := unmarshalInstance(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func unmarshalInstance(doc []byte) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(doc, &inst); err != nil {
		return nil, fmt.Errorf("saga: unmarshal instance: %w", err)
	}
	inst.StartedAt = inst.StartedAt.UTC()
	if inst.EndedAt != nil {
		t := inst.EndedAt.UTC()
		inst.EndedAt = &t
	}
	return &inst, nil
}
