// SPDX-License-Identifier: MIT

package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInstanceNotFound is returned when no instance exists for an id.
var ErrInstanceNotFound = errors.New("saga instance not found")

// Store persists saga instances so progress survives a process restart
// and status can be reported asynchronously.
type Store interface {
	Put(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, instanceID string) (*Instance, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Instance, error)
	Close() error
}

// OpenStore creates an instance store for the configured backend.
func OpenStore(backend, path string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLiteStore(path)
	case "badger":
		return OpenBadgerStore(path)
	default:
		return nil, fmt.Errorf("saga: unknown store backend: %s", backend)
	}
}

// MemoryStore keeps instances in process memory. Suitable for tests and
// deployments that accept losing in-flight sagas on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewMemoryStore creates an empty in-memory instance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (s *MemoryStore) Put(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.InstanceID] = inst.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, instanceID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("saga: %q: %w", instanceID, ErrInstanceNotFound)
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]*Instance, error) {
	wanted := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		wanted[st] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, inst := range s.instances {
		if _, ok := wanted[inst.Status]; ok {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
