// SPDX-License-Identifier: MIT

package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

const badgerInstancePrefix = "saga:"

// BadgerStore persists instances in an embedded Badger database. It trades
// SQL queryability for a smaller operational footprint on edge deployments.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens an instance store at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("saga: open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(instanceID string) []byte {
	return []byte(badgerInstancePrefix + instanceID)
}

func (s *BadgerStore) Put(_ context.Context, inst *Instance) error {
	buf, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("saga: marshal instance: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(inst.InstanceID), buf)
	})
}

func (s *BadgerStore) Get(_ context.Context, instanceID string) (*Instance, error) {
	var out *Instance
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(instanceID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			inst, err := unmarshalInstance(val)
			if err != nil {
				return err
			}
			out = inst
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("saga: %q: %w", instanceID, ErrInstanceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("saga: get instance %q: %w", instanceID, err)
	}
	return out, nil
}

func (s *BadgerStore) ListByStatus(_ context.Context, statuses ...Status) ([]*Instance, error) {
	wanted := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		wanted[st] = struct{}{}
	}

	var out []*Instance
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerInstancePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				inst, err := unmarshalInstance(val)
				if err != nil {
					return err
				}
				if _, ok := wanted[inst.Status]; ok {
					out = append(out, inst)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("saga: list instances: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }
