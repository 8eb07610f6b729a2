// SPDX-License-Identifier: MIT

package saga

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sqliteStore, err := OpenSQLiteStore(filepath.Join(dir, "sagas.db"))
	require.NoError(t, err)

	badgerStore, err := OpenBadgerStore(filepath.Join(dir, "badger"))
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
		"badger": badgerStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func sampleInstance(id string, status Status, startedAt time.Time) *Instance {
	ended := startedAt.Add(time.Second)
	inst := &Instance{
		InstanceID:       id,
		SagaID:           "quality-audit",
		Status:           status,
		CompletedSteps:   []string{"reserve", "measure"},
		FailedSteps:      []string{"publish"},
		CompensatedSteps: []string{"measure"},
		Error:            "publish refused",
		StartedAt:        startedAt,
		Context:          map[string]any{"lineId": "L4", "batch": "b-17"},
	}
	if status.Terminal() {
		inst.EndedAt = &ended
	}
	return inst
}

func TestStoreRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleInstance("rt-1", StatusCompensationFailed, start)
			require.NoError(t, store.Put(ctx, want))

			got, err := store.Get(ctx, "rt-1")
			require.NoError(t, err)
			assert.Equal(t, want.InstanceID, got.InstanceID)
			assert.Equal(t, want.SagaID, got.SagaID)
			assert.Equal(t, want.Status, got.Status)
			assert.Equal(t, want.CompletedSteps, got.CompletedSteps)
			assert.Equal(t, want.FailedSteps, got.FailedSteps)
			assert.Equal(t, want.CompensatedSteps, got.CompensatedSteps)
			assert.Equal(t, want.Error, got.Error)
			assert.True(t, got.StartedAt.Equal(want.StartedAt))
			require.NotNil(t, got.EndedAt)
			assert.True(t, got.EndedAt.Equal(*want.EndedAt))
			assert.Equal(t, "L4", got.Context["lineId"])
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrInstanceNotFound)
		})
	}
}

func TestStorePutOverwrites(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inst := sampleInstance("ow-1", StatusRunning, start)
			require.NoError(t, store.Put(ctx, inst))

			inst.Status = StatusCompleted
			inst.CompletedSteps = append(inst.CompletedSteps, "publish")
			require.NoError(t, store.Put(ctx, inst))

			got, err := store.Get(ctx, "ow-1")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, got.Status)
			assert.Len(t, got.CompletedSteps, 3)
		})
	}
}

func TestStoreListByStatus(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// Inserted out of start order to exercise the sort.
			require.NoError(t, store.Put(ctx, sampleInstance("b", StatusRunning, base.Add(2*time.Minute))))
			require.NoError(t, store.Put(ctx, sampleInstance("a", StatusRunning, base)))
			require.NoError(t, store.Put(ctx, sampleInstance("c", StatusCompensating, base.Add(time.Minute))))
			require.NoError(t, store.Put(ctx, sampleInstance("d", StatusCompleted, base)))

			pending, err := store.ListByStatus(ctx, StatusRunning, StatusCompensating)
			require.NoError(t, err)
			var ids []string
			for _, inst := range pending {
				ids = append(ids, inst.InstanceID)
			}
			assert.Equal(t, []string{"a", "c", "b"}, ids)

			none, err := store.ListByStatus(ctx, StatusCompensationFailed)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestOpenStoreBackends(t *testing.T) {
	dir := t.TempDir()

	mem, err := OpenStore("", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, mem)

	sq, err := OpenStore("sqlite", filepath.Join(dir, "s.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, sq)
	require.NoError(t, sq.Close())

	bd, err := OpenStore("badger", filepath.Join(dir, "b"))
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, bd)
	require.NoError(t, bd.Close())

	_, err = OpenStore("etcd", "")
	assert.Error(t, err)
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	inst := sampleInstance("iso-1", StatusRunning, time.Now().UTC())
	require.NoError(t, store.Put(ctx, inst))

	// Mutating the caller's copy after Put must not leak into the store.
	inst.Status = StatusCompleted
	inst.CompletedSteps[0] = "mutated"

	got, err := store.Get(ctx, "iso-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "reserve", got.CompletedSteps[0])

	// And mutating a Get result must not affect later reads.
	got.Context["lineId"] = "mutated"
	again, err := store.Get(ctx, "iso-1")
	require.NoError(t, err)
	assert.Equal(t, "L4", again.Context["lineId"])
}
