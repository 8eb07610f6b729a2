// SPDX-License-Identifier: MIT

package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantlens/reliability/internal/persistence/sqlite"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "events.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func TestAppendAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{"oee": 0.87, "equipmentId": "press-3"})
	stored, err := store.Append(ctx, Event{
		Type:          "oee.calculated",
		AggregateID:   "press-3",
		AggregateType: "equipment",
		Payload:       payload,
		CorrelationID: "batch-77",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.Timestamp.IsZero())
	assert.Equal(t, PartitionKey(stored.Timestamp), stored.PartitionKey)

	got, err := store.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, "oee.calculated", got.Type)
	assert.Equal(t, "press-3", got.AggregateID)
	assert.Equal(t, "equipment", got.AggregateType)
	assert.Equal(t, "batch-77", got.CorrelationID)
	assert.JSONEq(t, string(payload), string(got.Payload))
}

func TestGetMissing(t *testing.T) {
	store := setupStore(t)
	_, err := store.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendRequiresType(t *testing.T) {
	store := setupStore(t)
	_, err := store.Append(context.Background(), Event{AggregateID: "x"})
	assert.Error(t, err)
}

func TestPartitionRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	// Three events per month across three partitions.
	months := []time.Time{
		time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 14, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 20, 8, 0, 0, 0, time.UTC),
	}
	for _, m := range months {
		for i := 0; i < 3; i++ {
			_, err := store.Append(ctx, Event{
				Type:        "equipment.status_changed",
				AggregateID: "equip-1",
				Timestamp:   m.Add(time.Duration(i) * time.Hour),
			})
			require.NoError(t, err)
		}
	}

	// A range spanning all partitions returns every stored event.
	all, err := store.ByType(ctx, "equipment.status_changed", Query{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Len(t, all, 9)

	// A single partition's range returns only events inside it.
	feb, err := store.ByType(ctx, "equipment.status_changed", Query{
		Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, feb, 3)
	for _, e := range feb {
		assert.Equal(t, "2026-02", e.PartitionKey)
	}
}

func TestByTypeLimitOffset(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, Event{
			Type:        "defect.recorded",
			AggregateID: fmt.Sprintf("unit-%d", i),
		})
		require.NoError(t, err)
	}

	page, err := store.ByType(ctx, "defect.recorded", Query{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "unit-2", page[0].AggregateID)
	assert.Equal(t, "unit-3", page[1].AggregateID)
}

func TestByTypeOpenEndedRange(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	winter := time.Date(2026, time.January, 10, 8, 0, 0, 0, time.UTC)
	summer := time.Date(2026, time.June, 10, 8, 0, 0, 0, time.UTC)
	for _, e := range []Event{
		{Type: "shift.closed", AggregateID: "shift-jan", Timestamp: winter},
		{Type: "shift.closed", AggregateID: "shift-jun", Timestamp: summer},
	} {
		_, err := store.Append(ctx, e)
		require.NoError(t, err)
	}

	cutoff := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)

	fromCutoff, err := store.ByType(ctx, "shift.closed", Query{Start: cutoff})
	require.NoError(t, err)
	require.Len(t, fromCutoff, 1)
	assert.Equal(t, "shift-jun", fromCutoff[0].AggregateID)

	untilCutoff, err := store.ByType(ctx, "shift.closed", Query{End: cutoff})
	require.NoError(t, err)
	require.Len(t, untilCutoff, 1)
	assert.Equal(t, "shift-jan", untilCutoff[0].AggregateID)
}

func TestByTypeOffsetWithoutLimit(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, Event{
			Type:        "defect.recorded",
			AggregateID: fmt.Sprintf("unit-%d", i),
		})
		require.NoError(t, err)
	}

	rest, err := store.ByType(ctx, "defect.recorded", Query{Offset: 3})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "unit-3", rest[0].AggregateID)
	assert.Equal(t, "unit-4", rest[1].AggregateID)
}

func TestByCorrelationInsertionOrder(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	// Timestamps deliberately run backwards: ordering must follow the
	// insertion sequence, not the wall clock.
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := store.Append(ctx, Event{
			Type:          "saga.step_completed",
			AggregateID:   fmt.Sprintf("step-%d", i),
			CorrelationID: "saga-run-1",
			Timestamp:     base.Add(-time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	// Unrelated correlation id is excluded.
	_, err := store.Append(ctx, Event{Type: "saga.step_completed", AggregateID: "other", CorrelationID: "saga-run-2"})
	require.NoError(t, err)

	events, err := store.ByCorrelation(ctx, "saga-run-1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, fmt.Sprintf("step-%d", i), e.AggregateID)
	}
}

func TestConcurrentAppends(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	const producers = 10
	const perProducer = 20
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, err := store.Append(ctx, Event{
					Type:        "batch.item_processed",
					AggregateID: fmt.Sprintf("p%d-i%d", p, i),
				})
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	all, err := store.ByType(ctx, "batch.item_processed", Query{})
	require.NoError(t, err)
	assert.Len(t, all, producers*perProducer)
}
