package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y-kitamu/auto-trader/internal/domain"
	"github.com/y-kitamu/auto-trader/internal/infrastructure/storage"
)

func newTestHistory(t *testing.T) *storage.SQLiteHistory {
	t.Helper()
	store, err := storage.NewSQLiteHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func execution(id string, side domain.Side, at time.Time) domain.Execution {
	return domain.Execution{
		ID:      id,
		OrderID: "order-1",
		Symbol:  "BTC_JPY",
		Side:    side,
		Size:    0.5,
		Price:   30000,
		Fee:     15,
		Time:    at,
	}
}

func TestAppendAndList(t *testing.T) {
	store := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)

	err := store.Append(ctx, []domain.Execution{
		execution("e1", domain.SideBuy, base),
		execution("e2", domain.SideSell, base.Add(time.Minute)),
	})
	require.NoError(t, err)

	got, err := store.ListExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first.
	assert.Equal(t, "e2", got[0].ID)
	assert.Equal(t, domain.SideSell, got[0].Side)
	assert.Equal(t, "e1", got[1].ID)
	assert.Equal(t, 0.5, got[1].Size)
	assert.Equal(t, 30000.0, got[1].Price)
	assert.True(t, got[1].Time.Equal(base))
}

func TestAppendIsIdempotent(t *testing.T) {
	store := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)

	batch := []domain.Execution{execution("e1", domain.SideBuy, base)}
	require.NoError(t, store.Append(ctx, batch))
	require.NoError(t, store.Append(ctx, batch))

	// A retry that includes already stored records only adds the new one.
	require.NoError(t, store.Append(ctx, []domain.Execution{
		execution("e1", domain.SideBuy, base),
		execution("e2", domain.SideSell, base.Add(time.Minute)),
	}))

	got, err := store.ListExecutions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestAppendEmptyBatch(t *testing.T) {
	store := newTestHistory(t)
	require.NoError(t, store.Append(context.Background(), nil))

	got, err := store.ListExecutions(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListExecutionsLimit(t *testing.T) {
	store := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)

	var batch []domain.Execution
	for i := 0; i < 5; i++ {
		e := execution("", domain.SideBuy, base.Add(time.Duration(i)*time.Minute))
		e.ID = "e" + string(rune('1'+i))
		batch = append(batch, e)
	}
	require.NoError(t, store.Append(ctx, batch))

	got, err := store.ListExecutions(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e5", got[0].ID)
}
