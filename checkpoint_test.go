package db2pgtunnel

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var checkpointEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*CheckpointStore, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(checkpointEpoch)
	return NewCheckpointStore(filepath.Join(t.TempDir(), "state", DefaultStateFile), clk), clk
}

func TestCheckpointStore_LoadFresh(t *testing.T) {
	store, _ := newTestStore(t)
	result := store.Load()
	assert.Equal(t, LoadFresh, result.Outcome)
	assert.NoError(t, result.Err)
	assert.Equal(t, "not_started", store.Phase())
	assert.Empty(t, store.AllTableProgress())
	_, err := os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err), "loading does not create the file")
}

func TestCheckpointStore_RoundTrip(t *testing.T) {
	store, clk := newTestStore(t)
	require.NoError(t, store.SetPhase("full"))
	require.NoError(t, store.MarkCompleted("schema:ASSET"))
	clk.Advance(time.Minute)
	require.NoError(t, store.UpdateTableProgress("ASSET", 250, 1000))

	reopened := NewCheckpointStore(store.Path(), clk)
	result := reopened.Load()
	require.Equal(t, LoadRestored, result.Outcome)
	assert.Equal(t, "full", reopened.Phase())
	assert.True(t, reopened.IsCompleted("schema:ASSET"))

	progress, ok := reopened.TableProgress("ASSET")
	require.True(t, ok)
	assert.Equal(t, int64(250), progress.RowsMigrated)
	assert.Equal(t, int64(1000), progress.TotalRows)
	assert.Equal(t, 25.0, progress.Percentage)
	assert.True(t, progress.LastUpdated.Equal(checkpointEpoch.Add(time.Minute)))
}

func TestCheckpointStore_FileFormat(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.UpdateTableProgress("ASSET", 1, 3))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"phase\": \"not_started\"")

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.ElementsMatch(t, []string{"phase", "completed_phases", "tables", "last_updated"}, keys(raw))
	assert.Equal(t, "2024-03-01T12:00:00Z", raw["last_updated"])

	table := raw["tables"].(map[string]any)["ASSET"].(map[string]any)
	assert.ElementsMatch(t, []string{"rows_migrated", "total_rows", "percentage", "last_updated"}, keys(table))
	assert.Equal(t, 33.33, table["percentage"])
	assert.Equal(t, []any{}, raw["completed_phases"])
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestCheckpointStore_CorruptFileResets(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path()), 0o755))
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"phase": "full", "tables": {`), 0o644))

	result := store.Load()
	assert.Equal(t, LoadReset, result.Outcome)
	assert.Error(t, result.Err)
	assert.Equal(t, "reset", result.Outcome.String())
	assert.Equal(t, "not_started", store.Phase())
	assert.Empty(t, store.AllTableProgress())

	require.NoError(t, store.MarkCompleted("full"))
	assert.Equal(t, LoadRestored, NewCheckpointStore(store.Path(), nil).Load().Outcome)
}

func TestCheckpointStore_MarkCompletedIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.MarkCompleted("schema:ASSET"))
	require.NoError(t, store.MarkCompleted("schema:ASSET"))
	require.NoError(t, store.MarkCompleted("data:ASSET"))
	assert.Equal(t, []string{"schema:ASSET", "data:ASSET"}, store.Summary().CompletedPhases)
	assert.False(t, store.IsCompleted("data:WORKORDER"))
}

func TestCheckpointStore_UpdateProgressKeepsTotal(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.UpdateTableProgress("ASSET", 0, 5))
	require.NoError(t, store.UpdateProgress("ASSET", 4))
	progress, _ := store.TableProgress("ASSET")
	assert.Equal(t, int64(5), progress.TotalRows)
	assert.Equal(t, 80.0, progress.Percentage)
	assert.False(t, store.IsTableComplete("ASSET"))

	require.NoError(t, store.UpdateProgress("ASSET", 5))
	assert.True(t, store.IsTableComplete("ASSET"))

	require.NoError(t, store.UpdateProgress("LOCATIONS", 7))
	progress, _ = store.TableProgress("LOCATIONS")
	assert.Equal(t, int64(7), progress.TotalRows)
	assert.False(t, store.IsTableComplete("UNKNOWN"))
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		done, total int64
		want        float64
	}{
		{0, 0, 0},
		{5, 0, 0},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{3, 3, 100},
		{1, 8, 12.5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, percentage(tt.done, tt.total), "%d/%d", tt.done, tt.total)
	}
}

func TestCheckpointStore_Summary(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.SetPhase("full"))
	require.NoError(t, store.UpdateTableProgress("ASSET", 10, 10))
	require.NoError(t, store.UpdateTableProgress("WORKORDER", 5, 30))

	summary := store.Summary()
	assert.Equal(t, "full", summary.CurrentPhase)
	assert.Equal(t, 2, summary.TotalTables)
	assert.Equal(t, 1, summary.CompletedTables)
	assert.Equal(t, int64(40), summary.TotalRows)
	assert.Equal(t, int64(15), summary.MigratedRows)
	assert.Equal(t, 37.5, summary.OverallPercentage)
	require.NotNil(t, summary.LastUpdated)
}

func TestCheckpointStore_Reset(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.UpdateTableProgress("ASSET", 10, 10))
	require.NoError(t, store.MarkCompleted("full"))
	require.NoError(t, store.Reset())

	reopened := NewCheckpointStore(store.Path(), nil)
	require.Equal(t, LoadRestored, reopened.Load().Outcome)
	assert.Empty(t, reopened.AllTableProgress())
	assert.False(t, reopened.IsCompleted("full"))
}

func TestCheckpointStore_ConcurrentWrites(t *testing.T) {
	store, _ := newTestStore(t)
	var wg sync.WaitGroup
	for _, table := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(table string) {
			defer wg.Done()
			for i := int64(1); i <= 10; i++ {
				assert.NoError(t, store.UpdateTableProgress(table, i, 10))
			}
		}(table)
	}
	wg.Wait()

	reopened := NewCheckpointStore(store.Path(), nil)
	require.Equal(t, LoadRestored, reopened.Load().Outcome)
	assert.Equal(t, 4, reopened.Summary().CompletedTables)
}

func TestCheckpointStore_FailedWriteKeepsState(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-directory")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	store := NewCheckpointStore(filepath.Join(blocker, DefaultStateFile), testclock.NewClock(checkpointEpoch))

	assert.Error(t, store.SetPhase("full"))
	assert.Equal(t, "not_started", store.Phase())

	assert.Error(t, store.MarkCompleted("schema:ASSET"))
	assert.False(t, store.IsCompleted("schema:ASSET"))

	assert.Error(t, store.UpdateTableProgress("ASSET", 5, 10))
	_, ok := store.TableProgress("ASSET")
	assert.False(t, ok)

	assert.Error(t, store.UpdateProgress("ASSET", 5))
	assert.Empty(t, store.AllTableProgress())
	assert.Nil(t, store.Summary().LastUpdated)
}
