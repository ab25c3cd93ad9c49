package operations

import (
	"errors"
	"testing"
	"time"

	"github.com/lancache/cachectl-core/pkg/coreerrors"
	"github.com/stretchr/testify/require"
)

func TestRegisterSingletonKindConflicts(t *testing.T) {
	reg := New("", 0)

	_, err := reg.Register(KindDepotMapping, "")
	require.NoError(t, err)

	_, err = reg.Register(KindDepotMapping, "")
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerrors.ErrConflictRunning))
}

func TestRegisterNonSingletonAllowsDistinctScopes(t *testing.T) {
	reg := New("", 0)

	_, err := reg.Register(KindCacheClear, "steam")
	require.NoError(t, err)
	_, err = reg.Register(KindCacheClear, "epic")
	require.NoError(t, err)
}

func TestRegisterNonSingletonConflictsOnSameScope(t *testing.T) {
	reg := New("", 0)

	_, err := reg.Register(KindCacheClear, "steam")
	require.NoError(t, err)
	_, err = reg.Register(KindCacheClear, "steam")
	require.Error(t, err)
}

func TestCompleteAllowsReuseOfSingletonSlot(t *testing.T) {
	reg := New("", 0)

	rec, err := reg.Register(KindDepotMapping, "")
	require.NoError(t, err)
	reg.Complete(rec.ID, "done")

	_, err = reg.Register(KindDepotMapping, "")
	require.NoError(t, err)
}

func TestCancelThenMarkCancelledIsNotFailure(t *testing.T) {
	reg := New("", 0)
	rec, err := reg.Register(KindDepotMapping, "")
	require.NoError(t, err)

	require.NoError(t, reg.Cancel(rec.ID))
	got, _ := reg.Get(rec.ID)
	require.True(t, got.IsCancelRequested())

	reg.MarkCancelled(rec.ID, "yielded to shutdown")
	got, _ = reg.Get(rec.ID)
	require.Equal(t, StatusCancelled, got.Status)
	require.Nil(t, got.Err)
}

func TestRecoverFromCrashFailsNonTerminalRecords(t *testing.T) {
	reg := New("", 0)
	rec, err := reg.Register(KindLogCount, "steam")
	require.NoError(t, err)

	reg.RecoverFromCrash()

	got, _ := reg.Get(rec.ID)
	require.Equal(t, StatusFailed, got.Status)
}

func TestSweepRemovesOldTerminalRecordsOnly(t *testing.T) {
	reg := New("", 0)
	rec, err := reg.Register(KindCacheClear, "steam")
	require.NoError(t, err)
	reg.Complete(rec.ID, "ok")

	// Backdate EndedAt past the cache-clear retention window.
	reg.mu.Lock()
	old := time.Now().Add(-25 * time.Hour)
	reg.records[rec.ID].EndedAt = &old
	reg.mu.Unlock()

	stillRunning, err := reg.Register(KindLogCount, "steam")
	require.NoError(t, err)

	reg.sweep()

	_, ok := reg.Get(rec.ID)
	require.False(t, ok)

	_, ok = reg.Get(stillRunning.ID)
	require.True(t, ok)
}

func TestStartStopRunsSweepInBackground(t *testing.T) {
	reg := New("", 20 * time.Millisecond)
	rec, err := reg.Register(KindCacheClear, "steam")
	require.NoError(t, err)
	reg.Complete(rec.ID, "ok")
	reg.mu.Lock()
	old := time.Now().Add(-25 * time.Hour)
	reg.records[rec.ID].EndedAt = &old
	reg.mu.Unlock()

	reg.Start()
	defer reg.Stop()

	require.Eventually(t, func() bool {
		_, ok := reg.Get(rec.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestPersistedRecordsSurviveRestartAndCrashRecovery(t *testing.T) {
	dir := t.TempDir()

	reg := New(dir, 0)
	rec, err := reg.Register(KindDepotMapping, "")
	require.NoError(t, err)
	cacheRec, err := reg.Register(KindCacheClear, "steam")
	require.NoError(t, err)
	reg.Complete(cacheRec.ID, "done")

	require.FileExists(t, dir+"/operation_history.json")
	require.FileExists(t, dir+"/cache_operations.json")

	// Simulate a restart: a fresh registry loads the still-running
	// depot mapping record back from disk, and crash recovery fails it
	// rather than leaving it stuck "running" forever.
	restarted := New(dir, 0)
	got, ok := restarted.Get(rec.ID)
	require.True(t, ok)
	require.Equal(t, StatusRunning, got.Status)

	restarted.RecoverFromCrash()
	got, _ = restarted.Get(rec.ID)
	require.Equal(t, StatusFailed, got.Status)

	cached, ok := restarted.Get(cacheRec.ID)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, cached.Status)
}
