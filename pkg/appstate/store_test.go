package appstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDefaultState(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	got := s.Get()
	require.Equal(t, CrawlIncremental, got.Scheduling.CrawlMode)
	require.FileExists(t, filepath.Join(dir, "state.json"))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Update(func(st *AppState) {
		st.LogProcessing.Position = 42
		st.Scheduling.LastPICSCrawlUTC = &now
		st.DepotProcessing.RemainingApps = []uint32{1, 2, 3}
	}))

	s2, err := Open(dir)
	require.NoError(t, err)
	got := s2.Get()
	require.EqualValues(t, 42, got.LogProcessing.Position)
	require.Equal(t, []uint32{1, 2, 3}, got.DepotProcessing.RemainingApps)
	require.WithinDuration(t, now, *got.Scheduling.LastPICSCrawlUTC, time.Second)
}

func TestLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "position.txt"), []byte("12345"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "setup_completed.txt"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "last_pics_crawl.txt"), []byte("2024-01-02T03:04:05Z"), 0o644))

	s, err := Open(dir)
	require.NoError(t, err)

	got := s.Get()
	require.EqualValues(t, 12345, got.LogProcessing.Position)
	require.True(t, got.Flags.SetupCompleted)
	require.NotNil(t, got.Scheduling.LastPICSCrawlUTC)
	require.Equal(t, 2024, got.Scheduling.LastPICSCrawlUTC.Year())

	// Legacy files must survive the migration untouched.
	require.FileExists(t, filepath.Join(dir, "position.txt"))
}

func TestTakeLegacySteamAuthExtractsAndClears(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"log_processing":{"position":3},"steam_auth":{"mode":"authenticated","username":"bob","refresh_token":"tok"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte(legacy), 0o644))

	s, err := Open(dir)
	require.NoError(t, err)

	raw, ok := s.TakeLegacySteamAuth()
	require.True(t, ok)
	require.Contains(t, string(raw), "refresh_token")

	// A second call must return nothing: the slot is cleared in memory
	// (and the next persist() drops it from disk, since AppState's Go
	// struct never had the field).
	_, ok = s.TakeLegacySteamAuth()
	require.False(t, ok)
}

func TestCorruptedStateFallsBackToDefaultsWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Update(func(st *AppState) { st.LogProcessing.Position = 7 }))

	// Simulate a torn/corrupted file appearing on disk between process
	// restarts.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o644))

	s2, err := Open(dir)
	require.NoError(t, err)
	got := s2.Get()
	// A reopen that fails to parse must not touch the corrupted file on
	// disk and must fall back to fresh defaults rather than propagate
	// the parse error.
	require.EqualValues(t, 0, got.LogProcessing.Position)

	raw, rerr := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, rerr)
	var probe map[string]any
	require.Error(t, json.Unmarshal(raw, &probe))
}

func TestUpdatePersistsNoTornFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, s.Update(func(st *AppState) {
			st.LogProcessing.Position = uint64(i)
		}))
		raw, rerr := os.ReadFile(filepath.Join(dir, "state.json"))
		require.NoError(t, rerr)
		var probe AppState
		require.NoError(t, json.Unmarshal(raw, &probe))
	}
}

func TestOnChangeHookFires(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	done := make(chan struct{}, 1)
	s.OnChange(func(old, new AppState) {
		if new.LogProcessing.Position == 99 {
			done <- struct{}{}
		}
	})

	require.NoError(t, s.Update(func(st *AppState) { st.LogProcessing.Position = 99 }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onChange hook did not fire")
	}
}
