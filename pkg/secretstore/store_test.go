package secretstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetDefaultsToAnonymous(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	auth, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, AuthAnonymous, auth.Mode)
}

func TestSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	err = s.Set(SteamAuth{
		Mode:              AuthAuthenticated,
		Username:          "cacheop",
		RefreshToken:      "super-secret-token",
		LastAuthenticated: &now,
	})
	require.NoError(t, err)

	auth, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, AuthAuthenticated, auth.Mode)
	require.Equal(t, "super-secret-token", auth.RefreshToken)
	require.WithinDuration(t, now, *auth.LastAuthenticated, time.Second)

	// The file on disk must never contain the plaintext token.
	raw, rerr := os.ReadFile(filepath.Join(dir, "steam_auth", credentialsFile))
	require.NoError(t, rerr)
	require.NotContains(t, string(raw), "super-secret-token")
}

func TestClearResetsToAnonymous(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Set(SteamAuth{Mode: AuthAuthenticated, RefreshToken: "tok"}))
	require.NoError(t, s.Clear())

	auth, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, AuthAnonymous, auth.Mode)
	require.Empty(t, auth.RefreshToken)
}

func TestReopenDecryptsWithPersistedKey(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(SteamAuth{Mode: AuthAuthenticated, RefreshToken: "persisted-token"}))

	s2, err := Open(dir)
	require.NoError(t, err)
	auth, err := s2.Get()
	require.NoError(t, err)
	require.Equal(t, "persisted-token", auth.RefreshToken)
}

func TestMigrateFromLegacyOnlyRunsOnce(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	legacy := &SteamAuth{Mode: AuthAuthenticated, RefreshToken: "legacy-token"}
	migrated, err := s.MigrateFromLegacy(legacy)
	require.NoError(t, err)
	require.True(t, migrated)

	auth, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "legacy-token", auth.RefreshToken)

	// A second attempt must be a no-op even if a different value is offered.
	other := &SteamAuth{Mode: AuthAuthenticated, RefreshToken: "different-token"}
	migrated2, err := s.MigrateFromLegacy(other)
	require.NoError(t, err)
	require.False(t, migrated2)

	auth2, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "legacy-token", auth2.RefreshToken)
}

func TestCorruptedCiphertextIsRejected(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(SteamAuth{Mode: AuthAuthenticated, RefreshToken: "tok"}))

	path := filepath.Join(dir, "steam_auth", credentialsFile)
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	_, err = s.Get()
	require.Error(t, err)
}
