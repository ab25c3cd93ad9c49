package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lancache/cachectl-core/pkg/operations"
	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/stretchr/testify/require"
)

type fakeCacheFS struct {
	mu     sync.Mutex
	shards map[string][]string
	cleared []string
}

func (f *fakeCacheFS) Shards(ctx context.Context, scope string) ([]string, error) {
	return f.shards[scope], nil
}

func (f *fakeCacheFS) ClearShard(ctx context.Context, shardPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, shardPath)
	return nil
}

func waitForTerminal(t *testing.T, ops *operations.Registry, id string) operations.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := ops.Get(id); ok && rec.Status != operations.StatusRunning {
			return rec
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("operation never reached a terminal state")
	return operations.Record{}
}

func TestRunCacheClear_ClearsEveryShard(t *testing.T) {
	ops := operations.New("", 0)
	bus := pushbus.New()
	fs := &fakeCacheFS{shards: map[string][]string{"steam": {"/cache/steam/00", "/cache/steam/01"}}}

	r := &Runner{Ops: ops, Bus: bus, CacheFS: fs}
	id, err := r.RunCacheClear(context.Background(), "steam")
	require.NoError(t, err)

	rec := waitForTerminal(t, ops, id)
	require.Equal(t, operations.StatusCompleted, rec.Status)
	require.Equal(t, float64(100), rec.Percent)
	require.ElementsMatch(t, []string{"/cache/steam/00", "/cache/steam/01"}, fs.cleared)
}

func TestRunCacheClear_RejectsInvalidServiceName(t *testing.T) {
	ops := operations.New("", 0)
	bus := pushbus.New()
	r := &Runner{Ops: ops, Bus: bus, CacheFS: &fakeCacheFS{}}

	_, err := r.RunCacheClear(context.Background(), "192.168.1.1")
	require.Error(t, err)
}

func TestValidServiceName(t *testing.T) {
	cases := map[string]bool{
		"steam":       true,
		"all":         true,
		"":            true,
		"localhost":   false,
		"ip-address":  false,
		"10.0.0.1":    false,
		"192.168.1.1": false,
	}
	for name, want := range cases {
		require.Equal(t, want, ValidServiceName(name), "name=%q", name)
	}
}
