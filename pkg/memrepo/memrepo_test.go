package memrepo

import (
	"context"
	"testing"

	"github.com/lancache/cachectl-core/pkg/repository"
	"github.com/stretchr/testify/require"
)

func TestUpsertAndFindOwner(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, repository.DepotMapping{DepotID: 10, AppID: 100, AppName: "Game", IsOwner: true}))

	appID, ok, err := store.FindOwner(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(100), appID)

	name, ok, err := store.FindName(ctx, 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Game", name)
}

func TestClearEmptiesMappings(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, repository.DepotMapping{DepotID: 1, AppID: 2}))
	require.NoError(t, store.Clear(ctx))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestDepotIDsMissingMapping(t *testing.T) {
	store := New()
	ctx := context.Background()
	depotID := uint32(55)
	store.Put(repository.Download{ID: "dl-1", DepotID: &depotID})

	missing, err := store.DepotIDsMissingMapping(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint32{55}, missing)

	require.NoError(t, store.Upsert(ctx, repository.DepotMapping{DepotID: 55, AppID: 9}))
	missing, err = store.DepotIDsMissingMapping(ctx)
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestBackfillGameIdentity(t *testing.T) {
	store := New()
	ctx := context.Background()
	store.Put(repository.Download{ID: "dl-1"})

	require.NoError(t, store.BackfillGameIdentity(ctx, "dl-1", 42, "Game", "http://img"))

	var seen repository.Download
	require.NoError(t, store.IterateMissingGameIdentity(ctx, func(d repository.Download) error {
		seen = d
		return nil
	}))
	require.Zero(t, seen.ID, "backfilled row must no longer be reported as missing")
}

func TestDeleteBatchDrainsInChunks(t *testing.T) {
	store := New()
	ctx := context.Background()
	store.SeedTableRows("Events", 250)

	total := 0
	for {
		n, err := store.DeleteBatch(ctx, "Events", 100)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		total += n
	}
	require.Equal(t, 250, total)
}
