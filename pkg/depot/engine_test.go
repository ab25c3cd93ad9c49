package depot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lancache/cachectl-core/pkg/appstate"
	"github.com/lancache/cachectl-core/pkg/catalog"
	"github.com/lancache/cachectl-core/pkg/operations"
	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/lancache/cachectl-core/pkg/repository"
	"github.com/lancache/cachectl-core/pkg/secretstore"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu           sync.Mutex
	appList      []uint32
	changedApps  []uint32
	changeNumber uint32
	products     map[uint32]catalog.ProductInfo
}

func (f *fakeTransport) Connect(ctx context.Context) error         { return nil }
func (f *fakeTransport) Disconnect()                               {}
func (f *fakeTransport) LogonAnonymous(ctx context.Context) error  { return nil }
func (f *fakeTransport) LogonWithToken(ctx context.Context, u, t string) error {
	return nil
}
func (f *fakeTransport) ChangeNumber(ctx context.Context) (uint32, error) {
	return f.changeNumber, nil
}
func (f *fakeTransport) GetAppList(ctx context.Context) ([]uint32, error) {
	return f.appList, nil
}
func (f *fakeTransport) GetChangedApps(ctx context.Context, since uint32) ([]uint32, error) {
	return f.changedApps, nil
}
func (f *fakeTransport) SessionReplaced() <-chan bool { return make(chan bool) }
func (f *fakeTransport) GetProductInfo(ctx context.Context, appIDs []uint32) ([]catalog.ProductInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]catalog.ProductInfo, 0, len(appIDs))
	for _, id := range appIDs {
		if p, ok := f.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeDepotRepo struct {
	mu       sync.Mutex
	rows     map[string]repository.DepotMapping // keyed by "depot/app"
	replaced []repository.DepotMapping
	missing  []uint32
}

func newFakeDepotRepo() *fakeDepotRepo {
	return &fakeDepotRepo{rows: make(map[string]repository.DepotMapping)}
}

func rowKey(depotID, appID uint32) string {
	return fmt.Sprintf("%d/%d", depotID, appID)
}

func (r *fakeDepotRepo) Upsert(ctx context.Context, m repository.DepotMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[rowKey(m.DepotID, m.AppID)] = m
	return nil
}
func (r *fakeDepotRepo) ReplaceAll(ctx context.Context, mappings []repository.DepotMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = make(map[string]repository.DepotMapping)
	for _, m := range mappings {
		r.rows[rowKey(m.DepotID, m.AppID)] = m
	}
	r.replaced = mappings
	return nil
}
func (r *fakeDepotRepo) FindOwner(ctx context.Context, depotID uint32) (uint32, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rows {
		if m.DepotID == depotID && m.IsOwner {
			return m.AppID, true, nil
		}
	}
	return 0, false, nil
}
func (r *fakeDepotRepo) FindName(ctx context.Context, appID uint32) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rows {
		if m.AppID == appID {
			return m.AppName, true, nil
		}
	}
	return "", false, nil
}
func (r *fakeDepotRepo) DepotIDsMissingMapping(ctx context.Context) ([]uint32, error) {
	return r.missing, nil
}
func (r *fakeDepotRepo) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows), nil
}
func (r *fakeDepotRepo) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = make(map[string]repository.DepotMapping)
	return nil
}

type fakeDownloadRepo struct {
	mu        sync.Mutex
	pending   []repository.Download
	backfills map[string]repository.DepotMapping
}

func (d *fakeDownloadRepo) IterateMissingGameIdentity(ctx context.Context, fn func(repository.Download) error) error {
	for _, dl := range d.pending {
		if err := fn(dl); err != nil {
			return err
		}
	}
	return nil
}
func (d *fakeDownloadRepo) BackfillGameIdentity(ctx context.Context, id string, appID uint32, name, imageURL string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backfills == nil {
		d.backfills = make(map[string]repository.DepotMapping)
	}
	d.backfills[id] = repository.DepotMapping{AppID: appID, AppName: name}
	return nil
}
func (d *fakeDownloadRepo) NullLogEntryDownloadRefs(ctx context.Context, batchRows int) error { return nil }
func (d *fakeDownloadRepo) ClearAll(ctx context.Context, batchRows int) error                  { return nil }

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	return f.data, f.err
}

func newTestEngine(t *testing.T, transport catalog.Transport, depotRepo repository.DepotMappingRepository, downloadRepo repository.DownloadRepository, fetcher ArtifactFetcher) (*Engine, *appstate.Store, *operations.Registry) {
	t.Helper()
	store, err := appstate.Open(t.TempDir())
	require.NoError(t, err)

	secrets, err := secretstore.Open(t.TempDir())
	require.NoError(t, err)

	bus := pushbus.New()
	client := catalog.New(transport, secrets, bus, catalog.Config{
		ConnectTimeout: time.Second, LogonTimeout: time.Second,
		MaxReconnectAttempts: 5, MaxSessionReplacedBeforeLogout: 3,
	})
	require.NoError(t, client.Connect(context.Background()))

	ops := operations.New("", 0)
	engine := New(store, client, bus, ops, depotRepo, downloadRepo, nil, fetcher, Config{BatchSize: 2})
	return engine, store, ops
}

func TestFullScanUpsertsMappingsAndCompletes(t *testing.T) {
	transport := &fakeTransport{
		appList:      []uint32{10, 20},
		changeNumber: 100,
		products: map[uint32]catalog.ProductInfo{
			10: {AppID: 10, Name: "Game Ten", Depots: map[uint32]catalog.DepotEntry{1001: {DepotID: 1001, IsOwner: true}}},
			20: {AppID: 20, Name: "Game Twenty", Depots: map[uint32]catalog.DepotEntry{2001: {DepotID: 2001, IsOwner: true}}},
		},
	}
	depotRepo := newFakeDepotRepo()
	downloadRepo := &fakeDownloadRepo{}
	engine, store, ops := newTestEngine(t, transport, depotRepo, downloadRepo, nil)

	recordID, err := engine.Start(appstate.CrawlFull)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := ops.Get(recordID)
		return ok && rec.Status == operations.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	count, err := depotRepo.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)

	st := store.Get()
	require.False(t, st.DepotProcessing.IsActive)
}

func TestSecondStartConflictsWhileRunning(t *testing.T) {
	transport := &fakeTransport{appList: []uint32{10}, products: map[uint32]catalog.ProductInfo{}}
	depotRepo := newFakeDepotRepo()
	downloadRepo := &fakeDownloadRepo{}
	engine, _, _ := newTestEngine(t, transport, depotRepo, downloadRepo, nil)

	_, err := engine.Start(appstate.CrawlFull)
	require.NoError(t, err)

	_, err = engine.Start(appstate.CrawlFull)
	require.Error(t, err)
}

func TestArtifactModeReplacesAndApplies(t *testing.T) {
	transport := &fakeTransport{}
	depotRepo := newFakeDepotRepo()
	downloadRepo := &fakeDownloadRepo{
		pending: []repository.Download{{ID: "dl-1", DepotID: uint32Ptr(1001)}},
	}

	data, err := json.Marshal(map[string]any{
		"depot_mappings": []map[string]any{
			{"depot_id": 1001, "app_id": 10, "app_name": "Game Ten", "is_owner": true},
		},
		"metadata": map[string]any{
			"total_mappings":     1,
			"last_change_number": 91234,
		},
	})
	require.NoError(t, err)
	fetcher := &fakeFetcher{data: data}

	engine, store, ops := newTestEngine(t, transport, depotRepo, downloadRepo, fetcher)
	engine.cfg.ArtifactURL = "https://example.test/artifact.json"
	engine.cfg.ArtifactTimeout = time.Second
	snapshotPath := filepath.Join(t.TempDir(), "pics_depot_mappings.json")
	engine.cfg.SnapshotPath = snapshotPath

	require.NoError(t, store.Update(func(st *appstate.AppState) {
		st.ViabilityCache.RequiresFullScan = true
		st.ViabilityCache.LastCheckChangeNumber = 1
	}))

	recordID, err := engine.Start(appstate.CrawlArtifact)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := ops.Get(recordID)
		return ok && rec.Status == operations.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	count, err := depotRepo.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	st := store.Get()
	require.EqualValues(t, 91234, st.DepotProcessing.LastChangeNumber)
	require.EqualValues(t, 91234, st.ViabilityCache.LastCheckChangeNumber)
	require.False(t, st.ViabilityCache.RequiresFullScan)

	snapshot, err := os.ReadFile(snapshotPath)
	require.NoError(t, err, "validated artifact must be mirrored to the snapshot path")
	require.JSONEq(t, string(data), string(snapshot))
}

func TestApplyToDownloadsSkipsExcludedClients(t *testing.T) {
	transport := &fakeTransport{}
	depotRepo := newFakeDepotRepo()
	require.NoError(t, depotRepo.Upsert(context.Background(), repository.DepotMapping{
		DepotID: 1001, AppID: 10, AppName: "Game Ten", IsOwner: true,
	}))
	downloadRepo := &fakeDownloadRepo{
		pending: []repository.Download{
			{ID: "dl-kept", ClientIP: "10.0.0.5", DepotID: uint32Ptr(1001)},
			{ID: "dl-excluded", ClientIP: "10.0.0.9", DepotID: uint32Ptr(1001)},
		},
	}
	engine, store, _ := newTestEngine(t, transport, depotRepo, downloadRepo, nil)

	require.NoError(t, store.Update(func(st *appstate.AppState) {
		st.Flags.ExcludedClients = []string{"10.0.0.9"}
	}))

	require.NoError(t, engine.ApplyToDownloads(context.Background()))

	downloadRepo.mu.Lock()
	defer downloadRepo.mu.Unlock()
	require.Contains(t, downloadRepo.backfills, "dl-kept")
	require.NotContains(t, downloadRepo.backfills, "dl-excluded")
}

func TestArtifactModeRejectsEmptyPayload(t *testing.T) {
	transport := &fakeTransport{}
	depotRepo := newFakeDepotRepo()
	downloadRepo := &fakeDownloadRepo{}
	fetcher := &fakeFetcher{data: nil}

	engine, _, ops := newTestEngine(t, transport, depotRepo, downloadRepo, fetcher)
	engine.cfg.ArtifactURL = "https://example.test/artifact.json"
	engine.cfg.ArtifactTimeout = time.Second

	recordID, err := engine.Start(appstate.CrawlArtifact)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := ops.Get(recordID)
		return ok && rec.Status == operations.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestArtifactModeRejectsDocumentWithNoMappings(t *testing.T) {
	transport := &fakeTransport{}
	depotRepo := newFakeDepotRepo()
	require.NoError(t, depotRepo.Upsert(context.Background(), repository.DepotMapping{
		DepotID: 1001, AppID: 10, AppName: "Game Ten", IsOwner: true,
	}))
	downloadRepo := &fakeDownloadRepo{}
	fetcher := &fakeFetcher{data: []byte(`{}`)}

	engine, _, ops := newTestEngine(t, transport, depotRepo, downloadRepo, fetcher)
	engine.cfg.ArtifactURL = "https://example.test/artifact.json"
	engine.cfg.ArtifactTimeout = time.Second
	snapshotPath := filepath.Join(t.TempDir(), "pics_depot_mappings.json")
	engine.cfg.SnapshotPath = snapshotPath

	recordID, err := engine.Start(appstate.CrawlArtifact)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := ops.Get(recordID)
		return ok && rec.Status == operations.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	// A parseable-but-empty artifact must leave the mapping table and
	// the on-disk snapshot untouched.
	count, err := depotRepo.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	_, statErr := os.Stat(snapshotPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestCancelMarksCancelledNotFailed(t *testing.T) {
	appList := make([]uint32, 0, 40)
	products := make(map[uint32]catalog.ProductInfo, 40)
	for i := uint32(1); i <= 40; i++ {
		appList = append(appList, i)
		products[i] = catalog.ProductInfo{AppID: i, Name: "Game", Depots: map[uint32]catalog.DepotEntry{i * 1000: {DepotID: i * 1000, IsOwner: true}}}
	}
	transport := &fakeTransport{appList: appList, products: products}
	depotRepo := newFakeDepotRepo()
	downloadRepo := &fakeDownloadRepo{}
	engine, _, ops := newTestEngine(t, transport, depotRepo, downloadRepo, nil)

	recordID, err := engine.Start(appstate.CrawlFull)
	require.NoError(t, err)
	require.NoError(t, engine.Cancel(recordID))

	require.Eventually(t, func() bool {
		rec, ok := ops.Get(recordID)
		return ok && rec.Status == operations.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func uint32Ptr(v uint32) *uint32 { return &v }
