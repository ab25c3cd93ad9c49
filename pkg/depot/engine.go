// Package depot implements the Depot Mapping Engine: the
// component that walks the external catalog (or imports a pre-built
// artifact) to build the depot->app ownership table, then applies
// that table to backfill game identity on download records.
//
// Scans run in fixed-size batches with progress persisted at every
// batch boundary, so a restart resumes near where the previous run
// stopped rather than starting over.
package depot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lancache/cachectl-core/pkg/appstate"
	"github.com/lancache/cachectl-core/pkg/catalog"
	"github.com/lancache/cachectl-core/pkg/corelog"
	"github.com/lancache/cachectl-core/pkg/coreerrors"
	"github.com/lancache/cachectl-core/pkg/metrics"
	"github.com/lancache/cachectl-core/pkg/operations"
	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/lancache/cachectl-core/pkg/repository"
)

// ArtifactFetcher retrieves a pre-built depot-mapping artifact from a
// configured URL.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
}

// Config mirrors config.Config.Depot.
type Config struct {
	BatchSize               int
	ProgressThrottle        time.Duration
	IncrementalChangeBudget uint32
	ArtifactURL             string
	ArtifactTimeout         time.Duration

	// SnapshotPath is where the most recently imported artifact is
	// mirrored on disk; a database reset that clears the mapping table
	// removes this file so the next scan doesn't re-import it.
	SnapshotPath string
}

// Engine drives depot scans and applies their results to downloads.
// Only one scan may run at a time; Engine relies on the operations
// registry's singleton enforcement for KindDepotMapping to guarantee
// that.
type Engine struct {
	store        *appstate.Store
	catalog      *catalog.Client
	bus          *pushbus.Bus
	ops          *operations.Registry
	depotRepo    repository.DepotMappingRepository
	downloadRepo repository.DownloadRepository
	storefront   repository.StorefrontClient
	fetcher      ArtifactFetcher
	cfg          Config

	mu           sync.Mutex
	activeCancel context.CancelFunc
	scanOwners   map[uint32]uint32 // depot_id -> app_id, populated by the in-flight scan
}

// New builds a depot mapping engine.
func New(
	store *appstate.Store,
	catalogClient *catalog.Client,
	bus *pushbus.Bus,
	ops *operations.Registry,
	depotRepo repository.DepotMappingRepository,
	downloadRepo repository.DownloadRepository,
	storefront repository.StorefrontClient,
	fetcher ArtifactFetcher,
	cfg Config,
) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Engine{
		store:        store,
		catalog:      catalogClient,
		bus:          bus,
		ops:          ops,
		depotRepo:    depotRepo,
		downloadRepo: downloadRepo,
		storefront:   storefront,
		fetcher:      fetcher,
		cfg:          cfg,
		scanOwners:   make(map[uint32]uint32),
	}
}

// Start registers and launches a scan in the given mode, returning the
// operation record id immediately; the scan itself runs in the
// background. Returns coreerrors.ErrConflictRunning if a scan is
// already in flight.
func (e *Engine) Start(mode appstate.CrawlMode) (string, error) {
	// Artifact imports and catalog scans are distinct OperationRecord
	// kinds but share one exclusive slot: both are driven by
	// this single Engine instance, which only tracks one activeCancel
	// at a time.
	kind := operations.KindDepotMapping
	if mode == appstate.CrawlArtifact {
		kind = operations.KindDepotJSONImport
	}
	rec, err := e.ops.Register(kind, "")
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.activeCancel = cancel
	e.mu.Unlock()

	go e.run(ctx, rec.ID, mode)
	return rec.ID, nil
}

// Cancel requests cooperative cancellation of the in-flight scan.
func (e *Engine) Cancel(recordID string) error {
	if err := e.ops.Cancel(recordID); err != nil {
		return err
	}
	e.mu.Lock()
	cancel := e.activeCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (e *Engine) run(ctx context.Context, recordID string, mode appstate.CrawlMode) {
	log := corelog.WithComponent("depot")

	kind := operations.KindDepotMapping
	if mode == appstate.CrawlArtifact {
		kind = operations.KindDepotJSONImport
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, string(kind))

	var err error

	switch mode {
	case appstate.CrawlArtifact:
		err = e.runArtifact(ctx, recordID)
	case appstate.CrawlFull:
		err = e.runScan(ctx, recordID, true)
	default:
		needFull, verr := e.checkViability(ctx)
		if verr != nil {
			err = verr
			break
		}
		err = e.runScan(ctx, recordID, needFull)
	}

	e.mu.Lock()
	e.activeCancel = nil
	e.mu.Unlock()

	_ = e.store.Update(func(st *appstate.AppState) {
		st.DepotProcessing.IsActive = false
	})

	switch {
	case err == nil:
		return
	case coreerrors.Is(err, coreerrors.KindCancelled):
		e.ops.MarkCancelled(recordID, err.Error())
		e.publishProgress(pushbus.KindDepotMappingComplete, recordID, map[string]any{
			"success":   false,
			"cancelled": true,
		})
		log.Info().Str("operation_id", recordID).Msg("depot scan cancelled")
	default:
		e.ops.Fail(recordID, err)
		e.publishProgress(pushbus.KindDepotMappingComplete, recordID, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		log.Error().Err(err).Str("operation_id", recordID).Msg("depot scan failed")
	}
}

func (e *Engine) cancelRequested(recordID string) bool {
	rec, ok := e.ops.Get(recordID)
	return ok && rec.IsCancelRequested()
}

func (e *Engine) publishProgress(kind pushbus.Kind, recordID string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["operation_id"] = recordID
	e.bus.Publish(pushbus.Event{Kind: kind, Group: pushbus.GroupAuthenticated, Payload: payload})
}

var errCancelled = coreerrors.New(coreerrors.KindCancelled, fmt.Errorf("scan yielded or was cancelled"))
