package depot

import (
	"context"
	"fmt"
	"time"

	"github.com/lancache/cachectl-core/pkg/appstate"
	"github.com/lancache/cachectl-core/pkg/catalog"
	"github.com/lancache/cachectl-core/pkg/coreerrors"
	"github.com/lancache/cachectl-core/pkg/metrics"
	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/lancache/cachectl-core/pkg/repository"
)

const maxTransientRetriesPerBatch = 3

// runScan walks the catalog (full app universe or just changed apps)
// in batches, upserting depot mappings and persisting resumable
// progress after every batch.
func (e *Engine) runScan(ctx context.Context, recordID string, full bool) error {
	changeNumber, err := e.catalog.ChangeNumber(ctx)
	if err != nil {
		return err
	}

	var appIDs []uint32
	if full {
		appIDs, err = e.catalog.GetAppList(ctx)
	} else {
		st := e.store.Get()
		appIDs, err = e.catalog.GetChangedApps(ctx, st.DepotProcessing.LastChangeNumber)
	}
	if err != nil {
		return err
	}

	batches := chunk(appIDs, e.cfg.BatchSize)

	statusText := "scanning (incremental)"
	if full {
		statusText = "scanning (full)"
	}
	now := time.Now()
	if err := e.store.Update(func(st *appstate.AppState) {
		st.DepotProcessing = appstate.DepotProcessing{
			IsActive:     true,
			StatusText:   statusText,
			TotalBatches: len(batches),
			StartUTC:     &now,
			RemainingApps: appIDs,
		}
	}); err != nil {
		return err
	}

	e.publishProgress(pushbus.KindDepotMappingStarted, recordID, map[string]any{
		"mode":          statusText,
		"total_batches": len(batches),
		"is_logged_on":  e.catalog.State() == catalog.StateLoggedOn,
	})

	e.mu.Lock()
	e.scanOwners = make(map[uint32]uint32, len(appIDs))
	e.mu.Unlock()

	mappingsFound := 0
	for i, batch := range batches {
		if e.cancelRequested(recordID) {
			return errCancelled
		}
		select {
		case <-ctx.Done():
			return errCancelled
		default:
		}

		if err := e.waitOutYield(ctx, recordID); err != nil {
			return err
		}

		info, err := e.fetchBatchWithRetry(ctx, batch)
		if err != nil {
			return err
		}

		for _, product := range info {
			for depotID, entry := range product.Depots {
				mapping := repository.DepotMapping{
					DepotID:              depotID,
					AppID:                product.AppID,
					AppName:              product.Name,
					IsOwner:              entry.IsOwner,
					LastSeenChangeNumber: changeNumber,
					Source:               "pics",
				}
				if err := e.depotRepo.Upsert(ctx, mapping); err != nil {
					return fmt.Errorf("depot: upsert mapping: %w", err)
				}
				if entry.IsOwner {
					e.mu.Lock()
					e.scanOwners[depotID] = product.AppID
					e.mu.Unlock()
				}
				mappingsFound++
			}
		}

		metrics.ScanBatchesProcessed.Inc()
		metrics.DepotMappingsFound.Set(float64(mappingsFound))

		percent := float64(i+1) / float64(max(len(batches), 1)) * 100
		remaining := flattenRemaining(batches, i+1)
		if err := e.store.Update(func(st *appstate.AppState) {
			st.DepotProcessing.ProcessedBatches = i + 1
			st.DepotProcessing.DepotMappingsFound = mappingsFound
			st.DepotProcessing.ProgressPercent = percent
			st.DepotProcessing.RemainingApps = remaining
		}); err != nil {
			return err
		}

		// The operation record advances on every batch so a client that
		// missed push events can reconcile from the registry snapshot;
		// the bus event itself is throttled, except for the final batch.
		e.ops.Progress(recordID, percent, fmt.Sprintf("processed batch %d/%d", i+1, len(batches)))
		if e.catalog.AllowProgressEvent() || i+1 == len(batches) {
			e.publishProgress(pushbus.KindDepotMappingProgress, recordID, map[string]any{
				"processed_batches": i + 1,
				"total_batches":     len(batches),
				"mappings_found":    mappingsFound,
			})
		}
	}

	if err := e.resolveOrphans(ctx, changeNumber); err != nil {
		return err
	}

	// The change-number baseline only advances on a fully committed
	// scan; a cancelled or failed run must diff from the old baseline
	// next time.
	if err := e.store.Update(func(st *appstate.AppState) {
		st.ViabilityCache.RequiresFullScan = false
		st.ViabilityCache.LastCheckChangeNumber = changeNumber
		st.DepotProcessing.LastChangeNumber = changeNumber
		st.DepotProcessing.RemainingApps = nil
		st.DepotProcessing.StatusText = "idle"
		st.DepotProcessing.ProgressPercent = 100
		st.DepotProcessing.IsActive = false
	}); err != nil {
		return err
	}

	if err := e.applyToDownloads(ctx, recordID); err != nil {
		return err
	}

	e.ops.Complete(recordID, fmt.Sprintf("found %d depot mappings", mappingsFound))
	e.publishProgress(pushbus.KindDepotMappingComplete, recordID, map[string]any{
		"mappings_found": mappingsFound,
		"success":        true,
	})
	return nil
}

// waitOutYield blocks the scan at a batch boundary while the catalog
// client is yielding its session to a competing local daemon, emitting
// a single Progress event with a "paused" status so subscribers see
// the scan is alive, not stuck. It returns
// once the client resumes, or errCancelled if the operation was
// cancelled while waiting.
func (e *Engine) waitOutYield(ctx context.Context, recordID string) error {
	if !e.catalog.IsYielding() {
		return nil
	}

	e.publishProgress(pushbus.KindDepotMappingProgress, recordID, map[string]any{
		"message": "paused",
		"paused":  true,
	})
	_ = e.store.Update(func(st *appstate.AppState) {
		st.DepotProcessing.StatusText = "paused (yielding session)"
	})

	for e.catalog.IsYielding() {
		if e.cancelRequested(recordID) {
			return errCancelled
		}
		select {
		case <-ctx.Done():
			return errCancelled
		case <-time.After(time.Second):
		}
	}
	return nil
}

// fetchBatchWithRetry retries a transient catalog error a bounded
// number of times before giving up on the whole scan.
func (e *Engine) fetchBatchWithRetry(ctx context.Context, batch []uint32) ([]catalog.ProductInfo, error) {
	var lastErr error
	for attempt := 0; attempt < maxTransientRetriesPerBatch; attempt++ {
		info, err := e.catalog.GetProductInfo(ctx, batch)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if !coreerrors.Is(err, coreerrors.KindTransient) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, errCancelled
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return nil, fmt.Errorf("depot: batch failed after %d attempts: %w", maxTransientRetriesPerBatch, lastErr)
}

// resolveOrphans attempts to assign an owning app to depots referenced
// by Downloads but missing a DepotMapping row, trying {depot_id,
// depot_id-1, depot_id-2} as candidate owning app ids. Candidates the
// main pass already scanned this run are skipped — if they owned the
// depot, the main loop would have already upserted the mapping. The
// remaining candidates are queried against the catalog directly (not
// looked up in the repository), since this step exists specifically to
// cover depots belonging to delisted apps that never appear in the app
// universe/changed-apps list and so were never scanned.
func (e *Engine) resolveOrphans(ctx context.Context, changeNumber uint32) error {
	orphans, err := e.depotRepo.DepotIDsMissingMapping(ctx)
	if err != nil {
		return fmt.Errorf("depot: list orphan depots: %w", err)
	}

	for _, depotID := range orphans {
		for _, delta := range []uint32{0, 1, 2} {
			if delta > depotID {
				continue
			}
			candidate := depotID - delta

			e.mu.Lock()
			_, alreadyScanned := e.scanOwners[candidate]
			e.mu.Unlock()
			if alreadyScanned {
				continue
			}

			info, err := e.catalog.GetProductInfo(ctx, []uint32{candidate})
			if err != nil || len(info) == 0 {
				continue
			}
			product := info[0]
			for entryDepotID, entry := range product.Depots {
				mapping := repository.DepotMapping{
					DepotID:              entryDepotID,
					AppID:                product.AppID,
					AppName:              product.Name,
					IsOwner:              entry.IsOwner,
					LastSeenChangeNumber: changeNumber,
					Source:               "orphan-resolution",
				}
				if err := e.depotRepo.Upsert(ctx, mapping); err != nil {
					return fmt.Errorf("depot: upsert orphan-resolved mapping: %w", err)
				}
			}
			if _, ok := product.Depots[depotID]; ok {
				break
			}
		}
	}
	return nil
}

func chunk(ids []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = 50
	}
	var out [][]uint32
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}

func flattenRemaining(batches [][]uint32, fromBatch int) []uint32 {
	var out []uint32
	for _, b := range batches[min(fromBatch, len(batches)):] {
		out = append(out, b...)
	}
	return out
}

