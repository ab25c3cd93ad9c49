package depot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/lancache/cachectl-core/pkg/appstate"
	"github.com/lancache/cachectl-core/pkg/coreerrors"
	"github.com/lancache/cachectl-core/pkg/corelog"
	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/lancache/cachectl-core/pkg/repository"
)

// artifactDocument mirrors the precomputed depot artifact's wire shape
// exactly: a `depot_mappings` array plus a `metadata` block carrying
// the declared row count and the change number the snapshot was taken
// at. Unmarshaling straight into `[]repository.DepotMapping` cannot
// work against this schema — the top-level value is an object, not an
// array.
type artifactDocument struct {
	DepotMappings []artifactMapping `json:"depot_mappings"`
	Metadata      struct {
		TotalMappings    int    `json:"total_mappings"`
		LastChangeNumber uint32 `json:"last_change_number"`
	} `json:"metadata"`
}

type artifactMapping struct {
	DepotID uint32 `json:"depot_id"`
	AppID   uint32 `json:"app_id"`
	AppName string `json:"app_name"`
	IsOwner bool   `json:"is_owner"`
}

// runArtifact implements artifact mode: download a pre-built mapping
// document, validate it, replace the whole DepotMapping table, then
// apply the result to downloads. Progress windows: 0-18% download and
// validate, 18-22% pre-clear, 22-90% import, 90-100% apply.
func (e *Engine) runArtifact(ctx context.Context, recordID string) error {
	e.setProgress(recordID, "downloading artifact", 0)
	e.publishProgress(pushbus.KindDepotMappingStarted, recordID, map[string]any{"mode": "artifact"})

	data, err := e.fetcher.Fetch(ctx, e.cfg.ArtifactURL, e.cfg.ArtifactTimeout)
	if err != nil {
		return fmt.Errorf("depot: fetch artifact: %w", err)
	}
	if len(data) == 0 {
		return coreerrors.New(coreerrors.KindInvalid, coreerrors.ErrEmptyArtifact)
	}

	e.setProgress(recordID, "validating artifact", 10)
	var doc artifactDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return coreerrors.New(coreerrors.KindInvalid, fmt.Errorf("depot: parse artifact: %w", err))
	}
	// A parseable document with no mappings (e.g. a bare `{}`) must fail
	// here, before the snapshot write and the full-table replace — an
	// empty artifact never clears the database.
	if len(doc.DepotMappings) == 0 {
		return coreerrors.New(coreerrors.KindInvalid, coreerrors.ErrEmptyArtifact)
	}
	if doc.Metadata.TotalMappings != 0 && doc.Metadata.TotalMappings != len(doc.DepotMappings) {
		return coreerrors.New(coreerrors.KindInvalid, fmt.Errorf("depot: artifact declares %d mappings, carries %d", doc.Metadata.TotalMappings, len(doc.DepotMappings)))
	}

	e.saveSnapshot(data)

	mappings := make([]repository.DepotMapping, len(doc.DepotMappings))
	for i, m := range doc.DepotMappings {
		mappings[i] = repository.DepotMapping{
			DepotID:              m.DepotID,
			AppID:                m.AppID,
			AppName:              m.AppName,
			IsOwner:              m.IsOwner,
			LastSeenChangeNumber: doc.Metadata.LastChangeNumber,
			Source:               "artifact",
		}
	}

	e.setProgress(recordID, "clearing existing mappings", 18)
	e.setProgress(recordID, "importing artifact", 22)
	if err := e.depotRepo.ReplaceAll(ctx, mappings); err != nil {
		return fmt.Errorf("depot: replace mappings: %w", err)
	}

	if count, err := e.depotRepo.Count(ctx); err == nil && count != len(mappings) {
		return fmt.Errorf("depot: artifact import landed %d rows, expected %d", count, len(mappings))
	}

	e.mu.Lock()
	e.scanOwners = make(map[uint32]uint32, len(mappings))
	for _, m := range mappings {
		if m.IsOwner {
			e.scanOwners[m.DepotID] = m.AppID
		}
	}
	e.mu.Unlock()

	e.setProgress(recordID, "applying to downloads", 90)
	if err := e.applyToDownloads(ctx, recordID); err != nil {
		return fmt.Errorf("depot: apply to downloads: %w", err)
	}

	if err := e.store.Update(func(st *appstate.AppState) {
		st.DepotProcessing.LastChangeNumber = doc.Metadata.LastChangeNumber
		st.ViabilityCache.RequiresFullScan = false
		st.ViabilityCache.LastCheckChangeNumber = doc.Metadata.LastChangeNumber
	}); err != nil {
		return err
	}

	e.setProgress(recordID, "idle", 100)
	e.ops.Complete(recordID, fmt.Sprintf("imported %d depot mappings from artifact", len(mappings)))
	e.publishProgress(pushbus.KindDepotMappingComplete, recordID, map[string]any{
		"total_mappings": len(mappings),
		"mode":           "artifact",
		"success":        true,
	})
	return nil
}

// saveSnapshot mirrors the validated artifact body to the configured
// local path. A write failure is non-fatal: the import proceeds from
// the in-memory copy either way.
func (e *Engine) saveSnapshot(data []byte) {
	if e.cfg.SnapshotPath == "" {
		return
	}
	tmp := e.cfg.SnapshotPath + ".tmp"
	logger := corelog.WithComponent("depot")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logger.Warn().Err(err).Msg("failed to write artifact snapshot")
		return
	}
	if err := os.Rename(tmp, e.cfg.SnapshotPath); err != nil {
		logger.Warn().Err(err).Msg("failed to replace artifact snapshot")
	}
}

// setProgress records an artifact-import milestone in both places a
// catching-up client can read it back from: the AppState document and
// the operation record.
func (e *Engine) setProgress(recordID, status string, percent float64) {
	_ = e.store.Update(func(st *appstate.AppState) {
		st.DepotProcessing.IsActive = true
		st.DepotProcessing.StatusText = status
		st.DepotProcessing.ProgressPercent = percent
	})
	e.ops.Progress(recordID, percent, status)
}
