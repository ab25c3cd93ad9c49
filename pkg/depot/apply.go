package depot

import (
	"context"
	"fmt"
	"strings"

	"github.com/lancache/cachectl-core/pkg/metrics"
	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/lancache/cachectl-core/pkg/repository"
)

const cdnImageTemplate = "https://cdn.cloudflare.steamstatic.com/steam/apps/%d/header.jpg"

// ApplyToDownloads backfills game identity (app id, name, header
// image) on every Download row that lacks one, using two priority
// chains:
//
//   - owner: in-memory scan result -> persisted DepotMapping owner ->
//     depot_id as app_id -> depot_id-1
//   - name: Storefront (unless it returns a "Steam App "/"App "
//     placeholder name) -> persisted PICS name (unless "App "
//     placeholder) -> persisted PICS name even when it is an "App "
//     placeholder -> "Steam App {app_id}" fallback. No depot name is
//     looked up.
//
// Downloads from a client IP named in the excluded-client rules are
// skipped entirely; the rule set is re-read from AppState on every
// pass, so a rule added mid-run takes effect without a restart.
func (e *Engine) ApplyToDownloads(ctx context.Context) error {
	return e.applyToDownloads(ctx, "")
}

func (e *Engine) applyToDownloads(ctx context.Context, recordID string) error {
	excluded := make(map[string]bool)
	for _, ip := range e.store.Get().Flags.ExcludedClients {
		excluded[ip] = true
	}

	return e.downloadRepo.IterateMissingGameIdentity(ctx, func(d repository.Download) error {
		if excluded[d.ClientIP] {
			return nil
		}

		appID, ok := e.resolveOwner(ctx, d)
		if !ok {
			return nil // nothing we can do yet; leave unresolved for the next pass
		}

		name, imageURL := e.resolveNameAndImage(ctx, appID)
		if err := e.downloadRepo.BackfillGameIdentity(ctx, d.ID, appID, name, imageURL); err != nil {
			return err
		}
		metrics.BytesAttributed.WithLabelValues("hit").Add(float64(d.BytesHit))
		metrics.BytesAttributed.WithLabelValues("miss").Add(float64(d.BytesMiss))
		e.publishProgress(pushbus.KindDepotMappingProgress, recordID, map[string]any{
			"message":     "applying mappings to downloads",
			"download_id": d.ID,
			"app_id":      appID,
		})
		return nil
	})
}

func (e *Engine) resolveOwner(ctx context.Context, d repository.Download) (uint32, bool) {
	if d.DepotID == nil {
		return 0, false
	}
	depotID := *d.DepotID

	e.mu.Lock()
	appID, ok := e.scanOwners[depotID]
	e.mu.Unlock()
	if ok {
		return appID, true
	}

	if appID, ok, err := e.depotRepo.FindOwner(ctx, depotID); err == nil && ok {
		return appID, true
	}

	// depot_id as app_id is a common Steam convention for single-depot
	// apps; depot_id-1 covers the off-by-one "shared depot" case.
	if _, ok, err := e.depotRepo.FindName(ctx, depotID); err == nil && ok {
		return depotID, true
	}
	if depotID > 0 {
		if _, ok, err := e.depotRepo.FindName(ctx, depotID-1); err == nil && ok {
			return depotID - 1, true
		}
	}
	return 0, false
}

func (e *Engine) resolveNameAndImage(ctx context.Context, appID uint32) (name, imageURL string) {
	if e.storefront != nil {
		if info, err := e.storefront.GetGameInfo(ctx, appID); err == nil && info != nil && !isPlaceholderName(info.Name) {
			return info.Name, info.HeaderImage
		}
	}

	if picsName, ok, err := e.depotRepo.FindName(ctx, appID); err == nil && ok && !strings.HasPrefix(picsName, "App ") {
		return picsName, fmt.Sprintf(cdnImageTemplate, appID)
	}

	if picsName, ok, _ := e.depotRepo.FindName(ctx, appID); ok {
		return picsName, fmt.Sprintf(cdnImageTemplate, appID)
	}

	return fmt.Sprintf("Steam App %d", appID), fmt.Sprintf(cdnImageTemplate, appID)
}

func isPlaceholderName(name string) bool {
	return strings.HasPrefix(name, "Steam App ") || strings.HasPrefix(name, "App ")
}
