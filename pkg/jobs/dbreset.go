package jobs

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lancache/cachectl-core/pkg/operations"
	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/lancache/cachectl-core/pkg/repository"
)

// batchYield is the small pause between batched deletes so other
// operations get a chance to progress.
const batchYield = 10 * time.Millisecond

// resetOrder is the fixed table dependency order: sessions first (to
// log everyone out immediately), then preferences, then everything
// with a foreign key into Downloads, then Downloads itself, then
// Events, then anything else.
var resetOrder = []string{
	"UserSessions",
	"UserPreferences",
	"EventDownloads",
	"LogEntries",
	"Downloads",
	"Events",
	"SteamDepotMappings",
}

// tableSpec describes one step of the selective reset.
type tableSpec struct {
	name string
}

// RunDatabaseReset clears exactly the named tables, in the fixed
// dependency order. UserSessions triggers an immediate UserSessionsCleared event;
// clearing Downloads without LogEntries first nulls LogEntries' FK
// columns; clearing SteamDepotMappings also removes the cached
// artifact file so the next scan doesn't silently re-import it.
// DatabaseReset is a singleton kind.
func (r *Runner) RunDatabaseReset(ctx context.Context, tables []string, batchRows int, artifactPath string) (string, error) {
	rec, err := r.Ops.Register(operations.KindDatabaseReset, "")
	if err != nil {
		return "", err
	}
	if batchRows <= 0 {
		batchRows = 100_000
	}
	go r.runDatabaseReset(ctx, rec.ID, tables, batchRows, artifactPath)
	return rec.ID, nil
}

func (r *Runner) runDatabaseReset(ctx context.Context, operationID string, requested []string, batchRows int, artifactPath string) {
	defer observeDuration(operations.KindDatabaseReset, time.Now())
	r.publish(pushbus.KindDatabaseResetStarted, operationID, map[string]any{"tables": requested})

	ordered := orderTables(requested)
	want := make(map[string]bool, len(requested))
	for _, t := range requested {
		want[t] = true
	}

	tables := r.TableRepo

	if err := tables.SetForeignKeyChecks(ctx, false); err != nil {
		r.Ops.Fail(operationID, err)
		r.publish(pushbus.KindDatabaseResetComplete, operationID, map[string]any{"success": false, "error": err.Error()})
		return
	}
	defer func() {
		// Guaranteed re-enable even if a later step fails or cancels.
		_ = tables.SetForeignKeyChecks(context.Background(), true)
	}()

	clearingDownloads := want["Downloads"]
	clearingLogEntries := want["LogEntries"]
	if clearingDownloads && !clearingLogEntries {
		if err := r.DownloadRepo.NullLogEntryDownloadRefs(ctx, batchRows); err != nil {
			r.Ops.Fail(operationID, err)
			r.publish(pushbus.KindDatabaseResetComplete, operationID, map[string]any{"success": false, "error": err.Error()})
			return
		}
	}

	total := len(ordered)
	if total == 0 {
		total = 1
	}
	for i, spec := range ordered {
		if rec, ok := r.Ops.Get(operationID); ok && rec.IsCancelRequested() {
			r.Ops.MarkCancelled(operationID, "cancelled during database reset")
			return
		}

		if err := r.clearTable(ctx, spec.name, batchRows); err != nil {
			r.Ops.Fail(operationID, err)
			r.publish(pushbus.KindDatabaseResetComplete, operationID, map[string]any{"success": false, "error": err.Error()})
			return
		}

		if spec.name == "UserSessions" {
			// Emitted immediately, not batched with the rest of the
			// reset's progress, so connected clients log out right away.
			r.publish(pushbus.KindUserSessionsCleared, operationID, map[string]any{"clearCookies": true})
		}

		if spec.name == "SteamDepotMappings" && artifactPath != "" {
			if err := os.Remove(artifactPath); err != nil && !os.IsNotExist(err) {
				r.Ops.Fail(operationID, err)
				r.publish(pushbus.KindDatabaseResetComplete, operationID, map[string]any{"success": false, "error": err.Error()})
				return
			}
		}

		percent := float64(i+1) / float64(total) * 100
		r.Ops.Progress(operationID, percent, fmt.Sprintf("cleared %s", spec.name))
		r.publish(pushbus.KindDatabaseResetProgress, operationID, map[string]any{"percent": percent, "table": spec.name})

		time.Sleep(batchYield)
	}

	// Re-enabled before the record turns terminal, so whoever observes
	// the completed record also sees FK checks back on; the deferred
	// call covers the failure and cancellation paths.
	_ = tables.SetForeignKeyChecks(context.Background(), true)
	r.Ops.Complete(operationID, "database reset complete")
	r.publish(pushbus.KindDatabaseResetComplete, operationID, map[string]any{"success": true, "tables": requested})
}

func (r *Runner) clearTable(ctx context.Context, table string, batchRows int) error {
	switch table {
	case "Downloads":
		return r.DownloadRepo.ClearAll(ctx, batchRows)
	case "SteamDepotMappings":
		return r.DepotRepo.Clear(ctx)
	default:
		return deleteInBatches(ctx, r.TableRepo, table, batchRows)
	}
}

func deleteInBatches(ctx context.Context, tables repository.TableRepository, table string, batchRows int) error {
	for {
		deleted, err := tables.DeleteBatch(ctx, table, batchRows)
		if err != nil {
			return fmt.Errorf("jobs: delete batch from %s: %w", table, err)
		}
		if deleted < batchRows {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(batchYield):
		}
	}
}

// orderTables returns the subset of resetOrder present in requested,
// followed by any requested table not named in the fixed order,
// preserving requested's order for that tail.
func orderTables(requested []string) []tableSpec {
	requestedSet := make(map[string]bool, len(requested))
	for _, t := range requested {
		requestedSet[t] = true
	}

	var out []tableSpec
	seen := make(map[string]bool)
	for _, t := range resetOrder {
		if requestedSet[t] {
			out = append(out, tableSpec{name: t})
			seen[t] = true
		}
	}
	for _, t := range requested {
		if !seen[t] {
			out = append(out, tableSpec{name: t})
			seen[t] = true
		}
	}
	return out
}
