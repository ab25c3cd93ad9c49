package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lancache/cachectl-core/pkg/operations"
	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/lancache/cachectl-core/pkg/tooling"
)

// ToolingConfig points the runners at the log-manager and
// corruption-manager binaries and the directories/timezone they
// operate on.
type ToolingConfig struct {
	LogManagerPath        string
	CorruptionManagerPath string
	LogDir                string
	CacheDir              string
	ProgressDir           string
	Timezone              string
}

func (c *ToolingConfig) progressPath(name string) string {
	return filepath.Join(c.ProgressDir, name)
}

// CorruptedChunk is one entry in a corruption-detect report.
type CorruptedChunk struct {
	Service       string `json:"service"`
	URL           string `json:"url"`
	MissCount     int    `json:"miss_count"`
	CacheFilePath string `json:"cache_file_path"`
}

// CorruptionSummary is the `summary` verb's stdout shape.
type CorruptionSummary struct {
	ServiceCounts   map[string]int `json:"service_counts"`
	TotalCorrupted  int            `json:"total_corrupted"`
}

// corruptionCacheValid implements the mtime-based validity rule:
// a cached summary/report is valid iff it is newer than the logs it
// was computed from.
func corruptionCacheValid(cachePath, logDir string) bool {
	cacheInfo, err := os.Stat(cachePath)
	if err != nil {
		return false
	}
	logInfo, err := os.Stat(logDir)
	if err != nil {
		return false
	}
	return cacheInfo.ModTime().After(logInfo.ModTime())
}

// RunCorruptionDetect runs the corruption manager's `detect` verb,
// writing a report of corrupted cache chunks. CorruptionDetect is a
// non-singleton kind scoped per-service.
func (r *Runner) RunCorruptionDetect(ctx context.Context, scope string) (string, error) {
	if !ValidServiceName(scope) {
		return "", fmt.Errorf("jobs: invalid service scope %q", scope)
	}
	rec, err := r.Ops.Register(operations.KindCorruptionDetect, scope)
	if err != nil {
		return "", err
	}
	go r.runCorruptionDetect(ctx, rec.ID, scope)
	return rec.ID, nil
}

func (r *Runner) runCorruptionDetect(ctx context.Context, operationID, scope string) {
	defer observeDuration(operations.KindCorruptionDetect, time.Now())
	r.publish(pushbus.KindCorruptionDetectStarted, operationID, map[string]any{"scope": scope})

	outPath := r.Tooling.progressPath(fmt.Sprintf("corruption_detect_%s.json", safeName(scope)))
	runner := tooling.NewRunner(r.Tooling.CorruptionManagerPath)

	err := runner.RunAndWatchProgress(ctx, "detect",
		[]string{r.Tooling.LogDir, r.Tooling.CacheDir, outPath, r.Tooling.Timezone},
		outPath,
		func(doc tooling.ProgressDoc) {
			r.Ops.Progress(operationID, doc.PercentComplete, doc.Message)
			r.publish(pushbus.KindCorruptionDetectProgress, operationID, map[string]any{
				"percent": doc.PercentComplete,
				"message": doc.Message,
			})
		})
	if err != nil {
		r.Ops.Fail(operationID, err)
		r.publish(pushbus.KindCorruptionDetectComplete, operationID, map[string]any{"success": false, "error": err.Error()})
		return
	}

	r.Ops.Complete(operationID, "corruption scan complete")
	r.publish(pushbus.KindCorruptionDetectComplete, operationID, map[string]any{"success": true, "report_path": outPath})
}

// RunCorruptionRemove deletes the corrupted chunks identified by a
// prior detect pass. CorruptionRemove is a singleton kind.
func (r *Runner) RunCorruptionRemove(ctx context.Context, scope string) (string, error) {
	if !ValidServiceName(scope) {
		return "", fmt.Errorf("jobs: invalid service scope %q", scope)
	}
	rec, err := r.Ops.Register(operations.KindCorruptionRemove, scope)
	if err != nil {
		return "", err
	}
	go r.runCorruptionRemove(ctx, rec.ID, scope)
	return rec.ID, nil
}

func (r *Runner) runCorruptionRemove(ctx context.Context, operationID, scope string) {
	defer observeDuration(operations.KindCorruptionRemove, time.Now())
	r.publish(pushbus.KindCorruptionRemoveStarted, operationID, map[string]any{"scope": scope})

	progressPath := r.Tooling.progressPath("corruption_remove_progress.json")
	runner := tooling.NewRunner(r.Tooling.CorruptionManagerPath)

	err := runner.RunAndWatchProgress(ctx, "remove",
		[]string{r.Tooling.LogDir, r.Tooling.CacheDir, scope, progressPath},
		progressPath,
		func(doc tooling.ProgressDoc) {
			r.Ops.Progress(operationID, doc.PercentComplete, doc.Message)
			r.publish(pushbus.KindCorruptionRemoveProgress, operationID, map[string]any{
				"percent": doc.PercentComplete,
				"message": doc.Message,
			})
		})
	if err != nil {
		r.Ops.Fail(operationID, err)
		r.publish(pushbus.KindCorruptionRemoveComplete, operationID, map[string]any{"success": false, "error": err.Error()})
		return
	}

	r.Ops.Complete(operationID, "corrupted chunks removed")
	r.publish(pushbus.KindCorruptionRemoveComplete, operationID, map[string]any{"success": true})
}

// CorruptionSummaryPath returns the location the `summary` verb's
// cached stdout is mirrored to on disk for the mtime-validity check.
func (c *ToolingConfig) CorruptionSummaryPath() string {
	return c.progressPath("corruption_summary_cache.json")
}

// Summary returns the corruption summary, recomputing via the
// corruption manager's `summary` verb only if the cached copy is
// older than the log directory's latest write.
func (r *Runner) Summary(ctx context.Context) (CorruptionSummary, error) {
	cachePath := r.Tooling.CorruptionSummaryPath()
	if corruptionCacheValid(cachePath, r.Tooling.LogDir) {
		var cached CorruptionSummary
		if data, err := os.ReadFile(cachePath); err == nil {
			if json.Unmarshal(data, &cached) == nil {
				return cached, nil
			}
		}
	}

	runner := tooling.NewRunner(r.Tooling.CorruptionManagerPath)
	out, err := runner.RunCapture(ctx, "summary", []string{r.Tooling.LogDir, r.Tooling.CacheDir, r.Tooling.Timezone})
	if err != nil {
		return CorruptionSummary{}, fmt.Errorf("jobs: corruption summary: %w", err)
	}

	var summary CorruptionSummary
	if err := json.Unmarshal(out, &summary); err != nil {
		return CorruptionSummary{}, fmt.Errorf("jobs: parse corruption summary: %w", err)
	}
	_ = os.WriteFile(cachePath, out, 0o644)
	return summary, nil
}

func safeName(scope string) string {
	if scope == "" {
		return "all"
	}
	return scope
}
