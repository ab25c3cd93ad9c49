package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/lancache/cachectl-core/pkg/operations"
	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/lancache/cachectl-core/pkg/tooling"
)

func (c *ToolingConfig) logCountProgressPath() string  { return c.progressPath("log_count_progress.json") }
func (c *ToolingConfig) logRemoveProgressPath() string { return c.progressPath("log_remove_progress.json") }

// RunLogCount runs the log manager's `count` verb, reporting
// per-service line counts. LogCount is registered per (kind, scope), so
// runs under different scopes may overlap; every run counts the
// configured Tooling.LogDir and writes the same progress file.
func (r *Runner) RunLogCount(ctx context.Context, scope string) (string, error) {
	rec, err := r.Ops.Register(operations.KindLogCount, scope)
	if err != nil {
		return "", err
	}
	go r.runLogCount(ctx, rec.ID)
	return rec.ID, nil
}

func (r *Runner) runLogCount(ctx context.Context, operationID string) {
	defer observeDuration(operations.KindLogCount, time.Now())
	r.publish(pushbus.KindLogCountStarted, operationID, nil)

	progressPath := r.Tooling.logCountProgressPath()
	runner := tooling.NewRunner(r.Tooling.LogManagerPath)

	err := runner.RunAndWatchProgress(ctx, "count", []string{r.Tooling.LogDir, progressPath}, progressPath,
		func(doc tooling.ProgressDoc) {
			r.Ops.Progress(operationID, doc.PercentComplete, doc.Message)
			r.publish(pushbus.KindLogCountProgress, operationID, map[string]any{
				"percent":         doc.PercentComplete,
				"lines_processed": doc.LinesProcessed,
				"service_counts":  doc.ServiceCounts,
			})
		})
	if err != nil {
		r.Ops.Fail(operationID, err)
		r.publish(pushbus.KindLogCountComplete, operationID, map[string]any{"success": false, "error": err.Error()})
		return
	}

	r.Ops.Complete(operationID, "log count complete")
	r.publish(pushbus.KindLogCountComplete, operationID, map[string]any{"success": true})
}

// RunLogRemove runs the log manager's `remove` verb for one service,
// first invalidating the LogCount cache file since the line counts it
// reports are about to change. LogRemove is a singleton
// kind.
func (r *Runner) RunLogRemove(ctx context.Context, service string) (string, error) {
	if !ValidServiceName(service) {
		return "", fmt.Errorf("jobs: invalid service %q", service)
	}
	rec, err := r.Ops.Register(operations.KindLogRemove, service)
	if err != nil {
		return "", err
	}
	go r.runLogRemove(ctx, rec.ID, service)
	return rec.ID, nil
}

func (r *Runner) runLogRemove(ctx context.Context, operationID, service string) {
	defer observeDuration(operations.KindLogRemove, time.Now())
	r.publish(pushbus.KindLogRemoveStarted, operationID, map[string]any{"service": service})

	if err := tooling.InvalidateProgressFile(r.Tooling.logCountProgressPath()); err != nil {
		r.Ops.Fail(operationID, err)
		r.publish(pushbus.KindLogRemoveComplete, operationID, map[string]any{"success": false, "error": err.Error()})
		return
	}

	progressPath := r.Tooling.logRemoveProgressPath()
	runner := tooling.NewRunner(r.Tooling.LogManagerPath)

	err := runner.RunAndWatchProgress(ctx, "remove", []string{r.Tooling.LogDir, service, progressPath}, progressPath,
		func(doc tooling.ProgressDoc) {
			r.Ops.Progress(operationID, doc.PercentComplete, doc.Message)
			r.publish(pushbus.KindLogRemoveProgress, operationID, map[string]any{
				"percent":         doc.PercentComplete,
				"lines_processed": doc.LinesProcessed,
			})
		})
	if err != nil {
		r.Ops.Fail(operationID, err)
		r.publish(pushbus.KindLogRemoveComplete, operationID, map[string]any{"success": false, "error": err.Error()})
		return
	}

	r.Ops.Complete(operationID, fmt.Sprintf("log entries removed for %s", service))
	r.publish(pushbus.KindLogRemoveComplete, operationID, map[string]any{"success": true, "service": service})
}
