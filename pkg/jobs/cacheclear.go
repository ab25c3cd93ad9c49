// Package jobs implements the Job Runners: wrappers around
// cache-clear, corruption-detect/remove, log-count/remove and
// database-reset, each registering in the Operation Registry and
// streaming progress over the push bus.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/lancache/cachectl-core/pkg/appstate"
	"github.com/lancache/cachectl-core/pkg/metrics"
	"github.com/lancache/cachectl-core/pkg/operations"
	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/lancache/cachectl-core/pkg/repository"
)

// CacheFS is the cache-content filesystem walker, an external
// collaborator: it knows how shards are laid out on disk and
// how to empty one without removing the shard directory itself (many
// cache daemons require the directory to keep existing).
type CacheFS interface {
	// Shards returns the shard directories belonging to scope ("all"
	// clears every service's shards).
	Shards(ctx context.Context, scope string) ([]string, error)
	// ClearShard deletes every file under shardPath, leaving the
	// directory itself in place.
	ClearShard(ctx context.Context, shardPath string) error
}

// Runner is the shared dependency set every job in this package draws
// from: the registry for lifecycle, the bus for progress, and the
// state store for anything that must survive a restart.
type Runner struct {
	Ops   *operations.Registry
	Bus   *pushbus.Bus
	Store *appstate.Store

	CacheFS      CacheFS
	DepotRepo    repository.DepotMappingRepository
	DownloadRepo repository.DownloadRepository
	TableRepo    repository.TableRepository
	Tooling      *ToolingConfig
}

// observeDuration records a finished job's wall time, deferred at the
// top of every runner goroutine.
func observeDuration(kind operations.Kind, start time.Time) {
	metrics.JobDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
}

// publish is a small helper shared by every runner file in this
// package to keep event shape consistent.
func (r *Runner) publish(kind pushbus.Kind, operationID string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["operation_id"] = operationID
	r.Bus.Publish(pushbus.Event{Kind: kind, Group: pushbus.GroupAuthenticated, Payload: payload})
}

// RunCacheClear deletes the contents of every shard in scope
// ("all" or a single service name), preserving shard directories.
// CacheClear and CorruptionDetect/LogCount are non-singleton except
// per (kind, scope), so two different services may clear concurrently.
func (r *Runner) RunCacheClear(ctx context.Context, scope string) (string, error) {
	if !ValidServiceName(scope) {
		return "", fmt.Errorf("jobs: invalid service scope %q", scope)
	}

	rec, err := r.Ops.Register(operations.KindCacheClear, scope)
	if err != nil {
		return "", err
	}

	go r.runCacheClear(ctx, rec.ID, scope)
	return rec.ID, nil
}

func (r *Runner) runCacheClear(ctx context.Context, operationID, scope string) {
	defer observeDuration(operations.KindCacheClear, time.Now())
	r.publish(pushbus.KindCacheClearStarted, operationID, map[string]any{"scope": scope})

	shards, err := r.CacheFS.Shards(ctx, scope)
	if err != nil {
		r.Ops.Fail(operationID, err)
		r.publish(pushbus.KindCacheClearComplete, operationID, map[string]any{"success": false, "error": err.Error()})
		return
	}

	total := len(shards)
	if total == 0 {
		total = 1
	}
	for i, shard := range shards {
		if rec, ok := r.Ops.Get(operationID); ok && rec.IsCancelRequested() {
			r.Ops.MarkCancelled(operationID, "cancelled during cache clear")
			return
		}
		if err := r.CacheFS.ClearShard(ctx, shard); err != nil {
			r.Ops.Fail(operationID, err)
			r.publish(pushbus.KindCacheClearComplete, operationID, map[string]any{"success": false, "error": err.Error()})
			return
		}
		percent := float64(i+1) / float64(total) * 100
		r.Ops.Progress(operationID, percent, fmt.Sprintf("cleared %s", shard))
		r.publish(pushbus.KindCacheClearProgress, operationID, map[string]any{"percent": percent, "shard": shard})
	}

	r.Ops.Complete(operationID, "cache cleared")
	r.publish(pushbus.KindCacheClearComplete, operationID, map[string]any{"success": true, "scope": scope})
}
