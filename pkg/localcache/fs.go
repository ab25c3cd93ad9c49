// Package localcache implements the cache-content filesystem walker
// (jobs.CacheFS) against a plain on-disk layout: one subdirectory per
// service under a root, with per-shard subdirectories beneath that.
package localcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FS walks a root directory laid out as root/<service>/<shard>.
type FS struct {
	Root string
}

// New builds a filesystem-backed CacheFS rooted at dir.
func New(dir string) *FS {
	return &FS{Root: dir}
}

// Shards returns every shard directory under scope ("all" walks every
// service directory under Root).
func (f *FS) Shards(ctx context.Context, scope string) ([]string, error) {
	var serviceDirs []string
	if scope == "" || scope == "all" {
		entries, err := os.ReadDir(f.Root)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("localcache: read root %s: %w", f.Root, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				serviceDirs = append(serviceDirs, filepath.Join(f.Root, e.Name()))
			}
		}
	} else {
		serviceDirs = []string{filepath.Join(f.Root, scope)}
	}

	var shards []string
	for _, dir := range serviceDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("localcache: read service dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				shards = append(shards, filepath.Join(dir, e.Name()))
			}
		}
		if len(entries) == 0 {
			shards = append(shards, dir)
		}
	}
	return shards, nil
}

// ClearShard removes every file directly under shardPath, preserving
// the directory itself (many cache daemons require it to keep
// existing between clears).
func (f *FS) ClearShard(ctx context.Context, shardPath string) error {
	entries, err := os.ReadDir(shardPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("localcache: read shard %s: %w", shardPath, err)
	}
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		full := filepath.Join(shardPath, e.Name())
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("localcache: remove %s: %w", full, err)
		}
	}
	return nil
}
