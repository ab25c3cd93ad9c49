// Package memrepo is an in-memory stand-in for the repository
// interfaces pkg/repository declares.
// cmd/cachectl-core wires this implementation by default so the
// binary runs standalone; a deployment with a real database swaps it
// for its own implementation of the same interfaces without touching
// pkg/depot or pkg/jobs.
package memrepo

import (
	"context"
	"fmt"
	"sync"

	"github.com/lancache/cachectl-core/pkg/repository"
)

// mappingKey is the (depot_id, app_id) unique key a depot-mapping row
// is identified by; one depot may carry several rows, at most one of
// them the owner.
type mappingKey struct {
	depotID uint32
	appID   uint32
}

// Store is an in-memory implementation of every repository interface
// the core consumes.
type Store struct {
	mu sync.RWMutex

	mappings  map[mappingKey]repository.DepotMapping
	owners    map[uint32]uint32 // depot_id -> owning app_id
	appNames  map[uint32]string
	downloads map[string]repository.Download

	tables map[string]int // table name -> synthetic row count
	fkOn   bool
}

// New builds an empty in-memory store.
func New() *Store {
	return &Store{
		mappings:  make(map[mappingKey]repository.DepotMapping),
		owners:    make(map[uint32]uint32),
		appNames:  make(map[uint32]string),
		downloads: make(map[string]repository.Download),
		tables:    make(map[string]int),
		fkOn:      true,
	}
}

// --- DepotMappingRepository ---

func (s *Store) Upsert(ctx context.Context, m repository.DepotMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(m)
	return nil
}

func (s *Store) upsertLocked(m repository.DepotMapping) {
	s.mappings[mappingKey{depotID: m.DepotID, appID: m.AppID}] = m
	if m.IsOwner {
		s.owners[m.DepotID] = m.AppID
	}
	if m.AppName != "" {
		s.appNames[m.AppID] = m.AppName
	}
}

func (s *Store) ReplaceAll(ctx context.Context, mappings []repository.DepotMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = make(map[mappingKey]repository.DepotMapping, len(mappings))
	s.owners = make(map[uint32]uint32)
	for _, m := range mappings {
		s.upsertLocked(m)
	}
	return nil
}

func (s *Store) FindOwner(ctx context.Context, depotID uint32) (uint32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appID, ok := s.owners[depotID]
	return appID, ok, nil
}

func (s *Store) FindName(ctx context.Context, appID uint32) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.appNames[appID]
	return name, ok, nil
}

func (s *Store) DepotIDsMissingMapping(ctx context.Context) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mapped := make(map[uint32]bool, len(s.mappings))
	for k := range s.mappings {
		mapped[k.depotID] = true
	}
	seen := make(map[uint32]bool)
	var missing []uint32
	for _, d := range s.downloads {
		if d.DepotID == nil || mapped[*d.DepotID] || seen[*d.DepotID] {
			continue
		}
		seen[*d.DepotID] = true
		missing = append(missing, *d.DepotID)
	}
	return missing, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mappings), nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = make(map[mappingKey]repository.DepotMapping)
	s.owners = make(map[uint32]uint32)
	s.appNames = make(map[uint32]string)
	return nil
}

// --- DownloadRepository ---

func (s *Store) IterateMissingGameIdentity(ctx context.Context, fn func(repository.Download) error) error {
	s.mu.RLock()
	snapshot := make([]repository.Download, 0, len(s.downloads))
	for _, d := range s.downloads {
		if !d.HasGameIdentity() {
			snapshot = append(snapshot, d)
		}
	}
	s.mu.RUnlock()

	for _, d := range snapshot {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) BackfillGameIdentity(ctx context.Context, id string, appID uint32, name, imageURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.downloads[id]
	if !ok {
		return fmt.Errorf("memrepo: unknown download %s", id)
	}
	d.GameAppID = &appID
	d.GameName = name
	d.GameImageURL = imageURL
	s.downloads[id] = d
	return nil
}

func (s *Store) NullLogEntryDownloadRefs(ctx context.Context, batchRows int) error {
	// No LogEntries table is modeled in memory; nothing to null out.
	return nil
}

func (s *Store) ClearAll(ctx context.Context, batchRows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads = make(map[string]repository.Download)
	return nil
}

// Put seeds a download row, used by tests and by any future import
// path that feeds real download records into the in-memory store.
func (s *Store) Put(d repository.Download) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads[d.ID] = d
}

// --- TableRepository ---

func (s *Store) DeleteBatch(ctx context.Context, table string, batchRows int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.tables[table]
	if remaining == 0 {
		return 0, nil
	}
	n := remaining
	if n > batchRows {
		n = batchRows
	}
	s.tables[table] = remaining - n
	return n, nil
}

func (s *Store) SetForeignKeyChecks(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fkOn = enabled
	return nil
}

// SeedTableRows sets a synthetic row count for table, so DeleteBatch
// has something to drain; used for local demos and tests.
func (s *Store) SeedTableRows(table string, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = rows
}
