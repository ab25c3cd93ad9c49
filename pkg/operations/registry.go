// Package operations implements the operation registry: a
// process-wide ledger of in-flight and recently finished jobs,
// enforcing singleton-kind rules and sweeping stale records on a
// retention schedule.
package operations

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lancache/cachectl-core/pkg/coreerrors"
	"github.com/lancache/cachectl-core/pkg/corelog"
)

// Kind identifies what sort of job a record tracks.
type Kind string

const (
	KindDepotMapping     Kind = "depot_mapping"
	KindDepotJSONImport  Kind = "depot_json_import"
	KindDatabaseReset    Kind = "database_reset"
	KindCorruptionDetect Kind = "corruption_detect"
	KindCorruptionRemove Kind = "corruption_remove"
	KindLogCount         Kind = "log_count"
	KindLogRemove        Kind = "log_remove"
	KindCacheClear       Kind = "cache_clear"
)

// singletonKinds may have at most one non-terminal record system-wide,
// regardless of scope. DepotJSONImport shares the singleton
// slot with DepotMapping: both drive the same depot mapping engine, which
// only ever has one scan in flight regardless of whether it's walking the
// catalog or importing a precomputed artifact.
var singletonKinds = map[Kind]bool{
	KindDepotMapping:     true,
	KindDepotJSONImport:  true,
	KindDatabaseReset:    true,
	KindCorruptionRemove: true,
	KindLogRemove:        true,
}

// exclusiveGroup maps a singleton kind to the identity string every
// kind in its group shares, so two different kinds that both drive the
// same underlying resource (e.g. a depot scan vs. an artifact import,
// both owned by a single depot.Engine) still conflict with each other.
var exclusiveGroup = map[Kind]string{
	KindDepotMapping:    "depot_mapping_engine",
	KindDepotJSONImport: "depot_mapping_engine",
}

// Status is a record's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Record is a single tracked job.
type Record struct {
	ID        string
	Kind      Kind
	Scope     string // e.g. a service name for CacheClear/CorruptionDetect/LogCount
	Status    Status
	Percent   float64
	Message   string
	Err       error
	StartedAt time.Time
	EndedAt   *time.Time

	cancelRequested bool
}

// IsCancelRequested reports whether Cancel was called for this record;
// job runners should poll this between batches/yield points.
func (r *Record) IsCancelRequested() bool {
	return r.cancelRequested
}

// retention returns how long a terminal record of this kind stays
// listable before the sweep removes it.
func retention(kind Kind) time.Duration {
	if kind == KindCacheClear {
		return 24 * time.Hour
	}
	return 48 * time.Hour
}

// key is the (kind, scope) identity singleton enforcement checks
// against: singleton kinds ignore scope entirely, non-singleton kinds
// only conflict on an identical scope.
type key struct {
	kind  Kind
	scope string
}

func (k key) identity() string {
	if group, ok := exclusiveGroup[k.kind]; ok {
		return group
	}
	if singletonKinds[k.kind] {
		return string(k.kind)
	}
	return fmt.Sprintf("%s/%s", k.kind, k.scope)
}

// Registry is the process-wide operation ledger.
type Registry struct {
	mu         sync.Mutex
	records    map[string]*Record
	dataDir    string
	sweepEvery time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// historyFile and cacheOpsFile are the two persisted ledgers:
// cache-clear operations are split into their own file from every
// other kind's history.
const (
	historyFile  = "operation_history.json"
	cacheOpsFile = "cache_operations.json"
)

// persistedRecord is Record's on-disk shape: cancelRequested and live
// cancel handles are process-local and never survive a restart.
type persistedRecord struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	Scope     string     `json:"scope,omitempty"`
	Status    Status     `json:"status"`
	Percent   float64    `json:"percent"`
	Message   string     `json:"last_message,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_utc"`
	EndedAt   *time.Time `json:"ended_utc,omitempty"`
}

// New creates a registry. dataDir is where the operation_history.json
// and cache_operations.json ledgers live; an empty dataDir
// disables persistence, which tests rely on. sweepEvery governs how
// often the retention sweep runs; callers normally pass
// config.Operations.RetentionSweepEvery.
func New(dataDir string, sweepEvery time.Duration) *Registry {
	r := &Registry{
		records:    make(map[string]*Record),
		dataDir:    dataDir,
		sweepEvery: sweepEvery,
	}
	if dataDir != "" {
		r.loadFile(filepath.Join(dataDir, historyFile))
		r.loadFile(filepath.Join(dataDir, cacheOpsFile))
	}
	return r
}

// loadFile merges persisted records from one ledger file into the
// in-memory map. A missing or unparsable file is non-fatal — the
// registry simply starts empty for that ledger.
func (r *Registry) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var persisted []persistedRecord
	if err := json.Unmarshal(data, &persisted); err != nil {
		logger := corelog.WithComponent("operations")
		logger.Error().Err(err).Str("file", path).
			Msg("operation ledger failed to parse; starting without it")
		return
	}
	for _, p := range persisted {
		rec := &Record{
			ID:        p.ID,
			Kind:      p.Kind,
			Scope:     p.Scope,
			Status:    p.Status,
			Percent:   p.Percent,
			Message:   p.Message,
			StartedAt: p.StartedAt,
			EndedAt:   p.EndedAt,
		}
		if p.Error != "" {
			rec.Err = fmt.Errorf("%s", p.Error)
		}
		r.records[rec.ID] = rec
	}
}

// persist writes both ledgers atomically, splitting cache-clear
// records into cache_operations.json and everything else into
// operation_history.json. Called with r.mu held.
func (r *Registry) persist() {
	if r.dataDir == "" {
		return
	}
	var history, cacheOps []persistedRecord
	for _, rec := range r.records {
		p := persistedRecord{
			ID:        rec.ID,
			Kind:      rec.Kind,
			Scope:     rec.Scope,
			Status:    rec.Status,
			Percent:   rec.Percent,
			Message:   rec.Message,
			StartedAt: rec.StartedAt,
			EndedAt:   rec.EndedAt,
		}
		if rec.Err != nil {
			p.Error = rec.Err.Error()
		}
		if rec.Kind == KindCacheClear {
			cacheOps = append(cacheOps, p)
		} else {
			history = append(history, p)
		}
	}
	r.writeLedger(historyFile, history)
	r.writeLedger(cacheOpsFile, cacheOps)
}

func (r *Registry) writeLedger(name string, records []persistedRecord) {
	if records == nil {
		records = []persistedRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		corelog.WithComponent("operations").Error().Err(err).Str("file", name).Msg("failed to marshal operation ledger")
		return
	}
	path := filepath.Join(r.dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		corelog.WithComponent("operations").Error().Err(err).Str("file", name).Msg("failed to write operation ledger")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		corelog.WithComponent("operations").Error().Err(err).Str("file", name).Msg("failed to replace operation ledger")
	}
}

// Register creates a new running record, rejecting the request with
// coreerrors.ErrConflictRunning if a record with the same (kind, scope)
// identity is already non-terminal.
func (r *Registry) Register(kind Kind, scope string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := key{kind: kind, scope: scope}.identity()
	for _, rec := range r.records {
		if rec.Status.terminal() {
			continue
		}
		if (key{kind: rec.Kind, scope: rec.Scope}).identity() == want {
			return nil, fmt.Errorf("operation %s already running: %w", want, coreerrors.ErrConflictRunning)
		}
	}

	rec := &Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Scope:     scope,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	r.records[rec.ID] = rec
	r.persist()
	return rec, nil
}

// Progress updates percent/message on a running record.
func (r *Registry) Progress(id string, percent float64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.Percent = percent
		rec.Message = message
	}
}

// Complete marks a record finished successfully.
func (r *Registry) Complete(id string, message string) {
	r.finish(id, StatusCompleted, message, nil)
}

// Fail marks a record finished with an error.
func (r *Registry) Fail(id string, err error) {
	r.finish(id, StatusFailed, "", err)
}

// Cancel requests cooperative cancellation; the job runner is
// responsible for observing IsCancelRequested and finishing with
// MarkCancelled once it has unwound.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return coreerrors.ErrNotFound
	}
	if rec.Status.terminal() {
		return nil
	}
	rec.cancelRequested = true
	return nil
}

// MarkCancelled finishes a record as cancelled — distinct from Fail
// because a cancellation or auto-logout is not a job failure.
func (r *Registry) MarkCancelled(id string, message string) {
	r.finish(id, StatusCancelled, message, nil)
}

func (r *Registry) finish(id string, status Status, message string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	rec.Status = status
	rec.Message = message
	rec.Err = err
	now := time.Now()
	rec.EndedAt = &now
	if status == StatusCompleted {
		rec.Percent = 100
	}
	r.persist()
}

// Get returns a copy of a record by ID.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns a snapshot of every tracked record.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// RecoverFromCrash marks every record that was left non-terminal by a
// previous process (e.g. restored from a persisted snapshot after an
// unclean shutdown) as failed, so stale "running" entries never linger
// forever.
func (r *Registry) RecoverFromCrash() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, rec := range r.records {
		if !rec.Status.terminal() {
			rec.Status = StatusFailed
			rec.Message = "interrupted by process restart"
			rec.EndedAt = &now
		}
	}
	r.persist()
}

// sweep removes terminal records older than their kind's retention.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, rec := range r.records {
		if !rec.Status.terminal() || rec.EndedAt == nil {
			continue
		}
		if now.Sub(*rec.EndedAt) >= retention(rec.Kind) {
			delete(r.records, id)
		}
	}
	r.persist()
}

// Start launches the background retention sweep. Stop must be called
// to release its goroutine.
func (r *Registry) Start() {
	if r.sweepEvery <= 0 {
		return
	}
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the retention sweep goroutine and waits for it to exit.
func (r *Registry) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
}
