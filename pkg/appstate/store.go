// Package appstate implements the consolidated state store: a single
// durably-written JSON document with atomic
// replace-on-write, legacy migration, and a process-wide mutex
// guarding every mutation. Writes go through a tmp-file-then-rename
// protocol so the primary document is never torn.
package appstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lancache/cachectl-core/pkg/corelog"
	"github.com/lancache/cachectl-core/pkg/metrics"
)

const fileName = "state.json"

// maxConsecutiveFailures disables further writes until restart, so a
// failing disk doesn't spin the process thrashing retries.
const maxConsecutiveFailures = 5

// Store owns the single AppState document for the process lifetime.
type Store struct {
	mu  sync.RWMutex
	dir string
	cur AppState

	consecutiveFailures int
	writesDisabled      bool

	legacySteamAuth json.RawMessage

	onChange []func(old, new AppState)
}

// TakeLegacySteamAuth returns (and clears) a raw "steam_auth" block
// found inside state.json at load time. AppState's Go struct has no
// such field, so a legacy document carrying one is otherwise silently
// dropped on the next save; the secret store's migration path uses
// this to pull the value out before that happens.
func (s *Store) TakeLegacySteamAuth() (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.legacySteamAuth
	s.legacySteamAuth = nil
	return raw, raw != nil
}

// Open loads (or creates) the state document under dir, running the
// legacy migration exactly once if no document exists yet.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("appstate: create data dir: %w", err)
	}
	s := &Store{dir: dir}

	path := filepath.Join(dir, fileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var loaded AppState
		if uerr := json.Unmarshal(data, &loaded); uerr != nil {
			logger := corelog.WithComponent("appstate")
			logger.Error().Err(uerr).Msg("state.json failed to parse; starting from defaults, not overwriting")
			s.cur = Default()
			return s, nil
		}
		s.cur = loaded

		var legacy struct {
			SteamAuth json.RawMessage `json:"steam_auth"`
		}
		if uerr := json.Unmarshal(data, &legacy); uerr == nil && len(legacy.SteamAuth) > 0 && string(legacy.SteamAuth) != "null" {
			s.legacySteamAuth = legacy.SteamAuth
		}
	case os.IsNotExist(err):
		migrated, merr := migrateLegacy(dir)
		if merr != nil {
			logger := corelog.WithComponent("appstate")
			logger.Warn().Err(merr).Msg("legacy migration failed; starting from defaults")
			migrated = Default()
		}
		s.cur = migrated
		if serr := s.persist(); serr != nil {
			logger := corelog.WithComponent("appstate")
			logger.Error().Err(serr).Msg("failed to save migrated state")
		}
	default:
		return nil, fmt.Errorf("appstate: read %s: %w", path, err)
	}

	return s, nil
}

// Get returns a snapshot of the current AppState. Cheap: callers may
// call it on every request.
func (s *Store) Get() AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update applies fn to a copy of the current snapshot under the
// process-wide mutex, then persists the result. fn should be pure and
// fast; it runs with the lock held.
func (s *Store) Update(fn func(*AppState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cur
	next := s.cur
	fn(&next)
	s.cur = next

	if err := s.persist(); err != nil {
		return err
	}

	for _, hook := range s.onChange {
		go hook(old, next)
	}
	return nil
}

// OnChange registers a hook invoked (asynchronously) after every
// successful Update.
func (s *Store) OnChange(fn func(old, new AppState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// persist serializes s.cur and atomically replaces state.json. Must be
// called with s.mu held.
func (s *Store) persist() error {
	if s.writesDisabled {
		return fmt.Errorf("appstate: writes disabled after %d consecutive failures", maxConsecutiveFailures)
	}

	if err := s.writeAtomic(); err != nil {
		s.consecutiveFailures++
		metrics.StateSaveFailuresTotal.Inc()
		logger := corelog.WithComponent("appstate")
		logger.Error().Err(err).
			Int("consecutive_failures", s.consecutiveFailures).
			Msg("failed to persist state.json; keeping in-memory snapshot")
		if s.consecutiveFailures >= maxConsecutiveFailures {
			s.writesDisabled = true
			logger.Error().Msg("disabling further state writes until restart")
		}
		return err
	}

	s.consecutiveFailures = 0
	return nil
}

func (s *Store) writeAtomic() error {
	data, err := json.MarshalIndent(s.cur, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	path := filepath.Join(s.dir, fileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open tmp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write tmp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close tmp file: %w", err)
	}

	// os.Rename is atomic on the same filesystem on every platform Go
	// supports (POSIX rename(2), Windows MoveFileEx with replace). A
	// crash between the rename and the next write can at most lose that one write; it
	// can never produce a torn primary file, because the rename target
	// only ever becomes visible once fully written and synced.
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename tmp file: %w", err)
	}
	return nil
}

// WriteHealth reports whether the store can still persist and how many
// consecutive failures it has observed, for the operator-facing health
// probe.
func (s *Store) WriteHealth() (disabled bool, consecutiveFailures int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writesDisabled, s.consecutiveFailures
}

// --- field-granular convenience wrappers (hot paths) ---

// SetLogPosition updates the global log-ingest cursor.
func (s *Store) SetLogPosition(pos uint64) error {
	return s.Update(func(st *AppState) {
		st.LogProcessing.Position = pos
		st.LogProcessing.LastUpdated = time.Now()
	})
}

// SetLastPICSCrawl stamps the scheduler's last-run timestamp.
func (s *Store) SetLastPICSCrawl(t time.Time) error {
	return s.Update(func(st *AppState) {
		st.Scheduling.LastPICSCrawlUTC = &t
	})
}
