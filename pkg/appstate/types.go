package appstate

import "time"

// AppState is the single durably-written document holding every piece
// of operational state the core needs across restarts.
// Field order here is what gets serialized; keep it stable so JSON
// diffs stay readable across versions.
type AppState struct {
	LogProcessing     LogProcessing     `json:"log_processing"`
	DepotProcessing   DepotProcessing   `json:"depot_processing"`
	ViabilityCache    ViabilityCache    `json:"viability_cache"`
	SessionReplacement SessionReplacement `json:"session_replacement"`
	Scheduling        Scheduling        `json:"scheduling"`
	Flags             Flags             `json:"flags"`
}

// LogProcessing tracks how far log ingest has advanced.
type LogProcessing struct {
	Position          uint64            `json:"position"`
	DatasourcePosition map[string]uint64 `json:"datasource_position"`
	DatasourceTotal    map[string]uint64 `json:"datasource_total_lines"`
	LastUpdated        time.Time         `json:"last_updated"`
}

// DepotProcessing mirrors a depot scan's live and resumable state.
type DepotProcessing struct {
	IsActive           bool      `json:"is_active"`
	StatusText         string    `json:"status_text"`
	TotalBatches       int       `json:"total_batches"`
	ProcessedBatches   int       `json:"processed_batches"`
	ProgressPercent    float64   `json:"progress_percent"`
	DepotMappingsFound int       `json:"depot_mappings_found"`
	StartUTC           *time.Time `json:"start_utc,omitempty"`
	LastChangeNumber   uint32    `json:"last_change_number"`
	RemainingApps      []uint32  `json:"remaining_apps"`
}

// ViabilityCache caches the incremental-vs-full decision.
type ViabilityCache struct {
	RequiresFullScan     bool       `json:"requires_full_scan"`
	LastCheckUTC         *time.Time `json:"last_check_utc,omitempty"`
	LastCheckChangeNumber uint32    `json:"last_check_change_number"`
	ChangeGap            uint32     `json:"change_gap"`
}

// SessionReplacement counts unexpected session-replacement events so
// the engine can decide when to fall back to anonymous auth.
type SessionReplacement struct {
	Count    uint32     `json:"count"`
	LastUTC  *time.Time `json:"last_utc,omitempty"`
}

// CrawlMode selects how the periodic scheduler decides to scan.
// The artifact URL itself lives in config, never encoded in this
// string.
type CrawlMode string

const (
	CrawlIncremental CrawlMode = "incremental"
	CrawlFull        CrawlMode = "full"
	CrawlArtifact    CrawlMode = "artifact"
)

// Scheduling holds the periodic depot-scan schedule.
type Scheduling struct {
	LastPICSCrawlUTC  *time.Time `json:"last_pics_crawl_utc,omitempty"`
	CrawlIntervalHours float64   `json:"crawl_interval_hours"`
	CrawlMode          CrawlMode `json:"crawl_mode"`
}

// Flags groups small operational preferences.
type Flags struct {
	SetupCompleted    bool     `json:"setup_completed"`
	HasProcessedLogs  bool     `json:"has_processed_logs"`
	GuestDefaults     bool     `json:"guest_defaults"`
	ExcludedClients   []string `json:"excluded_clients"`
	AllowedTimeFormats []string `json:"allowed_time_formats"`
}

// Default returns the zero-value-but-valid AppState a brand new
// install starts from.
func Default() AppState {
	return AppState{
		LogProcessing: LogProcessing{
			DatasourcePosition: map[string]uint64{},
			DatasourceTotal:    map[string]uint64{},
		},
		DepotProcessing: DepotProcessing{
			RemainingApps: []uint32{},
		},
		Scheduling: Scheduling{
			CrawlIntervalHours: 6,
			CrawlMode:          CrawlIncremental,
		},
		Flags: Flags{
			AllowedTimeFormats: []string{time.RFC3339},
		},
	}
}
