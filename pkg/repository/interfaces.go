package repository

import "context"

// DepotMappingRepository is the persisted DepotMapping table, owned in
// concept by the Depot Mapping Engine but implemented outside this
// module.
type DepotMappingRepository interface {
	// Upsert writes one mapping row, matching on (depot_id, app_id).
	Upsert(ctx context.Context, m DepotMapping) error

	// ReplaceAll atomically empties the table and imports mappings —
	// used by artifact mode's full replace.
	ReplaceAll(ctx context.Context, mappings []DepotMapping) error

	// FindOwner resolves the persistent owner app_id for a depot, if any.
	FindOwner(ctx context.Context, depotID uint32) (appID uint32, ok bool, err error)

	// FindName resolves a persisted app_name for an app_id, if any.
	FindName(ctx context.Context, appID uint32) (name string, ok bool, err error)

	// DepotIDsMissingMapping returns depot ids referenced by Downloads
	// that have no DepotMapping row — input to orphan resolution.
	DepotIDsMissingMapping(ctx context.Context) ([]uint32, error)

	// Count returns the current row count (used to verify a full
	// artifact replace landed the expected number of rows).
	Count(ctx context.Context) (int, error)

	// Clear empties the table (database reset of SteamDepotMappings).
	Clear(ctx context.Context) error
}

// DownloadRepository is the persisted Download table.
type DownloadRepository interface {
	// IterateMissingGameIdentity streams downloads lacking resolved
	// game identity so apply-to-downloads can back-fill them one at a
	// time without loading the whole table into memory.
	IterateMissingGameIdentity(ctx context.Context, fn func(Download) error) error

	// BackfillGameIdentity writes the resolved game identity columns
	// for one download row.
	BackfillGameIdentity(ctx context.Context, id string, appID uint32, name, imageURL string) error

	// NullLogEntryDownloadRefs nulls Download-referencing FK columns in
	// LogEntries ahead of a Downloads-only reset.
	NullLogEntryDownloadRefs(ctx context.Context, batchRows int) error

	// ClearAll deletes every row (whole-table reset).
	ClearAll(ctx context.Context, batchRows int) error
}

// StorefrontClient is the one method the engine consumes from the
// third-party storefront API.
type StorefrontClient interface {
	GetGameInfo(ctx context.Context, appID uint32) (*GameInfo, error)
}

// SessionAuthorizer resolves a connecting UI client's session token
// into its push-bus group memberships. Session issuance itself is out
// of scope; this is the consumer-side seam.
type SessionAuthorizer interface {
	Authorize(ctx context.Context, sessionToken string) (groups []string, ok bool)
}

// TableRepository is the generic per-table delete seam the database
// reset job drives for every table that isn't already covered by
// DownloadRepository/DepotMappingRepository (UserSessions,
// UserPreferences, EventDownloads, Events, and any table the core
// doesn't otherwise name).
type TableRepository interface {
	// DeleteBatch deletes up to batchRows rows from table and reports
	// how many were actually removed, so the caller can loop until 0.
	DeleteBatch(ctx context.Context, table string, batchRows int) (deleted int, err error)

	// SetForeignKeyChecks toggles FK enforcement for the duration of a
	// selective reset; the caller guarantees it is re-enabled even on
	// error.
	SetForeignKeyChecks(ctx context.Context, enabled bool) error
}
