// Package repository defines the row shapes and consumer-side
// interfaces the core depends on for persisted game-cache data. The
// database schema and its concrete query implementations are an
// external collaborator — this package only names the
// seam the core calls through.
package repository

import "time"

// DepotMapping is one (depot, app) association. Exactly one row per
// depot_id has IsOwner set — the canonical parent app for that depot.
type DepotMapping struct {
	DepotID              uint32 `json:"depot_id"`
	AppID                uint32 `json:"app_id"`
	AppName              string `json:"app_name"`
	IsOwner              bool   `json:"is_owner"`
	LastSeenChangeNumber uint32 `json:"last_seen_change_number"`

	// Source distinguishes rows discovered by the catalog walk/orphan
	// resolution from rows imported wholesale from a precomputed
	// artifact. Purely diagnostic; no invariant reads it.
	Source string `json:"source,omitempty"`
}

// Download is one attributed cache download record. The core never
// deletes individual rows except during a whole-table reset; it only
// back-fills the game-identity columns.
type Download struct {
	ID           string     `json:"id"`
	Service      string     `json:"service"`
	ClientIP     string     `json:"client_ip"`
	StartUTC     time.Time  `json:"start_utc"`
	EndUTC       *time.Time `json:"end_utc,omitempty"`
	BytesHit     uint64     `json:"bytes_hit"`
	BytesMiss    uint64     `json:"bytes_miss"`
	IsActive     bool       `json:"is_active"`
	DepotID      *uint32    `json:"depot_id,omitempty"`
	GameAppID    *uint32    `json:"game_app_id,omitempty"`
	GameName     string     `json:"game_name,omitempty"`
	GameImageURL string     `json:"game_image_url,omitempty"`
}

// HasGameIdentity reports whether this row already carries resolved
// game identity and therefore does not need back-filling.
func (d Download) HasGameIdentity() bool {
	return d.GameAppID != nil && d.GameName != ""
}

// GameInfo is the Storefront API's single response shape.
type GameInfo struct {
	Name        string
	HeaderImage string
}
