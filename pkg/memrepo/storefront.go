package memrepo

import (
	"context"
	"fmt"

	"github.com/lancache/cachectl-core/pkg/repository"
)

// StaticStorefront answers GetGameInfo from a fixed in-memory table.
// The real storefront is a third-party HTTP API; this stands in for local runs and tests.
type StaticStorefront struct {
	games map[uint32]repository.GameInfo
}

// NewStaticStorefront builds a storefront seeded with the given table.
func NewStaticStorefront(games map[uint32]repository.GameInfo) *StaticStorefront {
	if games == nil {
		games = make(map[uint32]repository.GameInfo)
	}
	return &StaticStorefront{games: games}
}

func (s *StaticStorefront) GetGameInfo(ctx context.Context, appID uint32) (*repository.GameInfo, error) {
	info, ok := s.games[appID]
	if !ok {
		return nil, fmt.Errorf("memrepo: no storefront entry for app %d", appID)
	}
	return &info, nil
}

// AllowAllAuthorizer grants every session every group; a development
// stand-in for the real session-authorization service, which
// this core only ever consumes through the SessionAuthorizer seam.
type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(ctx context.Context, sessionToken string) ([]string, bool) {
	return []string{"guest", "authenticated"}, true
}
