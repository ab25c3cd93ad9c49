package main

import (
	"context"
	"fmt"

	"github.com/lancache/cachectl-core/pkg/catalog"
)

// unconfiguredTransport is the catalog.Transport placeholder this
// binary wires by default. The upstream catalog speaks a proprietary
// binary protocol; this module only defines the seam the engine, scheduler, and tests
// drive through catalog.Transport, so a real deployment supplies its
// own implementation at the construction point in serve.go. Connect,
// the logon methods and the query methods return an error rather than
// silently succeeding, so a deployment that forgets to wire a real
// transport notices at startup instead of idling forever in
// StateDisconnected; Disconnect is a no-op and SessionReplaced never
// delivers.
type unconfiguredTransport struct{}

func (unconfiguredTransport) Connect(ctx context.Context) error {
	return fmt.Errorf("cachectl-core: no catalog transport configured; see pkg/catalog.Transport")
}
func (unconfiguredTransport) Disconnect() {}
func (unconfiguredTransport) LogonAnonymous(ctx context.Context) error {
	return fmt.Errorf("cachectl-core: no catalog transport configured")
}
func (unconfiguredTransport) LogonWithToken(ctx context.Context, username, refreshToken string) error {
	return fmt.Errorf("cachectl-core: no catalog transport configured")
}
func (unconfiguredTransport) GetProductInfo(ctx context.Context, appIDs []uint32) ([]catalog.ProductInfo, error) {
	return nil, fmt.Errorf("cachectl-core: no catalog transport configured")
}
func (unconfiguredTransport) ChangeNumber(ctx context.Context) (uint32, error) {
	return 0, fmt.Errorf("cachectl-core: no catalog transport configured")
}
func (unconfiguredTransport) GetAppList(ctx context.Context) ([]uint32, error) {
	return nil, fmt.Errorf("cachectl-core: no catalog transport configured")
}
func (unconfiguredTransport) GetChangedApps(ctx context.Context, sinceChangeNumber uint32) ([]uint32, error) {
	return nil, fmt.Errorf("cachectl-core: no catalog transport configured")
}
func (unconfiguredTransport) SessionReplaced() <-chan bool {
	// Never delivers; the session-replacement watcher just blocks.
	return make(chan bool)
}

var _ catalog.Transport = unconfiguredTransport{}
