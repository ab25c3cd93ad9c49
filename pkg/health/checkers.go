package health

import (
	"context"
	"fmt"
	"time"

	"github.com/lancache/cachectl-core/pkg/appstate"
	"github.com/lancache/cachectl-core/pkg/catalog"
)

// StateStoreChecker reports whether the Consolidated State Store can
// still persist writes.
type StateStoreChecker struct {
	Store *appstate.Store
}

func (c StateStoreChecker) Check(ctx context.Context) Result {
	start := time.Now()
	disabled, failures := c.Store.WriteHealth()

	if disabled {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("writes disabled after %d consecutive failures", failures),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	message := "writable"
	if failures > 0 {
		message = fmt.Sprintf("writable, %d consecutive failure(s) so far", failures)
	}

	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// CatalogChecker reports whether the external catalog session is
// logged on. A connecting/disconnected session is reported unhealthy
// for readiness purposes even though the reconnect supervisor may
// already be retrying — the probe is meant to gate traffic that
// depends on a live session (depot scans), not to duplicate the
// supervisor's own backoff state.
type CatalogChecker struct {
	Client *catalog.Client
}

func (c CatalogChecker) Check(ctx context.Context) Result {
	start := time.Now()
	state := c.Client.State()

	return Result{
		Healthy:   state == catalog.StateLoggedOn,
		Message:   fmt.Sprintf("catalog session %s", state),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
