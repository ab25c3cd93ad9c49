package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lancache/cachectl-core/pkg/coreerrors"
	"github.com/lancache/cachectl-core/pkg/corelog"
	"github.com/lancache/cachectl-core/pkg/metrics"
	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/lancache/cachectl-core/pkg/secretstore"
)

// ProductInfo is one depot-bearing app's aggregated catalog record.
type ProductInfo struct {
	AppID  uint32
	Name   string
	Depots map[uint32]DepotEntry
}

// DepotEntry is a single depot slot within an app's product info.
type DepotEntry struct {
	DepotID uint32
	IsOwner bool
}

// Transport is the network seam to the upstream catalog service,
// satisfied in production by a protocol client and in tests by a
// fake. Kept minimal and batch-oriented to match how the engine
// actually drives it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	LogonAnonymous(ctx context.Context) error
	LogonWithToken(ctx context.Context, username, refreshToken string) error
	GetProductInfo(ctx context.Context, appIDs []uint32) ([]ProductInfo, error)
	ChangeNumber(ctx context.Context) (uint32, error)

	// GetAppList returns the full known app universe, used by a full
	// scan.
	GetAppList(ctx context.Context) ([]uint32, error)

	// GetChangedApps returns app ids touched since sinceChangeNumber,
	// used by an incremental scan.
	GetChangedApps(ctx context.Context, sinceChangeNumber uint32) ([]uint32, error)

	// SessionReplaced delivers a value each time the upstream catalog
	// replaces this session with another logon. The delivered bool
	// reports whether a competing local daemon is the one holding the
	// session; false means a hostile
	// replacement the client did not expect. The channel is read by
	// the client's watchSessionReplacements loop for as long as
	// RunReconnectSupervisor is running.
	SessionReplaced() <-chan bool
}

// Client drives the connection state machine and exposes the
// product-info query the depot mapping engine consumes.
type Client struct {
	transport Transport
	secrets   *secretstore.Store
	bus       *pushbus.Bus

	connectTimeout time.Duration
	logonTimeout   time.Duration
	maxReconnects  int
	sessionReplacedThreshold uint32

	progressLimiter *rate.Limiter

	state connState

	// onSessionReplaced, when set, is invoked for every hostile
	// session replacement so the caller can persist the running count.
	onSessionReplaced func(count uint32, at time.Time)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures reconnect/timeout behavior; see config.Config.Catalog.
type Config struct {
	ConnectTimeout                 time.Duration
	LogonTimeout                   time.Duration
	MaxReconnectAttempts           int
	MaxSessionReplacedBeforeLogout uint32
	ProgressThrottle               time.Duration
}

// New builds a Client around a transport implementation.
func New(transport Transport, secrets *secretstore.Store, bus *pushbus.Bus, cfg Config) *Client {
	throttle := cfg.ProgressThrottle
	if throttle <= 0 {
		throttle = 250 * time.Millisecond
	}
	return &Client{
		transport:                transport,
		secrets:                  secrets,
		bus:                      bus,
		connectTimeout:           cfg.ConnectTimeout,
		logonTimeout:             cfg.LogonTimeout,
		maxReconnects:            cfg.MaxReconnectAttempts,
		sessionReplacedThreshold: cfg.MaxSessionReplacedBeforeLogout,
		progressLimiter:          rate.NewLimiter(rate.Every(throttle), 1),
		state:                    connState{state: StateDisconnected},
	}
}

// State returns the current connection state.
func (c *Client) State() State { return c.state.get() }

// OnSessionReplaced registers a hook invoked with the running
// replacement count each time a hostile session replacement is
// recorded. Must be called before RunReconnectSupervisor starts.
func (c *Client) OnSessionReplaced(fn func(count uint32, at time.Time)) {
	c.onSessionReplaced = fn
}

// CredentialsUpdated clears the anonymous-only restriction after the
// user explicitly re-sets credentials, allowing token logon again.
func (c *Client) CredentialsUpdated() { c.state.setAnonymousOnly(false) }

// Connect drives Disconnected -> Connecting -> Connected -> LoggedOn,
// choosing anonymous or token auth based on what is stored in the
// secret store.
func (c *Client) Connect(ctx context.Context) error {
	c.state.set(StateConnecting)

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	if err := c.transport.Connect(connectCtx); err != nil {
		c.state.set(StateDisconnected)
		return coreerrors.New(coreerrors.KindTransient, fmt.Errorf("catalog: connect: %w", err))
	}
	c.state.set(StateConnected)

	auth, err := c.secrets.Get()
	if err != nil {
		return coreerrors.New(coreerrors.KindFatal, fmt.Errorf("catalog: read credentials: %w", err))
	}

	logonCtx, lcancel := context.WithTimeout(ctx, c.logonTimeout)
	defer lcancel()

	// Anonymous-only is forced while a competing local daemon holds
	// the account's session slot and after a replacement auto-logout;
	// token logon would just trade the session back and forth.
	if auth.Mode == secretstore.AuthAuthenticated && auth.RefreshToken != "" && !c.state.isAnonymousOnly() {
		err = c.transport.LogonWithToken(logonCtx, auth.Username, auth.RefreshToken)
	} else {
		err = c.transport.LogonAnonymous(logonCtx)
	}
	if err != nil {
		c.state.set(StateDisconnected)
		return coreerrors.New(coreerrors.KindAuth, fmt.Errorf("catalog: logon: %w", err))
	}

	c.state.set(StateLoggedOn)
	return nil
}

// Disconnect tears the session down intentionally, so the reconnect
// supervisor does not treat it as a failure requiring backoff.
func (c *Client) Disconnect() {
	c.state.setIntentionalDisconnect(true)
	c.transport.Disconnect()
	c.state.set(StateDisconnected)
}

// Yield asks the client to pause reconnect attempts (e.g. while a
// depot scan is being cancelled) until Resume is called.
func (c *Client) Yield() { c.state.setYielding(true) }

// Resume clears a prior Yield.
func (c *Client) Resume() { c.state.setYielding(false) }

// IsYielding reports whether the client is currently holding off
// reconnection to let a competing local daemon hold the session. An
// in-flight depot scan uses this to pause rather than fail when the
// catalog connection is intentionally down.
func (c *Client) IsYielding() bool { return c.state.isYielding() }

// HandleSessionReplaced reacts to the transport's session-replaced
// signal. When localDaemonActive is true, a competing local daemon
// holds the session; the client yields rather than counting this as a
// hostile kick, and the replacement counter
// is left untouched. Otherwise the replacement counts toward the
// configured threshold; once the threshold is reached within the reset
// window, stored credentials are cleared, the client falls back to
// anonymous auth, and a KindSteamAutoLogout event is published. Further
// logon attempts use anonymous mode, because the client's sticky
// anonymous-only flag is set here and is cleared only by
// CredentialsUpdated.
func (c *Client) HandleSessionReplaced(localDaemonActive bool) (shouldLogout bool) {
	if localDaemonActive {
		c.Yield()
		c.state.setAnonymousOnly(true)
		c.Disconnect()
		return false
	}

	metrics.CatalogSessionReplacedTotal.Inc()
	count, exceeded := c.state.recordSessionReplaced(c.sessionReplacedThreshold)
	if c.onSessionReplaced != nil {
		c.onSessionReplaced(count, time.Now())
	}
	if !exceeded {
		return false
	}
	c.state.setAnonymousOnly(true)

	if err := c.secrets.Clear(); err != nil {
		logger := corelog.WithComponent("catalog")
		logger.Error().Err(err).
			Msg("session-replacement logout: failed to clear stored credentials")
	}

	c.bus.Publish(pushbus.Event{
		Kind:  pushbus.KindSteamAutoLogout,
		Group: pushbus.GroupAll,
		Payload: map[string]any{
			"reason": "session_replaced_threshold",
		},
	})
	return true
}

// watchSessionReplacements drains the transport's session-replaced
// channel for as long as ctx is alive, routing every signal through
// HandleSessionReplaced. Run as its own goroutine alongside
// RunReconnectSupervisor.
func (c *Client) watchSessionReplacements(ctx context.Context) {
	defer c.wg.Done()
	ch := c.transport.SessionReplaced()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case localDaemonActive, ok := <-ch:
			if !ok {
				return
			}
			c.HandleSessionReplaced(localDaemonActive)
		}
	}
}

// RunReconnectSupervisor runs until ctx is cancelled, reconnecting
// with the backoff table whenever the connection drops unexpectedly.
// Intentional disconnects and an active yield suppress reconnection.
func (c *Client) RunReconnectSupervisor(ctx context.Context) {
	c.stopCh = make(chan struct{})
	c.wg.Add(2)
	go c.watchSessionReplacements(ctx)
	defer c.wg.Done()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if c.State() == StateLoggedOn {
			time.Sleep(time.Second)
			continue
		}
		if c.state.isYielding() {
			time.Sleep(time.Second)
			continue
		}
		if c.state.takeIntentionalDisconnect() {
			attempt = 0
			time.Sleep(time.Second)
			continue
		}

		if err := c.Connect(ctx); err != nil {
			attempt++
			metrics.CatalogReconnectsTotal.Inc()
			wait := backoffFor(attempt - 1)
			c.bus.Publish(pushbus.Event{
				Kind:  pushbus.KindSteamSessionError,
				Group: pushbus.GroupAuthenticated,
				Payload: map[string]any{
					"attempt":          attempt,
					"max_attempts":     c.maxReconnects,
					"retry_in_seconds": wait.Seconds(),
					"error":            err.Error(),
				},
			})
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		attempt = 0
	}
}

// Stop releases the reconnect supervisor goroutine.
func (c *Client) Stop() {
	if c.stopCh != nil {
		close(c.stopCh)
	}
	c.wg.Wait()
}

// ErrNotLoggedOn is returned by GetProductInfo when the client is not
// currently authenticated.
var ErrNotLoggedOn = errors.New("catalog: not logged on")

// GetProductInfo fetches and aggregates product info for a batch of
// app IDs, acquiring access tokens and collecting multi-frame
// responses as the upstream protocol requires.
func (c *Client) GetProductInfo(ctx context.Context, appIDs []uint32) ([]ProductInfo, error) {
	if c.State() != StateLoggedOn {
		return nil, coreerrors.New(coreerrors.KindTransient, ErrNotLoggedOn)
	}
	info, err := c.transport.GetProductInfo(ctx, appIDs)
	if err != nil {
		return nil, coreerrors.New(coreerrors.KindTransient, fmt.Errorf("catalog: get product info: %w", err))
	}
	return info, nil
}

// ChangeNumber returns the upstream's current global change number,
// used by the viability check to decide incremental vs full scans.
func (c *Client) ChangeNumber(ctx context.Context) (uint32, error) {
	if c.State() != StateLoggedOn {
		return 0, coreerrors.New(coreerrors.KindTransient, ErrNotLoggedOn)
	}
	n, err := c.transport.ChangeNumber(ctx)
	if err != nil {
		return 0, coreerrors.New(coreerrors.KindTransient, fmt.Errorf("catalog: change number: %w", err))
	}
	return n, nil
}

// GetAppList returns every app id the catalog currently knows about.
func (c *Client) GetAppList(ctx context.Context) ([]uint32, error) {
	if c.State() != StateLoggedOn {
		return nil, coreerrors.New(coreerrors.KindTransient, ErrNotLoggedOn)
	}
	ids, err := c.transport.GetAppList(ctx)
	if err != nil {
		return nil, coreerrors.New(coreerrors.KindTransient, fmt.Errorf("catalog: get app list: %w", err))
	}
	return ids, nil
}

// GetChangedApps returns app ids touched since sinceChangeNumber.
func (c *Client) GetChangedApps(ctx context.Context, sinceChangeNumber uint32) ([]uint32, error) {
	if c.State() != StateLoggedOn {
		return nil, coreerrors.New(coreerrors.KindTransient, ErrNotLoggedOn)
	}
	ids, err := c.transport.GetChangedApps(ctx, sinceChangeNumber)
	if err != nil {
		return nil, coreerrors.New(coreerrors.KindTransient, fmt.Errorf("catalog: get changed apps: %w", err))
	}
	return ids, nil
}

// AllowProgressEvent reports whether enough time has elapsed since the
// last progress event to publish another one, throttling the push bus
// to at most one depot-mapping-progress event per window.
func (c *Client) AllowProgressEvent() bool {
	return c.progressLimiter.Allow()
}
