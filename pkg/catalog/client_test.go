package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/lancache/cachectl-core/pkg/secretstore"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu            sync.Mutex
	connectErr    error
	logonErr      error
	productInfo   []ProductInfo
	changeNumber  uint32
	connectCalls  int
	disconnectCalls int
	anonLogons    int
	tokenLogons   int
	replaced      chan bool
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return f.connectErr
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
}

func (f *fakeTransport) LogonAnonymous(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anonLogons++
	return f.logonErr
}

func (f *fakeTransport) LogonWithToken(ctx context.Context, username, refreshToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenLogons++
	return f.logonErr
}

func (f *fakeTransport) SessionReplaced() <-chan bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaced == nil {
		f.replaced = make(chan bool, 1)
	}
	return f.replaced
}

func (f *fakeTransport) GetProductInfo(ctx context.Context, appIDs []uint32) ([]ProductInfo, error) {
	return f.productInfo, nil
}

func (f *fakeTransport) ChangeNumber(ctx context.Context) (uint32, error) {
	return f.changeNumber, nil
}

func (f *fakeTransport) GetAppList(ctx context.Context) ([]uint32, error) {
	return nil, nil
}

func (f *fakeTransport) GetChangedApps(ctx context.Context, sinceChangeNumber uint32) ([]uint32, error) {
	return nil, nil
}

func newTestClient(t *testing.T, transport Transport) *Client {
	t.Helper()
	secrets, err := secretstore.Open(t.TempDir())
	require.NoError(t, err)
	bus := pushbus.New()
	return New(transport, secrets, bus, Config{
		ConnectTimeout:                 time.Second,
		LogonTimeout:                   time.Second,
		MaxReconnectAttempts:           5,
		MaxSessionReplacedBeforeLogout: 3,
		ProgressThrottle:               10 * time.Millisecond,
	})
}

func TestConnectReachesLoggedOnAnonymously(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport)

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StateLoggedOn, c.State())
}

func TestConnectFailureReturnsToDisconnected(t *testing.T) {
	transport := &fakeTransport{connectErr: errors.New("network down")}
	c := newTestClient(t, transport)

	err := c.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, StateDisconnected, c.State())
}

func TestLogonUsesStoredToken(t *testing.T) {
	transport := &fakeTransport{}
	secrets, err := secretstore.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, secrets.Set(secretstore.SteamAuth{
		Mode:         secretstore.AuthAuthenticated,
		Username:     "cacheop",
		RefreshToken: "tok",
	}))

	c := New(transport, secrets, pushbus.New(), Config{
		ConnectTimeout: time.Second, LogonTimeout: time.Second,
		MaxReconnectAttempts: 5, MaxSessionReplacedBeforeLogout: 3,
	})
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StateLoggedOn, c.State())

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Equal(t, 1, transport.tokenLogons)
	require.Equal(t, 0, transport.anonLogons)
}

func TestGetProductInfoRequiresLoggedOn(t *testing.T) {
	transport := &fakeTransport{productInfo: []ProductInfo{{AppID: 10}}}
	c := newTestClient(t, transport)

	_, err := c.GetProductInfo(context.Background(), []uint32{10})
	require.Error(t, err)

	require.NoError(t, c.Connect(context.Background()))
	info, err := c.GetProductInfo(context.Background(), []uint32{10})
	require.NoError(t, err)
	require.Len(t, info, 1)
}

func TestSessionReplacedThresholdTriggersLogout(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport)

	require.False(t, c.HandleSessionReplaced(false))
	require.False(t, c.HandleSessionReplaced(false))
	require.True(t, c.HandleSessionReplaced(false))
}

func TestSessionReplacedByLocalDaemonYieldsWithoutCounting(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport)

	require.False(t, c.HandleSessionReplaced(true))
	require.True(t, c.IsYielding())

	// The daemon replacement above must not have consumed any of the
	// hostile-kick budget.
	require.False(t, c.HandleSessionReplaced(false))
	require.False(t, c.HandleSessionReplaced(false))
	require.True(t, c.HandleSessionReplaced(false))
}

func TestLogonIsAnonymousAfterAutoLogout(t *testing.T) {
	transport := &fakeTransport{}
	secrets, err := secretstore.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, secrets.Set(secretstore.SteamAuth{
		Mode:         secretstore.AuthAuthenticated,
		Username:     "cacheop",
		RefreshToken: "tok",
	}))

	c := New(transport, secrets, pushbus.New(), Config{
		ConnectTimeout: time.Second, LogonTimeout: time.Second,
		MaxReconnectAttempts: 5, MaxSessionReplacedBeforeLogout: 1,
	})

	require.True(t, c.HandleSessionReplaced(false))
	require.NoError(t, c.Connect(context.Background()))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Equal(t, 0, transport.tokenLogons)
	require.Equal(t, 1, transport.anonLogons)
}

func TestYieldPausesReconnectSupervisor(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport)
	c.Yield()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.RunReconnectSupervisor(ctx)

	transport.mu.Lock()
	calls := transport.connectCalls
	transport.mu.Unlock()
	require.Equal(t, 0, calls)
}

func TestAllowProgressEventThrottles(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport)

	require.True(t, c.AllowProgressEvent())
	require.False(t, c.AllowProgressEvent())

	time.Sleep(15 * time.Millisecond)
	require.True(t, c.AllowProgressEvent())
}
