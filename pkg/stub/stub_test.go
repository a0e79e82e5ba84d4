package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgekit/mcp-bridge/pkg/broker"
	"github.com/bridgekit/mcp-bridge/pkg/configstore"
	mcperrors "github.com/bridgekit/mcp-bridge/pkg/errors"
	"github.com/bridgekit/mcp-bridge/pkg/primitives"
	"github.com/bridgekit/mcp-bridge/pkg/protocol"
	"github.com/bridgekit/mcp-bridge/pkg/supervisor"
)

type fakeSupervisor struct {
	mu        sync.Mutex
	connected bool
	listeners []supervisor.StateListener
}

func (f *fakeSupervisor) Connect(ctx context.Context, uri string) error { return nil }
func (f *fakeSupervisor) ForceReconnect(ctx context.Context) error      { return nil }
func (f *fakeSupervisor) EnsureFresh(ctx context.Context) error         { return nil }
func (f *fakeSupervisor) ReportSuccess()                                {}
func (f *fakeSupervisor) ReportFailure(ctx context.Context, err error)  {}
func (f *fakeSupervisor) State() string                                 { return supervisor.StateConnected }

func (f *fakeSupervisor) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSupervisor) OnStateChange(listener supervisor.StateListener) {
	f.mu.Lock()
	f.listeners = append(f.listeners, listener)
	f.mu.Unlock()
}

func (f *fakeSupervisor) fireStateChange(connected bool, message string) {
	f.mu.Lock()
	f.connected = connected
	listeners := append([]supervisor.StateListener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		l(connected, message)
	}
}

type fakeToolClient struct {
	mu    sync.Mutex
	block time.Duration
	err   error
}

func (f *fakeToolClient) Call(ctx context.Context, toolName string, args map[string]interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	block, err := f.block, f.err
	f.mu.Unlock()
	if block > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(block):
		}
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"tool":%q}`, toolName)), nil
}

type fakeSource struct{}

func (fakeSource) ListPrimitives(ctx context.Context) ([]protocol.Primitive, error) {
	return []protocol.Primitive{
		{Kind: protocol.PrimitiveTool, Name: "fetch"},
		{Kind: protocol.PrimitiveTool, Name: "search"},
	}, nil
}

type fixture struct {
	server *httptest.Server
	sup    *fakeSupervisor
	client *fakeToolClient
	broker *broker.Broker

	connMu sync.Mutex
	conns  []net.Conn
}

func newFixture(t *testing.T) *fixture {
	sup := &fakeSupervisor{connected: true}
	client := &fakeToolClient{}
	cache := primitives.NewCache(fakeSource{}, time.Minute, nil)

	cfg := broker.DefaultConfig()
	cfg.CallTimeout = 2 * time.Second
	b := broker.New(sup, client, cache, configstore.NewMemoryStore(), cfg)

	f := &fixture{sup: sup, client: client, broker: b}
	server := httptest.NewUnstartedServer(broker.NewWSServer(b, nil))
	// WebSocket upgrades hijack the conn, which CloseClientConnections and
	// Close never touch; track hijacked conns so tests can sever them.
	server.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateHijacked {
			f.connMu.Lock()
			f.conns = append(f.conns, c)
			f.connMu.Unlock()
		}
	}
	server.Start()
	t.Cleanup(server.Close)
	f.server = server
	return f
}

// severConnections closes the hijacked WebSocket connections the server holds.
func (f *fixture) severConnections() {
	f.connMu.Lock()
	conns := append([]net.Conn(nil), f.conns...)
	f.connMu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fixture) newStub(t *testing.T, mutate func(*Config)) *Stub {
	cfg := DefaultConfig(f.wsURL())
	cfg.RequestTimeout = 2 * time.Second
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.MaxDelay = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCallToolRoundTrip(t *testing.T) {
	f := newFixture(t)
	s := f.newStub(t, nil)

	result, err := s.CallTool(context.Background(), "search", map[string]interface{}{"q": "go"})
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "search", decoded["tool"])
}

func TestCallToolErrorIsStructured(t *testing.T) {
	f := newFixture(t)
	f.client.mu.Lock()
	f.client.err = fmt.Errorf("invalid params: missing required field 'query'")
	f.client.mu.Unlock()

	s := f.newStub(t, nil)

	_, err := s.CallTool(context.Background(), "search", nil)
	require.Error(t, err)
	assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryTool))
	assert.Contains(t, err.Error(), "missing required field")
}

func TestUnknownToolError(t *testing.T) {
	f := newFixture(t)
	s := f.newStub(t, nil)

	_, err := s.CallTool(context.Background(), "bogus", nil)
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeToolNotFound))
	assert.Contains(t, err.Error(), "search")
}

func TestGetToolDetails(t *testing.T) {
	f := newFixture(t)
	s := f.newStub(t, nil)

	set, err := s.GetToolDetails(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, set, 2)
}

func TestCheckConnection(t *testing.T) {
	f := newFixture(t)
	s := f.newStub(t, nil)

	status, err := s.CheckConnection(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, status.IsConnected)
}

func TestServerConfigRoundTrip(t *testing.T) {
	f := newFixture(t)
	s := f.newStub(t, nil)

	ctx := context.Background()
	require.NoError(t, s.UpdateServerConfig(ctx, "http://endpoint:8765/mcp"))

	cfg, err := s.GetServerConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://endpoint:8765/mcp", cfg.URI)
}

func TestUpdateServerConfigRejectsBadURI(t *testing.T) {
	f := newFixture(t)
	s := f.newStub(t, nil)

	err := s.UpdateServerConfig(context.Background(), "not-a-url")
	require.Error(t, err)
	assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryValidation))
}

func TestStatusBroadcastReachesListener(t *testing.T) {
	f := newFixture(t)
	s := f.newStub(t, nil)

	got := make(chan protocol.ConnectionStatusPayload, 1)
	s.OnConnectionStatus(func(status protocol.ConnectionStatusPayload) {
		select {
		case got <- status:
		default:
		}
	})

	// Give the session a moment to register before broadcasting.
	require.Eventually(t, func() bool { return f.broker.SessionCount() == 1 },
		time.Second, 10*time.Millisecond)

	f.sup.fireStateChange(false, "disconnected from endpoint")

	select {
	case status := <-got:
		assert.False(t, status.IsConnected)
		assert.Equal(t, "disconnected from endpoint", status.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("status broadcast never arrived")
	}
}

func TestHeartbeatsKeepSessionAliveDuringSlowCall(t *testing.T) {
	sup := &fakeSupervisor{connected: true}
	client := &fakeToolClient{block: 1500 * time.Millisecond}
	cache := primitives.NewCache(fakeSource{}, time.Minute, nil)

	// An aggressive sweeper and a tool call that outlives the stale
	// threshold: the heartbeats arriving during the call must keep the
	// session alive until the result comes back.
	cfg := broker.DefaultConfig()
	cfg.SweepInterval = 100 * time.Millisecond
	cfg.StaleThreshold = 400 * time.Millisecond
	cfg.CallTimeout = 5 * time.Second
	b := broker.New(sup, client, cache, configstore.NewMemoryStore(), cfg)

	b.Start(context.Background())
	t.Cleanup(b.Stop)

	server := httptest.NewServer(broker.NewWSServer(b, nil))
	t.Cleanup(server.Close)

	stubCfg := DefaultConfig("ws" + strings.TrimPrefix(server.URL, "http"))
	stubCfg.HeartbeatInterval = 100 * time.Millisecond
	stubCfg.RequestTimeout = 5 * time.Second
	s := New(stubCfg)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })

	result, err := s.CallTool(context.Background(), "search", nil)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "search", decoded["tool"])
	assert.Equal(t, 1, b.SessionCount())
}

func TestRequestTimeout(t *testing.T) {
	f := newFixture(t)
	f.client.mu.Lock()
	f.client.block = 5 * time.Second
	f.client.mu.Unlock()

	s := f.newStub(t, func(cfg *Config) {
		cfg.RequestTimeout = 100 * time.Millisecond
	})

	_, err := s.CallTool(context.Background(), "search", nil)
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeOperationTimeout))
}

func TestBrokerLossBecomesTerminalAfterBudget(t *testing.T) {
	f := newFixture(t)
	s := f.newStub(t, func(cfg *Config) {
		cfg.MaxReconnectAttempts = 2
	})

	lost := make(chan protocol.ConnectionStatusPayload, 1)
	s.OnConnectionStatus(func(status protocol.ConnectionStatusPayload) {
		select {
		case lost <- status:
		default:
		}
	})

	f.server.Close()
	f.severConnections()

	select {
	case status := <-lost:
		assert.False(t, status.IsConnected)
		assert.Contains(t, status.Message, "connection to broker lost")
	case <-time.After(5 * time.Second):
		t.Fatal("terminal status never arrived")
	}

	_, err := s.CallTool(context.Background(), "search", nil)
	require.Error(t, err)
	assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryPermanent))
}

func TestCloseIsTerminal(t *testing.T) {
	f := newFixture(t)
	s := f.newStub(t, nil)

	require.NoError(t, s.Close())

	_, err := s.CallTool(context.Background(), "search", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stub is closed")

	// Close is idempotent and Connect after Close stays closed.
	require.NoError(t, s.Close())
	require.Error(t, s.Connect(context.Background()))
}
