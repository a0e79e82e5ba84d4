package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/bridgekit/mcp-bridge/pkg/errors"
)

type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	pingErr    error
	connects   int
	pings      int
	connected  bool
	block      chan struct{}
}

func (f *fakeClient) Connect(ctx context.Context, uri string) error {
	f.mu.Lock()
	f.connects++
	block := f.block
	err := f.connectErr
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeClient) Disconnect(ctx context.Context) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeClient) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeClient) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func testSupervisor(client Client, mutate func(*Config)) *Supervisor {
	cfg := DefaultConfig()
	cfg.PingTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	return New(client, cfg)
}

func TestConnectSuccess(t *testing.T) {
	client := &fakeClient{}
	s := testSupervisor(client, nil)

	require.NoError(t, s.Connect(context.Background(), "http://endpoint/mcp"))
	assert.Equal(t, StateConnected, s.State())
	assert.True(t, s.Connected())
	assert.Zero(t, s.ConsecutiveFailures())
}

func TestConcurrentConnectsShareOneDial(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	s := testSupervisor(client, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Connect(context.Background(), "http://endpoint/mcp")
		}(i)
	}

	// Let every caller pile up behind the in-flight dial, then release it.
	time.Sleep(50 * time.Millisecond)
	close(client.block)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, client.connectCount())
}

func TestFailureBudgetEndsInPermanentFailure(t *testing.T) {
	client := &fakeClient{connectErr: fmt.Errorf("dial tcp: connection refused")}
	s := testSupervisor(client, func(cfg *Config) { cfg.MaxConsecutiveFailures = 3 })

	ctx := context.Background()
	require.Error(t, s.Connect(ctx, "http://endpoint/mcp"))
	require.Error(t, s.Connect(ctx, "http://endpoint/mcp"))

	err := s.Connect(ctx, "http://endpoint/mcp")
	require.Error(t, err)
	assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryPermanent))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 3, client.connectCount())

	// Once permanent, implicit connects fail without dialing.
	err = s.Connect(ctx, "http://endpoint/mcp")
	require.Error(t, err)
	assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryPermanent))
	assert.Equal(t, 3, client.connectCount())
}

func TestForceReconnectClearsPermanentFailure(t *testing.T) {
	client := &fakeClient{connectErr: fmt.Errorf("connection refused")}
	s := testSupervisor(client, func(cfg *Config) { cfg.MaxConsecutiveFailures = 1 })

	ctx := context.Background()
	require.Error(t, s.Connect(ctx, "http://endpoint/mcp"))
	require.Equal(t, StateFailed, s.State())

	client.setConnectErr(nil)
	require.NoError(t, s.ForceReconnect(ctx))
	assert.Equal(t, StateConnected, s.State())
	assert.Zero(t, s.ConsecutiveFailures())
}

func TestNewURIClearsPermanentFailure(t *testing.T) {
	client := &fakeClient{connectErr: fmt.Errorf("connection refused")}
	s := testSupervisor(client, func(cfg *Config) { cfg.MaxConsecutiveFailures = 1 })

	ctx := context.Background()
	require.Error(t, s.Connect(ctx, "http://old/mcp"))
	require.Equal(t, StateFailed, s.State())

	client.setConnectErr(nil)
	require.NoError(t, s.Connect(ctx, "http://new/mcp"))
	assert.Equal(t, StateConnected, s.State())
}

func TestEnsureFreshSkipsProbeWhenRecentlyActive(t *testing.T) {
	client := &fakeClient{}
	s := testSupervisor(client, nil)

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "http://endpoint/mcp"))

	require.NoError(t, s.EnsureFresh(ctx))
	assert.Zero(t, client.pingCount())
}

func TestEnsureFreshProbesWhenStale(t *testing.T) {
	client := &fakeClient{}
	s := testSupervisor(client, func(cfg *Config) { cfg.FreshWindow = 10 * time.Millisecond })

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "http://endpoint/mcp"))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.EnsureFresh(ctx))
	assert.Equal(t, 1, client.pingCount())
	assert.Equal(t, 1, client.connectCount())

	// The probe refreshed the activity clock, so the next check skips it.
	require.NoError(t, s.EnsureFresh(ctx))
	assert.Equal(t, 1, client.pingCount())
}

func TestEnsureFreshRedialsWhenProbeFails(t *testing.T) {
	client := &fakeClient{pingErr: fmt.Errorf("request timed out")}
	s := testSupervisor(client, func(cfg *Config) { cfg.FreshWindow = time.Nanosecond })

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "http://endpoint/mcp"))
	time.Sleep(time.Millisecond)

	require.NoError(t, s.EnsureFresh(ctx))
	assert.Equal(t, 2, client.connectCount())
	assert.Equal(t, StateConnected, s.State())
}

func TestEnsureFreshRefusesPermanentFailure(t *testing.T) {
	client := &fakeClient{connectErr: fmt.Errorf("connection refused")}
	s := testSupervisor(client, func(cfg *Config) { cfg.MaxConsecutiveFailures = 1 })

	ctx := context.Background()
	require.Error(t, s.Connect(ctx, "http://endpoint/mcp"))

	err := s.EnsureFresh(ctx)
	require.Error(t, err)
	assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryPermanent))
	assert.Equal(t, 1, client.connectCount())
}

func TestReportFailureDropsConnectionOnlyForConnectionErrors(t *testing.T) {
	client := &fakeClient{}
	s := testSupervisor(client, nil)

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "http://endpoint/mcp"))

	s.ReportFailure(ctx, fmt.Errorf("tool not found: summarize"))
	assert.Equal(t, StateConnected, s.State())

	s.ReportFailure(ctx, fmt.Errorf("something odd happened"))
	assert.Equal(t, StateConnected, s.State())

	s.ReportFailure(ctx, fmt.Errorf("connection reset by peer"))
	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, client.Connected())
}

func TestStateListeners(t *testing.T) {
	client := &fakeClient{}
	s := testSupervisor(client, nil)

	var mu sync.Mutex
	var changes []bool
	s.OnStateChange(func(connected bool, message string) {
		mu.Lock()
		changes = append(changes, connected)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "http://endpoint/mcp"))
	s.ReportFailure(ctx, fmt.Errorf("connection reset by peer"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 100*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 400*time.Millisecond, cfg.Delay(3))
	assert.Equal(t, time.Second, cfg.Delay(10))
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	cfg := DefaultBackoffConfig()
	for attempt := 1; attempt <= 8; attempt++ {
		base := BackoffConfig{
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   cfg.Multiplier,
		}.Delay(attempt)
		for i := 0; i < 20; i++ {
			d := cfg.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.9))
			assert.LessOrEqual(t, d, time.Duration(float64(base)*1.1))
		}
	}
}
