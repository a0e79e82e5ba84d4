package primitives

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgekit/mcp-bridge/pkg/protocol"
)

type fakeSource struct {
	mu      sync.Mutex
	set     []protocol.Primitive
	err     error
	fetches int
	block   chan struct{}
}

func (f *fakeSource) ListPrimitives(ctx context.Context) ([]protocol.Primitive, error) {
	f.mu.Lock()
	f.fetches++
	block := f.block
	set, err := f.set, f.err
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return set, err
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

var sampleSet = []protocol.Primitive{
	{Kind: protocol.PrimitiveTool, Name: "fetch"},
	{Kind: protocol.PrimitiveTool, Name: "search"},
	{Kind: protocol.PrimitivePrompt, Name: "summarize"},
}

func TestGetFetchesOnceWhileFresh(t *testing.T) {
	source := &fakeSource{set: sampleSet}
	cache := NewCache(source, time.Minute, nil)

	for i := 0; i < 3; i++ {
		set, err := cache.Get(context.Background(), false)
		require.NoError(t, err)
		assert.Len(t, set, 3)
	}
	assert.Equal(t, 1, source.fetchCount())
}

func TestGetRefetchesWhenStale(t *testing.T) {
	source := &fakeSource{set: sampleSet}
	cache := NewCache(source, time.Minute, nil)

	now := time.Now()
	cache.clock = func() time.Time { return now }

	_, err := cache.Get(context.Background(), false)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = cache.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, source.fetchCount())
}

func TestForceRefreshBypassesFreshness(t *testing.T) {
	source := &fakeSource{set: sampleSet}
	cache := NewCache(source, time.Minute, nil)

	_, err := cache.Get(context.Background(), false)
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, source.fetchCount())
}

func TestConcurrentRefreshesCollapse(t *testing.T) {
	source := &fakeSource{set: sampleSet, block: make(chan struct{})}
	cache := NewCache(source, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := cache.Get(context.Background(), false)
			assert.NoError(t, err)
			assert.Len(t, set, 3)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(source.block)
	wg.Wait()

	assert.Equal(t, 1, source.fetchCount())
}

func TestRefreshFailureServesStaleSetWithinGrace(t *testing.T) {
	source := &fakeSource{set: sampleSet}
	cache := NewCache(source, time.Minute, nil)

	now := time.Now()
	cache.clock = func() time.Time { return now }

	_, err := cache.Get(context.Background(), false)
	require.NoError(t, err)

	source.mu.Lock()
	source.err = fmt.Errorf("connection reset by peer")
	source.mu.Unlock()

	// Stale but within the grace window: the previous set still serves.
	now = now.Add(90 * time.Second)
	set, err := cache.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, set, 3)
}

func TestRefreshFailureSurfacesPastGraceWindow(t *testing.T) {
	source := &fakeSource{set: sampleSet}
	cache := NewCache(source, time.Minute, nil)

	now := time.Now()
	cache.clock = func() time.Time { return now }

	_, err := cache.Get(context.Background(), false)
	require.NoError(t, err)

	source.mu.Lock()
	source.err = fmt.Errorf("connection reset by peer")
	source.mu.Unlock()

	now = now.Add(3 * time.Minute)
	_, err = cache.Get(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestForceRefreshFailureSurfaces(t *testing.T) {
	source := &fakeSource{set: sampleSet}
	cache := NewCache(source, time.Minute, nil)

	_, err := cache.Get(context.Background(), false)
	require.NoError(t, err)

	source.mu.Lock()
	source.err = fmt.Errorf("connection reset by peer")
	source.mu.Unlock()

	// The caller demanded fresh data; stale data is not an answer.
	_, err = cache.Get(context.Background(), true)
	require.Error(t, err)

	// The previous set survives for non-forced callers.
	assert.Len(t, cache.Snapshot(), 3)
}

func TestRefreshFailureWithoutCacheSurfaces(t *testing.T) {
	source := &fakeSource{err: fmt.Errorf("connection refused")}
	cache := NewCache(source, time.Minute, nil)

	_, err := cache.Get(context.Background(), false)
	require.Error(t, err)
	assert.Nil(t, cache.Snapshot())
}

func TestInvalidateForcesRefetch(t *testing.T) {
	source := &fakeSource{set: sampleSet}
	cache := NewCache(source, time.Minute, nil)

	_, err := cache.Get(context.Background(), false)
	require.NoError(t, err)

	cache.Invalidate()
	assert.Nil(t, cache.Snapshot())
	assert.Negative(t, cache.Age())

	_, err = cache.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, source.fetchCount())
}

func TestFindTool(t *testing.T) {
	source := &fakeSource{set: sampleSet}
	cache := NewCache(source, time.Minute, nil)

	// Never fetched: no verdict at all.
	_, found, known := cache.FindTool("search")
	assert.False(t, found)
	assert.False(t, known)

	_, err := cache.Get(context.Background(), false)
	require.NoError(t, err)

	p, found, known := cache.FindTool("search")
	assert.True(t, known)
	require.True(t, found)
	assert.Equal(t, "search", p.Name)

	// Prompts are not tools.
	_, found, known = cache.FindTool("summarize")
	assert.True(t, known)
	assert.False(t, found)
}

func TestToolNamesSorted(t *testing.T) {
	source := &fakeSource{set: sampleSet}
	cache := NewCache(source, time.Minute, nil)

	_, err := cache.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "search"}, cache.ToolNames())
}

func TestSnapshotIsACopy(t *testing.T) {
	source := &fakeSource{set: sampleSet}
	cache := NewCache(source, time.Minute, nil)

	_, err := cache.Get(context.Background(), false)
	require.NoError(t, err)

	snap := cache.Snapshot()
	snap[0].Name = "mutated"

	again := cache.Snapshot()
	assert.Equal(t, "fetch", again[0].Name)
}
