package stub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bridgekit/mcp-bridge/internal/testutil"
)

func TestCloseStopsAllGoroutines(t *testing.T) {
	f := newFixture(t)

	// The httptest server keeps a small number of idle goroutines around.
	check := testutil.LeakCheck(t, 2)

	s := New(DefaultConfig(f.wsURL()))
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.CallTool(context.Background(), "search", nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	check()
}
