package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTracingIsInert(t *testing.T) {
	tracing, err := Init(context.Background(), TracingConfig{})
	require.NoError(t, err)

	tracer := tracing.Tracer("test")
	_, span := tracer.Start(context.Background(), "noop")
	span.End()

	assert.NoError(t, tracing.Shutdown(context.Background()))
}

func TestNilTracingIsSafe(t *testing.T) {
	var tracing *Tracing
	assert.NotNil(t, tracing.Tracer("test"))
	assert.NoError(t, tracing.Shutdown(context.Background()))
}

func TestUnknownExporterRejected(t *testing.T) {
	cfg := DefaultTracingConfig()
	cfg.Enabled = true
	cfg.Exporter = "jaeger"

	_, err := Init(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown trace exporter")
}
