package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_NoEndpointIsNoOp(t *testing.T) {
	shutdown, err := Init(context.Background(), "usdc-monitor-test", "", true, 1.0)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(context.Background()))
	assert.NoError(t, shutdown(context.Background()), "shutdown of a no-op provider is repeatable")
}

func TestInit_ClampsSampleRatio(t *testing.T) {
	// Out-of-range ratios must not error; they fall back to always-on.
	for _, ratio := range []float64{-0.5, 2.0} {
		shutdown, err := Init(context.Background(), "usdc-monitor-test", "", true, ratio)
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
	}
}

func TestTracer_AlwaysUsable(t *testing.T) {
	shutdown, err := Init(context.Background(), "usdc-monitor-test", "", true, 1.0)
	require.NoError(t, err)
	defer shutdown(context.Background())

	tracer := Tracer("pipeline")
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "poll_range")
	span.End()
}
