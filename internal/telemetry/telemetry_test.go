package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Settings{ServiceName: "conductor", Version: "test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	counter, err := Meter("conductor/test").Int64Counter("conductor.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := Tracer("conductor/test").Start(context.Background(), "noop")
	span.End()
}

func TestInitWithEndpoint(t *testing.T) {
	// Exporters connect lazily, so an unreachable endpoint still initializes.
	shutdown, err := Init(context.Background(), Settings{
		Endpoint:    "127.0.0.1:1",
		ServiceName: "conductor",
		Version:     "test",
		Insecure:    true,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
