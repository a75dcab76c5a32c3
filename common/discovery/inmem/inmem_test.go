package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prietto/microservices-dapr/common/discovery"
)

func TestRegisterAndDiscover(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	require.NoError(t, r.Register(ctx, "billing-1", "billing-service", "localhost:8001"))
	require.NoError(t, r.Register(ctx, "billing-2", "billing-service", "localhost:8011"))

	addrs, err := r.Discover(ctx, "billing-service")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"localhost:8001", "localhost:8011"}, addrs)
}

func TestDiscoverUnknownService(t *testing.T) {
	r := NewRegistry()

	_, err := r.Discover(context.Background(), "payment-service")
	assert.ErrorIs(t, err, discovery.ErrNoInstances)
}

func TestDeregisterRemovesInstance(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	require.NoError(t, r.Register(ctx, "inventory-1", "inventory-service", "localhost:8003"))
	require.NoError(t, r.Deregister(ctx, "inventory-1", "inventory-service"))

	_, err := r.Discover(ctx, "inventory-service")
	assert.ErrorIs(t, err, discovery.ErrNoInstances)
}

func TestHealthCheckUnknownInstance(t *testing.T) {
	r := NewRegistry()

	err := r.HealthCheck("ghost-1", "accounts-service")
	assert.Error(t, err)
}

func TestHealthCheckRefreshesInstance(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	require.NoError(t, r.Register(ctx, "accounts-1", "accounts-service", "localhost:8002"))
	require.NoError(t, r.HealthCheck("accounts-1", "accounts-service"))

	addrs, err := r.Discover(ctx, "accounts-service")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:8002"}, addrs)
}
