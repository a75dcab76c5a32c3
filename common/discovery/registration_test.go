package discovery_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prietto/microservices-dapr/common/discovery"
	"github.com/prietto/microservices-dapr/common/discovery/inmem"
)

func TestRegisterServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	registry := inmem.NewRegistry()

	reg, err := discovery.RegisterService(ctx, registry, "billing-abc123", "billing-service", "localhost:8001")
	require.NoError(t, err)

	addrs, err := registry.Discover(ctx, "billing-service")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:8001"}, addrs)

	require.NoError(t, reg.Deregister(ctx))

	_, err = registry.Discover(ctx, "billing-service")
	assert.ErrorIs(t, err, discovery.ErrNoInstances)
}

func TestRegisterServiceWithoutRegistry(t *testing.T) {
	// Discovery is optional; a nil registry still yields a registration so
	// shutdown code stays uniform.
	reg, err := discovery.RegisterService(context.Background(), nil, "payment-1", "payment-service", "localhost:8004")
	require.NoError(t, err)
	assert.NoError(t, reg.Deregister(context.Background()))
}

func TestGenerateInstanceIDIsUnique(t *testing.T) {
	a := discovery.GenerateInstanceID("inventory-service")
	b := discovery.GenerateInstanceID("inventory-service")

	assert.Contains(t, a, "inventory-service-")
	assert.NotEqual(t, a, b)
}
