package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Registry abstracts service registration so services can run against
// Consul in deployments and the in-memory registry in tests.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// ErrNoInstances is returned by Discover when a service has no live
// registered instances.
var ErrNoInstances = errors.New("no live instances registered")

// GenerateInstanceID builds a registry ID for one process, e.g.
// "billing-service-1b9d6bcd". The random suffix keeps concurrently started
// instances of the same service apart.
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%s", serviceName, uuid.NewString()[:8])
}
