package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prietto/microservices-dapr/common/discovery"
)

// Instances whose last heartbeat is older than this are treated as dead,
// mirroring the Consul TTL check.
const instanceTTL = 5 * time.Second

// Registry is an in-memory discovery.Registry for tests and single-node
// development runs where no Consul agent is available.
type Registry struct {
	mu       sync.RWMutex
	services map[string]map[string]instance
}

type instance struct {
	hostPort string
	seenAt   time.Time
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]map[string]instance)}
}

func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.services[serviceName] == nil {
		r.services[serviceName] = make(map[string]instance)
	}
	r.services[serviceName][instanceID] = instance{hostPort: hostPort, seenAt: time.Now()}
	return nil
}

func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.services[serviceName], instanceID)
	return nil
}

func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.services[serviceName][instanceID]
	if !ok {
		return fmt.Errorf("instance %s of %s is not registered", instanceID, serviceName)
	}
	inst.seenAt = time.Now()
	r.services[serviceName][instanceID] = inst
	return nil
}

func (r *Registry) Discover(ctx context.Context, serviceName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-instanceTTL)
	var addrs []string
	for _, inst := range r.services[serviceName] {
		if inst.seenAt.Before(cutoff) {
			continue
		}
		addrs = append(addrs, inst.hostPort)
	}
	if len(addrs) == 0 {
		return nil, discovery.ErrNoInstances
	}
	return addrs, nil
}

var _ discovery.Registry = (*Registry)(nil)
