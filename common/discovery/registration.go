package discovery

import (
	"context"
	"log/slog"
	"time"
)

// The Consul TTL check is 5s; a 1s heartbeat keeps it comfortably green.
const heartbeatInterval = 1 * time.Second

// ServiceRegistration keeps one instance registered and healthy until
// Deregister is called.
type ServiceRegistration struct {
	registry    Registry
	instanceID  string
	serviceName string
	stopChan    chan struct{}
}

// RegisterService registers the instance and starts the TTL heartbeat loop.
// A nil registry disables discovery; the returned registration is then a
// no-op so callers keep a single shutdown path.
func RegisterService(ctx context.Context, registry Registry, instanceID, serviceName, addr string) (*ServiceRegistration, error) {
	sr := &ServiceRegistration{
		registry:    registry,
		instanceID:  instanceID,
		serviceName: serviceName,
		stopChan:    make(chan struct{}),
	}

	if registry == nil {
		return sr, nil
	}

	if err := registry.Register(ctx, instanceID, serviceName, addr); err != nil {
		return nil, err
	}

	go sr.heartbeat()
	return sr, nil
}

func (sr *ServiceRegistration) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sr.stopChan:
			return
		case <-ticker.C:
			if err := sr.registry.HealthCheck(sr.instanceID, sr.serviceName); err != nil {
				slog.Warn("registry health check failed",
					slog.String("instance_id", sr.instanceID),
					slog.Any("error", err),
				)
			}
		}
	}
}

func (sr *ServiceRegistration) Deregister(ctx context.Context) error {
	close(sr.stopChan)
	if sr.registry == nil {
		return nil
	}
	return sr.registry.Deregister(ctx, sr.instanceID, sr.serviceName)
}
