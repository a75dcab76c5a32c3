package consul

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	consul "github.com/hashicorp/consul/api"

	"github.com/prietto/microservices-dapr/common/discovery"
)

// Consul drops an instance whose TTL check stays red for deregisterAfter,
// so crashed processes disappear from discovery without operator action.
const (
	checkTTL        = "5s"
	deregisterAfter = "10s"
)

// Registry registers service instances with a Consul agent using TTL
// checks refreshed by discovery.ServiceRegistration.
type Registry struct {
	client *consul.Client
	logger *slog.Logger
}

func NewRegistry(addr string, logger *slog.Logger) (*Registry, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = addr

	client, err := consul.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	return &Registry{client: client, logger: logger}, nil
}

func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	host, port, err := splitHostPort(hostPort)
	if err != nil {
		return err
	}

	registration := &consul.AgentServiceRegistration{
		ID:      instanceID,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Check: &consul.AgentServiceCheck{
			CheckID:                        instanceID,
			TLSSkipVerify:                  true,
			TTL:                            checkTTL,
			DeregisterCriticalServiceAfter: deregisterAfter,
		},
	}

	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register %s with consul: %w", instanceID, err)
	}

	r.logger.Info("registered with consul",
		slog.String("instance_id", instanceID),
		slog.String("service", serviceName),
		slog.String("addr", hostPort),
	)
	return nil
}

func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	r.logger.Info("deregistering from consul",
		slog.String("instance_id", instanceID),
		slog.String("service", serviceName),
	)
	return r.client.Agent().ServiceDeregister(instanceID)
}

// Discover returns the host:port of every instance passing its health
// check. Consul filters the stale ones itself.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]string, error) {
	entries, _, err := r.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query consul for %s: %w", serviceName, err)
	}
	if len(entries) == 0 {
		return nil, discovery.ErrNoInstances
	}

	addrs := make([]string, 0, len(entries))
	for _, entry := range entries {
		addrs = append(addrs, fmt.Sprintf("%s:%d", entry.Service.Address, entry.Service.Port))
	}
	return addrs, nil
}

func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	return r.client.Agent().UpdateTTL(instanceID, "heartbeat ok", consul.HealthPassing)
}

func splitHostPort(hostPort string) (string, int, error) {
	host, portStr, ok := strings.Cut(hostPort, ":")
	if !ok {
		return "", 0, fmt.Errorf("invalid host:port %q", hostPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", hostPort, err)
	}
	return host, port, nil
}

var _ discovery.Registry = (*Registry)(nil)
