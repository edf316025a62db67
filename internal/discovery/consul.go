// Package discovery registers the server with Consul so lobby front-ends can
// locate running instances. Registration is optional; deployments without a
// Consul address skip it entirely.
package discovery

import (
	"fmt"

	"github.com/hashicorp/consul/api"
)

// Registration describes this instance to Consul.
type Registration struct {
	Address     string
	ServiceName string
	ServiceID   string
	ServiceIP   string
	ServicePort int
	GameNames   []string
}

// Register announces the service with an HTTP health check against /health
// and returns a deregister function for shutdown.
func Register(reg Registration) (func() error, error) {
	cfg := api.DefaultConfig()
	cfg.Address = reg.Address
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: consul client: %w", err)
	}

	service := &api.AgentServiceRegistration{
		ID:      reg.ServiceID,
		Name:    reg.ServiceName,
		Address: reg.ServiceIP,
		Port:    reg.ServicePort,
		Tags:    reg.GameNames,
		Check: &api.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://%s:%d/health", reg.ServiceIP, reg.ServicePort),
			Interval: "10s",
			Timeout:  "2s",
		},
	}
	if err := client.Agent().ServiceRegister(service); err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", reg.ServiceID, err)
	}
	return func() error {
		return client.Agent().ServiceDeregister(reg.ServiceID)
	}, nil
}
