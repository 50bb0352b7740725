// Package services defines the lifecycle interface shared by tapbridge's
// auxiliary services (the DHCP server, the netfilter bootstrapper) so the
// supervisor in internal/bridge can start and stop them uniformly.
package services

import (
	"context"

	"github.com/tapbridge/tapbridge/internal/config"
)

// Status reports whether a service is currently running.
type Status struct {
	Name    string
	Running bool
	Error   string
}

// Service is the standard lifecycle every auxiliary service implements.
type Service interface {
	// Name returns the service's unique name, used in logs and status output.
	Name() string

	// Reload applies cfg to the service. It returns true if the service
	// needed a restart to pick up the change.
	Reload(cfg *config.Config) (bool, error)

	// Start starts the service.
	Start(ctx context.Context) error

	// Stop stops the service.
	Stop(ctx context.Context) error

	// Status returns the service's current status.
	Status() Status
}
