// Package loadbalance picks the gateway a remote controller talks to.
//
//   - RoundRobin:      any gateway will do, spread the calls
//   - WeightedRandom:  gateways with different capacity
//   - ConsistentHash:  pin a host name to one gateway; a host's module registry is stateful
package loadbalance

import (
	"github.com/pkg/errors"

	"scriptbridge/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance per call and must be safe for concurrent use.
type Balancer interface {
	Pick(instances []registry.Instance) (*registry.Instance, error)
	Name() string
}

// New returns the balancer called name: "round_robin" (the default) or "weighted".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	}
	return nil, errors.Errorf("loadbalance: unknown strategy %q", name)
}
