// Package loadbalance provides load balancing strategies for distributing
// connections across multiple endpoints of a service.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity endpoints
//   - WeightedRandom:  Heterogeneous endpoints (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring affinity for a key
package loadbalance

import (
	"errors"
	"fmt"

	"jsoncomm/registry"
)

var ErrNoEndpoints = errors.New("no endpoints available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each call to select a target endpoint.
type Balancer interface {
	// Pick selects one endpoint from the available list.
	// Called on every call, so it must be goroutine-safe.
	Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

const (
	NameRoundRobin     = "round-robin"
	NameWeightedRandom = "weighted-random"
)

// ByName returns a new balancer for a configured strategy name. An empty name
// selects round robin.
func ByName(name string) (Balancer, error) {
	switch name {
	case "", NameRoundRobin:
		return &RoundRobinBalancer{}, nil
	case NameWeightedRandom:
		return &WeightedRandomBalancer{}, nil
	default:
		return nil, fmt.Errorf("unknown load balancer %q", name)
	}
}
