package registry

import (
	"context"
	"errors"
)

// DefaultPrefix is the root under which endpoints are stored.
const DefaultPrefix = "/jsoncomm"

var ErrServiceNotFound = errors.New("no endpoints registered for service")

// Endpoint is one server instance reachable at Addr. Addr is either host:port
// for a raw TCP stream or a ws:// or wss:// URL.
type Endpoint struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register advertises ep under service until Deregister is called or,
	// where supported, the TTL (in seconds) lapses without renewal.
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list whenever it changes. The channel is
	// closed when ctx ends.
	Watch(ctx context.Context, service string) <-chan []Endpoint
	Close() error
}
