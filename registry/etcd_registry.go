// Package registry provides the etcd-based implementation of the Registry interface.
//
// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for services:
//
//	Key:   {prefix}/{ServiceName}/{Addr}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed, so no ghost endpoints remain.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	prefix string
	log    logr.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, so Deregister can revoke it
}

type EtcdOption func(*EtcdRegistry)

// WithPrefix stores keys under prefix instead of DefaultPrefix.
func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = "/" + strings.Trim(prefix, "/") }
}

func WithLogger(log logr.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.log = log }
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	r := &EtcdRegistry{
		client: c,
		prefix: DefaultPrefix,
		log:    logr.Discard(),
		leases: make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *EtcdRegistry) servicePrefix(service string) string {
	return r.prefix + "/" + service + "/"
}

// Register adds an endpoint to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// The keep-alive outlives ctx; it stops when the endpoint is deregistered or
// the registry is closed.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	key := r.servicePrefix(service) + ep.Addr
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register %s: %w", key, err)
	}

	// Background lease renewal; the client's own context governs its lifetime.
	ch, err := r.client.KeepAlive(r.client.Ctx(), lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.log.V(1).Info("Lease keep-alive stopped", "key", key)
	}()

	r.log.Info("Registered endpoint", "service", service, "addr", ep.Addr, "ttl", ttl)
	return nil
}

// Deregister removes an endpoint from etcd and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	key := r.servicePrefix(service) + addr

	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to deregister %s: %w", key, err)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			r.log.V(1).Info("Could not revoke lease", "key", key, "error", err.Error())
		}
	}
	return nil
}

// Watch monitors a service prefix in etcd and emits updated endpoint lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	prefix := r.servicePrefix(service)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full list
			// (simpler than parsing individual watch events)
			endpoints, err := r.Discover(ctx, service)
			if err != nil {
				r.log.Error(err, "Could not refresh endpoints", "service", service)
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered endpoints for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s: %w", service, err)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.log.V(1).Info("Skipping malformed endpoint", "key", string(kv.Key))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
