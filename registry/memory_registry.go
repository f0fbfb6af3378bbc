package registry

import (
	"context"
	"slices"
	"sync"
)

// MemoryRegistry keeps endpoints in process memory. It ignores TTLs and is
// meant for tests and single-process setups.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string][]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string][]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, service string, ep Endpoint, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	eps := slices.DeleteFunc(m.services[service], func(e Endpoint) bool { return e.Addr == ep.Addr })
	m.services[service] = append(eps, ep)
	m.notify(service)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, service string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.services[service] = slices.DeleteFunc(m.services[service], func(e Endpoint) bool { return e.Addr == addr })
	m.notify(service)
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, service string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.services[service]), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	m.mu.Unlock()

	context.AfterFunc(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.watchers[service] = slices.DeleteFunc(m.watchers[service], func(w chan []Endpoint) bool { return w == ch })
		close(ch)
	})
	return ch
}

// notify sends the latest list to every watcher, replacing any update the
// watcher has not consumed yet. Caller holds m.mu.
func (m *MemoryRegistry) notify(service string) {
	snapshot := slices.Clone(m.services[service])
	for _, ch := range m.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

func (m *MemoryRegistry) Close() error {
	return nil
}
