package transport

import (
	"encoding/json"
	"sync"
)

// pendingRequest is the completion handle for one outstanding request.
// done is closed exactly once, after body or err has been set.
type pendingRequest struct {
	command string
	done    chan struct{}
	body    json.RawMessage
	err     error
}

// pendingRequestMap tracks outstanding requests by sequence number. Every
// resolution path removes the entry under mu, so whichever of response,
// cancellation or shutdown gets there first is the only one that counts.
type pendingRequestMap struct {
	mu       sync.Mutex
	requests map[int64]*pendingRequest
	closed   error
}

func newPendingRequestMap() *pendingRequestMap {
	return &pendingRequestMap{
		requests: make(map[int64]*pendingRequest),
	}
}

// add registers seq. It fails once the map has been drained by shutdown.
func (m *pendingRequestMap) add(seq int64, command string) (*pendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed != nil {
		return nil, m.closed
	}
	req := &pendingRequest{command: command, done: make(chan struct{})}
	m.requests[seq] = req
	return req, nil
}

// deliver hands body to the request waiting on seq. It returns false when
// nothing is waiting, e.g. because the caller already gave up.
func (m *pendingRequestMap) deliver(seq int64, body json.RawMessage) bool {
	return m.resolve(seq, body, nil)
}

// resolve completes seq with body or err. No-op if seq is already resolved.
func (m *pendingRequestMap) resolve(seq int64, body json.RawMessage, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[seq]
	if !ok {
		return false
	}
	delete(m.requests, seq)
	req.body = body
	req.err = err
	close(req.done)
	return true
}

// forget drops seq without resolving it; used once the caller has stopped waiting.
func (m *pendingRequestMap) forget(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, seq)
}

// cancelAll fails every pending request with err and refuses new ones.
func (m *pendingRequestMap) cancelAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed == nil {
		m.closed = err
	}
	for seq, req := range m.requests {
		req.err = err
		close(req.done)
		delete(m.requests, seq)
	}
}

func (m *pendingRequestMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *pendingRequestMap) contains(seq int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.requests[seq]
	return ok
}
