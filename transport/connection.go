// Package transport implements Connection, a full-duplex request/response/event
// channel over any pair of byte streams.
//
// Both peers may send requests at any time. Each request gets a unique sequence
// number, and a single read loop routes every response back to the goroutine
// waiting for it, so many requests can be in flight over one stream:
//
//	goroutine-1 ──SendRequest(seq=1)──┐
//	goroutine-2 ──SendRequest(seq=2)──┼──→ one stream ──→ peer
//	goroutine-3 ──SendEvent(seq=3)────┘
//
//	ProcessMessages:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
//	                  ←── request(seq=9)  → handler → response(seq=9) ──→
//	                  ←── event(seq=10)   → OnEvent subscribers
//
// Writes are serialized by a binary semaphore so that frames never interleave.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"jsoncomm/message"
	"jsoncomm/protocol"
)

// Connection is safe for concurrent use. Exactly one goroutine may run
// ProcessMessages.
type Connection struct {
	opts    options
	log     logr.Logger
	w       io.Writer
	r       *protocol.Reader
	closers []io.Closer

	seq      atomic.Int64 // last sequence number handed out, shared by all packet kinds
	writeSem *semaphore.Weighted
	pending  *pendingRequestMap

	subscribersLock sync.RWMutex
	eventHandlers   []EventHandler
	errorHandlers   []ErrorHandler

	started      atomic.Bool
	closeOnce    sync.Once
	closeLogOnce sync.Once
	closed       chan struct{}
	loopDone     chan struct{}
	loopErr      error
	handlers     sync.WaitGroup

	sent                 atomic.Int64
	received             atomic.Int64
	eventHandlerFailures atomic.Int64
}

// Stats is a snapshot of a connection's counters. Keep-alive frames are not counted.
type Stats struct {
	Sent                 int64
	Received             int64
	EventHandlerFailures int64
}

type connectionKey struct{}

// FromContext returns the connection a request or event handler is running on.
func FromContext(ctx context.Context) (*Connection, bool) {
	c, ok := ctx.Value(connectionKey{}).(*Connection)
	return c, ok
}

// NewConnection creates a connection that writes frames to w and reads frames
// from r. Streams implementing io.Closer are closed by Close unless
// WithLeaveOpen is given. Call ProcessMessages or StartProcessing to begin
// receiving.
func NewConnection(w io.Writer, r io.Reader, opts ...Option) *Connection {
	o := defaultOptions()
	o.apply(opts)

	c := &Connection{
		opts:     o,
		log:      o.log.WithValues("connection", o.id),
		w:        w,
		r:        protocol.NewReader(r, o.maxContentLength),
		writeSem: semaphore.NewWeighted(1),
		pending:  newPendingRequestMap(),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	if wc, ok := w.(io.Closer); ok {
		c.closers = append(c.closers, wc)
	}
	if rc, ok := r.(io.Closer); ok && !sameStream(r, w) {
		c.closers = append(c.closers, rc)
	}
	return c
}

func sameStream(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	return ta != nil && ta == tb && ta.Comparable() && a == b
}

func (c *Connection) ID() string {
	return c.opts.id
}

func (c *Connection) Logger() logr.Logger {
	return c.log
}

// Pending returns the number of requests awaiting a response.
func (c *Connection) Pending() int {
	return c.pending.len()
}

func (c *Connection) Stats() Stats {
	return Stats{
		Sent:                 c.sent.Load(),
		Received:             c.received.Load(),
		EventHandlerFailures: c.eventHandlerFailures.Load(),
	}
}

// OnEvent subscribes h to incoming events. Subscribers run on the read loop
// in arrival order; an error or panic from one is logged and does not stop
// message processing.
func (c *Connection) OnEvent(h EventHandler) {
	c.subscribersLock.Lock()
	defer c.subscribersLock.Unlock()
	c.eventHandlers = append(c.eventHandlers, h)
}

// OnError subscribes h to error packets sent by the peer.
func (c *Connection) OnError(h ErrorHandler) {
	c.subscribersLock.Lock()
	defer c.subscribersLock.Unlock()
	c.errorHandlers = append(c.errorHandlers, h)
}

// SendRequest sends req and waits for the matching response, which is
// unmarshalled into resp unless resp is nil.
//
// It returns ctx.Err() if ctx ends first, an error matching both
// ErrConnectionClosed and context.Canceled if the connection closes first, and
// a *FailedRequestError if the peer reported failure.
func (c *Connection) SendRequest(ctx context.Context, req message.Request, resp any) error {
	command := req.RequestCommand()
	seq := c.seq.Add(1)

	// Register before writing: the response can arrive before Write returns.
	pr, err := c.pending.add(seq, command)
	if err != nil {
		return err
	}
	defer c.pending.forget(seq)

	data, err := message.EncodePacket(c.opts.codec, message.PacketRequest, seq, req)
	if err != nil {
		return err
	}

	c.log.V(1).Info("Sending request", "seq", seq, "command", command)
	if err := c.writeFrame(ctx, data); err != nil {
		return err
	}

	select {
	case <-pr.done:
	case <-ctx.Done():
		c.pending.resolve(seq, nil, ctx.Err())
		<-pr.done
	}
	if pr.err != nil {
		return pr.err
	}

	status, statusErr := message.ResponseStatus(c.opts.codec, pr.body)
	if statusErr == nil && status.Failure {
		return &FailedRequestError{
			Command:  command,
			Seq:      seq,
			Message:  status.Message,
			Response: pr.body,
		}
	}

	if resp == nil {
		return nil
	}
	if err := c.opts.codec.Unmarshal(pr.body, resp); err != nil {
		return fmt.Errorf("failed to decode response to %q (seq %d): %w", command, seq, err)
	}
	return nil
}

// Call sends req on c and decodes the response as T.
func Call[T any](ctx context.Context, c *Connection, req message.Request) (T, error) {
	var resp T
	err := c.SendRequest(ctx, req, &resp)
	return resp, err
}

// SendEvent writes an event packet. Events are never answered.
func (c *Connection) SendEvent(ctx context.Context, ev message.Event) error {
	seq := c.seq.Add(1)
	data, err := message.EncodePacket(c.opts.codec, message.PacketEvent, seq, ev)
	if err != nil {
		return err
	}

	c.log.V(1).Info("Sending event", "seq", seq, "name", ev.EventName())
	return c.writeFrame(ctx, data)
}

// sendError tells the peer about a protocol problem.
func (c *Connection) sendError(ctx context.Context, msg string) error {
	seq := c.seq.Add(1)
	data, err := message.EncodePacket(c.opts.codec, message.PacketError, seq, message.ErrorBody{Message: msg})
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, data)
}

// writeFrame writes one frame while holding the write semaphore. A nil data
// writes an empty keep-alive frame.
func (c *Connection) writeFrame(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return closedError(nil)
	}
	if err := c.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.writeSem.Release(1)

	if c.isClosed() {
		return closedError(nil)
	}
	if err := protocol.WriteFrame(c.w, data); err != nil {
		c.opts.messageLog.Failure(err)
		if c.isClosed() {
			return closedError(err)
		}
		return fmt.Errorf("failed to write frame: %w", err)
	}

	if len(data) > 0 {
		c.sent.Add(1)
		c.opts.messageLog.Sent(data)
	}
	return nil
}

// ProcessMessages reads and dispatches messages until the stream ends, the
// connection is closed, ctx is cancelled (which closes the connection), or a
// fatal protocol error occurs. It returns nil in the first three cases and a
// *ProtocolError in the last. Either way the connection is closed on return
// and every pending request is resolved.
func (c *Connection) ProcessMessages(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyProcessing
	}

	baseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopClose := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stopClose()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-baseCtx.Done():
		}
	}()

	loopCtx := context.WithValue(baseCtx, connectionKey{}, c)
	loopCtx = logr.NewContext(loopCtx, c.log)

	if c.opts.keepAlive > 0 {
		go c.keepAliveLoop(loopCtx, c.opts.keepAlive)
	}

	err := c.readLoop(loopCtx)
	if err != nil {
		c.log.Error(err, "Message processing stopped")
	} else {
		c.log.V(1).Info("Message processing finished")
	}

	c.pending.cancelAll(closedError(err))
	c.loopErr = err
	_ = c.Close()
	c.handlers.Wait()
	c.closeMessageLog()
	close(c.loopDone)
	return err
}

// StartProcessing runs ProcessMessages on a new goroutine. Use Done, Err and
// Wait to observe its outcome.
func (c *Connection) StartProcessing(ctx context.Context) {
	go func() {
		_ = c.ProcessMessages(ctx)
	}()
}

// Done is closed when ProcessMessages has returned.
func (c *Connection) Done() <-chan struct{} {
	return c.loopDone
}

// Err returns what ProcessMessages returned. Valid after Done is closed.
func (c *Connection) Err() error {
	select {
	case <-c.loopDone:
		return c.loopErr
	default:
		return nil
	}
}

// Wait blocks until ProcessMessages has returned or ctx ends.
func (c *Connection) Wait(ctx context.Context) error {
	select {
	case <-c.loopDone:
		return c.loopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Closed is closed once Close has been called.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// Close shuts the connection down. Pending requests fail with an error
// matching ErrConnectionClosed and context.Canceled. Safe to call more than once.
func (c *Connection) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		close(c.closed)

		if !c.opts.leaveOpen {
			for _, closer := range c.closers {
				if err := closer.Close(); err != nil && !isClosedStreamError(err) {
					errs = append(errs, err)
				}
			}
		}

		c.pending.cancelAll(closedError(nil))
		if !c.started.Load() {
			c.closeMessageLog()
		}
	})
	return errors.Join(errs...)
}

func (c *Connection) closeMessageLog() {
	c.closeLogOnce.Do(func() {
		_ = c.opts.messageLog.Close()
	})
}

// keepAliveLoop writes an empty frame every interval. The peer's reader skips
// them; a failed write means the stream is gone and the read loop will notice.
func (c *Connection) keepAliveLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(ctx, nil); err != nil {
				c.log.V(1).Info("Keep-alive write failed", "error", err.Error())
				return
			}
		}
	}
}
