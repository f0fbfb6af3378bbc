package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"

	"jsoncomm/protocol"
)

// NewNetConnection creates a connection over c. Closing the connection closes c.
func NewNetConnection(c net.Conn, opts ...Option) *Connection {
	return NewConnection(c, c, opts...)
}

// NewStdioConnection creates a connection that reads stdin and writes stdout,
// as used when the peer launched this process.
func NewStdioConnection(stdin io.Reader, stdout io.Writer, opts ...Option) *Connection {
	return NewConnection(stdout, stdin, opts...)
}

// Pipe returns two connections joined by an in-memory, unbuffered stream.
// A write blocks until the other side reads it, so both sides must be
// processing messages for traffic to flow in both directions.
func Pipe(optsA, optsB []Option) (*Connection, *Connection) {
	a, b := net.Pipe()
	return NewNetConnection(a, optsA...), NewNetConnection(b, optsB...)
}

// Dialer establishes connections, retrying with exponential backoff.
type Dialer struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries uint64

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// Timeout bounds each individual attempt. Zero means no limit.
	Timeout time.Duration
}

// DefaultDialer retries three times starting at 100ms.
var DefaultDialer = Dialer{
	MaxRetries:      3,
	InitialInterval: 100 * time.Millisecond,
	Timeout:         5 * time.Second,
}

func DialTCP(ctx context.Context, addr string, opts ...Option) (*Connection, error) {
	return DefaultDialer.DialTCP(ctx, addr, opts...)
}

func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Connection, error) {
	return DefaultDialer.DialWebSocket(ctx, url, opts...)
}

// DialTCP connects to addr and wraps the result in a Connection.
func (d Dialer) DialTCP(ctx context.Context, addr string, opts ...Option) (*Connection, error) {
	var dialer net.Dialer
	conn, err := retry(ctx, d, func(attemptCtx context.Context) (net.Conn, error) {
		return dialer.DialContext(attemptCtx, "tcp", addr)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewNetConnection(conn, opts...), nil
}

// DialWebSocket connects to a ws:// or wss:// URL. Each frame travels as one
// binary websocket message.
func (d Dialer) DialWebSocket(ctx context.Context, url string, opts ...Option) (*Connection, error) {
	conn, err := retry(ctx, d, func(attemptCtx context.Context) (net.Conn, error) {
		ws, _, err := websocket.Dial(attemptCtx, url, nil)
		if err != nil {
			return nil, err
		}
		return WebSocketNetConn(ws, MaxContentLength(opts...)), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewNetConnection(conn, opts...), nil
}

// frameHeaderAllowance is the room left for the Content-Length header when a
// whole frame has to fit in one websocket message.
const frameHeaderAllowance = 64

// WebSocketNetConn adapts an established websocket to the byte stream a
// Connection expects. Messages larger than maxContentLength plus the frame
// header are rejected; a value of zero or less selects
// protocol.DefaultMaxContentLength.
func WebSocketNetConn(ws *websocket.Conn, maxContentLength int) net.Conn {
	if maxContentLength <= 0 {
		maxContentLength = protocol.DefaultMaxContentLength
	}
	ws.SetReadLimit(int64(maxContentLength) + frameHeaderAllowance)
	return websocket.NetConn(context.Background(), ws, websocket.MessageBinary)
}

func retry(ctx context.Context, d Dialer, attempt func(context.Context) (net.Conn, error)) (net.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	if d.InitialInterval > 0 {
		policy.InitialInterval = d.InitialInterval
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, d.MaxRetries), ctx)

	var conn net.Conn
	err := backoff.Retry(func() error {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if d.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		}
		defer cancel()

		c, err := attempt(attemptCtx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}, b)
	return conn, err
}
