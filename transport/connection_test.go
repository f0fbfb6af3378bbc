package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jsoncomm/codec"
	"jsoncomm/internal/testutil"
	"jsoncomm/logger"
	"jsoncomm/message"
	"jsoncomm/protocol"
)

const testTimeout = 10 * time.Second

type echoRequest struct {
	message.RequestBase
	Value string `json:"value"`
}

func newEcho(value string) *echoRequest {
	return &echoRequest{RequestBase: message.RequestBase{Command: "echo"}, Value: value}
}

type echoResponse struct {
	message.ResponseBase
	Value string `json:"value"`
}

type sleepRequest struct {
	message.RequestBase
	Millis int `json:"millis"`
}

type progressEvent struct {
	message.EventBase
	Percent int `json:"percent"`
}

func testTypes() message.TypeRegistry {
	types := message.TypeRegistry{}
	message.RegisterRequest[echoRequest](types, "echo")
	message.RegisterRequest[sleepRequest](types, "sleep")
	message.RegisterEvent[progressEvent](types, "progress")
	return types
}

func testHandler(ctx context.Context, req message.Request) (any, error) {
	switch r := req.(type) {
	case *echoRequest:
		return echoResponse{Value: r.Value}, nil
	case *sleepRequest:
		select {
		case <-time.After(time.Duration(r.Millis) * time.Millisecond):
			return echoResponse{Value: strconv.Itoa(r.Millis)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	switch req.RequestCommand() {
	case "boom":
		return nil, errors.New("boom")
	case "panic":
		panic("handler exploded")
	}
	return nil, fmt.Errorf("unexpected command %q", req.RequestCommand())
}

// startPair returns a client connection and a server connection that answers
// with testHandler, both already processing messages.
func startPair(t *testing.T, serverOpts ...Option) (*Connection, *Connection) {
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	t.Cleanup(cancel)

	serverOpts = append([]Option{WithHandler(testHandler), WithTypes(testTypes())}, serverOpts...)
	client, server := Pipe([]Option{WithTypes(testTypes())}, serverOpts)
	client.StartProcessing(ctx)
	server.StartProcessing(ctx)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// rawPeer drives the other end of a connection frame by frame.
type rawPeer struct {
	conn net.Conn
	r    *protocol.Reader
}

func newRawPeer(t *testing.T, opts ...Option) (*Connection, *rawPeer) {
	a, b := net.Pipe()
	c := NewNetConnection(a, opts...)
	t.Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return c, &rawPeer{conn: b, r: protocol.NewReader(b, 0)}
}

func (p *rawPeer) readPacket(t *testing.T) message.Packet {
	t.Helper()
	data, err := p.r.ReadFrame()
	require.NoError(t, err)
	packet, err := message.DecodePacket(codec.Default(), data)
	require.NoError(t, err)
	return packet
}

func (p *rawPeer) writePacket(t *testing.T, typ message.PacketType, seq int64, body any) {
	t.Helper()
	data, err := message.EncodePacket(codec.Default(), typ, seq, body)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(p.conn, data))
}

func (p *rawPeer) writeRaw(t *testing.T, s string) {
	t.Helper()
	_, err := p.conn.Write([]byte(s))
	require.NoError(t, err)
}

func TestEchoRequest(t *testing.T) {
	client, _ := startPair(t)
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	resp, err := Call[echoResponse](ctx, client, newEcho("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Value)
	assert.False(t, resp.Failure)
	assert.Zero(t, client.Pending())
}

func TestSequenceNumbersAreUnique(t *testing.T) {
	c, peer := newRawPeer(t)
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	c.StartProcessing(ctx)

	const n = 100
	seen := make(chan int64, n)
	go func() {
		for range n {
			data, err := peer.r.ReadFrame()
			if err != nil {
				return
			}
			packet, err := message.DecodePacket(codec.Default(), data)
			if err != nil {
				return
			}
			seen <- packet.Seq
			out, _ := message.EncodePacket(codec.Default(), message.PacketResponse, packet.Seq, packet.Body)
			if protocol.WriteFrame(peer.conn, out) != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value := strconv.Itoa(i)
			resp, err := Call[echoRequest](ctx, c, newEcho(value))
			if assert.NoError(t, err) {
				assert.Equal(t, value, resp.Value, "response routed to the wrong caller")
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool)
	for seq := range seen {
		assert.False(t, unique[seq], "sequence number %d reused", seq)
		assert.Positive(t, seq)
		unique[seq] = true
	}
	assert.Len(t, unique, n)
	assert.Zero(t, c.Pending())
}

func TestPendingRequestResolvesOnce(t *testing.T) {
	m := newPendingRequestMap()
	pr, err := m.add(1, "echo")
	require.NoError(t, err)

	assert.True(t, m.deliver(1, []byte(`{"value":"first"}`)))
	assert.False(t, m.resolve(1, nil, context.Canceled))
	m.cancelAll(closedError(nil))

	<-pr.done
	assert.NoError(t, pr.err)
	assert.JSONEq(t, `{"value":"first"}`, string(pr.body))
	assert.Zero(t, m.len())

	_, err = m.add(2, "echo")
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestHandlerErrorBecomesFailedRequest(t *testing.T) {
	client, _ := startPair(t)
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	err := client.SendRequest(ctx, message.NewGenericRequest("boom", nil), nil)
	var fre *FailedRequestError
	require.ErrorAs(t, err, &fre)
	assert.Equal(t, "boom", fre.Message)
	assert.Equal(t, "boom", fre.Command)
	assert.JSONEq(t, `{"failure":true,"message":"boom"}`, string(fre.Response))
	assert.True(t, IsFailedRequest(err))

	// The connection stays usable.
	resp, err := Call[echoResponse](ctx, client, newEcho("after"))
	require.NoError(t, err)
	assert.Equal(t, "after", resp.Value)
}

func TestHandlerPanicBecomesFailedRequest(t *testing.T) {
	client, _ := startPair(t)
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	err := client.SendRequest(ctx, message.NewGenericRequest("panic", nil), nil)
	var fre *FailedRequestError
	require.ErrorAs(t, err, &fre)
	assert.Contains(t, fre.Message, "handler exploded")
}

func TestRequestWithoutHandler(t *testing.T) {
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	a, b := Pipe(nil, nil)
	a.StartProcessing(ctx)
	b.StartProcessing(ctx)
	defer a.Close()

	err := a.SendRequest(ctx, newEcho("x"), nil)
	var fre *FailedRequestError
	require.ErrorAs(t, err, &fre)
	assert.Contains(t, fre.Message, "no handler registered")
}

func TestCancelledRequestThenLateResponse(t *testing.T) {
	c, peer := newRawPeer(t, WithTypes(testTypes()))
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	c.StartProcessing(ctx)

	reqCtx, cancelReq := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.SendRequest(reqCtx, newEcho("slow"), nil)
	}()

	request := peer.readPacket(t)
	assert.Equal(t, message.PacketRequest, request.Type)
	cancelReq()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Zero(t, c.Pending())

	peer.writePacket(t, message.PacketResponse, request.Seq, echoResponse{Value: "late"})
	reply := peer.readPacket(t)
	assert.Equal(t, message.PacketError, reply.Type)
	assert.Contains(t, string(reply.Body), fmt.Sprintf("Response to unknown sequence: %d", request.Seq))
	assert.Greater(t, reply.Seq, request.Seq)

	// Still processing.
	go func() {
		_, err := Call[echoResponse](ctx, c, newEcho("again"))
		errCh <- err
	}()
	next := peer.readPacket(t)
	peer.writePacket(t, message.PacketResponse, next.Seq, echoResponse{Value: "again"})
	assert.NoError(t, <-errCh)
}

func TestConcurrentRequestsCompleteOutOfOrder(t *testing.T) {
	client, _ := startPair(t, WithConcurrentRequests())
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	call := func(millis int) {
		defer wg.Done()
		req := &sleepRequest{RequestBase: message.RequestBase{Command: "sleep"}, Millis: millis}
		resp, err := Call[echoResponse](ctx, client, req)
		if assert.NoError(t, err) {
			mu.Lock()
			order = append(order, resp.Value)
			mu.Unlock()
		}
	}

	wg.Add(2)
	go call(300)
	time.Sleep(50 * time.Millisecond)
	go call(0)
	wg.Wait()

	assert.Equal(t, []string{"0", "300"}, order)
}

func TestZeroLengthFrameIsSkipped(t *testing.T) {
	c, peer := newRawPeer(t, WithTypes(testTypes()))
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	events := make(chan message.Event, 1)
	c.OnEvent(func(_ context.Context, ev message.Event) error {
		events <- ev
		return nil
	})
	c.StartProcessing(ctx)

	peer.writeRaw(t, "Content-Length: 0\n\n")
	peer.writePacket(t, message.PacketEvent, 1, &progressEvent{EventBase: message.EventBase{Name: "progress"}, Percent: 40})

	select {
	case ev := <-events:
		progress, ok := ev.(*progressEvent)
		require.True(t, ok, "got %T", ev)
		assert.Equal(t, 40, progress.Percent)
	case <-ctx.Done():
		t.Fatal("event was not delivered")
	}
	assert.EqualValues(t, 1, c.Stats().Received)
}

func TestKeepAliveWritesEmptyFrames(t *testing.T) {
	c, peer := newRawPeer(t, WithKeepAlive(10*time.Millisecond))
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	c.StartProcessing(ctx)

	body, err := peer.r.ReadFrame()
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.Zero(t, c.Stats().Sent)
}

func TestCloseCancelsPendingRequests(t *testing.T) {
	c, peer := newRawPeer(t)
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	c.StartProcessing(ctx)

	errs := make(chan error, 3)
	for i := range 3 {
		go func() {
			errs <- c.SendRequest(ctx, newEcho(strconv.Itoa(i)), nil)
		}()
	}
	for range 3 {
		peer.readPacket(t)
	}
	require.Eventually(t, func() bool { return c.Pending() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	for range 3 {
		err := <-errs
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Zero(t, c.Pending())

	assert.NoError(t, c.Wait(ctx))
	assert.NoError(t, c.Close(), "Close is idempotent")
	assert.ErrorIs(t, c.SendEvent(ctx, message.NewGenericEvent("late", nil)), ErrConnectionClosed)
}

func TestFramingErrorIsFatal(t *testing.T) {
	c, peer := newRawPeer(t)
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	c.StartProcessing(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.SendRequest(ctx, newEcho("x"), nil)
	}()
	peer.readPacket(t)

	peer.writeRaw(t, "Content-Length: abc\n\n")
	reply := peer.readPacket(t)
	assert.Equal(t, message.PacketError, reply.Type)
	assert.Contains(t, string(reply.Body), "invalid Content-Length")

	err := c.Wait(ctx)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, protocol.ErrInvalidContentLength)
	assert.Equal(t, err, c.Err())

	pendingErr := <-errCh
	assert.ErrorIs(t, pendingErr, ErrConnectionClosed)
	assert.ErrorIs(t, pendingErr, context.Canceled)
}

func TestBadPacketTypeIsFatal(t *testing.T) {
	c, peer := newRawPeer(t)
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	c.StartProcessing(ctx)

	peer.writePacket(t, message.PacketType("bogus"), 1, nil)
	reply := peer.readPacket(t)
	assert.Equal(t, message.PacketError, reply.Type)

	err := c.Wait(ctx)
	assert.ErrorIs(t, err, ErrBadPacketType)
}

func TestMissingSeqIsFatal(t *testing.T) {
	c, peer := newRawPeer(t)
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	c.StartProcessing(ctx)

	require.NoError(t, protocol.WriteFrame(peer.conn, []byte(`{"type":"event","body":{}}`)))
	peer.readPacket(t)

	assert.ErrorIs(t, c.Wait(ctx), message.ErrMissingSeq)
}

func TestPeerErrorPacketIsReported(t *testing.T) {
	c, peer := newRawPeer(t)
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	reported := make(chan string, 1)
	c.OnError(func(msg string) { reported <- msg })
	c.StartProcessing(ctx)

	peer.writePacket(t, message.PacketError, 5, message.ErrorBody{Message: "you did something wrong"})
	assert.Equal(t, "you did something wrong", <-reported)

	select {
	case <-c.Done():
		t.Fatal("an error packet must not stop message processing")
	default:
	}
}

func TestFailingEventHandlersDoNotStopProcessing(t *testing.T) {
	client, server := startPair(t)
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	received := make(chan message.Event, 2)
	server.OnEvent(func(context.Context, message.Event) error { panic("subscriber exploded") })
	server.OnEvent(func(context.Context, message.Event) error { return errors.New("subscriber failed") })
	server.OnEvent(func(_ context.Context, ev message.Event) error {
		received <- ev
		return nil
	})

	require.NoError(t, client.SendEvent(ctx, &progressEvent{EventBase: message.EventBase{Name: "progress"}, Percent: 1}))
	require.NoError(t, client.SendEvent(ctx, message.NewGenericEvent("custom", map[string]any{"x": 1.0})))

	first := <-received
	assert.IsType(t, &progressEvent{}, first)
	second := <-received
	generic, ok := second.(*message.GenericEvent)
	require.True(t, ok)
	assert.Equal(t, "custom", generic.Name)
	assert.Equal(t, 1.0, generic.Body["x"])

	require.Eventually(t, func() bool { return server.Stats().EventHandlerFailures == 4 }, time.Second, 5*time.Millisecond)
}

func TestHandlerSeesConnectionInContext(t *testing.T) {
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	found := make(chan *Connection, 1)
	client, server := Pipe(nil, []Option{WithHandler(func(ctx context.Context, _ message.Request) (any, error) {
		c, _ := FromContext(ctx)
		found <- c
		return nil, nil
	})})
	client.StartProcessing(ctx)
	server.StartProcessing(ctx)
	defer client.Close()

	require.NoError(t, client.SendRequest(ctx, newEcho("x"), nil))
	assert.Same(t, server, <-found)
}

func TestProcessMessagesRunsOnce(t *testing.T) {
	c, _ := newRawPeer(t)
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	c.StartProcessing(ctx)

	require.Eventually(t, func() bool { return c.started.Load() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.ProcessMessages(ctx), ErrAlreadyProcessing)
}

func TestCancellingContextClosesConnection(t *testing.T) {
	c, _ := newRawPeer(t)
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	loopCtx, stop := context.WithCancel(ctx)
	c.StartProcessing(loopCtx)
	stop()

	require.NoError(t, c.Wait(ctx))
	<-c.Closed()
	assert.ErrorIs(t, c.SendEvent(ctx, message.NewGenericEvent("x", nil)), ErrConnectionClosed)
}

func TestMessageLogRecordsTraffic(t *testing.T) {
	dir := t.TempDir()
	ml, err := logger.OpenMessageLog(dir, "test")
	require.NoError(t, err)

	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	client, server := Pipe([]Option{WithMessageLog(ml)}, []Option{WithHandler(testHandler), WithTypes(testTypes())})
	client.StartProcessing(ctx)
	server.StartProcessing(ctx)

	_, err = Call[echoResponse](ctx, client, newEcho("logged"))
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, client.Wait(ctx))

	contents, err := os.ReadFile(ml.Path())
	require.NoError(t, err)
	lines := string(contents)
	assert.Contains(t, lines, `--> {"type":"request"`)
	assert.Contains(t, lines, `<-- {"type":"response"`)
	assert.True(t, strings.Contains(lines, "logged"))
}

func TestConnectionsStartAndStopConcurrently(t *testing.T) {
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, server := Pipe([]Option{WithTypes(testTypes())}, []Option{WithHandler(testHandler), WithTypes(testTypes())})
			client.StartProcessing(ctx)
			server.StartProcessing(ctx)

			value := strconv.Itoa(i)
			resp, err := Call[echoResponse](ctx, client, newEcho(value))
			assert.NoError(t, err)
			assert.Equal(t, value, resp.Value)

			// Alternate which side goes first.
			if i%2 == 0 {
				_ = client.Close()
			} else {
				_ = server.Close()
			}
			assert.NoError(t, client.Wait(ctx))
			assert.NoError(t, server.Wait(ctx))
		}()
	}
	wg.Wait()
}

func TestSendingWhileClosingWithMessageLog(t *testing.T) {
	ml, err := logger.OpenMessageLog(t.TempDir(), "closing")
	require.NoError(t, err)

	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()
	client, server := Pipe([]Option{WithMessageLog(ml)}, nil)
	client.StartProcessing(ctx)
	server.StartProcessing(ctx)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := client.SendEvent(ctx, message.NewGenericEvent("tick", nil)); err != nil {
					return
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())
	wg.Wait()
	require.NoError(t, client.Wait(ctx))

	contents, err := os.ReadFile(ml.Path())
	require.NoError(t, err)
	assert.Contains(t, string(contents), `--> {"type":"event"`)
}
