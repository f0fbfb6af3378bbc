package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"jsoncomm/message"
	"jsoncomm/protocol"
)

// errorWriteTimeout bounds the best-effort error packet written before a
// fatal return, when the writer supports deadlines.
const errorWriteTimeout = time.Second

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// readLoop is the only reader of the stream. Packets are handled strictly in
// arrival order.
func (c *Connection) readLoop(ctx context.Context) error {
	for {
		data, err := c.r.ReadFrame()
		if err != nil {
			switch {
			case c.isClosed(), errors.Is(err, io.EOF), isClosedStreamError(err):
				return nil
			case errors.Is(err, protocol.ErrFraming):
				return c.fail(ctx, "read", err)
			default:
				c.opts.messageLog.Failure(err)
				return fmt.Errorf("failed to read from connection: %w", err)
			}
		}

		if len(data) == 0 {
			continue
		}
		c.received.Add(1)
		c.opts.messageLog.Received(data)

		packet, err := message.DecodePacket(c.opts.codec, data)
		if err != nil {
			return c.fail(ctx, "decode", err)
		}

		if err := c.dispatch(ctx, packet); err != nil {
			return err
		}
	}
}

func (c *Connection) dispatch(ctx context.Context, packet message.Packet) error {
	switch packet.Type {
	case message.PacketRequest:
		return c.dispatchRequest(ctx, packet)

	case message.PacketResponse:
		if c.pending.deliver(packet.Seq, packet.Body) {
			c.log.V(1).Info("Received response", "seq", packet.Seq)
			return nil
		}
		// Usually a request the caller stopped waiting for.
		err := fmt.Errorf("%w: %d", ErrUnknownSequence, packet.Seq)
		c.log.Info("Discarding response", "seq", packet.Seq, "reason", err.Error())
		if sendErr := c.sendError(ctx, fmt.Sprintf("Response to unknown sequence: %d", packet.Seq)); sendErr != nil {
			c.log.V(1).Info("Could not report unknown sequence to peer", "error", sendErr.Error())
		}
		return nil

	case message.PacketEvent:
		ev, err := c.opts.types.DecodeEvent(c.opts.codec, packet.Body)
		if errors.Is(err, message.ErrMalformedBody) {
			return c.fail(ctx, "decode event", err)
		}
		if err != nil {
			c.log.Error(err, "Dropping event", "seq", packet.Seq)
			return nil
		}
		c.log.V(1).Info("Received event", "seq", packet.Seq, "name", ev.EventName())
		c.notifyEvent(ctx, ev)
		return nil

	case message.PacketError:
		var body message.ErrorBody
		if err := c.opts.codec.Unmarshal(packet.Body, &body); err != nil {
			body.Message = string(packet.Body)
		}
		c.log.Info("Peer reported an error", "seq", packet.Seq, "message", body.Message)
		c.notifyError(body.Message)
		return nil

	default:
		return c.fail(ctx, "dispatch", fmt.Errorf("%w: %q", ErrBadPacketType, packet.Type))
	}
}

func (c *Connection) dispatchRequest(ctx context.Context, packet message.Packet) error {
	req, err := c.opts.types.DecodeRequest(c.opts.codec, packet.Body)
	if errors.Is(err, message.ErrMalformedBody) {
		return c.fail(ctx, "decode request", err)
	}
	if err != nil {
		// The body is an object but does not fit the registered type.
		c.writeResponse(ctx, packet.Seq, message.FailureResponse(err.Error()))
		return nil
	}

	c.log.V(1).Info("Received request", "seq", packet.Seq, "command", req.RequestCommand())

	if !c.opts.concurrent {
		c.handleRequest(ctx, packet.Seq, req)
		return nil
	}

	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		c.handleRequest(ctx, packet.Seq, req)
	}()
	return nil
}

func (c *Connection) handleRequest(ctx context.Context, seq int64, req message.Request) {
	c.writeResponse(ctx, seq, c.invoke(ctx, req))
}

// invoke runs the request handler, turning errors and panics into failure responses.
func (c *Connection) invoke(ctx context.Context, req message.Request) (resp any) {
	command := req.RequestCommand()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic handling %q: %v", command, r)
			c.log.Error(err, "Request handler panicked", "command", command)
			resp = message.FailureResponse(err.Error())
		}
	}()

	if c.opts.handler == nil {
		return message.FailureResponse(fmt.Sprintf("no handler registered for command %q", command))
	}
	out, err := c.opts.handler(ctx, req)
	if err != nil {
		c.log.V(1).Info("Request failed", "command", command, "error", err.Error())
		return message.FailureResponse(err.Error())
	}
	return out
}

func (c *Connection) writeResponse(ctx context.Context, seq int64, body any) {
	data, err := message.EncodePacket(c.opts.codec, message.PacketResponse, seq, body)
	if err != nil {
		c.log.Error(err, "Could not encode response", "seq", seq)
		data, err = message.EncodePacket(c.opts.codec, message.PacketResponse, seq, message.FailureResponse(err.Error()))
		if err != nil {
			return
		}
	}
	if err := c.writeFrame(ctx, data); err != nil {
		c.log.Error(err, "Could not send response", "seq", seq)
	}
}

func (c *Connection) notifyEvent(ctx context.Context, ev message.Event) {
	c.subscribersLock.RLock()
	handlers := c.eventHandlers
	c.subscribersLock.RUnlock()

	for _, h := range handlers {
		if err := c.callEventHandler(ctx, h, ev); err != nil {
			c.eventHandlerFailures.Add(1)
			c.log.Error(err, "Event handler failed", "name", ev.EventName())
		}
	}
}

func (c *Connection) callEventHandler(ctx context.Context, h EventHandler, ev message.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in event handler: %v", r)
		}
	}()
	return h(ctx, ev)
}

func (c *Connection) notifyError(msg string) {
	c.subscribersLock.RLock()
	handlers := c.errorHandlers
	c.subscribersLock.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error(fmt.Errorf("%v", r), "Error handler panicked")
				}
			}()
			h(msg)
		}()
	}
}

// fail reports a fatal protocol error to the peer, best effort, and returns it.
func (c *Connection) fail(ctx context.Context, op string, err error) error {
	c.opts.messageLog.Failure(err)

	if wd, ok := c.w.(writeDeadliner); ok {
		_ = wd.SetWriteDeadline(time.Now().Add(errorWriteTimeout))
		defer func() { _ = wd.SetWriteDeadline(time.Time{}) }()
	}
	writeCtx, cancel := context.WithTimeout(ctx, errorWriteTimeout)
	defer cancel()
	if sendErr := c.sendError(writeCtx, err.Error()); sendErr != nil {
		c.log.V(1).Info("Could not report protocol error to peer", "error", sendErr.Error())
	}

	return &ProtocolError{Op: op, Err: err}
}

func isClosedStreamError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
