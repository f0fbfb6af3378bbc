package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned by operations on a closed connection and
	// by requests that were pending when it closed. Such errors also match
	// context.Canceled.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrAlreadyProcessing is returned when the read loop is started twice.
	ErrAlreadyProcessing = errors.New("connection is already processing messages")

	// ErrUnknownSequence reports a response whose seq matches no pending request.
	ErrUnknownSequence = errors.New("response to unknown sequence")

	// ErrBadPacketType reports a packet whose type is not one of the four known types.
	ErrBadPacketType = errors.New("bad packet type")
)

func closedError(cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, context.Canceled)
	}
	return fmt.Errorf("%w: %w: %w", ErrConnectionClosed, context.Canceled, cause)
}

// FailedRequestError is returned when the peer answered a request with
// failure set. Response holds the raw response body.
type FailedRequestError struct {
	Command  string
	Seq      int64
	Message  string
	Response json.RawMessage
}

func (e *FailedRequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request %q (seq %d) failed", e.Command, e.Seq)
	}
	return fmt.Sprintf("request %q (seq %d) failed: %s", e.Command, e.Seq, e.Message)
}

// IsFailedRequest reports whether err is, or wraps, a FailedRequestError.
func IsFailedRequest(err error) bool {
	var fre *FailedRequestError
	return errors.As(err, &fre)
}

// ProtocolError is a fault that ended message processing for a connection.
// The peer has been sent an error packet describing it.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
