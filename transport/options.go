package transport

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"jsoncomm/codec"
	"jsoncomm/logger"
	"jsoncomm/message"
	"jsoncomm/protocol"
)

// RequestHandler answers a request. The returned value is marshalled as the
// response body; a returned error becomes a failure response.
type RequestHandler func(ctx context.Context, req message.Request) (any, error)

// EventHandler is notified of every event the peer sends.
type EventHandler func(ctx context.Context, ev message.Event) error

// ErrorHandler is notified of every error packet the peer sends.
type ErrorHandler func(msg string)

type options struct {
	id               string
	handler          RequestHandler
	types            message.TypeRegistry
	log              logr.Logger
	codec            codec.Codec
	messageLog       *logger.MessageLog
	keepAlive        time.Duration
	concurrent       bool
	leaveOpen        bool
	maxContentLength int
}

type Option func(*options)

func defaultOptions() options {
	return options{
		log:              logr.Discard(),
		codec:            codec.Default(),
		maxContentLength: protocol.DefaultMaxContentLength,
	}
}

// WithHandler sets the handler invoked for incoming requests. Without one,
// every request is answered with a failure response.
func WithHandler(h RequestHandler) Option {
	return func(o *options) { o.handler = h }
}

// WithTypes sets the registry used to decode request and event bodies.
// The registry is copied; later registrations do not affect the connection.
func WithTypes(types message.TypeRegistry) Option {
	return func(o *options) { o.types = types.Clone() }
}

func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithMessageLog records every packet sent and received. The connection takes
// ownership of the log and closes it when message processing ends.
func WithMessageLog(ml *logger.MessageLog) Option {
	return func(o *options) { o.messageLog = ml }
}

// WithKeepAlive writes an empty frame every d while messages are processed.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.keepAlive = d }
}

// WithConcurrentRequests runs each incoming request on its own goroutine
// instead of on the read loop. Responses may then be written out of order.
func WithConcurrentRequests() Option {
	return func(o *options) { o.concurrent = true }
}

// WithLeaveOpen keeps the underlying streams open when the connection closes.
func WithLeaveOpen() Option {
	return func(o *options) { o.leaveOpen = true }
}

func WithMaxContentLength(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxContentLength = n
		}
	}
}

// MaxContentLength returns the frame body limit opts configure.
func MaxContentLength(opts ...Option) int {
	o := defaultOptions()
	o.apply(opts)
	return o.maxContentLength
}

func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

func (o *options) apply(opts []Option) {
	for _, opt := range opts {
		opt(o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.types == nil {
		o.types = message.TypeRegistry{}
	}
}
