package message

import (
	"errors"
	"fmt"
	"maps"

	"jsoncomm/codec"
)

const (
	requestKeyPrefix = "request."
	eventKeyPrefix   = "event."
)

// ErrMalformedBody is returned when a request or event body is not a JSON object.
var ErrMalformedBody = errors.New("body is not a JSON object")

// Factory returns a new pointer to a concrete payload type.
type Factory func() any

// TypeRegistry maps "request."+command and "event."+name to payload factories.
// Lookups that miss fall back to GenericRequest / GenericEvent.
type TypeRegistry map[string]Factory

func RequestKey(command string) string { return requestKeyPrefix + command }

func EventKey(name string) string { return eventKeyPrefix + name }

// RegisterRequest binds command to T. *T must implement Request.
func RegisterRequest[T any, PT interface {
	*T
	Request
}](r TypeRegistry, command string) {
	r[RequestKey(command)] = func() any { return PT(new(T)) }
}

// RegisterEvent binds name to T. *T must implement Event.
func RegisterEvent[T any, PT interface {
	*T
	Event
}](r TypeRegistry, name string) {
	r[EventKey(name)] = func() any { return PT(new(T)) }
}

// Clone returns a copy that later registrations on r do not affect.
func (r TypeRegistry) Clone() TypeRegistry {
	if r == nil {
		return TypeRegistry{}
	}
	return maps.Clone(r)
}

// DecodeRequest decodes a request body, using the registered type for its
// command when there is one.
func (r TypeRegistry) DecodeRequest(c codec.Codec, body []byte) (Request, error) {
	fields, err := decodeFields(c, body)
	if err != nil {
		return nil, err
	}
	command, _ := fields["command"].(string)

	if factory, ok := r[RequestKey(command)]; ok && command != "" {
		v := factory()
		if err := c.Unmarshal(body, v); err != nil {
			return nil, fmt.Errorf("failed to decode request %q: %w", command, err)
		}
		if req, ok := v.(Request); ok {
			return req, nil
		}
	}
	return NewGenericRequest(command, fields), nil
}

// DecodeEvent decodes an event body, using the registered type for its name
// when there is one.
func (r TypeRegistry) DecodeEvent(c codec.Codec, body []byte) (Event, error) {
	fields, err := decodeFields(c, body)
	if err != nil {
		return nil, err
	}
	name, _ := fields["name"].(string)

	if factory, ok := r[EventKey(name)]; ok && name != "" {
		v := factory()
		if err := c.Unmarshal(body, v); err != nil {
			return nil, fmt.Errorf("failed to decode event %q: %w", name, err)
		}
		if ev, ok := v.(Event); ok {
			return ev, nil
		}
	}
	return NewGenericEvent(name, fields), nil
}

func decodeFields(c codec.Codec, body []byte) (map[string]any, error) {
	var fields map[string]any
	if err := c.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}
	if fields == nil {
		return nil, ErrMalformedBody
	}
	return fields, nil
}
