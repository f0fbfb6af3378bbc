package message

import (
	"encoding/json"
	"maps"

	"jsoncomm/codec"
)

// Request is any payload that can be sent as a request body.
type Request interface {
	RequestCommand() string
}

// Event is any payload that can be sent as an event body.
type Event interface {
	EventName() string
}

// RequestBase is embedded by typed requests so that "command" is serialized as
// a body field next to the request's own fields.
type RequestBase struct {
	Command string `json:"command"`
}

func (r RequestBase) RequestCommand() string { return r.Command }

// EventBase is embedded by typed events.
type EventBase struct {
	Name string `json:"name"`
}

func (e EventBase) EventName() string { return e.Name }

// ResponseBase is embedded by typed responses that want to report failure
// themselves. Handlers usually return an error instead.
type ResponseBase struct {
	Failure bool   `json:"failure,omitempty"`
	Message string `json:"message,omitempty"`
}

// ResponseStatus extracts the failure flag and message from any response body.
func ResponseStatus(c codec.Codec, body []byte) (ResponseBase, error) {
	var status struct {
		Failure *bool   `json:"failure"`
		Message *string `json:"message"`
	}
	if err := c.Unmarshal(body, &status); err != nil {
		return ResponseBase{}, err
	}
	var rb ResponseBase
	if status.Failure != nil {
		rb.Failure = *status.Failure
	}
	if status.Message != nil {
		rb.Message = *status.Message
	}
	return rb, nil
}

// FailureResponse is the body sent back when a request could not be handled.
func FailureResponse(msg string) ResponseBase {
	return ResponseBase{Failure: true, Message: msg}
}

// GenericRequest carries a request whose command has no registered type.
// Body holds every field of the JSON object, "command" included.
type GenericRequest struct {
	Command string
	Body    map[string]any
}

func NewGenericRequest(command string, body map[string]any) *GenericRequest {
	return &GenericRequest{Command: command, Body: body}
}

func (r *GenericRequest) RequestCommand() string { return r.Command }

func (r *GenericRequest) MarshalJSON() ([]byte, error) {
	return marshalWithKey(r.Body, "command", r.Command)
}

func (r *GenericRequest) UnmarshalJSON(data []byte) error {
	fields, err := unmarshalObject(data)
	if err != nil {
		return err
	}
	r.Body = fields
	r.Command, _ = fields["command"].(string)
	return nil
}

// GenericEvent carries an event whose name has no registered type.
type GenericEvent struct {
	Name string
	Body map[string]any
}

func NewGenericEvent(name string, body map[string]any) *GenericEvent {
	return &GenericEvent{Name: name, Body: body}
}

func (e *GenericEvent) EventName() string { return e.Name }

func (e *GenericEvent) MarshalJSON() ([]byte, error) {
	return marshalWithKey(e.Body, "name", e.Name)
}

func (e *GenericEvent) UnmarshalJSON(data []byte) error {
	fields, err := unmarshalObject(data)
	if err != nil {
		return err
	}
	e.Body = fields
	e.Name, _ = fields["name"].(string)
	return nil
}

func marshalWithKey(body map[string]any, key, value string) ([]byte, error) {
	out := make(map[string]any, len(body)+1)
	maps.Copy(out, body)
	if value != "" {
		out[key] = value
	}
	return json.Marshal(out)
}

func unmarshalObject(data []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, ErrMalformedBody
	}
	return fields, nil
}
