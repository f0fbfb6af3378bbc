// Package message defines the packet envelope exchanged over a connection and
// the payload contracts carried inside it.
//
// Every frame body is one Packet:
//
//	{"type": "request"|"response"|"event"|"error", "seq": 7, "body": {...}}
//
//   - request:  body carries "command" plus command-specific fields.
//   - response: seq equals the seq of the request it answers; body may carry
//     "failure" and "message".
//   - event:    body carries "name"; no reply is possible.
//   - error:    body carries "message"; reports a protocol problem to the peer.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"jsoncomm/codec"
)

type PacketType string

const (
	PacketRequest  PacketType = "request"
	PacketResponse PacketType = "response"
	PacketEvent    PacketType = "event"
	PacketError    PacketType = "error"
)

func (t PacketType) Valid() bool {
	switch t {
	case PacketRequest, PacketResponse, PacketEvent, PacketError:
		return true
	default:
		return false
	}
}

var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrMissingSeq      = errors.New("missing sequence number")
	ErrMissingType     = errors.New("missing packet type")
)

// Packet is the wire envelope. Packets are never mutated after being written.
type Packet struct {
	Type PacketType      `json:"type"`
	Seq  int64           `json:"seq"`
	Body json.RawMessage `json:"body"`
}

// wirePacket distinguishes absent fields from zero values on decode.
type wirePacket struct {
	Type *PacketType     `json:"type"`
	Seq  *int64          `json:"seq"`
	Body json.RawMessage `json:"body"`
}

var emptyObject = json.RawMessage(`{}`)

// DecodePacket parses one frame body. A missing or null body is normalised to
// an empty object; the type is returned as sent, validity is the caller's call.
func DecodePacket(c codec.Codec, data []byte) (Packet, error) {
	var wp wirePacket
	if err := c.Unmarshal(data, &wp); err != nil {
		return Packet{}, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	if wp.Seq == nil {
		return Packet{}, ErrMissingSeq
	}
	if wp.Type == nil || *wp.Type == "" {
		return Packet{Seq: *wp.Seq}, ErrMissingType
	}

	body := wp.Body
	if len(body) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		body = emptyObject
	}
	return Packet{Type: *wp.Type, Seq: *wp.Seq, Body: body}, nil
}

// EncodePacket marshals payload as the body of a packet of the given type.
func EncodePacket(c codec.Codec, typ PacketType, seq int64, payload any) ([]byte, error) {
	var body json.RawMessage
	switch p := payload.(type) {
	case nil:
		body = emptyObject
	case json.RawMessage:
		body = p
	default:
		b, err := c.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s body: %w", typ, err)
		}
		body = b
	}
	if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		body = emptyObject
	}
	return c.Marshal(&Packet{Type: typ, Seq: seq, Body: body})
}

// ErrorBody is the body of an error packet.
type ErrorBody struct {
	Message string `json:"message"`
}
