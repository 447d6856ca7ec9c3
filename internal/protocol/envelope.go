// ABOUTME: Wire envelope variants exchanged between the hub and print agents.
// ABOUTME: Ping, Pong, Request and Response form a closed set matched by type switch.

package protocol

import (
	"errors"
	"fmt"
)

// Kind is the wire discriminator carried in the envelope's "type" field.
type Kind string

const (
	KindPing     Kind = "ping"
	KindPong     Kind = "pong"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Payload is the dynamically-typed body of a request or response.
type Payload = map[string]any

// Envelope is one frame on an agent connection. The set of implementations is
// closed; use a type switch over *Ping, *Pong, *Request and *Response.
type Envelope interface {
	Kind() Kind
	envelope()
}

// Ping is a keepalive probe. The receiver answers with Pong.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// Request asks the peer to run Command and reply with a Response carrying the same ID.
type Request struct {
	ID      string
	Command string
	Payload Payload
}

// Response answers the Request with the same ID.
type Response struct {
	ID      string
	Payload Payload
}

func (*Ping) Kind() Kind     { return KindPing }
func (*Pong) Kind() Kind     { return KindPong }
func (*Request) Kind() Kind  { return KindRequest }
func (*Response) Kind() Kind { return KindResponse }

func (*Ping) envelope()     {}
func (*Pong) envelope()     {}
func (*Request) envelope()  {}
func (*Response) envelope() {}

// ErrUnknownKind marks a frame whose type discriminator is not one of the known kinds.
var ErrUnknownKind = errors.New("unknown message kind")

// ErrMissingField marks a frame that lacks a field its kind requires.
var ErrMissingField = errors.New("missing required field")

// ErrEmptyFrame marks a zero-length frame.
var ErrEmptyFrame = errors.New("empty frame")

// DecodeError reports a frame that could not be turned into an Envelope.
// Type holds the raw discriminator when one was present.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decoding envelope: %v", e.Err)
	}
	return fmt.Sprintf("decoding %q envelope: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// wireEnvelope is the logical schema shared by every codec.
type wireEnvelope struct {
	Type    string         `msgpack:"type" cbor:"type"`
	ID      string         `msgpack:"id,omitempty" cbor:"id,omitempty"`
	Command string         `msgpack:"command,omitempty" cbor:"command,omitempty"`
	Payload map[string]any `msgpack:"payload" cbor:"payload"`
}

func toWire(env Envelope) (*wireEnvelope, error) {
	switch e := env.(type) {
	case *Ping:
		return &wireEnvelope{Type: string(KindPing), Payload: Payload{}}, nil
	case *Pong:
		return &wireEnvelope{Type: string(KindPong), Payload: Payload{}}, nil
	case *Request:
		if e.ID == "" || e.Command == "" {
			return nil, fmt.Errorf("encoding request: %w: id and command", ErrMissingField)
		}
		return &wireEnvelope{Type: string(KindRequest), ID: e.ID, Command: e.Command, Payload: nonNil(e.Payload)}, nil
	case *Response:
		if e.ID == "" {
			return nil, fmt.Errorf("encoding response: %w: id", ErrMissingField)
		}
		return &wireEnvelope{Type: string(KindResponse), ID: e.ID, Payload: nonNil(e.Payload)}, nil
	case nil:
		return nil, errors.New("encoding nil envelope")
	default:
		return nil, fmt.Errorf("encoding %T: %w", env, ErrUnknownKind)
	}
}

func fromWire(w *wireEnvelope) (Envelope, error) {
	switch Kind(w.Type) {
	case KindPing:
		return &Ping{}, nil
	case KindPong:
		return &Pong{}, nil
	case KindRequest:
		if w.ID == "" {
			return nil, &DecodeError{Type: w.Type, Err: fmt.Errorf("%w: id", ErrMissingField)}
		}
		if w.Command == "" {
			return nil, &DecodeError{Type: w.Type, Err: fmt.Errorf("%w: command", ErrMissingField)}
		}
		return &Request{ID: w.ID, Command: w.Command, Payload: nonNil(w.Payload)}, nil
	case KindResponse:
		if w.ID == "" {
			return nil, &DecodeError{Type: w.Type, Err: fmt.Errorf("%w: id", ErrMissingField)}
		}
		return &Response{ID: w.ID, Payload: nonNil(w.Payload)}, nil
	case "":
		return nil, &DecodeError{Err: fmt.Errorf("%w: type", ErrMissingField)}
	default:
		return nil, &DecodeError{Type: w.Type, Err: ErrUnknownKind}
	}
}

func nonNil(p Payload) Payload {
	if p == nil {
		return Payload{}
	}
	return p
}
