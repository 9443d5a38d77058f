// Package messages defines the comlink request/response messages and the
// wire value envelope.
//
// Messages are the unit of communication between a wrapping client and an
// exposing server. A request names an operation and a call path from the
// exposed root object; a response carries the correlation id of its request
// and a single wire value.
//
// # Message Structure
//
//	Request  := { id?: string, type: "GET"|"SET"|"APPLY"|"CONSTRUCT"|"ENDPOINT"|"RELEASE",
//	              path: string[], value?: WireValue, argumentList?: WireValue[] }
//	Response := { id: string, ...WireValue }
//	WireValue:= { type: "RAW", value: any } | { type: "HANDLER", name: string, value: any }
//
// In-process endpoints carry *Request and *Response values directly. Byte
// transports use Encode and Decode, which produce and consume the JSON form
// above. Note that the "type" key is shared: a request carries its operation
// and a response carries its wire value type.
//
// # Protocol Errors
//
// Decode never drops a message silently. An unknown "type" tag fails with
// ErrUnknownMessageType so that the caller can reject the pending request
// instead of leaving its correlation id outstanding forever.
package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies the operation requested from the exposing side.
type MessageType string

// Request message types.
const (
	// MessageTypeGet reads the value at the call path.
	MessageTypeGet MessageType = "GET"
	// MessageTypeSet assigns a value at the call path.
	MessageTypeSet MessageType = "SET"
	// MessageTypeApply invokes the function at the call path.
	MessageTypeApply MessageType = "APPLY"
	// MessageTypeConstruct instantiates the constructor at the call path.
	MessageTypeConstruct MessageType = "CONSTRUCT"
	// MessageTypeEndpoint requests a fresh sub-endpoint exposing the same root.
	MessageTypeEndpoint MessageType = "ENDPOINT"
	// MessageTypeRelease tears the exposure down.
	MessageTypeRelease MessageType = "RELEASE"
)

// Valid reports whether t is a known request type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeGet, MessageTypeSet, MessageTypeApply,
		MessageTypeConstruct, MessageTypeEndpoint, MessageTypeRelease:
		return true
	}
	return false
}

// WireValueType tags a wire value.
type WireValueType string

const (
	// WireValueRaw travels through the endpoint unchanged.
	WireValueRaw WireValueType = "RAW"
	// WireValueHandler was produced by the named transfer handler.
	WireValueHandler WireValueType = "HANDLER"
)

var (
	// ErrInvalidMessage is returned when a message is malformed.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnknownMessageType is returned for an unknown request or wire value tag.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// WireValue is the tagged envelope for a single value.
type WireValue struct {
	Type  WireValueType `json:"type"`
	Name  string        `json:"name,omitempty"`
	Value any           `json:"value"`
}

// Raw returns a RAW wire value.
func Raw(v any) WireValue {
	return WireValue{Type: WireValueRaw, Value: v}
}

// Handler returns a HANDLER wire value produced by the named handler.
func Handler(name string, v any) WireValue {
	return WireValue{Type: WireValueHandler, Name: name, Value: v}
}

// Validate checks the wire value tag.
func (w WireValue) Validate() error {
	switch w.Type {
	case WireValueRaw:
		return nil
	case WireValueHandler:
		if w.Name == "" {
			return fmt.Errorf("%w: HANDLER wire value without name", ErrInvalidMessage)
		}
		return nil
	default:
		return fmt.Errorf("%w: wire value %q", ErrUnknownMessageType, w.Type)
	}
}

// Request is sent by the wrapping side.
type Request struct {
	ID           string      `json:"id,omitempty"`
	Type         MessageType `json:"type"`
	Path         []string    `json:"path"`
	Value        *WireValue  `json:"value,omitempty"`
	ArgumentList []WireValue `json:"argumentList,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID string `json:"id"`
	WireValue
}

// NewGet creates a GET request.
func NewGet(path []string) *Request {
	return &Request{Type: MessageTypeGet, Path: path}
}

// NewSet creates a SET request assigning value at path.
func NewSet(path []string, value WireValue) *Request {
	return &Request{Type: MessageTypeSet, Path: path, Value: &value}
}

// NewApply creates an APPLY request.
func NewApply(path []string, args []WireValue) *Request {
	return &Request{Type: MessageTypeApply, Path: path, ArgumentList: args}
}

// NewConstruct creates a CONSTRUCT request.
func NewConstruct(path []string, args []WireValue) *Request {
	return &Request{Type: MessageTypeConstruct, Path: path, ArgumentList: args}
}

// NewEndpoint creates an ENDPOINT request. It carries no path or arguments.
func NewEndpoint() *Request {
	return &Request{Type: MessageTypeEndpoint, Path: []string{}}
}

// NewRelease creates a RELEASE request.
func NewRelease() *Request {
	return &Request{Type: MessageTypeRelease, Path: []string{}}
}

// Validate checks the request type and the per-type fields.
func (r *Request) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, r.Type)
	}
	switch r.Type {
	case MessageTypeSet:
		if len(r.Path) == 0 {
			return fmt.Errorf("%w: SET requires a non-empty path", ErrInvalidMessage)
		}
		if r.Value == nil {
			return fmt.Errorf("%w: SET requires a value", ErrInvalidMessage)
		}
		return r.Value.Validate()
	case MessageTypeApply, MessageTypeConstruct:
		for i, arg := range r.ArgumentList {
			if err := arg.Validate(); err != nil {
				return fmt.Errorf("argument %d: %w", i, err)
			}
		}
	}
	return nil
}

// PathString joins the path for logs and error messages.
func (r *Request) PathString() string {
	if len(r.Path) == 0 {
		return "<root>"
	}
	return strings.Join(r.Path, ".")
}

// WithID returns a shallow copy of r carrying id.
func (r *Request) WithID(id string) *Request {
	c := *r
	c.ID = id
	return &c
}

// Encode serializes a *Request or *Response to JSON.
func Encode(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if m.Path == nil {
			c := *m
			c.Path = []string{}
			m = &c
		}
		return json.Marshal(m)
	case *Response:
		if err := m.WireValue.Validate(); err != nil {
			return nil, err
		}
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrInvalidMessage, msg)
	}
}

type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// PeekID returns the correlation id of an encoded message without
// validating the rest of it. It returns "" when data carries no id.
func PeekID(data []byte) string {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.ID
}

// Decode parses JSON produced by Encode and returns a *Request or *Response.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch {
	case MessageType(env.Type).Valid():
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: decode request: %v", ErrInvalidMessage, err)
		}
		if req.Path == nil {
			req.Path = []string{}
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return &req, nil

	case WireValueType(env.Type) == WireValueRaw || WireValueType(env.Type) == WireValueHandler:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrInvalidMessage, err)
		}
		if err := resp.WireValue.Validate(); err != nil {
			return nil, err
		}
		return &resp, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}
