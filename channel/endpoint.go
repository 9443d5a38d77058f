package channel

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrInvalidEndpoint is returned when a value does not satisfy the Endpoint capability.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrClosed is returned when posting on a closed endpoint.
	ErrClosed = errors.New("endpoint closed")
	// ErrDataClone is returned when a transfer list cannot be honoured.
	ErrDataClone = errors.New("data clone error")
)

// MessageEvent is a single delivered message.
type MessageEvent struct {
	// Data is the posted value. The comlink protocol posts *messages.Request
	// and *messages.Response values.
	Data any
	// Transfer holds the values whose ownership moved with the message.
	Transfer []Transferable
}

// Listener receives message events from an Endpoint.
// Implementations must be comparable so they can be removed again.
type Listener interface {
	HandleMessage(ev MessageEvent)
}

// Transferable marks values whose ownership is handed to the receiving side
// when they appear in a transfer list.
type Transferable interface {
	// TransferOwnership is called by the endpoint once the value has been
	// handed over to the receiver.
	TransferOwnership()
}

// Endpoint is the bidirectional channel capability consumed by the protocol.
type Endpoint interface {
	// PostMessage posts data to the other side, handing over ownership of
	// every value in transfer.
	PostMessage(data any, transfer []Transferable) error
	// AddListener registers l for message events.
	AddListener(l Listener)
	// RemoveListener unregisters l. Unknown listeners are ignored.
	RemoveListener(l Listener)
}

// Starter is implemented by endpoints that need explicit activation before
// they deliver messages. Start must be idempotent.
type Starter interface {
	Start()
}

type funcListener struct {
	fn func(MessageEvent)
}

func (l *funcListener) HandleMessage(ev MessageEvent) { l.fn(ev) }

// OnMessage adapts fn to a Listener. Each call returns a distinct listener,
// so keep the returned value to remove it later.
func OnMessage(fn func(MessageEvent)) Listener {
	return &funcListener{fn: fn}
}

// Validate checks that v can be used as an Endpoint. It fails fast on nil
// values, typed nil pointers and values lacking the capability.
func Validate(v any) (Endpoint, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil", ErrInvalidEndpoint)
	}
	ep, ok := v.(Endpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not implement PostMessage/AddListener/RemoveListener", ErrInvalidEndpoint, v)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice:
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: nil %T", ErrInvalidEndpoint, v)
		}
	}
	return ep, nil
}

// Activate starts ep if it supports explicit activation.
func Activate(ep Endpoint) {
	if s, ok := ep.(Starter); ok {
		s.Start()
	}
}

// Close closes ep if it supports closing.
func Close(ep Endpoint) error {
	if c, ok := ep.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
