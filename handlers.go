package comlink

import (
	"errors"
	"fmt"

	"github.com/smnsjas/go-comlink/channel"
	"github.com/smnsjas/go-comlink/objects"
	"github.com/smnsjas/go-comlink/serialization"
)

// Builtin transfer handler names. They are always registered first.
const (
	ProxyHandlerName = "proxy"
	ThrowHandlerName = "throw"
)

// TransferHandler converts one kind of value to and from its wire form.
type TransferHandler = serialization.TransferHandler

// HandlerFuncs adapts three functions to a TransferHandler.
type HandlerFuncs = serialization.HandlerFuncs

// DefaultRegistry is used by Wrap and Expose unless WithRegistry is given.
var DefaultRegistry = NewRegistry()

// NewRegistry returns a registry holding the proxy and throw handlers.
func NewRegistry() *serialization.Registry {
	reg := serialization.NewRegistry()
	if err := reg.Register(ProxyHandlerName, &proxyHandler{registry: reg}); err != nil {
		panic(err)
	}
	if err := reg.Register(ThrowHandlerName, throwHandler{}); err != nil {
		panic(err)
	}
	return reg
}

// RegisterTransferHandler adds h to DefaultRegistry under name, replacing
// any handler with the same name in place.
func RegisterTransferHandler(name string, h TransferHandler) error {
	return DefaultRegistry.Register(name, h)
}

// Transfer marks v so that the listed transferables move to the receiver
// instead of being copied.
func Transfer(v any, transfers ...channel.Transferable) any {
	return serialization.Transfer(v, transfers...)
}

// Proxied is a value marked with Proxy.
type Proxied struct {
	Value any
}

// Proxy marks v to be exposed on a fresh sub-endpoint instead of copied.
// The receiver gets a *Ref to it.
func Proxy(v any) *Proxied {
	if p, ok := v.(*Proxied); ok {
		return p
	}
	return &Proxied{Value: v}
}

// proxyHandler exposes marked values on a new port pair and wraps the
// received port on the other side. Exposures and Refs it creates inherit
// opts from the Wrap or Expose whose traffic carried the value.
type proxyHandler struct {
	registry *serialization.Registry
	opts     []Option
}

func (h *proxyHandler) options() []Option {
	if len(h.opts) > 0 {
		return h.opts
	}
	return []Option{WithRegistry(h.registry)}
}

func (h *proxyHandler) CanHandle(v any) bool {
	p, ok := v.(*Proxied)
	return ok && p != nil
}

func (h *proxyHandler) Serialize(v any) (any, []channel.Transferable, error) {
	local, remote := channel.NewMessageChannel()
	if _, err := Expose(v.(*Proxied).Value, local, h.options()...); err != nil {
		return nil, nil, err
	}
	return remote, []channel.Transferable{remote}, nil
}

func (h *proxyHandler) Deserialize(v any) (any, error) {
	ep, err := channel.Validate(v)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	return Wrap(ep, h.options()...)
}

// thrown marks a value travelling through the error path.
type thrown struct {
	value any
}

// throwPayload is the wire form of a thrown value.
type throwPayload struct {
	IsError bool `json:"isError"`
	Value   any  `json:"value"`
}

type errorPayload struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Stack   string `json:"stack"`
}

type throwHandler struct{}

func (throwHandler) CanHandle(v any) bool {
	t, ok := v.(*thrown)
	return ok && t != nil
}

func (throwHandler) Serialize(v any) (any, []channel.Transferable, error) {
	value := v.(*thrown).value

	var tv *ThrownValue
	if errors.As(asError(value), &tv) {
		return throwPayload{IsError: false, Value: tv.Value}, nil, nil
	}
	if err, ok := value.(error); ok {
		return throwPayload{
			IsError: true,
			Value: errorPayload{
				Message: err.Error(),
				Name:    errorName(err),
				Stack:   errorStack(err),
			},
		}, nil, nil
	}
	return throwPayload{IsError: false, Value: value}, nil, nil
}

func (throwHandler) Deserialize(v any) (any, error) {
	var p throwPayload
	if err := objects.Decode(v, &p); err != nil {
		return nil, fmt.Errorf("throw: %w", err)
	}
	if !p.IsError {
		return &ThrownValue{Value: p.Value}, nil
	}
	var e errorPayload
	if err := objects.Decode(p.Value, &e); err != nil {
		return nil, fmt.Errorf("throw: %w", err)
	}
	return &RemoteError{Name: e.Name, Message: e.Message, Stack: e.Stack}, nil
}

func asError(v any) error {
	err, _ := v.(error)
	return err
}
