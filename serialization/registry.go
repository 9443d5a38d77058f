// Package serialization converts values to and from comlink wire values.
//
// Most values travel RAW: the endpoint moves them with its own structural
// copy or encoding. Values that need special treatment (remote references,
// thrown errors, domain types) are claimed by a named transfer handler whose
// serializer produces the wire form and whose deserializer restores a value
// on the other side. The handler name travels on the wire next to the value.
//
// # Registry
//
// A Registry is ordered. When serializing, the first handler in insertion
// order whose CanHandle accepts the value wins. Registering a name that is
// already present replaces that handler in place, keeping its position.
//
//	reg := serialization.NewRegistry()
//	err := reg.Register("point", serialization.HandlerFuncs{
//	    CanHandleFunc:   func(v any) bool { _, ok := v.(Point); return ok },
//	    SerializeFunc:   func(v any) (any, []channel.Transferable, error) { ... },
//	    DeserializeFunc: func(v any) (any, error) { ... },
//	})
//
// # Transfer
//
// Transfer associates a transfer list with a RAW value. Independently of any
// explicit list, ToWireValue walks RAW values to discover nested Transferable
// values such as ports; the walk tracks visited references so self-referential
// graphs terminate, and each transferable is listed once. RAW values holding
// funcs or channels are rejected with ErrNotCloneable; mark them with a
// handler, such as the proxy handler, instead.
package serialization

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/smnsjas/go-comlink/channel"
)

var (
	// ErrUnknownHandler is returned when a wire value names an unregistered handler.
	ErrUnknownHandler = errors.New("unknown transfer handler")
	// ErrInvalidHandler is returned when registering an incomplete handler.
	ErrInvalidHandler = errors.New("invalid transfer handler")
	// ErrNotCloneable is returned when a RAW value holds something that
	// cannot be copied to the receiver, such as a func.
	ErrNotCloneable = errors.New("value is not cloneable")
)

// TransferHandler converts one kind of value to and from its wire form.
//
// CanHandle is used purely as a predicate and may be called speculatively,
// so it must not have side effects.
type TransferHandler interface {
	CanHandle(v any) bool
	Serialize(v any) (any, []channel.Transferable, error)
	Deserialize(v any) (any, error)
}

// HandlerFuncs adapts three functions to a TransferHandler.
type HandlerFuncs struct {
	CanHandleFunc   func(v any) bool
	SerializeFunc   func(v any) (any, []channel.Transferable, error)
	DeserializeFunc func(v any) (any, error)
}

// CanHandle implements TransferHandler.
func (h HandlerFuncs) CanHandle(v any) bool { return h.CanHandleFunc(v) }

// Serialize implements TransferHandler.
func (h HandlerFuncs) Serialize(v any) (any, []channel.Transferable, error) { return h.SerializeFunc(v) }

// Deserialize implements TransferHandler.
func (h HandlerFuncs) Deserialize(v any) (any, error) { return h.DeserializeFunc(v) }

// Registry is an ordered set of named transfer handlers.
// It is safe for concurrent use.
type Registry struct {
	parent   *Registry
	mu       sync.RWMutex
	names    []string
	handlers map[string]TransferHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]TransferHandler),
	}
}

// Derive returns a registry that resolves name to h and everything else
// through r. Handlers registered on r later stay visible through it. When r
// already has name, h takes that position; otherwise it comes last.
func (r *Registry) Derive(name string, h TransferHandler) *Registry {
	return &Registry{
		parent:   r,
		names:    []string{name},
		handlers: map[string]TransferHandler{name: h},
	}
}

// Register adds h under name, or replaces the handler already registered
// under name without changing its position.
func (r *Registry) Register(name string, h TransferHandler) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidHandler)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler %q", ErrInvalidHandler, name)
	}
	if hf, ok := h.(HandlerFuncs); ok {
		if hf.CanHandleFunc == nil || hf.SerializeFunc == nil || hf.DeserializeFunc == nil {
			return fmt.Errorf("%w: handler %q is missing a function", ErrInvalidHandler, name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; !exists {
		r.names = append(r.names, name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (TransferHandler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok && r.parent != nil {
		return r.parent.Lookup(name)
	}
	return h, ok
}

// Names returns the handler names in iteration order.
func (r *Registry) Names() []string {
	names, _ := r.snapshot()
	return names
}

// Match returns the first handler, in insertion order, that accepts v.
func (r *Registry) Match(v any) (string, TransferHandler, bool) {
	names, handlers := r.snapshot()
	for i, h := range handlers {
		if h.CanHandle(v) {
			return names[i], h, true
		}
	}
	return "", nil, false
}

// snapshot returns the names and handlers in iteration order, with r's own
// handlers overriding its parent's.
func (r *Registry) snapshot() ([]string, []TransferHandler) {
	var names []string
	var handlers []TransferHandler
	if r.parent != nil {
		names, handlers = r.parent.snapshot()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	inherited := len(names)
	for i := range inherited {
		if h, ok := r.handlers[names[i]]; ok {
			handlers[i] = h
		}
	}
	for _, name := range r.names {
		if slices.Contains(names[:inherited], name) {
			continue
		}
		names = append(names, name)
		handlers = append(handlers, r.handlers[name])
	}
	return names, handlers
}
