package comlink

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/smnsjas/go-comlink/channel"
	"github.com/smnsjas/go-comlink/messages"
	"github.com/smnsjas/go-comlink/serialization"
)

// Special path segments recognized by Call.
const (
	// CreateEndpoint, as the last segment, makes Call request a new
	// endpoint exposing the same root. See Ref.NewEndpoint.
	CreateEndpoint = "[[createEndpoint]]"
	// BindSegment, as the last segment, makes Call return the parent
	// reference without sending anything.
	BindSegment = "bind"
)

// Ref is a virtual reference to a value exposed on the other side of an
// endpoint. Get only records the access; Call, New, Set and Resolve send a
// single request for the whole recorded path.
//
// Refs are immutable and safe for concurrent use. All Refs derived from one
// Wrap share the endpoint and are released together.
type Ref struct {
	state *refState
	path  []string
}

// refState is shared by every Ref derived from one Wrap.
type refState struct {
	ep       channel.Endpoint
	opts     *options
	corr     *correlator
	released *atomic.Bool

	releaseOnce sync.Once
	releaseErr  error
}

// Wrap begins consuming the value exposed on ep. It fails with
// channel.ErrInvalidEndpoint if ep does not satisfy channel.Endpoint.
//
// If the root Ref and everything derived from it become unreachable before
// Release, the exposing side is sent a RELEASE and the endpoint is closed.
func Wrap(ep any, opts ...Option) (*Ref, error) {
	endpoint, err := channel.Validate(ep)
	if err != nil {
		return nil, err
	}
	o := newOptions(opts)

	st := &refState{
		ep:       endpoint,
		opts:     o,
		corr:     newCorrelator(endpoint, o),
		released: new(atomic.Bool),
	}
	channel.Activate(endpoint)
	runtime.AddCleanup(st, finalizeRef, finalizeArg{ep: endpoint, ids: o.ids, released: st.released})

	o.logf("[wrap] wrapped endpoint %T", endpoint)
	return &Ref{state: st, path: []string{}}, nil
}

type finalizeArg struct {
	ep       channel.Endpoint
	ids      IDGenerator
	released *atomic.Bool
}

// finalizeRef releases an endpoint whose references were collected.
func finalizeRef(a finalizeArg) {
	if !a.released.CompareAndSwap(false, true) {
		return
	}
	_ = a.ep.PostMessage(messages.NewRelease().WithID(a.ids.NewID()), nil)
	_ = channel.Close(a.ep)
}

// Path returns a copy of the recorded path.
func (r *Ref) Path() []string {
	return append([]string(nil), r.path...)
}

// String returns the recorded path for debugging.
func (r *Ref) String() string {
	return fmt.Sprintf("comlink.Ref(%s)", pathString(r.path))
}

// Get records a property access and returns the extended reference.
func (r *Ref) Get(name string) *Ref {
	path := make([]string, len(r.path)+1)
	copy(path, r.path)
	path[len(r.path)] = name
	return &Ref{state: r.state, path: path}
}

// Resolve reads the value at the recorded path. On the root reference it
// settles immediately with the reference itself.
func (r *Ref) Resolve() *Future {
	if err := r.check(); err != nil {
		return Rejected(err)
	}
	if len(r.path) == 0 {
		return Resolved(r)
	}
	return r.send(messages.NewGet(r.path), nil)
}

// Await is shorthand for r.Resolve().Await(ctx).
func (r *Ref) Await(ctx context.Context) (any, error) {
	return r.Resolve().Await(ctx)
}

// Set assigns v at the recorded path.
func (r *Ref) Set(v any) *Future {
	if err := r.check(); err != nil {
		return Rejected(err)
	}
	if len(r.path) == 0 {
		return Rejected(ErrRootAssignment)
	}
	wire, transfers, err := serialization.ToWireValue(r.state.opts.registry, v)
	if err != nil {
		return Rejected(err)
	}
	return r.send(messages.NewSet(r.path, wire), transfers)
}

// Call invokes the function at the recorded path with args.
//
// When the last segment is CreateEndpoint, Call requests a new endpoint
// instead, as NewEndpoint does. When it is BindSegment, Call settles
// immediately with the parent reference and sends nothing.
func (r *Ref) Call(args ...any) *Future {
	if err := r.check(); err != nil {
		return Rejected(err)
	}
	if n := len(r.path); n > 0 {
		switch r.path[n-1] {
		case CreateEndpoint:
			return r.send(messages.NewEndpoint(), nil)
		case BindSegment:
			return Resolved(&Ref{state: r.state, path: r.path[:n-1:n-1]})
		}
	}
	wires, transfers, err := serialization.ToWireValues(r.state.opts.registry, args)
	if err != nil {
		return Rejected(err)
	}
	return r.send(messages.NewApply(r.path, wires), transfers)
}

// New constructs an instance of the constructor at the recorded path.
// The result is a *Ref to the new instance.
func (r *Ref) New(args ...any) *Future {
	if err := r.check(); err != nil {
		return Rejected(err)
	}
	wires, transfers, err := serialization.ToWireValues(r.state.opts.registry, args)
	if err != nil {
		return Rejected(err)
	}
	return r.send(messages.NewConstruct(r.path, wires), transfers)
}

// NewEndpoint requests a fresh endpoint exposing the same root. The
// result is a channel.Endpoint to pass to Wrap.
func (r *Ref) NewEndpoint() *Future {
	return r.Get(CreateEndpoint).Call()
}

// Invoke calls the function at the recorded path and waits for the result.
// It lets a Ref stand in for a Go func; see objects.Invoker.
func (r *Ref) Invoke(ctx context.Context, args ...any) (any, error) {
	return r.Call(args...).Await(ctx)
}

// Release tears down the exposure behind r, waits for the acknowledgement
// and closes the endpoint. Every Ref derived from the same Wrap is released.
// Pending futures are rejected with ErrReleased. Release is idempotent.
func (r *Ref) Release(ctx context.Context) error {
	st := r.state
	st.releaseOnce.Do(func() {
		if !st.released.CompareAndSwap(false, true) {
			return
		}
		f := st.corr.request(messages.NewRelease(), nil, func(*messages.Response) (any, error) {
			return nil, nil
		})
		_, err := f.Await(ctx)
		st.corr.close(ErrReleased)
		if cerr := channel.Close(st.ep); err == nil {
			err = cerr
		}
		if err != nil && !errors.Is(err, channel.ErrClosed) {
			st.releaseErr = err
		}
		st.opts.logf("[wrap] released endpoint %T", st.ep)
	})
	return st.releaseErr
}

// Released reports whether Release has been called on any Ref sharing r's
// endpoint.
func (r *Ref) Released() bool {
	return r.state.released.Load()
}

func (r *Ref) check() error {
	if r.state.released.Load() {
		return ErrReleased
	}
	return nil
}

// send issues msg and decodes the response through the registry. A
// response produced by the throw handler rejects the future.
//
// The decoder refers to r so that a pending request keeps the shared state
// reachable and the endpoint is not finalized underneath it.
func (r *Ref) send(msg *messages.Request, transfers []channel.Transferable) *Future {
	return r.state.corr.request(msg, transfers, func(resp *messages.Response) (any, error) {
		v, err := serialization.FromWireValue(r.state.opts.registry, resp.WireValue)
		if err != nil {
			return nil, err
		}
		if resp.Type == messages.WireValueHandler && resp.Name == ThrowHandlerName {
			if e, ok := v.(error); ok {
				return nil, e
			}
			return nil, &ThrownValue{Value: v}
		}
		return v, nil
	})
}

func pathString(path []string) string {
	return messages.NewGet(path).PathString()
}
