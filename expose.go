package comlink

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/smnsjas/go-comlink/channel"
	"github.com/smnsjas/go-comlink/messages"
	"github.com/smnsjas/go-comlink/objects"
	"github.com/smnsjas/go-comlink/serialization"
)

// Finalizer is implemented by exposed roots that need cleanup. Finalize is
// called once when the exposure is torn down.
type Finalizer interface {
	Finalize()
}

// Exposure serves requests for one root value on one endpoint.
type Exposure struct {
	root     any
	ep       channel.Endpoint
	opts     *options
	rawOpts  []Option
	listener channel.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	released bool
	inflight sync.WaitGroup
}

// Expose begins serving root over ep. Requests are dispatched concurrently,
// each on its own goroutine. It fails with channel.ErrInvalidEndpoint if ep
// does not satisfy channel.Endpoint.
func Expose(root any, ep any, opts ...Option) (*Exposure, error) {
	endpoint, err := channel.Validate(ep)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Exposure{
		root:    root,
		ep:      endpoint,
		opts:    newOptions(opts),
		rawOpts: opts,
		ctx:     ctx,
		cancel:  cancel,
	}
	e.listener = channel.OnMessage(e.handle)
	endpoint.AddListener(e.listener)
	channel.Activate(endpoint)

	e.opts.logf("[expose] serving %T on %T", root, endpoint)
	return e, nil
}

// Release tears the exposure down: the listener is removed, the endpoint
// closed and the root finalized. In-flight requests may still complete but
// their responses are dropped. Release is idempotent.
func (e *Exposure) Release() {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return
	}
	e.released = true
	e.mu.Unlock()

	e.cancel()
	e.ep.RemoveListener(e.listener)
	if err := channel.Close(e.ep); err != nil {
		e.opts.warnf("[expose] close endpoint: %v", err)
	}
	if f, ok := e.root.(Finalizer); ok {
		f.Finalize()
	}
	e.opts.logf("[expose] released %T", e.root)
}

// Released reports whether the exposure has been torn down.
func (e *Exposure) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Wait blocks until every dispatched request has finished.
func (e *Exposure) Wait() {
	e.inflight.Wait()
}

func (e *Exposure) handle(ev channel.MessageEvent) {
	req, err := asRequest(ev.Data)
	if req == nil && err == nil {
		return
	}

	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.inflight.Done()
		e.dispatch(req, err)
	}()
}

// dispatch executes req and posts the response. A request that failed to
// decode is answered with a throw carrying decodeErr.
func (e *Exposure) dispatch(req *messages.Request, decodeErr error) {
	var res result
	if decodeErr != nil {
		res = fault(decodeErr)
	} else {
		e.opts.logf("[expose] %s %s id=%s", req.Type, req.PathString(), req.ID)
		res = e.execute(req)
	}

	wire, transfers, err := e.toWire(res)
	if err != nil {
		e.opts.warnf("[expose] %s %s id=%s: %v", req.Type, req.PathString(), req.ID, err)
		wire, transfers, _ = e.toWire(fault(fmt.Errorf("%w: %v", ErrUnserializableValue, err)))
	}
	if res.thrown {
		e.opts.warnf("[expose] %s %s id=%s failed: %v", req.Type, req.PathString(), req.ID, res.value)
	}

	err = e.ep.PostMessage(&messages.Response{ID: req.ID, WireValue: wire}, transfers)
	if err != nil && !errors.Is(err, channel.ErrClosed) {
		wire, transfers, _ = e.toWire(fault(fmt.Errorf("%w: %v", ErrUnserializableValue, err)))
		err = e.ep.PostMessage(&messages.Response{ID: req.ID, WireValue: wire}, transfers)
	}
	if err != nil {
		e.opts.warnf("[expose] respond id=%s: %v", req.ID, err)
	}

	if req.Type == messages.MessageTypeRelease && !res.thrown {
		e.Release()
	}
}

// result is the outcome of one request: a value, or a thrown fault.
type result struct {
	value  any
	thrown bool
}

func success(v any) result { return result{value: v} }

func fault(v any) result { return result{value: v, thrown: true} }

func (e *Exposure) toWire(res result) (messages.WireValue, []channel.Transferable, error) {
	if res.thrown {
		return serialization.ToWireValue(e.opts.registry, &thrown{value: res.value})
	}
	return serialization.ToWireValue(e.opts.registry, res.value)
}

// execute runs req against the root. Panics become faults: an error keeps
// its message and gains the recovery stack, any other value is thrown as is.
func (e *Exposure) execute(req *messages.Request) (res result) {
	defer func() {
		if r := recover(); r != nil {
			if err, isErr := r.(error); isErr {
				res = fault(&stackError{err: err, stack: string(debug.Stack())})
				return
			}
			res = fault(&ThrownValue{Value: r})
		}
	}()

	ctx := e.ctx
	reg := e.opts.registry

	switch req.Type {
	case messages.MessageTypeGet:
		v, err := objects.Get(e.root, req.Path)
		if err != nil {
			return fault(err)
		}
		return e.settle(ctx, v)

	case messages.MessageTypeSet:
		v, err := serialization.FromWireValue(reg, *req.Value)
		if err != nil {
			return fault(err)
		}
		if err := objects.Set(e.root, req.Path, v); err != nil {
			return fault(err)
		}
		return success(true)

	case messages.MessageTypeApply:
		args, err := serialization.FromWireValues(reg, req.ArgumentList)
		if err != nil {
			return fault(err)
		}
		fn, err := objects.Get(e.root, req.Path)
		if err != nil {
			return fault(err)
		}
		v, err := objects.Call(ctx, fn, args)
		if err != nil {
			return fault(err)
		}
		return e.settle(ctx, v)

	case messages.MessageTypeConstruct:
		args, err := serialization.FromWireValues(reg, req.ArgumentList)
		if err != nil {
			return fault(err)
		}
		ctor, err := objects.Get(e.root, req.Path)
		if err != nil {
			return fault(err)
		}
		v, err := objects.Construct(ctx, ctor, args)
		if err != nil {
			return fault(err)
		}
		return success(Proxy(v))

	case messages.MessageTypeEndpoint:
		local, remote := channel.NewMessageChannel()
		if _, err := Expose(e.root, local, e.rawOpts...); err != nil {
			return fault(err)
		}
		return success(Transfer(remote, remote))

	case messages.MessageTypeRelease:
		return success(nil)
	}

	return fault(fmt.Errorf("%w: %q", messages.ErrUnknownMessageType, req.Type))
}

// settle waits for an Awaitable result.
func (e *Exposure) settle(ctx context.Context, v any) result {
	a, isAwaitable := v.(Awaitable)
	if !isAwaitable {
		return success(v)
	}
	if r, isRef := v.(*Ref); isRef && len(r.path) == 0 {
		return success(v)
	}
	resolved, err := a.Await(ctx)
	if err != nil {
		return fault(err)
	}
	return success(resolved)
}

// asRequest accepts the request shapes an endpoint may deliver. It returns
// (nil, nil) for data that is not a request at all, such as a response, and
// a request carrying only the id when the message is malformed.
func asRequest(data any) (*messages.Request, error) {
	switch d := data.(type) {
	case *messages.Request:
		if d == nil {
			return nil, nil
		}
		if err := d.Validate(); err != nil {
			return &messages.Request{ID: d.ID, Type: d.Type, Path: d.Path}, err
		}
		return d, nil
	case messages.Request:
		return asRequest(&d)
	case []byte:
		msg, err := messages.Decode(d)
		if err != nil {
			id := messages.PeekID(d)
			if id == "" {
				return nil, nil
			}
			return &messages.Request{ID: id}, err
		}
		req, isReq := msg.(*messages.Request)
		if !isReq {
			return nil, nil
		}
		return req, nil
	}
	return nil, nil
}
