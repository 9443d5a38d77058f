package comlink

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/smnsjas/go-comlink/channel"
	"github.com/smnsjas/go-comlink/messages"
)

// IDGenerator produces correlation ids. Ids must be unique per endpoint.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator produces random UUID strings.
type UUIDGenerator struct{}

// NewID implements IDGenerator.
func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

// CounterGenerator produces prefix-1, prefix-2, ... It is safe for
// concurrent use and useful where ids must be predictable.
type CounterGenerator struct {
	prefix string
	n      atomic.Uint64
}

// NewCounterGenerator returns a CounterGenerator using prefix.
func NewCounterGenerator(prefix string) *CounterGenerator {
	return &CounterGenerator{prefix: prefix}
}

// NewID implements IDGenerator.
func (g *CounterGenerator) NewID() string {
	return g.prefix + "-" + strconv.FormatUint(g.n.Add(1), 10)
}

// correlator pairs requests sent on one endpoint with their responses.
// Each request attaches its own listener, which detaches itself on the
// first response carrying the request's id.
type correlator struct {
	ep   channel.Endpoint
	ids  IDGenerator
	opts *options

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  error
}

type pendingRequest struct {
	future   *Future
	listener channel.Listener
}

func newCorrelator(ep channel.Endpoint, o *options) *correlator {
	return &correlator{
		ep:      ep,
		ids:     o.ids,
		opts:    o,
		pending: make(map[string]*pendingRequest),
	}
}

// request sends msg with a fresh id. The returned future settles with
// decode applied to the matching response.
func (c *correlator) request(msg *messages.Request, transfer []channel.Transferable, decode func(*messages.Response) (any, error)) *Future {
	f := newFuture()
	id := c.ids.NewID()
	msg = msg.WithID(id)

	p := &pendingRequest{future: f}
	p.listener = channel.OnMessage(func(ev channel.MessageEvent) {
		resp, ok, err := matchResponse(ev.Data, id)
		if !ok || !c.forget(id) {
			return
		}
		if err != nil {
			f.reject(err)
			return
		}
		f.settle(decode(resp))
	})

	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		f.reject(err)
		return f
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		f.reject(fmt.Errorf("comlink: duplicate correlation id %q", id))
		return f
	}
	c.pending[id] = p
	c.mu.Unlock()

	c.ep.AddListener(p.listener)
	channel.Activate(c.ep)

	c.opts.logf("[correlator] send %s %s id=%s", msg.Type, msg.PathString(), id)
	if err := c.ep.PostMessage(msg, transfer); err != nil {
		if c.forget(id) {
			f.reject(fmt.Errorf("comlink: send %s: %w", msg.Type, err))
		}
	}
	return f
}

// forget removes the pending entry for id and detaches its listener.
// It reports whether the entry was still pending.
func (c *correlator) forget(id string) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		c.ep.RemoveListener(p.listener)
	}
	return ok
}

// close rejects every pending request with err and refuses new ones.
func (c *correlator) close(err error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for id, p := range pending {
		c.ep.RemoveListener(p.listener)
		p.future.reject(err)
		c.opts.logf("[correlator] rejected pending id=%s: %v", id, err)
	}
}

// matchResponse reports whether data answers the request with id. Encoded
// responses that fail to decode still match by id so that the request is
// rejected rather than left pending.
func matchResponse(data any, id string) (*messages.Response, bool, error) {
	switch d := data.(type) {
	case *messages.Response:
		if d == nil || d.ID != id {
			return nil, false, nil
		}
		return d, true, nil
	case messages.Response:
		if d.ID != id {
			return nil, false, nil
		}
		return &d, true, nil
	case []byte:
		if messages.PeekID(d) != id {
			return nil, false, nil
		}
		msg, err := messages.Decode(d)
		if err != nil {
			return nil, true, err
		}
		resp, ok := msg.(*messages.Response)
		if !ok {
			return nil, false, nil
		}
		return resp, true, nil
	}
	return nil, false, nil
}
