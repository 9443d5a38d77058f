package channel

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Port is one half of an entangled in-process message channel.
// It is safe for concurrent use.
type Port struct {
	mu        sync.Mutex
	peer      *Port
	queue     []MessageEvent
	listeners []Listener
	started   bool
	closed    bool
	draining  bool
	wireID    string

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMessageChannel returns two entangled ports.
func NewMessageChannel() (*Port, *Port) {
	a := newPort()
	b := newPort()
	a.peer = b
	b.peer = a
	return a, b
}

func newPort() *Port {
	return &Port{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// PostMessage queues data for delivery on the entangled port.
// Posting to a peer that has been closed silently drops the message.
func (p *Port) PostMessage(data any, transfer []Transferable) error {
	p.mu.Lock()
	closed := p.closed || p.draining
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for i, t := range transfer {
		if t == nil {
			return fmt.Errorf("%w: transfer[%d] is nil", ErrDataClone, i)
		}
		if tp, ok := t.(*Port); ok && tp == p {
			return fmt.Errorf("%w: a port cannot transfer itself", ErrDataClone)
		}
	}
	for _, t := range transfer {
		t.TransferOwnership()
	}

	p.peer.enqueue(MessageEvent{Data: data, Transfer: transfer})
	return nil
}

func (p *Port) enqueue(ev MessageEvent) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, ev)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// AddListener registers l. Delivery still requires Start.
func (p *Port) AddListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// RemoveListener unregisters l.
func (p *Port) RemoveListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.listeners {
		if existing == l {
			p.listeners = slices.Delete(p.listeners, i, i+1)
			return
		}
	}
}

// Start begins delivering queued and future messages. It is idempotent.
func (p *Port) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.deliver()
}

// deliver runs listeners sequentially, one message at a time.
func (p *Port) deliver() {
	for {
		select {
		case <-p.wake:
		case <-p.done:
			return
		}

		for {
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return
			}
			if len(p.queue) == 0 {
				draining := p.draining
				p.mu.Unlock()
				if draining {
					p.closeLocal()
					return
				}
				break
			}
			ev := p.queue[0]
			p.queue[0] = MessageEvent{}
			p.queue = p.queue[1:]
			listeners := append([]Listener(nil), p.listeners...)
			p.mu.Unlock()

			for _, l := range listeners {
				l.HandleMessage(ev)
			}
		}
	}
}

// Close disentangles the pair. p stops delivering at once; the peer still
// delivers messages queued before Close and then closes. Posts on either half
// fail with ErrClosed afterwards. Close is idempotent.
func (p *Port) Close() error {
	p.closeLocal()
	p.peer.disentangle()
	return nil
}

func (p *Port) disentangle() {
	p.mu.Lock()
	if p.closed || p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Port) closeLocal() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.queue = nil
		p.listeners = nil
		p.mu.Unlock()
		close(p.done)
	})
}

// Done is closed once the port has been closed. A port whose peer was
// closed reports Done after draining its queue, which requires Start.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

// TransferOwnership implements Transferable.
func (p *Port) TransferOwnership() {}

// BindWireID assigns the identifier a transport uses to refer to this port
// on the wire. Transports call it before encoding a message that transfers p.
func (p *Port) BindWireID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wireID = id
}

// WireID returns the identifier assigned by BindWireID.
func (p *Port) WireID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wireID
}

// WirePortKey is the object key used to encode a transferred port.
const WirePortKey = "$port"

// MarshalJSON encodes a transferred port as {"$port": id}. Ports that were
// not listed in a transfer list have no wire identity and cannot be encoded.
func (p *Port) MarshalJSON() ([]byte, error) {
	id := p.WireID()
	if id == "" {
		return nil, fmt.Errorf("%w: port is not in the transfer list", ErrDataClone)
	}
	return json.Marshal(map[string]string{WirePortKey: id})
}
