package outofproc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-comlink/channel"
	"github.com/smnsjas/go-comlink/fragments"
	"github.com/smnsjas/go-comlink/messages"
)

// ErrSessionClosed is returned by Err after Close.
var ErrSessionClosed = errors.New("session closed")

// Logger is an optional interface for debug logging.
type Logger interface {
	Printf(format string, v ...any)
}

// Option configures a Session.
type Option func(*options)

type options struct {
	logger       Logger
	maxFragment  int
	closeTimeout time.Duration
}

// WithLogger sets a printf-style logger for packet and bridge traces.
func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMaxFragmentSize bounds the size of a single Data packet payload.
func WithMaxFragmentSize(n int) Option {
	return func(o *options) {
		o.maxFragment = n
	}
}

// WithCloseTimeout bounds how long Close waits for the peer's CloseAck.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) {
		o.closeTimeout = d
	}
}

func (o *options) logf(format string, v ...any) {
	if o.logger != nil {
		o.logger.Printf(format, v...)
	}
}

// Session bridges in-process ports onto the channels of a PacketConn.
//
// The root port is bridged to RootChannel. Every port that travels in a
// transfer list is given a fresh channel id, encoded as {"$port": id}, and
// replaced on the receiving side by a new local port bridged to the same id.
// That is how proxies and sub-endpoints work across a process boundary.
//
// The root channel spans the session: closing it on either side ends the
// session and closes every bridged port.
type Session struct {
	conn PacketConn
	opts options
	frag *fragments.Fragmenter
	root *channel.Port

	mu      sync.Mutex
	bridges map[uuid.UUID]*bridge

	done      chan struct{}
	closeOnce sync.Once
	err       error
	acked     chan struct{}
	ackOnce   sync.Once
}

// bridge ties one session-owned port to a channel id.
type bridge struct {
	id     uuid.UUID
	port   *channel.Port
	remote bool // closed by the peer
}

// NewSession starts a session over conn and begins reading packets.
func NewSession(conn PacketConn, opts ...Option) *Session {
	o := options{
		maxFragment:  fragments.DefaultMaxSize,
		closeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		conn:    conn,
		opts:    o,
		frag:    fragments.NewFragmenter(o.maxFragment),
		bridges: make(map[uuid.UUID]*bridge),
		done:    make(chan struct{}),
		acked:   make(chan struct{}),
	}

	user, inner := channel.NewMessageChannel()
	s.root = user
	s.attach(RootChannel, inner)

	go s.readLoop()
	return s
}

// Root returns the session's root endpoint. Pass it to comlink.Wrap on one
// side and comlink.Expose on the other.
func (s *Session) Root() *channel.Port {
	return s.root
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session ended: nil when the peer closed it
// cleanly, ErrSessionClosed when it was closed on this side, or the
// transport error.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Channels returns the number of bridged channels, including the root.
func (s *Session) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bridges)
}

// Close asks the peer to end the session, waits for its acknowledgement or
// the close timeout, then closes every bridged port and the connection.
func (s *Session) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}

	if err := s.conn.Send(&Packet{Type: PacketTypeClose, Channel: RootChannel}); err == nil {
		select {
		case <-s.acked:
		case <-s.done:
		case <-time.After(s.opts.closeTimeout):
			s.opts.logf("[outofproc] close: no acknowledgement after %s", s.opts.closeTimeout)
		}
	}
	s.shutdown(ErrSessionClosed)
	return nil
}

// attach bridges port to channel id and starts forwarding its messages.
func (s *Session) attach(id uuid.UUID, port *channel.Port) *bridge {
	b := &bridge{id: id, port: port}

	s.mu.Lock()
	s.bridges[id] = b
	s.mu.Unlock()

	port.AddListener(channel.OnMessage(func(ev channel.MessageEvent) {
		s.forward(b, ev)
	}))
	port.Start()

	go func() {
		select {
		case <-port.Done():
			s.detach(b)
		case <-s.done:
		}
	}()

	s.opts.logf("[outofproc] bridged channel %s", id)
	return b
}

// detach forgets b once its port is closed and tells the peer, unless the
// peer closed it first.
func (s *Session) detach(b *bridge) {
	s.mu.Lock()
	if s.bridges[b.id] == b {
		delete(s.bridges, b.id)
	}
	remote := b.remote
	s.mu.Unlock()

	if remote || s.ended() {
		return
	}
	s.opts.logf("[outofproc] channel %s closed locally", b.id)
	if err := s.conn.Send(&Packet{Type: PacketTypeClose, Channel: b.id}); err != nil {
		s.fail(fmt.Errorf("send close: %w", err))
	}
}

func (s *Session) lookup(id uuid.UUID) *bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridges[id]
}

// forward encodes a message posted on a bridged port and sends it as Data
// packets, bridging any transferred ports first.
func (s *Session) forward(b *bridge, ev channel.MessageEvent) {
	for _, t := range ev.Transfer {
		p, ok := t.(*channel.Port)
		if !ok {
			s.opts.logf("[outofproc] channel %s: %T cannot cross the session, sending by value", b.id, t)
			continue
		}
		id := uuid.New()
		p.BindWireID(id.String())
		s.attach(id, p)
	}

	data, err := encode(ev.Data)
	if err != nil {
		s.opts.logf("[outofproc] channel %s: encode %T: %v", b.id, ev.Data, err)
		data = encodeFailure(ev.Data, err)
		if data == nil {
			return
		}
	}

	frags, err := s.frag.Fragment(data)
	if err != nil {
		s.opts.logf("[outofproc] channel %s: fragment: %v", b.id, err)
		return
	}
	for _, f := range frags {
		wire, err := f.Encode()
		if err != nil {
			s.opts.logf("[outofproc] channel %s: %v", b.id, err)
			return
		}
		if err := s.conn.Send(&Packet{Type: PacketTypeData, Channel: b.id, Data: wire}); err != nil {
			s.fail(fmt.Errorf("send data: %w", err))
			return
		}
	}
}

func encode(data any) ([]byte, error) {
	if raw, ok := data.([]byte); ok {
		return raw, nil
	}
	return messages.Encode(data)
}

// encodeFailure builds a message the peer cannot decode but can still
// correlate, so the request fails on the other side instead of hanging.
func encodeFailure(data any, cause error) []byte {
	var id string
	switch m := data.(type) {
	case *messages.Request:
		id = m.ID
	case *messages.Response:
		id = m.ID
	}
	if id == "" {
		return nil
	}
	out, err := json.Marshal(map[string]string{"id": id, "type": "ERROR", "value": cause.Error()})
	if err != nil {
		return nil
	}
	return out
}

func (s *Session) readLoop() {
	asm := fragments.NewAssembler()
	for {
		p, err := s.conn.ReceivePacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			s.shutdown(err)
			return
		}

		switch p.Type {
		case PacketTypeData:
			f, err := fragments.Decode(p.Data)
			if err != nil {
				s.opts.logf("[outofproc] channel %s: %v", p.Channel, err)
				continue
			}
			complete, data, err := asm.Add(f)
			if err != nil {
				s.opts.logf("[outofproc] channel %s: %v", p.Channel, err)
				continue
			}
			if complete {
				s.deliver(p.Channel, data)
			}

		case PacketTypeClose:
			if IsRootChannel(p.Channel) {
				s.opts.logf("[outofproc] peer closed the session")
				_ = s.conn.Send(&Packet{Type: PacketTypeCloseAck, Channel: RootChannel})
				s.shutdown(nil)
				return
			}
			s.closeRemote(p.Channel)

		case PacketTypeCloseAck:
			if IsRootChannel(p.Channel) {
				s.ackOnce.Do(func() { close(s.acked) })
				s.shutdown(ErrSessionClosed)
				return
			}
		}
	}
}

// deliver decodes a reassembled message and posts it on the bridged port.
// Undecodable messages are posted as raw bytes so the protocol layer can
// fail the request they belong to.
func (s *Session) deliver(id uuid.UUID, data []byte) {
	b := s.lookup(id)
	if b == nil {
		s.opts.logf("[outofproc] data for unknown channel %s dropped", id)
		return
	}

	msg, err := messages.Decode(data)
	if err != nil {
		s.opts.logf("[outofproc] channel %s: %v", id, err)
		if perr := b.port.PostMessage(data, nil); perr != nil {
			s.opts.logf("[outofproc] channel %s: post: %v", id, perr)
		}
		return
	}

	var transfers []channel.Transferable
	switch m := msg.(type) {
	case *messages.Request:
		if m.Value != nil {
			m.Value.Value = s.revive(m.Value.Value, &transfers)
		}
		for i := range m.ArgumentList {
			m.ArgumentList[i].Value = s.revive(m.ArgumentList[i].Value, &transfers)
		}
	case *messages.Response:
		m.Value = s.revive(m.Value, &transfers)
	}

	if err := b.port.PostMessage(msg, transfers); err != nil {
		s.opts.logf("[outofproc] channel %s: post: %v", id, err)
	}
}

// revive replaces every {"$port": id} placeholder in v with a new local port
// bridged to id.
func (s *Session) revive(v any, transfers *[]channel.Transferable) any {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 1 {
			if raw, ok := x[channel.WirePortKey].(string); ok {
				if p := s.revivePort(raw); p != nil {
					*transfers = append(*transfers, p)
					return p
				}
				return x
			}
		}
		for k, e := range x {
			x[k] = s.revive(e, transfers)
		}
	case []any:
		for i, e := range x {
			x[i] = s.revive(e, transfers)
		}
	}
	return v
}

func (s *Session) revivePort(raw string) *channel.Port {
	id, err := uuid.Parse(raw)
	if err != nil || IsRootChannel(id) {
		s.opts.logf("[outofproc] invalid port id %q", raw)
		return nil
	}
	if s.lookup(id) != nil {
		s.opts.logf("[outofproc] port id %s already bridged", id)
		return nil
	}
	local, inner := channel.NewMessageChannel()
	s.attach(id, inner)
	return local
}

func (s *Session) closeRemote(id uuid.UUID) {
	s.mu.Lock()
	b := s.bridges[id]
	if b != nil {
		b.remote = true
		delete(s.bridges, id)
	}
	s.mu.Unlock()

	if b == nil {
		return
	}
	s.opts.logf("[outofproc] channel %s closed by peer", id)
	_ = b.port.Close()
}

func (s *Session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) fail(err error) {
	s.opts.logf("[outofproc] %v", err)
	s.shutdown(err)
}

// shutdown ends the session once: every bridged port is closed and the
// connection is closed if it can be.
func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)

		s.mu.Lock()
		bridges := make([]*bridge, 0, len(s.bridges))
		for id, b := range s.bridges {
			b.remote = true
			bridges = append(bridges, b)
			delete(s.bridges, id)
		}
		s.mu.Unlock()

		for _, b := range bridges {
			_ = b.port.Close()
		}
		if c, ok := s.conn.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				s.opts.logf("[outofproc] close connection: %v", cerr)
			}
		}
		s.opts.logf("[outofproc] session ended: %v", err)
	})
}
