// Package grpctransport carries outofproc packets over a gRPC bidirectional
// stream, so a comlink session can run between services that already speak
// gRPC.
//
// There is no generated code. The service is described by hand and its
// messages use a JSON codec registered under CodecName:
//
//	service comlink.v1.Packets {
//	    rpc Connect(stream Packet) returns (stream Packet);
//	}
//
// Server side:
//
//	srv := grpc.NewServer()
//	grpctransport.Register(srv, func(ctx context.Context, conn *grpctransport.Conn) error {
//	    session := outofproc.NewSession(conn)
//	    if _, err := comlink.Expose(service, session.Root()); err != nil {
//	        return err
//	    }
//	    <-session.Done()
//	    return session.Err()
//	})
//
// Client side:
//
//	conn, err := grpctransport.Dial(ctx, cc)
//	session := outofproc.NewSession(conn)
//	ref, err := comlink.Wrap(session.Root())
package grpctransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/smnsjas/go-comlink/outofproc"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "comlink.v1.Packets"
	// CodecName is the content subtype of the JSON codec.
	CodecName = "comlink-json"

	connectMethod = "/" + ServiceName + "/Connect"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// wirePacket is the stream message.
type wirePacket struct {
	Type    outofproc.PacketType `json:"type"`
	Channel string               `json:"channel"`
	Data    []byte               `json:"data,omitempty"`
}

// Handler serves one connected stream. The stream ends when it returns.
type Handler func(ctx context.Context, conn *Conn) error

type packetsServer interface {
	connect(stream grpc.ServerStream) error
}

type service struct {
	handler Handler
}

func (s *service) connect(stream grpc.ServerStream) error {
	conn := newConn(stream, nil)
	if err := s.handler(stream.Context(), conn); err != nil {
		return status.Errorf(codes.Internal, "comlink session: %v", err)
	}
	return nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*packetsServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Connect",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(packetsServer).connect(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "comlink/v1/packets",
}

// Register installs the packet service on s. h is called once per stream.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&serviceDesc, &service{handler: h})
}

// Dial opens a packet stream on cc. The stream lives until ctx ends, the
// peer ends it or the Conn is closed.
func Dial(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*Conn, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], connectMethod, opts...)
	if err != nil {
		return nil, fmt.Errorf("open packet stream: %w", err)
	}
	return newConn(stream, stream.CloseSend), nil
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// Conn is an outofproc.PacketConn over one gRPC stream. Send is safe for
// concurrent use.
type Conn struct {
	stream    msgStream
	closeSend func() error

	mu     sync.Mutex
	closed bool
}

var _ outofproc.PacketConn = (*Conn)(nil)

func newConn(stream msgStream, closeSend func() error) *Conn {
	return &Conn{stream: stream, closeSend: closeSend}
}

// Send writes p to the stream.
func (c *Conn) Send(p *outofproc.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	return c.stream.SendMsg(&wirePacket{Type: p.Type, Channel: p.Channel.String(), Data: p.Data})
}

// ReceivePacket reads the next packet. A stream that ended normally or was
// cancelled yields io.EOF.
func (c *Conn) ReceivePacket() (*outofproc.Packet, error) {
	var w wirePacket
	if err := c.stream.RecvMsg(&w); err != nil {
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil, io.EOF
		}
		return nil, err
	}

	id, err := uuid.Parse(w.Channel)
	if err != nil {
		return nil, fmt.Errorf("parse channel %q: %w", w.Channel, err)
	}
	return &outofproc.Packet{Type: w.Type, Channel: id, Data: w.Data}, nil
}

// Close ends the sending direction. On the server side the stream ends when
// the Handler returns.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.closeSend == nil {
		return nil
	}
	return c.closeSend()
}
