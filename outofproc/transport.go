package outofproc

import (
	"bufio"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// RootChannel is the channel id of the session's root endpoint. Bridged
// ports use random ids.
var RootChannel = uuid.UUID{}

// PacketType represents the type of a packet.
type PacketType string

const (
	// PacketTypeData carries one encoded message fragment.
	PacketTypeData PacketType = "Data"
	// PacketTypeClose reports that the sender closed its half of a channel.
	// On RootChannel it ends the session.
	PacketTypeClose PacketType = "Close"
	// PacketTypeCloseAck acknowledges a session Close.
	PacketTypeCloseAck PacketType = "CloseAck"
)

// ErrUnknownPacket is returned for packets of an unknown type.
var ErrUnknownPacket = errors.New("unknown packet type")

// Packet is a single unit on the wire.
type Packet struct {
	Type    PacketType
	Channel uuid.UUID
	Data    []byte // Encoded fragment (Data packets only)
}

// PacketConn sends and receives packets. Send may be called concurrently;
// ReceivePacket is called from a single goroutine.
type PacketConn interface {
	Send(p *Packet) error
	ReceivePacket() (*Packet, error)
}

// Transport implements the line-framed packet encoding over a reader and a
// writer, typically the stdin/stdout of a child process or a net.Conn.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	mu     sync.Mutex // Protects writer
}

// NewTransport creates a transport reading packets from reader and writing
// them to writer. If writer is an io.Closer, Close closes it.
func NewTransport(reader io.Reader, writer io.Writer) *Transport {
	t := &Transport{
		reader: bufio.NewReader(reader),
		writer: writer,
	}
	if c, ok := writer.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// NewTransportFromReadWriter creates a transport from a single io.ReadWriter
// such as a net.Conn.
func NewTransportFromReadWriter(rw io.ReadWriter) *Transport {
	return NewTransport(rw, rw)
}

// Send writes p as one line.
func (t *Transport) Send(p *Packet) error {
	line, err := formatPacket(p)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, err = io.WriteString(t.writer, line)
	return err
}

// SendData sends one encoded fragment on channel id.
func (t *Transport) SendData(id uuid.UUID, data []byte) error {
	return t.Send(&Packet{Type: PacketTypeData, Channel: id, Data: data})
}

// SendClose reports that channel id was closed.
func (t *Transport) SendClose(id uuid.UUID) error {
	return t.Send(&Packet{Type: PacketTypeClose, Channel: id})
}

// Close closes the writer if it can be closed.
func (t *Transport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// ReceivePacket reads and parses the next packet.
// It blocks until a complete packet is received or an error occurs.
func (t *Transport) ReceivePacket() (*Packet, error) {
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && strings.TrimSpace(line) != "" {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "\xEF\xBB\xBF")
		if line == "" {
			continue
		}

		// Child processes may print banners before the first packet.
		idx := strings.Index(line, "<")
		if idx == -1 {
			continue
		}

		packet, err := parsePacket(line[idx:])
		if err != nil {
			return nil, fmt.Errorf("parse packet: %w", err)
		}
		return packet, nil
	}
}

func formatPacket(p *Packet) (string, error) {
	switch p.Type {
	case PacketTypeData:
		return fmt.Sprintf("<Data Channel='%s'>%s</Data>\n",
			formatGUID(p.Channel), base64.StdEncoding.EncodeToString(p.Data)), nil
	case PacketTypeClose, PacketTypeCloseAck:
		return fmt.Sprintf("<%s Channel='%s' />\n", p.Type, formatGUID(p.Channel)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPacket, p.Type)
	}
}

// parsePacket parses a single line.
func parsePacket(line string) (*Packet, error) {
	decoder := xml.NewDecoder(strings.NewReader(line))

	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("read token: %w (line: %q)", err, truncate(line, 100))
	}

	startElem, ok := token.(xml.StartElement)
	if !ok {
		return nil, fmt.Errorf("expected start element, got %T (line: %q)", token, truncate(line, 100))
	}

	packet := &Packet{Type: PacketType(startElem.Name.Local)}
	switch packet.Type {
	case PacketTypeData, PacketTypeClose, PacketTypeCloseAck:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacket, packet.Type)
	}

	for _, attr := range startElem.Attr {
		if attr.Name.Local != "Channel" {
			continue
		}
		id, err := uuid.Parse(attr.Value)
		if err != nil {
			return nil, fmt.Errorf("parse Channel %q: %w", attr.Value, err)
		}
		packet.Channel = id
	}

	if packet.Type != PacketTypeData {
		return packet, nil
	}

	token, err = decoder.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return packet, nil
		}
		return nil, fmt.Errorf("read data content: %w", err)
	}

	switch t := token.(type) {
	case xml.CharData:
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(t)))
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		packet.Data = decoded
	case xml.EndElement:
	default:
		return nil, fmt.Errorf("unexpected token type in Data element: %T", token)
	}
	return packet, nil
}

func formatGUID(id uuid.UUID) string {
	return strings.ToLower(id.String())
}

// IsRootChannel reports whether id is RootChannel.
func IsRootChannel(id uuid.UUID) bool {
	return id == RootChannel
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
