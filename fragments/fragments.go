// Package fragments splits encoded comlink messages into bounded fragments
// and reassembles them on the receiving side.
//
// Byte transports (see package outofproc) carry one fragment per packet, so
// a large response never produces an unbounded line on the wire and packets
// for different channels can interleave while a big message is in flight.
//
// # Fragment Structure
//
//	┌─────────────────────────────────────────────────────────┐
//	│  ObjectID (8 bytes) - identifies the original message   │
//	├─────────────────────────────────────────────────────────┤
//	│  FragmentID (8 bytes) - sequence number within message  │
//	├─────────────────────────────────────────────────────────┤
//	│  Flags (1 byte)                                         │
//	│    Bit 0: Start fragment                                │
//	│    Bit 1: End fragment                                  │
//	├─────────────────────────────────────────────────────────┤
//	│  BlobLength (4 bytes) - length of blob data             │
//	├─────────────────────────────────────────────────────────┤
//	│  Blob (variable) - fragment payload                     │
//	└─────────────────────────────────────────────────────────┘
//
// All integer fields are big-endian.
//
// # Usage
//
//	fragmenter := fragments.NewFragmenter(maxSize)
//	frags, err := fragmenter.Fragment(encodedMessage)
//
//	assembler := fragments.NewAssembler()
//	for _, frag := range received {
//	    complete, message, err := assembler.Add(frag)
//	    if complete {
//	        // message is ready for messages.Decode
//	    }
//	}
//
// A Fragmenter is safe for concurrent use. An Assembler is not; a transport
// owns one per receive loop.
package fragments

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// HeaderSize is the fragment header size in bytes.
const HeaderSize = 21

// DefaultMaxSize is the fragment size used by transports that are not
// configured otherwise.
const DefaultMaxSize = 32 * 1024

// Flag bits for fragment headers.
const (
	FlagStart = 1 << 0
	FlagEnd   = 1 << 1
)

var (
	// ErrInvalidFragment is returned when a fragment is malformed.
	ErrInvalidFragment = errors.New("invalid fragment")
	// ErrDuplicateFragment is returned when a fragment id is received twice.
	ErrDuplicateFragment = errors.New("duplicate fragment")
	// ErrFragmentTooLarge is returned when a payload does not fit the header.
	ErrFragmentTooLarge = errors.New("fragment too large")
	// ErrLimitExceeded is returned when an Assembler limit is reached.
	ErrLimitExceeded = errors.New("assembler limit exceeded")
)

// Fragment is one piece of an encoded message.
type Fragment struct {
	ObjectID   uint64
	FragmentID uint64
	Start      bool
	End        bool
	Data       []byte
}

// Encode serializes the fragment.
func (f *Fragment) Encode() ([]byte, error) {
	if uint64(len(f.Data)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFragmentTooLarge, len(f.Data))
	}

	buf := make([]byte, HeaderSize+len(f.Data))
	binary.BigEndian.PutUint64(buf[0:8], f.ObjectID)
	binary.BigEndian.PutUint64(buf[8:16], f.FragmentID)

	var flags byte
	if f.Start {
		flags |= FlagStart
	}
	if f.End {
		flags |= FlagEnd
	}
	buf[16] = flags

	binary.BigEndian.PutUint32(buf[17:21], uint32(len(f.Data))) // #nosec G115 -- checked against MaxUint32 above
	copy(buf[HeaderSize:], f.Data)
	return buf, nil
}

// Decode parses a fragment produced by Encode. The returned fragment's Data
// aliases data.
func Decode(data []byte) (*Fragment, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidFragment, len(data))
	}

	flags := data[16]
	if flags&^(FlagStart|FlagEnd) != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#x", ErrInvalidFragment, flags)
	}

	blobLen := uint64(binary.BigEndian.Uint32(data[17:21]))
	if uint64(len(data)-HeaderSize) != blobLen {
		return nil, fmt.Errorf("%w: blob length %d, have %d bytes", ErrInvalidFragment, blobLen, len(data)-HeaderSize)
	}

	f := &Fragment{
		ObjectID:   binary.BigEndian.Uint64(data[0:8]),
		FragmentID: binary.BigEndian.Uint64(data[8:16]),
		Start:      flags&FlagStart != 0,
		End:        flags&FlagEnd != 0,
		Data:       data[HeaderSize:],
	}
	if f.Start != (f.FragmentID == 0) {
		return nil, fmt.Errorf("%w: start flag on fragment %d", ErrInvalidFragment, f.FragmentID)
	}
	return f, nil
}

// Fragmenter splits messages into fragments no larger than maxSize bytes
// once encoded.
type Fragmenter struct {
	maxSize  int
	objectID atomic.Uint64
}

// NewFragmenter creates a Fragmenter. A maxSize that leaves no room for a
// payload after the header disables splitting.
func NewFragmenter(maxSize int) *Fragmenter {
	return &Fragmenter{maxSize: maxSize}
}

// MaxSize returns the configured fragment size.
func (f *Fragmenter) MaxSize() int {
	return f.maxSize
}

// Fragment splits data into one or more fragments sharing a fresh object id.
// The fragments alias data. Empty data yields a single Start|End fragment.
func (f *Fragmenter) Fragment(data []byte) ([]*Fragment, error) {
	objectID := f.objectID.Add(1)

	maxPayload := f.maxSize - HeaderSize
	if maxPayload <= 0 {
		maxPayload = len(data)
	}
	if uint64(maxPayload) > math.MaxUint32 {
		maxPayload = math.MaxUint32
	}

	if len(data) == 0 {
		return []*Fragment{{ObjectID: objectID, Start: true, End: true}}, nil
	}

	frags := make([]*Fragment, 0, (len(data)+maxPayload-1)/maxPayload)
	var fragmentID uint64
	for offset := 0; offset < len(data); fragmentID++ {
		end := min(offset+maxPayload, len(data))
		frags = append(frags, &Fragment{
			ObjectID:   objectID,
			FragmentID: fragmentID,
			Start:      offset == 0,
			End:        end == len(data),
			Data:       data[offset:end],
		})
		offset = end
	}
	return frags, nil
}

const (
	// DefaultMaxPendingMessages limits messages under reassembly at once.
	DefaultMaxPendingMessages = 1000
	// DefaultMaxFragmentsPerMsg limits the fragments of a single message.
	DefaultMaxFragmentsPerMsg = 10000
)

// Assembler reassembles fragments into complete messages. Fragments of
// different messages may interleave.
type Assembler struct {
	pending            map[uint64]*pendingMessage
	maxPendingMessages int
	maxFragmentsPerMsg int
}

type pendingMessage struct {
	fragments map[uint64][]byte
	total     int
	size      int
}

// NewAssembler creates an Assembler with the default limits.
func NewAssembler() *Assembler {
	return NewAssemblerWithLimits(DefaultMaxPendingMessages, DefaultMaxFragmentsPerMsg)
}

// NewAssemblerWithLimits creates an Assembler with custom limits.
func NewAssemblerWithLimits(maxPending, maxFragments int) *Assembler {
	return &Assembler{
		pending:            make(map[uint64]*pendingMessage),
		maxPendingMessages: maxPending,
		maxFragmentsPerMsg: maxFragments,
	}
}

// Pending returns the number of messages under reassembly.
func (a *Assembler) Pending() int {
	return len(a.pending)
}

// Add records f and reports whether its message is complete. A complete
// message is returned and forgotten. The fragment data is copied, so the
// caller may reuse its buffer.
func (a *Assembler) Add(f *Fragment) (complete bool, data []byte, err error) {
	if f.Start && f.End {
		if _, exists := a.pending[f.ObjectID]; !exists {
			return true, append([]byte{}, f.Data...), nil
		}
	}

	pm, exists := a.pending[f.ObjectID]
	if !exists {
		if len(a.pending) >= a.maxPendingMessages {
			return false, nil, fmt.Errorf("%w: %d pending messages", ErrLimitExceeded, len(a.pending))
		}
		pm = &pendingMessage{fragments: make(map[uint64][]byte), total: -1}
		a.pending[f.ObjectID] = pm
	}

	if len(pm.fragments) >= a.maxFragmentsPerMsg {
		delete(a.pending, f.ObjectID)
		return false, nil, fmt.Errorf("%w: message %d has %d fragments", ErrLimitExceeded, f.ObjectID, len(pm.fragments))
	}
	if _, dup := pm.fragments[f.FragmentID]; dup {
		return false, nil, fmt.Errorf("%w: message %d fragment %d", ErrDuplicateFragment, f.ObjectID, f.FragmentID)
	}

	if f.End {
		if f.FragmentID >= uint64(a.maxFragmentsPerMsg) {
			delete(a.pending, f.ObjectID)
			return false, nil, fmt.Errorf("%w: message %d ends at fragment %d", ErrLimitExceeded, f.ObjectID, f.FragmentID)
		}
		pm.total = int(f.FragmentID) + 1 // #nosec G115 -- bounded by maxFragmentsPerMsg above
		if len(pm.fragments) >= pm.total {
			delete(a.pending, f.ObjectID)
			return false, nil, fmt.Errorf("%w: message %d has fragments past its end", ErrInvalidFragment, f.ObjectID)
		}
	}
	if pm.total >= 0 && f.FragmentID >= uint64(pm.total) {
		delete(a.pending, f.ObjectID)
		return false, nil, fmt.Errorf("%w: fragment %d after end of message %d", ErrInvalidFragment, f.FragmentID, f.ObjectID)
	}

	pm.fragments[f.FragmentID] = append([]byte{}, f.Data...)
	pm.size += len(f.Data)

	if pm.total < 0 || len(pm.fragments) != pm.total {
		return false, nil, nil
	}

	result := make([]byte, 0, pm.size)
	for i := range uint64(pm.total) { // #nosec G115 -- total is positive
		result = append(result, pm.fragments[i]...)
	}
	delete(a.pending, f.ObjectID)
	return true, result, nil
}
