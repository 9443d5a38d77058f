package fragments

import (
	"bytes"
	"errors"
	"testing"

	"github.com/smnsjas/go-comlink/messages"
)

func TestFragmentEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		frag *Fragment
	}{
		{
			name: "single fragment",
			frag: &Fragment{ObjectID: 1, Start: true, End: true, Data: []byte(`{"id":"1","type":"GET","path":[]}`)},
		},
		{
			name: "start fragment",
			frag: &Fragment{ObjectID: 42, Start: true, Data: []byte(`{"id":"2",`)},
		},
		{
			name: "end fragment",
			frag: &Fragment{ObjectID: 42, FragmentID: 2, End: true, Data: []byte(`"value":7}`)},
		},
		{
			name: "empty data",
			frag: &Fragment{ObjectID: 1, Start: true, End: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.frag.Encode()
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if len(encoded) != HeaderSize+len(tt.frag.Data) {
				t.Fatalf("encoded length: got %d, want %d", len(encoded), HeaderSize+len(tt.frag.Data))
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.ObjectID != tt.frag.ObjectID {
				t.Errorf("ObjectID mismatch: got %d, want %d", decoded.ObjectID, tt.frag.ObjectID)
			}
			if decoded.FragmentID != tt.frag.FragmentID {
				t.Errorf("FragmentID mismatch: got %d, want %d", decoded.FragmentID, tt.frag.FragmentID)
			}
			if decoded.Start != tt.frag.Start || decoded.End != tt.frag.End {
				t.Errorf("flags mismatch: got start=%v end=%v", decoded.Start, decoded.End)
			}
			if !bytes.Equal(decoded.Data, tt.frag.Data) {
				t.Errorf("Data mismatch: got %q, want %q", decoded.Data, tt.frag.Data)
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid, err := (&Fragment{ObjectID: 1, Start: true, End: true, Data: []byte("abc")}).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	truncated := valid[:len(valid)-1]
	badFlags := append([]byte{}, valid...)
	badFlags[16] = 0x80
	startLater := append([]byte{}, valid...)
	startLater[15] = 3

	for name, data := range map[string][]byte{
		"short":       valid[:HeaderSize-1],
		"truncated":   truncated,
		"trailing":    append(append([]byte{}, valid...), 'x'),
		"bad flags":   badFlags,
		"start later": startLater,
	} {
		if _, err := Decode(data); !errors.Is(err, ErrInvalidFragment) {
			t.Errorf("%s: expected ErrInvalidFragment, got %v", name, err)
		}
	}
}

func TestFragmenter(t *testing.T) {
	tests := []struct {
		name      string
		maxSize   int
		data      []byte
		wantCount int
	}{
		{name: "single fragment", maxSize: 1000, data: []byte("small message"), wantCount: 1},
		{name: "multiple fragments", maxSize: HeaderSize + 10, data: []byte("this is a longer message that needs splitting"), wantCount: 5},
		{name: "empty data", maxSize: 100, data: []byte{}, wantCount: 1},
		{name: "exact fit", maxSize: HeaderSize + 5, data: []byte("12345"), wantCount: 1},
		{name: "no room for payload", maxSize: HeaderSize, data: []byte("unsplit"), wantCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFragmenter(tt.maxSize)
			frags, err := f.Fragment(tt.data)
			if err != nil {
				t.Fatalf("Fragment failed: %v", err)
			}

			if len(frags) != tt.wantCount {
				t.Fatalf("fragment count: got %d, want %d", len(frags), tt.wantCount)
			}
			if !frags[0].Start {
				t.Error("first fragment should have Start flag")
			}
			if !frags[len(frags)-1].End {
				t.Error("last fragment should have End flag")
			}
			for i := 1; i < len(frags)-1; i++ {
				if frags[i].Start || frags[i].End {
					t.Errorf("middle fragment %d should not have Start or End flags", i)
				}
			}
			for i, frag := range frags {
				if frag.FragmentID != uint64(i) {
					t.Errorf("fragment %d has id %d", i, frag.FragmentID)
				}
			}
		})
	}
}

func TestFragmenterObjectIDsIncrease(t *testing.T) {
	f := NewFragmenter(64)
	a, _ := f.Fragment([]byte("a"))
	b, _ := f.Fragment([]byte("b"))
	if a[0].ObjectID == b[0].ObjectID {
		t.Fatalf("object ids should differ, both %d", a[0].ObjectID)
	}
	if b[0].ObjectID != a[0].ObjectID+1 {
		t.Errorf("object ids: got %d then %d", a[0].ObjectID, b[0].ObjectID)
	}
}

func assemble(t *testing.T, a *Assembler, frags []*Fragment) []byte {
	t.Helper()
	var result []byte
	var complete bool
	for i, frag := range frags {
		var err error
		complete, result, err = a.Add(frag)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if complete && i != len(frags)-1 {
			t.Fatalf("complete after %d of %d fragments", i+1, len(frags))
		}
	}
	if !complete {
		t.Fatal("expected complete message after all fragments")
	}
	return result
}

func TestAssembler(t *testing.T) {
	data, err := messages.Encode(messages.NewApply([]string{"math", "add"}, []messages.WireValue{
		messages.Raw(1), messages.Raw(2),
	}).WithID("req-1"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	frags, err := NewFragmenter(HeaderSize + 10).Fragment(data)
	if err != nil {
		t.Fatalf("Fragment failed: %v", err)
	}

	a := NewAssembler()
	result := assemble(t, a, frags)
	if !bytes.Equal(result, data) {
		t.Errorf("reassembled data mismatch:\ngot:  %s\nwant: %s", result, data)
	}
	if a.Pending() != 0 {
		t.Errorf("pending after completion: %d", a.Pending())
	}

	msg, err := messages.Decode(result)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if req, ok := msg.(*messages.Request); !ok || req.ID != "req-1" {
		t.Errorf("unexpected message %#v", msg)
	}
}

func TestAssemblerOutOfOrder(t *testing.T) {
	data := []byte("out of order test message here")

	frags, err := NewFragmenter(HeaderSize + 8).Fragment(data)
	if err != nil {
		t.Fatalf("Fragment failed: %v", err)
	}

	shuffled := make([]*Fragment, len(frags))
	for i, frag := range frags {
		shuffled[len(frags)-1-i] = frag
	}

	result := assemble(t, NewAssembler(), shuffled)
	if !bytes.Equal(result, data) {
		t.Errorf("reassembled data mismatch:\ngot:  %s\nwant: %s", result, data)
	}
}

func TestAssemblerInterleaved(t *testing.T) {
	f := NewFragmenter(HeaderSize + 4)
	first, _ := f.Fragment([]byte("first message"))
	second, _ := f.Fragment([]byte("second message"))

	a := NewAssembler()
	got := map[uint64][]byte{}
	for i := 0; i < max(len(first), len(second)); i++ {
		for _, frags := range [][]*Fragment{first, second} {
			if i >= len(frags) {
				continue
			}
			complete, data, err := a.Add(frags[i])
			if err != nil {
				t.Fatalf("Add failed: %v", err)
			}
			if complete {
				got[frags[i].ObjectID] = data
			}
		}
	}

	if string(got[first[0].ObjectID]) != "first message" {
		t.Errorf("first: got %q", got[first[0].ObjectID])
	}
	if string(got[second[0].ObjectID]) != "second message" {
		t.Errorf("second: got %q", got[second[0].ObjectID])
	}
}

func TestAssemblerCopiesData(t *testing.T) {
	buf := []byte("abcd")
	a := NewAssembler()
	if _, _, err := a.Add(&Fragment{ObjectID: 1, Start: true, Data: buf[:2]}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	copy(buf, "zzzz")
	complete, data, err := a.Add(&Fragment{ObjectID: 1, FragmentID: 1, End: true, Data: []byte("cd")})
	if err != nil || !complete {
		t.Fatalf("Add: complete=%v err=%v", complete, err)
	}
	if string(data) != "abcd" {
		t.Errorf("got %q, want %q", data, "abcd")
	}
}

func TestAssemblerDuplicate(t *testing.T) {
	frag1 := &Fragment{ObjectID: 1, FragmentID: 0, Start: true, Data: []byte("test")}
	frag2 := &Fragment{ObjectID: 1, FragmentID: 1, End: true, Data: []byte("data")}

	a := NewAssembler()

	complete, _, err := a.Add(frag1)
	if err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if complete {
		t.Fatal("message should not be complete yet")
	}

	_, _, err = a.Add(frag1)
	if !errors.Is(err, ErrDuplicateFragment) {
		t.Errorf("expected ErrDuplicateFragment, got %v", err)
	}

	complete, result, err := a.Add(frag2)
	if err != nil {
		t.Fatalf("second Add failed: %v", err)
	}
	if !complete {
		t.Fatal("message should be complete")
	}
	if !bytes.Equal(result, []byte("testdata")) {
		t.Errorf("got %q, want %q", result, "testdata")
	}

	// A completed object id is forgotten and may start a new message.
	complete, _, err = a.Add(frag1)
	if err != nil {
		t.Fatalf("adding fragment after completion should succeed: %v", err)
	}
	if complete {
		t.Fatal("new message should not be complete with just first fragment")
	}
}

func TestAssemblerRejectsFragmentsPastEnd(t *testing.T) {
	a := NewAssembler()
	if _, _, err := a.Add(&Fragment{ObjectID: 7, Start: true, Data: []byte("a")}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, _, err := a.Add(&Fragment{ObjectID: 7, FragmentID: 1, End: true, Data: []byte("b")}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	b := NewAssembler()
	_, _, _ = b.Add(&Fragment{ObjectID: 7, Start: true, Data: []byte("a")})
	_, _, _ = b.Add(&Fragment{ObjectID: 7, FragmentID: 5, Data: []byte("x")})
	if _, _, err := b.Add(&Fragment{ObjectID: 7, FragmentID: 1, End: true, Data: []byte("b")}); !errors.Is(err, ErrInvalidFragment) {
		t.Errorf("expected ErrInvalidFragment, got %v", err)
	}
	if b.Pending() != 0 {
		t.Errorf("broken message should be dropped, pending=%d", b.Pending())
	}
}

func TestAssemblerLimits(t *testing.T) {
	t.Run("max pending messages", func(t *testing.T) {
		a := NewAssemblerWithLimits(2, 100)

		for id := uint64(1); id <= 2; id++ {
			if _, _, err := a.Add(&Fragment{ObjectID: id, Start: true, Data: []byte("part")}); err != nil {
				t.Fatalf("message %d failed: %v", id, err)
			}
		}

		_, _, err := a.Add(&Fragment{ObjectID: 3, Start: true, Data: []byte("part")})
		if !errors.Is(err, ErrLimitExceeded) {
			t.Fatalf("expected ErrLimitExceeded, got %v", err)
		}

		// Single-fragment messages bypass the pending table.
		complete, _, err := a.Add(&Fragment{ObjectID: 4, Start: true, End: true, Data: []byte("whole")})
		if err != nil || !complete {
			t.Fatalf("single fragment: complete=%v err=%v", complete, err)
		}
	})

	t.Run("max fragments per message", func(t *testing.T) {
		a := NewAssemblerWithLimits(100, 2)

		if _, _, err := a.Add(&Fragment{ObjectID: 1, Start: true, Data: []byte("test1")}); err != nil {
			t.Fatalf("first fragment failed: %v", err)
		}
		if _, _, err := a.Add(&Fragment{ObjectID: 1, FragmentID: 1, Data: []byte("test2")}); err != nil {
			t.Fatalf("second fragment failed: %v", err)
		}

		_, _, err := a.Add(&Fragment{ObjectID: 1, FragmentID: 2, End: true, Data: []byte("test3")})
		if !errors.Is(err, ErrLimitExceeded) {
			t.Fatalf("expected ErrLimitExceeded, got %v", err)
		}
		if a.Pending() != 0 {
			t.Errorf("message should be dropped, pending=%d", a.Pending())
		}
	})
}
