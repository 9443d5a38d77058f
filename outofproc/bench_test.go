package outofproc

import (
	"encoding/base64"
	"fmt"
	"io"
	"testing"

	"github.com/google/uuid"

	"github.com/smnsjas/go-comlink/fragments"
	"github.com/smnsjas/go-comlink/messages"
)

func BenchmarkParsePacket(b *testing.B) {
	data := []byte(`{"id":"1","type":"RAW","value":42}`)
	line := fmt.Sprintf("<Data Channel='%s'>%s</Data>", uuid.New(), base64.StdEncoding.EncodeToString(data))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := parsePacket(line); err != nil {
			b.Fatalf("parsePacket failed: %v", err)
		}
	}
}

func BenchmarkSendMessage(b *testing.B) {
	t := NewTransport(nil, io.Discard)
	frag := fragments.NewFragmenter(fragments.DefaultMaxSize)
	id := uuid.New()
	msg := messages.NewApply([]string{"math", "add"}, []messages.WireValue{
		messages.Raw(make([]byte, 1024)),
	}).WithID("bench")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := messages.Encode(msg)
		if err != nil {
			b.Fatalf("Encode failed: %v", err)
		}
		frags, err := frag.Fragment(data)
		if err != nil {
			b.Fatalf("Fragment failed: %v", err)
		}
		for _, f := range frags {
			wire, err := f.Encode()
			if err != nil {
				b.Fatalf("fragment Encode failed: %v", err)
			}
			if err := t.SendData(id, wire); err != nil {
				b.Fatalf("SendData failed: %v", err)
			}
		}
	}
}
