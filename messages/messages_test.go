package messages

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
		want string
	}{
		{
			name: "get",
			req:  NewGet([]string{"a", "b"}).WithID("1"),
			want: `{"id":"1","type":"GET","path":["a","b"]}`,
		},
		{
			name: "set",
			req:  NewSet([]string{"value"}, Raw(4.0)).WithID("2"),
			want: `{"id":"2","type":"SET","path":["value"],"value":{"type":"RAW","value":4}}`,
		},
		{
			name: "apply at root",
			req:  NewApply(nil, []WireValue{Raw(1.0), Handler("proxy", "x")}).WithID("3"),
			want: `{"id":"3","type":"APPLY","path":[],"argumentList":[{"type":"RAW","value":1},{"type":"HANDLER","name":"proxy","value":"x"}]}`,
		},
		{
			name: "endpoint",
			req:  NewEndpoint().WithID("4"),
			want: `{"id":"4","type":"ENDPOINT","path":[]}`,
		},
		{
			name: "release",
			req:  NewRelease().WithID("5"),
			want: `{"id":"5","type":"RELEASE","path":[]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.req)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			decoded, err := Decode(data)
			require.NoError(t, err)
			req, ok := decoded.(*Request)
			require.True(t, ok, "decoded %T", decoded)

			want := *tt.req
			if want.Path == nil {
				want.Path = []string{}
			}
			if diff := cmp.Diff(&want, req); diff != "" {
				t.Errorf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResponseEncodeDecode(t *testing.T) {
	resp := &Response{ID: "abc", WireValue: Handler("throw", map[string]any{"isError": false, "value": "boom"})}

	data, err := Encode(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc","type":"HANDLER","name":"throw","value":{"isError":false,"value":"boom"}}`, string(data))

	decoded, err := Decode(data)
	require.NoError(t, err)
	got, ok := decoded.(*Response)
	require.True(t, ok)
	assert.Equal(t, "abc", got.ID)
	assert.Equal(t, WireValueHandler, got.Type)
	assert.Equal(t, "throw", got.Name)
	assert.Equal(t, map[string]any{"isError": false, "value": "boom"}, got.Value)
}

func TestDecodeUnknownType(t *testing.T) {
	for _, input := range []string{
		`{"id":"1","type":"DELETE","path":[]}`,
		`{"id":"1","type":"BLOB","value":1}`,
		`{"id":"1"}`,
	} {
		_, err := Decode([]byte(input))
		assert.ErrorIs(t, err, ErrUnknownMessageType, input)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{name: "not json", input: `{{`, want: ErrInvalidMessage},
		{name: "set without path", input: `{"id":"1","type":"SET","path":[],"value":{"type":"RAW","value":1}}`, want: ErrInvalidMessage},
		{name: "set without value", input: `{"id":"1","type":"SET","path":["a"]}`, want: ErrInvalidMessage},
		{name: "handler without name", input: `{"id":"1","type":"HANDLER","value":1}`, want: ErrInvalidMessage},
		{name: "bad argument tag", input: `{"id":"1","type":"APPLY","path":[],"argumentList":[{"type":"NOPE"}]}`, want: ErrUnknownMessageType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeRejectsUnknown(t *testing.T) {
	_, err := Encode("not a message")
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = Encode(&Request{Type: "NOPE"})
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestPeekID(t *testing.T) {
	assert.Equal(t, "7", PeekID([]byte(`{"id":"7","type":"BLOB"}`)))
	assert.Equal(t, "", PeekID([]byte(`{"type":"RAW"}`)))
	assert.Equal(t, "", PeekID([]byte(`not json`)))
}

func TestPathString(t *testing.T) {
	assert.Equal(t, "<root>", NewGet(nil).PathString())
	assert.Equal(t, "a.b.c", NewGet([]string{"a", "b", "c"}).PathString())
}

// FuzzDecodeNoPanic checks that the decoder never panics on arbitrary input.
func FuzzDecodeNoPanic(f *testing.F) {
	valid, _ := Encode(NewApply([]string{"f"}, []WireValue{Raw(1.0)}).WithID("x"))
	f.Add(valid)
	f.Add([]byte(`{"id":"1","type":"RAW","value":null}`))
	f.Add([]byte(`{}`))
	f.Add([]byte{})
	f.Add([]byte{0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Decode(data)
	})
}
