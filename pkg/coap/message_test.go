package coap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundtrip(t *testing.T) {
	msg := Message{
		Type:      TypeConfirmable,
		Code:      CodePost,
		MessageId: 0xbeef,
		Token:     []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Payload:   []byte("hello"),
	}
	msg.SetPath("/raft/append_entries")

	decoded, err := ParseMessage(msg.Encode())
	require.NoError(t, err)

	assert.Equal(t, TypeConfirmable, decoded.Type)
	assert.Equal(t, CodePost, decoded.Code)
	assert.Equal(t, uint16(0xbeef), decoded.MessageId)
	assert.Equal(t, msg.Token, decoded.Token)
	assert.Equal(t, "/raft/append_entries", decoded.Path())
	assert.Equal(t, []byte("hello"), decoded.Payload)
}

func TestMessageRoundtripMinimal(t *testing.T) {
	msg := Message{
		Type:      TypeNonConfirmable,
		Code:      CodeChanged,
		MessageId: 1,
	}

	data := msg.Encode()
	assert.Len(t, data, 4)

	decoded, err := ParseMessage(data)
	require.NoError(t, err)

	assert.Empty(t, decoded.Token)
	assert.Empty(t, decoded.Options)
	assert.Empty(t, decoded.Payload)
	assert.Equal(t, "/", decoded.Path())
}

func TestMessageRoundtripExtendedOptions(t *testing.T) {
	// Option deltas of 13 or more and values of 13 or more bytes use the
	// extended encodings.
	msg := Message{
		Type:      TypeConfirmable,
		Code:      CodePost,
		MessageId: 7,
		Token:     NewToken(),
	}
	msg.AddOption(OptionUriPath, []byte("a"))
	msg.AddOption(OptionBlock1, []byte{0x3a})
	msg.AddOption(2048, bytes.Repeat([]byte{0xab}, 300))

	decoded, err := ParseMessage(msg.Encode())
	require.NoError(t, err)
	require.Len(t, decoded.Options, 3)

	value, found := decoded.Option(OptionBlock1)
	require.True(t, found)
	assert.Equal(t, []byte{0x3a}, value)

	value, found = decoded.Option(2048)
	require.True(t, found)
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 300), value)
}

func TestMessageEncodeSortsOptions(t *testing.T) {
	msg := Message{
		Type:      TypeConfirmable,
		Code:      CodePost,
		MessageId: 7,
	}
	msg.AddOption(OptionBlock1, []byte{0x08})
	msg.AddOption(OptionUriPath, []byte("raft"))

	decoded, err := ParseMessage(msg.Encode())
	require.NoError(t, err)
	require.Len(t, decoded.Options, 2)

	assert.Equal(t, OptionUriPath, decoded.Options[0].Number)
	assert.Equal(t, OptionBlock1, decoded.Options[1].Number)
}

func TestMessagePath(t *testing.T) {
	msg := Message{}
	msg.SetPath("/raft/request_vote")

	require.Len(t, msg.Options, 2)
	assert.Equal(t, []byte("raft"), msg.Options[0].Value)
	assert.Equal(t, []byte("request_vote"), msg.Options[1].Value)
	assert.Equal(t, "/raft/request_vote", msg.Path())
}

func TestParseMessageMalformed(t *testing.T) {
	valid := Message{
		Type:      TypeConfirmable,
		Code:      CodePost,
		MessageId: 1,
		Token:     []byte{1, 2},
		Payload:   []byte("x"),
	}

	tests := []struct {
		label string
		data  []byte
	}{
		{"empty", []byte{}},
		{"truncated header", []byte{0x40, 0x01, 0x00}},
		{"zero padding", bytes.Repeat([]byte{0x00}, 16)},
		{"one padding", bytes.Repeat([]byte{0xff}, 16)},
		{"bad version", []byte{0x80, 0x01, 0x00, 0x01}},
		{"token length 9", []byte{0x49, 0x01, 0x00, 0x01}},
		{"truncated token", []byte{0x44, 0x01, 0x00, 0x01, 0xaa}},
		{"reserved nibble", []byte{0x40, 0x01, 0x00, 0x01, 0xf0}},
		{"truncated extended delta", []byte{0x40, 0x01, 0x00, 0x01, 0xd0}},
		{"truncated option value", []byte{0x40, 0x01, 0x00, 0x01, 0xb2, 0xaa}},
		{"marker without payload", append(valid.Encode()[:len(valid.Encode())-2], 0xff)},
	}

	for _, test := range tests {
		_, err := ParseMessage(test.data)
		assert.ErrorIs(t, err, ErrMalformedMessage, test.label)
	}
}

func TestParseMessageNeverPanics(t *testing.T) {
	// Every truncation of a valid datagram must either parse or fail
	// cleanly.
	msg := Message{
		Type:      TypeConfirmable,
		Code:      CodePost,
		MessageId: 99,
		Token:     NewToken(),
		Payload:   []byte("payload"),
	}
	msg.SetPath("/raft/install_snapshot")
	msg.AddOption(OptionBlock1, []byte{0x00, 0xaa})

	data := msg.Encode()

	for i := range data {
		ParseMessage(data[:i])

		mutated := append([]byte(nil), data...)
		mutated[i] ^= 0xff
		ParseMessage(mutated)
	}
}

func TestNewResponse(t *testing.T) {
	req := NewRequest(CodePost, "/raft/append_entries")
	req.MessageId = 42

	res := NewResponse(req, CodeChanged, []byte("ok"))

	assert.Equal(t, TypeAcknowledgment, res.Type)
	assert.Equal(t, uint16(42), res.MessageId)
	assert.Equal(t, req.Token, res.Token)
	assert.Equal(t, CodeChanged, res.Code)

	req.Type = TypeNonConfirmable
	res = NewResponse(req, CodeContent, nil)

	assert.Equal(t, TypeNonConfirmable, res.Type)
	assert.Equal(t, req.Token, res.Token)
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "0.02", CodePost.String())
	assert.Equal(t, "2.04", CodeChanged.String())
	assert.Equal(t, "2.31", CodeContinue.String())
	assert.Equal(t, "4.08", CodeRequestEntityIncomplete.String())
	assert.Equal(t, "5.03", CodeServiceUnavailable.String())

	assert.True(t, CodePost.IsRequest())
	assert.False(t, CodeChanged.IsRequest())
	assert.False(t, CodeEmpty.IsRequest())

	assert.True(t, CodeContinue.IsSuccess())
	assert.False(t, CodeBadRequest.IsSuccess())
}
