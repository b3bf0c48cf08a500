package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpCodecRoundtrip(t *testing.T) {
	ops := []Op{
		&OpPut{Key: "a", Value: "1"},
		&OpPut{Key: "greeting", Value: "hello world"},
		&OpPut{Key: "empty", Value: ""},
		&OpDelete{Key: "a"},
	}

	for _, op := range ops {
		data := EncodeOp(op)

		decoded, err := DecodeOp(data)
		require.NoError(t, err)
		assert.Equal(t, op, decoded)
	}
}

func TestOpCodecValueWithSeparator(t *testing.T) {
	// Only the first separator after the key delimits it; the value may
	// contain the separator byte.
	op := &OpPut{Key: "k", Value: "a\x1fb\x1fc"}

	decoded, err := DecodeOp(EncodeOp(op))
	require.NoError(t, err)
	assert.Equal(t, op, decoded)
}

func TestDecodeOpErrors(t *testing.T) {
	tests := []struct {
		label string
		data  []byte
	}{
		{"empty", []byte{}},
		{"no separator", []byte("put")},
		{"unknown operation", []byte("rename\x1fa\x1fb")},
		{"put without value separator", []byte("put\x1fkey-only")},
		{"put with empty key", []byte("put\x1f\x1fvalue")},
		{"delete with empty key", []byte("delete\x1f")},
	}

	for _, test := range tests {
		_, err := DecodeOp(test.data)
		assert.Error(t, err, test.label)
	}
}
