package main

import (
	"bytes"
	"fmt"
)

const UnitSeparator byte = 0x1f

// An Op is a command replicated through the cluster log. Encoding must be
// deterministic: every server decodes the same bytes into the same
// operation.
type Op interface {
	Name() string
	Encode(*bytes.Buffer)
	Decode([]byte) error
}

func EncodeOp(op Op) []byte {
	var buf bytes.Buffer

	buf.WriteString(op.Name())
	buf.WriteByte(UnitSeparator)
	op.Encode(&buf)

	return buf.Bytes()
}

func DecodeOp(data []byte) (Op, error) {
	sep := bytes.IndexByte(data, UnitSeparator)
	if sep == -1 {
		return nil, fmt.Errorf("missing operation name")
	}

	var op Op

	name := string(data[:sep])
	switch name {
	case "put":
		op = &OpPut{}
	case "delete":
		op = &OpDelete{}
	default:
		return nil, fmt.Errorf("unknown operation %q", name)
	}

	if err := op.Decode(data[sep+1:]); err != nil {
		return nil, fmt.Errorf("cannot decode %q operation: %w", name, err)
	}

	return op, nil
}

type OpPut struct {
	Key   string
	Value string
}

func (op OpPut) Name() string {
	return "put"
}

func (op OpPut) Encode(buf *bytes.Buffer) {
	buf.WriteString(op.Key)
	buf.WriteByte(UnitSeparator)
	buf.WriteString(op.Value)
}

func (op *OpPut) Decode(data []byte) error {
	sep := bytes.IndexByte(data, UnitSeparator)
	if sep == -1 {
		return fmt.Errorf("missing key separator")
	}

	op.Key = string(data[:sep])
	op.Value = string(data[sep+1:])

	if op.Key == "" {
		return fmt.Errorf("empty key")
	}

	return nil
}

type OpDelete struct {
	Key string
}

func (op OpDelete) Name() string {
	return "delete"
}

func (op OpDelete) Encode(buf *bytes.Buffer) {
	buf.WriteString(op.Key)
}

func (op *OpDelete) Decode(data []byte) error {
	op.Key = string(data)

	if op.Key == "" {
		return fmt.Errorf("empty key")
	}

	return nil
}
