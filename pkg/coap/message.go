package coap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

const protocolVersion = 1

// An Option is a single header option. Repeated numbers are allowed, e.g.
// one Uri-Path option per path segment.
type Option struct {
	Number uint16
	Value  []byte
}

// A Message is a decoded datagram.
type Message struct {
	Type      MessageType
	Code      Code
	MessageId uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

func NewRequest(code Code, path string) *Message {
	msg := Message{
		Type:  TypeConfirmable,
		Code:  code,
		Token: NewToken(),
	}

	msg.SetPath(path)

	return &msg
}

// NewResponse builds the response to a request, reusing its message id and
// token so the peer can correlate it. Confirmable requests are acknowledged
// piggybacked, non-confirmable ones answered non-confirmably.
func NewResponse(req *Message, code Code, payload []byte) *Message {
	msgType := TypeAcknowledgment
	msgId := req.MessageId

	if req.Type == TypeNonConfirmable {
		msgType = TypeNonConfirmable
		msgId = randMessageId()
	}

	return &Message{
		Type:      msgType,
		Code:      code,
		MessageId: msgId,
		Token:     append([]byte(nil), req.Token...),
		Payload:   payload,
	}
}

func (msg *Message) AddOption(number uint16, value []byte) {
	msg.Options = append(msg.Options, Option{Number: number, Value: value})
}

// Option returns the value of the first option with this number.
func (msg *Message) Option(number uint16) ([]byte, bool) {
	for _, option := range msg.Options {
		if option.Number == number {
			return option.Value, true
		}
	}

	return nil, false
}

func (msg *Message) SetPath(path string) {
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}

		msg.AddOption(OptionUriPath, []byte(segment))
	}
}

// Path reassembles the Uri-Path options into an absolute path.
func (msg *Message) Path() string {
	var buf bytes.Buffer

	for _, option := range msg.Options {
		if option.Number != OptionUriPath {
			continue
		}

		buf.WriteByte('/')
		buf.Write(option.Value)
	}

	if buf.Len() == 0 {
		return "/"
	}

	return buf.String()
}

// Encode serializes the message. It panics if the message violates the
// structural limits of the protocol since those are programming errors,
// not runtime conditions.
func (msg *Message) Encode() []byte {
	if len(msg.Token) > 8 {
		panic(fmt.Sprintf("token length %d exceeds 8 bytes", len(msg.Token)))
	}

	var buf bytes.Buffer

	buf.WriteByte(protocolVersion<<6 | uint8(msg.Type)<<4 | uint8(len(msg.Token)))
	buf.WriteByte(uint8(msg.Code))

	var msgId [2]byte
	binary.BigEndian.PutUint16(msgId[:], msg.MessageId)
	buf.Write(msgId[:])

	buf.Write(msg.Token)

	options := make([]Option, len(msg.Options))
	copy(options, msg.Options)

	sort.SliceStable(options, func(i, j int) bool {
		return options[i].Number < options[j].Number
	})

	var previous uint16
	for _, option := range options {
		delta := option.Number - previous
		previous = option.Number

		encodeOptionHeader(&buf, uint32(delta), uint32(len(option.Value)))
		buf.Write(option.Value)
	}

	if len(msg.Payload) > 0 {
		buf.WriteByte(0xff)
		buf.Write(msg.Payload)
	}

	return buf.Bytes()
}

func encodeOptionHeader(buf *bytes.Buffer, delta, length uint32) {
	deltaNibble, deltaExt := encodeOptionVarint(delta)
	lengthNibble, lengthExt := encodeOptionVarint(length)

	buf.WriteByte(uint8(deltaNibble<<4 | lengthNibble))
	buf.Write(deltaExt)
	buf.Write(lengthExt)
}

func encodeOptionVarint(value uint32) (uint32, []byte) {
	switch {
	case value < 13:
		return value, nil

	case value < 269:
		return 13, []byte{uint8(value - 13)}

	default:
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(value-269))
		return 14, ext[:]
	}
}

// ParseMessage decodes a datagram, rejecting anything structurally invalid
// with ErrMalformedMessage. It never panics on hostile input.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformedMessage)
	}

	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedMessage)
	}

	if isFilledWith(data, 0x00) || isFilledWith(data, 0xff) {
		return nil, fmt.Errorf("%w: padding datagram", ErrMalformedMessage)
	}

	version := data[0] >> 6
	if version != protocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %d",
			ErrMalformedMessage, version)
	}

	msg := Message{
		Type:      MessageType(data[0] >> 4 & 0x3),
		Code:      Code(data[1]),
		MessageId: binary.BigEndian.Uint16(data[2:4]),
	}

	tokenLength := int(data[0] & 0xf)
	if tokenLength > 8 {
		return nil, fmt.Errorf("%w: token length %d exceeds 8 bytes",
			ErrMalformedMessage, tokenLength)
	}

	rest := data[4:]
	if len(rest) < tokenLength {
		return nil, fmt.Errorf("%w: truncated token", ErrMalformedMessage)
	}

	if tokenLength > 0 {
		msg.Token = append([]byte(nil), rest[:tokenLength]...)
		rest = rest[tokenLength:]
	}

	var optionNumber uint32

	for len(rest) > 0 {
		if rest[0] == 0xff {
			if len(rest) == 1 {
				return nil, fmt.Errorf("%w: payload marker without payload",
					ErrMalformedMessage)
			}

			msg.Payload = append([]byte(nil), rest[1:]...)
			return &msg, nil
		}

		deltaNibble := uint32(rest[0] >> 4)
		lengthNibble := uint32(rest[0] & 0xf)
		rest = rest[1:]

		var delta, length uint32
		var err error

		delta, rest, err = parseOptionVarint(deltaNibble, rest)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid option delta: %v",
				ErrMalformedMessage, err)
		}

		length, rest, err = parseOptionVarint(lengthNibble, rest)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid option length: %v",
				ErrMalformedMessage, err)
		}

		if uint32(len(rest)) < length {
			return nil, fmt.Errorf("%w: truncated option value",
				ErrMalformedMessage)
		}

		optionNumber += delta
		if optionNumber > 0xffff {
			return nil, fmt.Errorf("%w: option number %d out of range",
				ErrMalformedMessage, optionNumber)
		}

		msg.Options = append(msg.Options, Option{
			Number: uint16(optionNumber),
			Value:  append([]byte(nil), rest[:length]...),
		})

		rest = rest[length:]
	}

	return &msg, nil
}

func parseOptionVarint(nibble uint32, data []byte) (uint32, []byte, error) {
	switch nibble {
	case 13:
		if len(data) < 1 {
			return 0, nil, fmt.Errorf("truncated extended field")
		}

		return uint32(data[0]) + 13, data[1:], nil

	case 14:
		if len(data) < 2 {
			return 0, nil, fmt.Errorf("truncated extended field")
		}

		return uint32(binary.BigEndian.Uint16(data[:2])) + 269, data[2:], nil

	case 15:
		return 0, nil, fmt.Errorf("reserved nibble 15")

	default:
		return nibble, data, nil
	}
}

func isFilledWith(data []byte, value byte) bool {
	for _, b := range data {
		if b != value {
			return false
		}
	}

	return true
}
