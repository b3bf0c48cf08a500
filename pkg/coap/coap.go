// Package coap implements the transport the cluster speaks between nodes:
// a CoAP-shaped datagram protocol with confirmable exchanges, block-wise
// transfer of large payloads, per-peer sessions and multicast discovery.
package coap

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrOverloaded       = errors.New("transport overloaded")
)

type MessageType uint8

const (
	TypeConfirmable    MessageType = 0
	TypeNonConfirmable MessageType = 1
	TypeAcknowledgment MessageType = 2
	TypeReset          MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case TypeConfirmable:
		return "CON"
	case TypeNonConfirmable:
		return "NON"
	case TypeAcknowledgment:
		return "ACK"
	case TypeReset:
		return "RST"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// A Code is a class.detail request or response code packed in one byte.
type Code uint8

const (
	CodeEmpty Code = 0x00

	CodePost Code = 0x02

	CodeChanged  Code = 2<<5 | 4
	CodeContent  Code = 2<<5 | 5
	CodeContinue Code = 2<<5 | 31

	CodeBadRequest              Code = 4<<5 | 0
	CodeNotFound                Code = 4<<5 | 4
	CodeRequestEntityIncomplete Code = 4<<5 | 8

	CodeInternalServerError Code = 5<<5 | 0
	CodeServiceUnavailable  Code = 5<<5 | 3
)

func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c>>5, c&0x1f)
}

func (c Code) IsRequest() bool {
	return c != CodeEmpty && c>>5 == 0
}

func (c Code) IsSuccess() bool {
	return c>>5 == 2
}

// Option numbers used by this transport.
const (
	OptionUriPath       uint16 = 11
	OptionContentFormat uint16 = 12
	OptionBlock2        uint16 = 23
	OptionBlock1        uint16 = 27
)

const (
	// TokenLength is the fixed token size of every exchange this transport
	// initiates. Tokens are the stable identifier of an exchange across
	// retransmissions and blocks.
	TokenLength = 8

	// MaxDatagramSize bounds a single datagram, header included.
	MaxDatagramSize = 65536 + 128
)

type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

var (
	randMutex     sync.Mutex
	randGenerator = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NewToken returns a fresh exchange token.
func NewToken() []byte {
	token := make([]byte, TokenLength)

	randMutex.Lock()
	randGenerator.Read(token)
	randMutex.Unlock()

	return token
}

func randMessageId() uint16 {
	randMutex.Lock()
	defer randMutex.Unlock()

	return uint16(randGenerator.Intn(1 << 16))
}
