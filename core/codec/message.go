// Package codec implements the compact binary message protocol spoken between
// port clients and the bridge.
//
// Inbound requests carry a two byte header: the message type followed by a
// reserved byte (clients send a protocol version there, it is not
// interpreted). Outbound messages carry only the one byte type tag followed by
// the result payload. All multi-byte integers are little endian.
package codec

import (
	"errors"
	"fmt"
)

// MessageType identifies the kind of a protocol message.
type MessageType uint8

const (
	MessageTypeAuthenticate       MessageType = 0  // Reserved, not implemented
	MessageTypeOpen               MessageType = 1  // Take ownership of a named port
	MessageTypeClose              MessageType = 2  // Release the owned port
	MessageTypeSetMode            MessageType = 3  // Line configuration (cached per session)
	MessageTypeGetMode            MessageType = 4  // Reserved, not implemented
	MessageTypeReadData           MessageType = 5  // Blocking read of N bytes
	MessageTypeStartAsyncDataRead MessageType = 6  // Enable continuous read pushes
	MessageTypeAsyncDataRead      MessageType = 7  // Server push only
	MessageTypeStopAsyncDataRead  MessageType = 8  // Disable continuous read pushes
	MessageTypeWriteData          MessageType = 9  // Write a payload to the port
	MessageTypeGetPortList        MessageType = 10 // Enumerate the fixed port set
)

const (
	// HeaderSize is the size of an inbound request header: type(1) + reserved(1).
	HeaderSize = 2

	// TagSize is the size of the type tag that starts every outbound message.
	TagSize = 1

	// ProtocolVersion is the value clients place in the reserved header byte.
	ProtocolVersion = 0x01
)

var (
	ErrEmptyMessage = errors.New("empty message")
)

// Message is an inbound request split into its type and payload. Payload
// aliases the buffer passed to ParseMessage.
type Message struct {
	Type    MessageType
	Payload []byte
}

// ParseMessage splits a raw inbound frame into its header and payload.
// A frame consisting of only the type byte is accepted with an empty payload.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}

	msg := &Message{Type: MessageType(data[0])}
	if len(data) > HeaderSize {
		msg.Payload = data[HeaderSize:]
	} else {
		msg.Payload = []byte{}
	}
	return msg, nil
}

// IsValid reports whether t is one of the defined message types.
func (t MessageType) IsValid() bool {
	return t <= MessageTypeGetPortList
}

// String returns a human-readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case MessageTypeAuthenticate:
		return "AUTHENTICATE"
	case MessageTypeOpen:
		return "OPEN"
	case MessageTypeClose:
		return "CLOSE"
	case MessageTypeSetMode:
		return "SET_MODE"
	case MessageTypeGetMode:
		return "GET_MODE"
	case MessageTypeReadData:
		return "READ_DATA"
	case MessageTypeStartAsyncDataRead:
		return "START_ASYNC_READ"
	case MessageTypeAsyncDataRead:
		return "ASYNC_DATA"
	case MessageTypeStopAsyncDataRead:
		return "STOP_ASYNC_READ"
	case MessageTypeWriteData:
		return "WRITE_DATA"
	case MessageTypeGetPortList:
		return "GET_PORT_LIST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}
