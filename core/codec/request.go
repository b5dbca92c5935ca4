package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ModeRequestSize is the payload size of a SET_MODE request:
	// baud(4) + data_bits(1) + parity(1) + stop_bits(1) + status_bits(1).
	ModeRequestSize = 8

	// ReadDataRequestSize is the payload size of a READ_DATA request:
	// length(2) + timeout(2).
	ReadDataRequestSize = 4

	// WriteDataHeaderSize is the length prefix of a WRITE_DATA request.
	WriteDataHeaderSize = 2

	// MaxPortNameSize is the largest port name a one byte length can describe.
	MaxPortNameSize = 255

	// Initial modem output bits carried in ModeRequest.InitialStatusBits.
	StatusBitRTS = 0x01
	StatusBitDTR = 0x02
)

var (
	ErrOpenTooShort      = errors.New("open request too short")
	ErrModeTooShort      = errors.New("set mode request too short")
	ErrReadDataTooShort  = errors.New("read data request too short")
	ErrWriteDataTooShort = errors.New("write data request too short")
	ErrWriteDataLength   = errors.New("write data length does not match payload")
	ErrPortNameTooLong   = errors.New("port name too long")
)

// OpenPortRequest asks for ownership of a named port.
type OpenPortRequest struct {
	PortName string
}

// ModeRequest is the serial line configuration requested by a client.
// Parity and StopBits use the wire values: parity 0..4 is none, odd, even,
// mark, space; stop bits 0 is one, 1 is two.
type ModeRequest struct {
	BaudRate          uint32
	DataBits          uint8
	Parity            uint8
	StopBits          uint8
	InitialStatusBits uint8
}

// ReadDataRequest asks for a blocking read. Timeout is in milliseconds and
// applies to each underlying hardware read.
type ReadDataRequest struct {
	Length  uint16
	Timeout uint16
}

// WriteDataRequest carries bytes to write to the port. Payload aliases the
// request buffer.
type WriteDataRequest struct {
	Length  uint16
	Payload []byte
}

// ParseOpenPortRequest parses an OPEN payload: [name_len(1)][name].
func ParseOpenPortRequest(data []byte) (*OpenPortRequest, error) {
	if len(data) < 1 {
		return nil, ErrOpenTooShort
	}
	nameLen := int(data[0])
	if nameLen > len(data)-1 {
		return nil, fmt.Errorf("%w: name length %d, %d bytes available",
			ErrOpenTooShort, nameLen, len(data)-1)
	}
	return &OpenPortRequest{PortName: string(data[1 : 1+nameLen])}, nil
}

// ParseModeRequest parses a SET_MODE payload.
func ParseModeRequest(data []byte) (*ModeRequest, error) {
	if len(data) < ModeRequestSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrModeTooShort, ModeRequestSize, len(data))
	}
	return &ModeRequest{
		BaudRate:          binary.LittleEndian.Uint32(data[0:4]),
		DataBits:          data[4],
		Parity:            data[5],
		StopBits:          data[6],
		InitialStatusBits: data[7],
	}, nil
}

// ParseReadDataRequest parses a READ_DATA payload.
func ParseReadDataRequest(data []byte) (*ReadDataRequest, error) {
	if len(data) < ReadDataRequestSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrReadDataTooShort, ReadDataRequestSize, len(data))
	}
	return &ReadDataRequest{
		Length:  binary.LittleEndian.Uint16(data[0:2]),
		Timeout: binary.LittleEndian.Uint16(data[2:4]),
	}, nil
}

// ParseWriteDataRequest parses a WRITE_DATA payload: [length(2)][payload].
// The declared length must account for exactly the remaining bytes.
func ParseWriteDataRequest(data []byte) (*WriteDataRequest, error) {
	if len(data) < WriteDataHeaderSize {
		return nil, ErrWriteDataTooShort
	}
	length := binary.LittleEndian.Uint16(data[0:2])
	if WriteDataHeaderSize+int(length) != len(data) {
		return nil, fmt.Errorf("%w: declared %d, got %d",
			ErrWriteDataLength, length, len(data)-WriteDataHeaderSize)
	}
	return &WriteDataRequest{
		Length:  length,
		Payload: data[WriteDataHeaderSize:],
	}, nil
}

// HasRTS reports whether the RTS output bit is requested.
func (m ModeRequest) HasRTS() bool {
	return m.InitialStatusBits&StatusBitRTS != 0
}

// HasDTR reports whether the DTR output bit is requested.
func (m ModeRequest) HasDTR() bool {
	return m.InitialStatusBits&StatusBitDTR != 0
}
