package codec

import (
	"encoding/binary"
)

// Request builders produce complete inbound frames (header included). They
// are used by the client package.

// BuildRequest builds a request frame with the given type and payload.
func BuildRequest(t MessageType, payload []byte) []byte {
	data := make([]byte, HeaderSize+len(payload))
	data[0] = byte(t)
	data[1] = ProtocolVersion
	copy(data[HeaderSize:], payload)
	return data
}

// BuildOpenPortPayload builds an OPEN payload.
func BuildOpenPortPayload(name string) ([]byte, error) {
	if len(name) > MaxPortNameSize {
		return nil, ErrPortNameTooLong
	}
	data := make([]byte, 1+len(name))
	data[0] = uint8(len(name))
	copy(data[1:], name)
	return data, nil
}

// BuildModePayload builds a SET_MODE payload.
func BuildModePayload(m ModeRequest) []byte {
	data := make([]byte, ModeRequestSize)
	binary.LittleEndian.PutUint32(data[0:4], m.BaudRate)
	data[4] = m.DataBits
	data[5] = m.Parity
	data[6] = m.StopBits
	data[7] = m.InitialStatusBits
	return data
}

// BuildReadDataPayload builds a READ_DATA payload.
func BuildReadDataPayload(length, timeoutMs uint16) []byte {
	data := make([]byte, ReadDataRequestSize)
	binary.LittleEndian.PutUint16(data[0:2], length)
	binary.LittleEndian.PutUint16(data[2:4], timeoutMs)
	return data
}

// BuildWriteDataPayload builds a WRITE_DATA payload. Payloads longer than
// 65535 bytes cannot be described and are rejected.
func BuildWriteDataPayload(payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, ErrBufferFull
	}
	data := make([]byte, WriteDataHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(data[0:2], uint16(len(payload)))
	copy(data[WriteDataHeaderSize:], payload)
	return data, nil
}

// ParsePortList decodes the payload of a GET_PORT_LIST response
// (the bytes after the type tag).
func ParsePortList(data []byte) ([]string, error) {
	if len(data) < 1 {
		return nil, ErrPortListTooShort
	}
	count := int(data[0])
	names := make([]string, 0, count)
	offset := 1
	for range count {
		if offset >= len(data) {
			return nil, ErrPortListTooShort
		}
		n := int(data[offset])
		offset++
		if offset+n > len(data) {
			return nil, ErrPortListTooShort
		}
		names = append(names, string(data[offset:offset+n]))
		offset += n
	}
	return names, nil
}
