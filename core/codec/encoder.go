package codec

import (
	"errors"
	"fmt"
)

const (
	// MaxPortListEntries is the largest port count a port list header can carry.
	MaxPortListEntries = 255
)

var (
	ErrBufferFull       = errors.New("encoder buffer full")
	ErrPortListTooShort = errors.New("port list too short")
)

// Encoder appends typed fields to a caller-provided buffer. It never grows
// the buffer: a write that does not fit fails with ErrBufferFull and leaves
// the encoder in an error state, so callers size buffers for the worst case
// and check Err once at the end.
type Encoder struct {
	buf []byte
	n   int
	err error
}

// NewEncoder starts a message of type t in buf.
func NewEncoder(buf []byte, t MessageType) *Encoder {
	e := &Encoder{buf: buf}
	_ = e.WriteByte(byte(t))
	return e
}

// WriteByte appends a single byte.
func (e *Encoder) WriteByte(b byte) error {
	if e.err != nil {
		return e.err
	}
	if e.n >= len(e.buf) {
		e.err = fmt.Errorf("%w: capacity %d", ErrBufferFull, len(e.buf))
		return e.err
	}
	e.buf[e.n] = b
	e.n++
	return nil
}

// Write appends p in full or not at all.
func (e *Encoder) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	if len(p) > len(e.buf)-e.n {
		e.err = fmt.Errorf("%w: need %d bytes, %d free", ErrBufferFull, len(p), len(e.buf)-e.n)
		return 0, e.err
	}
	copy(e.buf[e.n:], p)
	e.n += len(p)
	return len(p), nil
}

// WriteString appends the bytes of s.
func (e *Encoder) WriteString(s string) error {
	_, err := e.Write([]byte(s))
	return err
}

// WritePortListHeader appends the port count of a GET_PORT_LIST response.
func (e *Encoder) WritePortListHeader(count int) error {
	if count < 0 || count > MaxPortListEntries {
		e.err = fmt.Errorf("%w: %d ports", ErrBufferFull, count)
		return e.err
	}
	return e.WriteByte(byte(count))
}

// WritePortListEntry appends one length-prefixed port name.
func (e *Encoder) WritePortListEntry(name string) error {
	if len(name) > MaxPortNameSize {
		e.err = ErrPortNameTooLong
		return e.err
	}
	if e.err == nil && 1+len(name) > len(e.buf)-e.n {
		e.err = fmt.Errorf("%w: port name %q", ErrBufferFull, name)
		return e.err
	}
	if err := e.WriteByte(byte(len(name))); err != nil {
		return err
	}
	return e.WriteString(name)
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return e.n
}

// Bytes returns the encoded message. It aliases the buffer given to NewEncoder.
func (e *Encoder) Bytes() []byte {
	return e.buf[:e.n]
}

// Err returns the first error encountered, if any.
func (e *Encoder) Err() error {
	return e.err
}

// PortListSize returns the encoded size of a GET_PORT_LIST response for the
// given names, type tag included.
func PortListSize(names []string) int {
	size := TagSize + 1
	for _, n := range names {
		size += 1 + len(n)
	}
	return size
}

// EncodeError builds an error message: the type tag of the failed request
// followed by the UTF-8 error text.
func EncodeError(t MessageType, text string) []byte {
	data := make([]byte, TagSize+len(text))
	data[0] = byte(t)
	copy(data[TagSize:], text)
	return data
}
