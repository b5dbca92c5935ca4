package port

import (
	"fmt"
	"time"
)

// Driver is the hardware abstraction a Port drives. Channels are numeric
// UART identifiers; a single Driver may serve several ports.
//
// Read returns (0, nil) when the timeout elapses without data.
type Driver interface {
	Installed(channel int) bool
	Install(channel int, pins Pins) error
	Read(channel int, buf []byte, timeout time.Duration) (int, error)
	Write(channel int, buf []byte) (int, error)
	SetBaudRate(channel int, baud uint32) error
	SetDataBits(channel int, bits int) error
	SetParity(channel int, parity Parity) error
	SetStopBits(channel int, stopBits StopBits) error
	SetModemBits(channel int, rts, dtr bool) error
}

// Pins is the RX/TX pin assignment of a UART channel. Host drivers that
// address devices by path ignore it.
type Pins struct {
	RX int
	TX int
}

func (p Pins) String() string {
	return fmt.Sprintf("rx=%d tx=%d", p.RX, p.TX)
}

// Parity is the parity mode of a UART channel. Values match the wire encoding.
type Parity uint8

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// IsValid reports whether p is a defined parity mode.
func (p Parity) IsValid() bool {
	return p <= ParitySpace
}

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	case ParityMark:
		return "mark"
	case ParitySpace:
		return "space"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// StopBits is the number of stop bits. Values match the wire encoding.
type StopBits uint8

const (
	StopBitsOne StopBits = iota
	StopBitsTwo
)

// IsValid reports whether s is a defined stop bit setting.
func (s StopBits) IsValid() bool {
	return s <= StopBitsTwo
}

func (s StopBits) String() string {
	switch s {
	case StopBitsOne:
		return "1"
	case StopBitsTwo:
		return "2"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
