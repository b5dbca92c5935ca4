// Package uart implements port.Driver on top of go.bug.st/serial, so that
// channels map to host serial devices (USB adapters, on-board UARTs).
package uart

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/uartbridge-go/device/port"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ port.Driver = (*Driver)(nil)

// DefaultBaudRate is the line rate a channel is opened with.
const DefaultBaudRate = 115200

var (
	ErrUnknownChannel = errors.New("no device configured for channel")
	ErrNotInstalled   = errors.New("channel not installed")
)

// Device is the subset of serial.Port the driver uses.
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	SetRTS(rts bool) error
	SetDTR(dtr bool) error
}

// OpenFunc opens the device at path with the given mode.
type OpenFunc func(path string, mode *serial.Mode) (Device, error)

// Config holds the configuration for a Driver.
type Config struct {
	// Devices maps channel numbers to device paths (e.g. 1 -> "/dev/ttyUSB0").
	Devices map[int]string
	// BaudRate is the initial line rate. Defaults to 115200.
	BaudRate int
	// Open opens a device. Defaults to serial.Open.
	Open OpenFunc
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

type channel struct {
	path    string
	dev     Device
	mode    serial.Mode
	timeout time.Duration
}

// Driver drives one host serial device per channel. Calls for the same
// channel must be serialized by the caller; port.Port does this.
type Driver struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	channels map[int]*channel
}

// New creates a driver. No device is opened until Install.
func New(cfg Config) *Driver {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Open == nil {
		cfg.Open = openSerial
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{
		cfg:      cfg,
		log:      cfg.Logger.WithGroup("uart"),
		channels: make(map[int]*channel),
	}
}

func openSerial(path string, mode *serial.Mode) (Device, error) {
	return serial.Open(path, mode)
}

// Installed returns true if the channel's device is open.
func (d *Driver) Installed(ch int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.channels[ch]
	return ok
}

// Install opens the channel's device at 8N1 and the configured baud rate.
// Pins are not used by host devices.
func (d *Driver) Install(ch int, pins port.Pins) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.channels[ch]; ok {
		return nil
	}
	path, ok := d.cfg.Devices[ch]
	if !ok || path == "" {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}

	mode := serial.Mode{
		BaudRate: d.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	dev, err := d.cfg.Open(path, &mode)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}

	// serial.Open leaves the device blocking, so the first Read must always
	// push its timeout down.
	d.channels[ch] = &channel{path: path, dev: dev, mode: mode, timeout: serial.NoTimeout}
	d.log.Info("device opened", "channel", ch, "device", path, "baud", mode.BaudRate, "pins", pins.String())
	return nil
}

func (d *Driver) get(ch int) (*channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.channels[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotInstalled, ch)
	}
	return c, nil
}

// Read reads into buf, waiting at most timeout. It returns (0, nil) when
// the timeout elapses with no data.
func (d *Driver) Read(ch int, buf []byte, timeout time.Duration) (int, error) {
	c, err := d.get(ch)
	if err != nil {
		return 0, err
	}
	if timeout != c.timeout {
		if err := c.dev.SetReadTimeout(timeout); err != nil {
			return 0, fmt.Errorf("setting read timeout: %w", err)
		}
		c.timeout = timeout
	}
	return c.dev.Read(buf)
}

// Write makes one write call on the channel's device.
func (d *Driver) Write(ch int, buf []byte) (int, error) {
	c, err := d.get(ch)
	if err != nil {
		return 0, err
	}
	return c.dev.Write(buf)
}

func (d *Driver) SetBaudRate(ch int, baud uint32) error {
	return d.setMode(ch, func(m *serial.Mode) error {
		m.BaudRate = int(baud)
		return nil
	})
}

func (d *Driver) SetDataBits(ch int, bits int) error {
	return d.setMode(ch, func(m *serial.Mode) error {
		m.DataBits = bits
		return nil
	})
}

func (d *Driver) SetParity(ch int, parity port.Parity) error {
	return d.setMode(ch, func(m *serial.Mode) error {
		p, ok := parityModes[parity]
		if !ok {
			return fmt.Errorf("unsupported parity %s", parity)
		}
		m.Parity = p
		return nil
	})
}

func (d *Driver) SetStopBits(ch int, stopBits port.StopBits) error {
	return d.setMode(ch, func(m *serial.Mode) error {
		s, ok := stopBitModes[stopBits]
		if !ok {
			return fmt.Errorf("unsupported stop bits %s", stopBits)
		}
		m.StopBits = s
		return nil
	})
}

// SetModemBits drives RTS and DTR. Both lines are attempted.
func (d *Driver) SetModemBits(ch int, rts, dtr bool) error {
	c, err := d.get(ch)
	if err != nil {
		return err
	}
	var errs []error
	if err := c.dev.SetRTS(rts); err != nil {
		errs = append(errs, fmt.Errorf("setting RTS: %w", err))
	}
	if err := c.dev.SetDTR(dtr); err != nil {
		errs = append(errs, fmt.Errorf("setting DTR: %w", err))
	}
	return errors.Join(errs...)
}

// setMode applies one change to a copy of the channel's mode and keeps it
// only if the device accepted it.
func (d *Driver) setMode(ch int, change func(m *serial.Mode) error) error {
	c, err := d.get(ch)
	if err != nil {
		return err
	}
	mode := c.mode
	if err := change(&mode); err != nil {
		return err
	}
	if err := c.dev.SetMode(&mode); err != nil {
		return fmt.Errorf("setting mode on %s: %w", c.path, err)
	}
	c.mode = mode
	d.log.Debug("mode changed", "channel", ch,
		"baud", mode.BaudRate, "data_bits", mode.DataBits,
		"parity", mode.Parity, "stop_bits", mode.StopBits)
	return nil
}

// Close closes every open device.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for ch, c := range d.channels {
		if err := c.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", c.path, err))
		}
		delete(d.channels, ch)
	}
	return errors.Join(errs...)
}

var parityModes = map[port.Parity]serial.Parity{
	port.ParityNone:  serial.NoParity,
	port.ParityOdd:   serial.OddParity,
	port.ParityEven:  serial.EvenParity,
	port.ParityMark:  serial.MarkParity,
	port.ParitySpace: serial.SpaceParity,
}

var stopBitModes = map[port.StopBits]serial.StopBits{
	port.StopBitsOne: serial.OneStopBit,
	port.StopBitsTwo: serial.TwoStopBits,
}

// ListDevices returns the serial device paths present on the host.
func ListDevices() ([]string, error) {
	return serial.GetPortsList()
}
