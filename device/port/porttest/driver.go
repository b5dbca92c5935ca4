// Package porttest provides an in-memory port.Driver for tests.
package porttest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabili207/uartbridge-go/device/port"
)

// Compile-time interface check.
var _ port.Driver = (*Driver)(nil)

// Settings is the line configuration last applied to a channel.
type Settings struct {
	BaudRate uint32
	DataBits int
	Parity   port.Parity
	StopBits port.StopBits
	RTS      bool
	DTR      bool
}

// Setting names accepted by FailOn.
const (
	SettingBaudRate  = "baud_rate"
	SettingDataBits  = "data_bits"
	SettingParity    = "parity"
	SettingStopBits  = "stop_bits"
	SettingModemBits = "modem_bits"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected failure")

// Driver is a scripted port.Driver. Reads are served from queued chunks;
// an empty queue behaves like a hardware timeout. Writes are recorded.
type Driver struct {
	mu         sync.Mutex
	installed  map[int]bool
	installs   map[int]int
	installErr error
	chunks     map[int][][]byte
	written    map[int][]byte
	writeLimit int
	writeErr   error
	settings   map[int]*Settings
	failOn     map[string]error
	maxIdle    time.Duration

	active   map[int]*atomic.Int32
	overlaps atomic.Int32
}

// NewDriver returns an empty driver.
func NewDriver() *Driver {
	return &Driver{
		installed: make(map[int]bool),
		installs:  make(map[int]int),
		chunks:    make(map[int][][]byte),
		written:   make(map[int][]byte),
		settings:  make(map[int]*Settings),
		failOn:    make(map[string]error),
		active:    make(map[int]*atomic.Int32),
		maxIdle:   2 * time.Millisecond,
	}
}

// FailInstall makes Install fail with err (nil clears it).
func (d *Driver) FailInstall(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.installErr = err
}

// FailOn makes the named setter fail with err (nil clears it).
func (d *Driver) FailOn(setting string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failOn, setting)
		return
	}
	d.failOn[setting] = err
}

// LimitWrites makes each Write accept at most n bytes (0 means unlimited).
func (d *Driver) LimitWrites(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeLimit = n
}

// FailWrites makes Write fail with err (nil clears it).
func (d *Driver) FailWrites(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErr = err
}

// Feed queues data to be returned by reads on channel. Each call is
// delivered as at most one read's worth of bytes.
func (d *Driver) Feed(channel int, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	chunk := make([]byte, len(data))
	copy(chunk, data)
	d.chunks[channel] = append(d.chunks[channel], chunk)
}

// Written returns everything written to channel so far.
func (d *Driver) Written(channel int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.written[channel]))
	copy(out, d.written[channel])
	return out
}

// Settings returns a copy of the channel's current settings.
func (d *Driver) Settings(channel int) Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.settings[channel]; ok {
		return *s
	}
	return Settings{}
}

// InstallCount returns how many times Install succeeded for channel.
func (d *Driver) InstallCount(channel int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installs[channel]
}

// Overlaps returns how many hardware calls started while another call on
// the same channel was still running.
func (d *Driver) Overlaps() int {
	return int(d.overlaps.Load())
}

func (d *Driver) Installed(channel int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installed[channel]
}

func (d *Driver) Install(channel int, _ port.Pins) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.installErr != nil {
		return d.installErr
	}
	d.installed[channel] = true
	d.installs[channel]++
	d.settings[channel] = &Settings{BaudRate: 115200, DataBits: 8}
	d.active[channel] = &atomic.Int32{}
	return nil
}

func (d *Driver) Read(channel int, buf []byte, timeout time.Duration) (int, error) {
	defer d.enter(channel)()

	d.mu.Lock()
	queue := d.chunks[channel]
	if len(queue) == 0 {
		d.mu.Unlock()
		wait := timeout
		if wait > d.maxIdle {
			wait = d.maxIdle
		}
		time.Sleep(wait)
		return 0, nil
	}

	n := copy(buf, queue[0])
	if n < len(queue[0]) {
		queue[0] = queue[0][n:]
	} else {
		d.chunks[channel] = queue[1:]
	}
	d.mu.Unlock()
	return n, nil
}

func (d *Driver) Write(channel int, buf []byte) (int, error) {
	defer d.enter(channel)()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return 0, d.writeErr
	}
	n := len(buf)
	if d.writeLimit > 0 && n > d.writeLimit {
		n = d.writeLimit
	}
	d.written[channel] = append(d.written[channel], buf[:n]...)
	return n, nil
}

func (d *Driver) SetBaudRate(channel int, baud uint32) error {
	return d.set(channel, SettingBaudRate, func(s *Settings) { s.BaudRate = baud })
}

func (d *Driver) SetDataBits(channel int, bits int) error {
	return d.set(channel, SettingDataBits, func(s *Settings) { s.DataBits = bits })
}

func (d *Driver) SetParity(channel int, parity port.Parity) error {
	return d.set(channel, SettingParity, func(s *Settings) { s.Parity = parity })
}

func (d *Driver) SetStopBits(channel int, stopBits port.StopBits) error {
	return d.set(channel, SettingStopBits, func(s *Settings) { s.StopBits = stopBits })
}

func (d *Driver) SetModemBits(channel int, rts, dtr bool) error {
	return d.set(channel, SettingModemBits, func(s *Settings) { s.RTS, s.DTR = rts, dtr })
}

func (d *Driver) set(channel int, name string, apply func(s *Settings)) error {
	defer d.enter(channel)()

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failOn[name]; err != nil {
		return err
	}
	s, ok := d.settings[channel]
	if !ok {
		return errors.New("channel not installed")
	}
	apply(s)
	return nil
}

// enter records an in-flight hardware call and returns its exit function.
func (d *Driver) enter(channel int) func() {
	d.mu.Lock()
	active, ok := d.active[channel]
	d.mu.Unlock()
	if !ok {
		return func() {}
	}
	if active.Add(1) > 1 {
		d.overlaps.Add(1)
	}
	return func() { active.Add(-1) }
}
