// Package port wraps a single UART channel.
//
// A Port exposes blocking reads and writes, independent line configuration
// setters and a continuous read mode. The continuous read mode is driven by
// one background goroutine per port, started by Init and kept alive until
// Shutdown. Every hardware call, foreground or background, is made while
// holding the port's hardware lock, so a foreground Read never competes with
// the background loop for incoming bytes.
package port

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ReservedHeadroom is the number of leading bytes of every frame passed to
	// a DataHandler that do not hold data. Callers may write a message type
	// tag there and forward the frame without copying.
	ReservedHeadroom = 1

	// DefaultReadBufferSize is the size of the continuous read buffer,
	// headroom included.
	DefaultReadBufferSize = 1024

	// DefaultPollTimeout bounds each hardware read made by the background loop.
	DefaultPollTimeout = 10 * time.Millisecond

	// DefaultLockWait bounds how long the background loop waits for the
	// hardware lock before re-checking its state.
	DefaultLockWait = 20 * time.Millisecond

	// DefaultIdleInterval is how long the background loop sleeps while
	// continuous read is disabled.
	DefaultIdleInterval = 100 * time.Millisecond

	// DefaultStopWait bounds how long StopContinuousRead waits for an
	// in-flight background read to finish.
	DefaultStopWait = time.Second
)

var (
	ErrDriverInstall   = errors.New("driver install failed")
	ErrNotReady        = errors.New("port not initialised")
	ErrReadFailed      = errors.New("port read failed")
	ErrWriteFailed     = errors.New("port write failed")
	ErrInvalidBaudRate = errors.New("invalid baud rate")
	ErrInvalidDataBits = errors.New("invalid data bits")
	ErrInvalidParity   = errors.New("invalid parity")
	ErrInvalidStopBits = errors.New("invalid stop bits")
	ErrShutdown        = errors.New("port shut down")
)

// DataHandler receives data read by the continuous read loop. frame holds
// ReservedHeadroom free bytes followed by the data. frame is only valid for
// the duration of the call.
type DataHandler func(frame []byte)

// Config configures a Port.
type Config struct {
	// Index is the port's position in its registry.
	Index int

	// Name is the fixed name clients use to address the port (e.g. "UART 0").
	Name string

	// Channel is the hardware channel number passed to the Driver.
	Channel int

	// Pins is the hardware pin assignment of the channel.
	Pins Pins

	// Driver performs the hardware calls. Required.
	Driver Driver

	// ReadBufferSize is the continuous read buffer size. Default: 1024.
	ReadBufferSize int

	// PollTimeout bounds each background hardware read. Default: 10ms.
	PollTimeout time.Duration

	// LockWait bounds each background lock attempt. Default: 20ms.
	LockWait time.Duration

	// IdleInterval is the background sleep while continuous read is off.
	// Default: 100ms.
	IdleInterval time.Duration

	// StopWait bounds StopContinuousRead's barrier. Default: 1s.
	StopWait time.Duration

	// Logger for port events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Port owns one hardware UART channel.
type Port struct {
	cfg      Config
	log      *slog.Logger
	counters Counters

	// hw is the hardware lock: a one-slot semaphore so that the background
	// loop and StopContinuousRead can bound their waits.
	hw chan struct{}

	initMu sync.Mutex
	ready  atomic.Bool

	continuous atomic.Bool

	mu     sync.RWMutex
	onData DataHandler

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a port. The channel is not touched until Init.
func New(cfg Config) *Port {
	if cfg.ReadBufferSize <= ReservedHeadroom {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultLockWait
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.StopWait <= 0 {
		cfg.StopWait = DefaultStopWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Port{
		cfg:  cfg,
		log:  logger.WithGroup("port").With("name", cfg.Name, "channel", cfg.Channel),
		hw:   make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Index returns the port's registry position.
func (p *Port) Index() int { return p.cfg.Index }

// Name returns the port's fixed name.
func (p *Port) Name() string { return p.cfg.Name }

// Channel returns the hardware channel number.
func (p *Port) Channel() int { return p.cfg.Channel }

// Pins returns the hardware pin assignment.
func (p *Port) Pins() Pins { return p.cfg.Pins }

// Counters returns the port's I/O counters.
func (p *Port) Counters() *Counters { return &p.counters }

// IsReady returns true once Init has succeeded.
func (p *Port) IsReady() bool { return p.ready.Load() }

// IsContinuous returns true while continuous read is enabled.
func (p *Port) IsContinuous() bool { return p.continuous.Load() }

// Init installs the hardware driver for the channel if needed and starts
// the background read loop. Only the first successful call does any work;
// later calls report success. A failed Init may be retried.
func (p *Port) Init() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.ready.Load() {
		return nil
	}
	select {
	case <-p.stop:
		return ErrShutdown
	default:
	}

	if !p.cfg.Driver.Installed(p.cfg.Channel) {
		if err := p.cfg.Driver.Install(p.cfg.Channel, p.cfg.Pins); err != nil {
			p.log.Warn("driver install failed", "error", err)
			return fmt.Errorf("%w: %w", ErrDriverInstall, err)
		}
	}

	p.done = make(chan struct{})
	go p.readLoop()
	p.ready.Store(true)

	p.log.Debug("port initialised", "pins", p.cfg.Pins.String())
	return nil
}

// Read blocks until len(buf) bytes have been read. Each hardware read is
// bounded by timeout. If any hardware read returns no data the whole read
// fails and the bytes gathered so far are discarded. ctx is checked between
// hardware reads and while waiting for the hardware lock.
func (p *Port) Read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if !p.ready.Load() {
		return 0, ErrNotReady
	}
	if err := p.lockContext(ctx); err != nil {
		return 0, err
	}
	defer p.unlock()

	off := 0
	for off < len(buf) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := p.cfg.Driver.Read(p.cfg.Channel, buf[off:], timeout)
		if err != nil {
			p.counters.ReadFailures.Add(1)
			return 0, fmt.Errorf("%w: %w", ErrReadFailed, err)
		}
		if n <= 0 {
			p.counters.ReadFailures.Add(1)
			p.log.Debug("read returned no data", "wanted", len(buf)-off)
			return 0, ErrReadFailed
		}
		off += n
	}

	p.counters.BytesRead.Add(uint64(off))
	return off, nil
}

// Write makes a single blocking hardware write and returns the number of
// bytes the hardware accepted.
func (p *Port) Write(buf []byte) (int, error) {
	if !p.ready.Load() {
		return 0, ErrNotReady
	}
	p.lock()
	defer p.unlock()

	n, err := p.cfg.Driver.Write(p.cfg.Channel, buf)
	if n > 0 {
		p.counters.BytesWritten.Add(uint64(n))
	}
	if err != nil {
		p.counters.WriteFailures.Add(1)
		return n, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if n != len(buf) {
		p.counters.WriteFailures.Add(1)
	}
	return n, nil
}

// SetBaudRate changes the channel's bit rate.
func (p *Port) SetBaudRate(baud uint32) error {
	if baud == 0 {
		return ErrInvalidBaudRate
	}
	return p.configure(func(d Driver, ch int) error { return d.SetBaudRate(ch, baud) })
}

// SetDataBits changes the character size (5, 6, 7 or 8).
func (p *Port) SetDataBits(bits int) error {
	if bits < 5 || bits > 8 {
		return fmt.Errorf("%w: %d", ErrInvalidDataBits, bits)
	}
	return p.configure(func(d Driver, ch int) error { return d.SetDataBits(ch, bits) })
}

// SetParity changes the parity mode.
func (p *Port) SetParity(parity Parity) error {
	if !parity.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidParity, parity)
	}
	return p.configure(func(d Driver, ch int) error { return d.SetParity(ch, parity) })
}

// SetStopBits changes the number of stop bits.
func (p *Port) SetStopBits(stopBits StopBits) error {
	if !stopBits.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidStopBits, stopBits)
	}
	return p.configure(func(d Driver, ch int) error { return d.SetStopBits(ch, stopBits) })
}

// SetModemBits drives the RTS and DTR output lines.
func (p *Port) SetModemBits(rts, dtr bool) error {
	return p.configure(func(d Driver, ch int) error { return d.SetModemBits(ch, rts, dtr) })
}

func (p *Port) configure(fn func(d Driver, ch int) error) error {
	if !p.ready.Load() {
		return ErrNotReady
	}
	p.lock()
	defer p.unlock()
	return fn(p.cfg.Driver, p.cfg.Channel)
}

// StartContinuousRead enables delivery of incoming data to the DataHandler.
func (p *Port) StartContinuousRead() {
	if !p.continuous.Swap(true) {
		p.log.Debug("continuous read started")
	}
}

// StopContinuousRead disables continuous read. It then waits, for at most
// the configured StopWait, for the hardware lock so that no background read
// is in flight when it returns.
func (p *Port) StopContinuousRead() {
	if !p.continuous.Swap(false) {
		return
	}
	if p.tryLock(p.cfg.StopWait) {
		p.unlock()
	} else {
		p.log.Warn("timed out waiting for continuous read to stop")
	}
	p.log.Debug("continuous read stopped")
}

// SetOnDataCallback installs the continuous read handler. nil disables delivery.
func (p *Port) SetOnDataCallback(fn DataHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onData = fn
}

func (p *Port) dataHandler() DataHandler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.onData
}

// Shutdown stops the background loop and waits for it to exit. The port
// cannot be initialised again afterwards.
func (p *Port) Shutdown() {
	p.stopOnce.Do(func() {
		p.initMu.Lock()
		close(p.stop)
		done := p.done
		p.initMu.Unlock()

		if done != nil {
			<-done
		}
	})
}

// readLoop polls the hardware while continuous read is enabled.
func (p *Port) readLoop() {
	defer close(p.done)

	buf := make([]byte, p.cfg.ReadBufferSize)
	idle := time.NewTimer(p.cfg.IdleInterval)
	defer idle.Stop()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		if !p.continuous.Load() {
			idle.Reset(p.cfg.IdleInterval)
			select {
			case <-p.stop:
				return
			case <-idle.C:
			}
			continue
		}

		if !p.tryLock(p.cfg.LockWait) {
			continue
		}
		// StopContinuousRead may have run its barrier while we waited.
		if !p.continuous.Load() {
			p.unlock()
			continue
		}

		n, err := p.cfg.Driver.Read(p.cfg.Channel, buf[ReservedHeadroom:], p.cfg.PollTimeout)
		if err != nil {
			p.unlock()
			p.log.Debug("continuous read error", "error", err)
			idle.Reset(p.cfg.IdleInterval)
			select {
			case <-p.stop:
				return
			case <-idle.C:
			}
			continue
		}

		if n > 0 {
			p.counters.AsyncChunks.Add(1)
			p.counters.AsyncBytes.Add(uint64(n))
			if handler := p.dataHandler(); handler != nil {
				handler(buf[:ReservedHeadroom+n])
			}
		}
		p.unlock()
	}
}

func (p *Port) lock() {
	p.hw <- struct{}{}
}

func (p *Port) lockContext(ctx context.Context) error {
	select {
	case p.hw <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Port) tryLock(wait time.Duration) bool {
	select {
	case p.hw <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case p.hw <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Port) unlock() {
	<-p.hw
}
