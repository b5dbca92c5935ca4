// Package session implements the per-client protocol state machine.
//
// A Session is either Closed (no port) or Open (exactly one owned port).
// Each inbound frame is handled to completion before the next one and
// produces exactly one outbound frame: an error frame, a success frame
// carrying only the type tag, or for ReadData and GetPortList a result
// frame. AsyncDataRead frames are pushed from the port's continuous read
// loop independently of the request/response cycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/uartbridge-go/core/codec"
	"github.com/kabili207/uartbridge-go/device/port"
	"github.com/kabili207/uartbridge-go/device/registry"
	"github.com/kabili207/uartbridge-go/transport"
)

const (
	// ReadResponseSize bounds a ReadData response, type tag included.
	ReadResponseSize = 512

	// MaxReadLength is the largest ReadData length that fits a response.
	MaxReadLength = ReadResponseSize - codec.TagSize - 1
)

var (
	ErrDecode          = errors.New("message decode error")
	ErrPortClosed      = errors.New("operation not allowed when port is closed")
	ErrPortAlreadyOpen = errors.New("port already open")
	ErrSetupFailed     = errors.New("port setup failed")
	ErrReadTooLarge    = errors.New("read request too large")
	ErrWriteShort      = errors.New("short write")
	ErrModeFailed      = errors.New("failed to change mode")
	ErrReleaseFailed   = errors.New("failed to release port")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrSessionClosed   = errors.New("session closed")
)

// Ports is the registry surface a session needs.
type Ports interface {
	Acquire(name string) (*port.Port, error)
	Release(p *port.Port) error
	Names() []string
}

// Compile-time interface check.
var _ Ports = (*registry.Registry)(nil)

// Config configures a Session.
type Config struct {
	// ID identifies the session in logs (remote address, client ID).
	ID string

	// Source is the transport serving the session.
	Source transport.Source

	// Ports arbitrates port ownership. Required.
	Ports Ports

	// Writer carries outbound frames to the client. Required.
	Writer transport.MessageWriter

	// Logger for session events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Session is the protocol state of one client connection.
type Session struct {
	cfg    Config
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	port    *port.Port
	mode    codec.ModeRequest
	hasMode bool
	closed  bool
	readBuf [ReadResponseSize]byte
}

// New creates a session in the Closed state.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:    cfg,
		log:    logger.WithGroup("session").With("id", cfg.ID, "source", cfg.Source.String()),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// IsOpen returns true while the session owns a port.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// PortName returns the owned port's name, or "" when Closed.
func (s *Session) PortName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ""
	}
	return s.port.Name()
}

// Mode returns the cached mode and whether a SetMode has been received.
func (s *Session) Mode() (codec.ModeRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.hasMode
}

// HandleMessage processes one inbound frame and writes its response.
// Empty frames are ignored. The returned error is non-nil only if the
// response could not be handed to the transport or the session is closed.
func (s *Session) HandleMessage(data []byte) error {
	msg, err := codec.ParseMessage(data)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	s.log.Debug("message received", "type", msg.Type.String(), "size", len(data))

	frame, err := s.dispatch(msg)
	if err != nil {
		text := errorText(err)
		s.log.Debug("request failed", "type", msg.Type.String(), "error", err)
		return s.cfg.Writer.WriteError(codec.EncodeError(msg.Type, text))
	}
	if frame == nil {
		frame = []byte{byte(msg.Type)}
	}
	return s.cfg.Writer.WriteMessage(frame, false)
}

// dispatch runs one request. A nil frame means a bare success response.
func (s *Session) dispatch(msg *codec.Message) ([]byte, error) {
	if s.port == nil {
		switch msg.Type {
		case codec.MessageTypeOpen, codec.MessageTypeSetMode, codec.MessageTypeGetPortList:
		default:
			return nil, ErrPortClosed
		}
	}

	switch msg.Type {
	case codec.MessageTypeAuthenticate:
		// Reserved.
		return nil, nil
	case codec.MessageTypeOpen:
		return nil, s.handleOpen(msg.Payload)
	case codec.MessageTypeClose:
		return nil, s.handleClose()
	case codec.MessageTypeSetMode:
		return nil, s.handleSetMode(msg.Payload)
	case codec.MessageTypeGetMode:
		// Reserved.
		return nil, nil
	case codec.MessageTypeReadData:
		return s.handleReadData(msg.Payload)
	case codec.MessageTypeStartAsyncDataRead:
		s.port.StartContinuousRead()
		return nil, nil
	case codec.MessageTypeAsyncDataRead:
		// Push-only; nothing to do when a client sends one.
		return nil, nil
	case codec.MessageTypeStopAsyncDataRead:
		s.port.StopContinuousRead()
		return nil, nil
	case codec.MessageTypeWriteData:
		return nil, s.handleWriteData(msg.Payload)
	case codec.MessageTypeGetPortList:
		return s.handleGetPortList()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, msg.Type)
	}
}

func (s *Session) handleOpen(payload []byte) error {
	if s.port != nil {
		return fmt.Errorf("%w: %s", ErrPortAlreadyOpen, s.port.Name())
	}
	req, err := codec.ParseOpenPortRequest(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	p, err := s.cfg.Ports.Acquire(req.PortName)
	if err != nil {
		return err
	}

	p.SetOnDataCallback(s.forwardAsync)
	if err := p.Init(); err != nil {
		s.releaseQuietly(p)
		return fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	if s.hasMode {
		if err := s.applyMode(p, s.mode); err != nil {
			s.releaseQuietly(p)
			return fmt.Errorf("%w: reapplying cached mode: %w", ErrSetupFailed, err)
		}
	}

	s.port = p
	s.log.Info("port opened", "port", p.Name())
	return nil
}

func (s *Session) handleClose() error {
	p := s.port
	s.port = nil
	if err := s.cfg.Ports.Release(p); err != nil {
		return fmt.Errorf("%w: %w", ErrReleaseFailed, err)
	}
	s.log.Info("port closed", "port", p.Name())
	return nil
}

func (s *Session) handleSetMode(payload []byte) error {
	req, err := codec.ParseModeRequest(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	s.mode = *req
	s.hasMode = true

	if s.port == nil {
		return nil
	}
	if err := s.applyMode(s.port, *req); err != nil {
		return fmt.Errorf("%w: %w", ErrModeFailed, err)
	}
	return nil
}

// applyMode attempts all four line settings even if some fail; settings
// that succeeded are not rolled back. Modem bits are applied last and
// never fail the mode.
func (s *Session) applyMode(p *port.Port, m codec.ModeRequest) error {
	var errs []error
	if err := p.SetBaudRate(m.BaudRate); err != nil {
		errs = append(errs, fmt.Errorf("baud rate: %w", err))
	}
	if err := p.SetDataBits(int(m.DataBits)); err != nil {
		errs = append(errs, fmt.Errorf("data bits: %w", err))
	}
	if err := p.SetParity(port.Parity(m.Parity)); err != nil {
		errs = append(errs, fmt.Errorf("parity: %w", err))
	}
	if err := p.SetStopBits(port.StopBits(m.StopBits)); err != nil {
		errs = append(errs, fmt.Errorf("stop bits: %w", err))
	}
	if err := p.SetModemBits(m.HasRTS(), m.HasDTR()); err != nil {
		s.log.Debug("modem bits not applied", "port", p.Name(), "error", err)
	}

	if len(errs) > 0 {
		s.log.Warn("mode partially applied", "port", p.Name(), "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	s.log.Debug("mode applied", "port", p.Name(), "baud", m.BaudRate,
		"data_bits", m.DataBits, "parity", port.Parity(m.Parity).String(),
		"stop_bits", port.StopBits(m.StopBits).String())
	return nil
}

func (s *Session) handleReadData(payload []byte) ([]byte, error) {
	req, err := codec.ParseReadDataRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if int(req.Length) > MaxReadLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrReadTooLarge, req.Length, MaxReadLength)
	}

	buf := s.readBuf[:codec.TagSize+int(req.Length)]
	buf[0] = byte(codec.MessageTypeReadData)
	timeout := time.Duration(req.Timeout) * time.Millisecond
	n, err := s.port.Read(s.ctx, buf[codec.TagSize:], timeout)
	if err != nil {
		return nil, err
	}
	return buf[:codec.TagSize+n], nil
}

func (s *Session) handleWriteData(payload []byte) error {
	req, err := codec.ParseWriteDataRequest(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	n, err := s.port.Write(req.Payload)
	if err != nil {
		return err
	}
	if n != len(req.Payload) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrWriteShort, n, len(req.Payload))
	}
	return nil
}

func (s *Session) handleGetPortList() ([]byte, error) {
	names := s.cfg.Ports.Names()
	enc := codec.NewEncoder(make([]byte, codec.PortListSize(names)), codec.MessageTypeGetPortList)
	_ = enc.WritePortListHeader(len(names))
	for _, name := range names {
		_ = enc.WritePortListEntry(name)
	}
	if err := enc.Err(); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

// forwardAsync is installed as the owned port's data callback. It reuses
// the frame's headroom byte for the type tag.
func (s *Session) forwardAsync(frame []byte) {
	frame[0] = byte(codec.MessageTypeAsyncDataRead)
	if err := s.cfg.Writer.WriteMessage(frame, true); err != nil {
		s.log.Debug("async data dropped", "bytes", len(frame)-port.ReservedHeadroom, "error", err)
	}
}

func (s *Session) releaseQuietly(p *port.Port) {
	if err := s.cfg.Ports.Release(p); err != nil {
		s.log.Warn("release after failed open", "port", p.Name(), "error", err)
	}
}

// Close cancels any in-flight read, releases the owned port and rejects
// further messages. It is safe to call more than once.
func (s *Session) Close() error {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.port == nil {
		return nil
	}
	p := s.port
	s.port = nil
	if err := s.cfg.Ports.Release(p); err != nil {
		return fmt.Errorf("%w: %w", ErrReleaseFailed, err)
	}
	s.log.Info("port released on session close", "port", p.Name())
	return nil
}

// Wire texts for error frames. Clients match on these strings.
const (
	TextDecodeError    = "MessageDecodeError"
	TextPortInUse      = "Port already inuse"
	TextPortNotFound   = "Port not found"
	TextPortOpen       = "Port already open"
	TextSetupFailed    = "Port setup failed"
	TextPortClosed     = "Operation not allowed when port is closed"
	TextReadFailed     = "Port read failed"
	TextWriteFailed    = "Port write failed"
	TextReadTooLarge   = "Port read request too large"
	TextModeFailed     = "Failed to change mode"
	TextReleaseFailed  = "Failed to release port"
	TextUnknownMessage = "unknown message"
	TextBusy           = "Request queue full"
)

var errorTexts = []struct {
	err  error
	text string
}{
	// Wrapping errors first so their cause does not pick the text.
	{ErrDecode, TextDecodeError},
	{ErrSetupFailed, TextSetupFailed},
	{ErrModeFailed, TextModeFailed},
	{ErrReleaseFailed, TextReleaseFailed},
	{registry.ErrPortInUse, TextPortInUse},
	{registry.ErrPortNotFound, TextPortNotFound},
	{ErrPortAlreadyOpen, TextPortOpen},
	{ErrPortClosed, TextPortClosed},
	{ErrReadTooLarge, TextReadTooLarge},
	{port.ErrReadFailed, TextReadFailed},
	{context.Canceled, TextReadFailed},
	{ErrWriteShort, TextWriteFailed},
	{port.ErrWriteFailed, TextWriteFailed},
	{ErrUnknownMessage, TextUnknownMessage},
}

// errorText maps an error to the text sent in its error frame.
func errorText(err error) string {
	for _, e := range errorTexts {
		if errors.Is(err, e.err) {
			return e.text
		}
	}
	return err.Error()
}
