// Package websocket serves protocol sessions over WebSocket connections.
//
// Each connection gets its own session. Binary frames from the client are
// requests; responses and AsyncDataRead pushes go back as binary frames
// and error frames go back as text frames. Outbound frames pass through a
// bounded per-connection queue drained by a writer goroutine, which is
// where backpressure from slow clients is applied.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/kabili207/uartbridge-go/device/registry"
	"github.com/kabili207/uartbridge-go/device/session"
	"github.com/kabili207/uartbridge-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Server)(nil)

const (
	DefaultAddr         = ":8080"
	DefaultPath         = "/ws"
	DefaultStatusPath   = "/api/ports"
	DefaultSendQueue    = 64
	DefaultWriteTimeout = 5 * time.Second
	DefaultPingInterval = 30 * time.Second

	// DefaultReadLimit fits the largest WriteData request.
	DefaultReadLimit = 1 << 17
)

// ErrSendTimeout is returned when a non-blocking write finds the queue full
// for longer than the write timeout.
var ErrSendTimeout = errors.New("send queue full")

// Registry is what the server needs from the port registry.
type Registry interface {
	session.Ports
	Status() []registry.PortStatus
}

// Config holds the configuration for a WebSocket server.
type Config struct {
	// Addr is the listen address. Defaults to ":8080".
	Addr string
	// Path is the WebSocket endpoint. Defaults to "/ws".
	Path string
	// StatusPath serves the port status as JSON. Defaults to "/api/ports".
	StatusPath string
	// Ports is the port registry shared by all sessions. Required.
	Ports Registry
	// Auth gates the upgrade with HTTP Basic credentials. Nil disables it.
	Auth transport.Authenticator
	// SendQueue is the number of outbound frames buffered per connection.
	SendQueue int
	// WriteTimeout bounds non-blocking sends and each socket write.
	WriteTimeout time.Duration
	// PingInterval is the keep-alive ping period. The peer must answer
	// within twice this interval.
	PingInterval time.Duration
	// ReadLimit is the largest accepted inbound frame.
	ReadLimit int64
	// CheckOrigin validates the Origin header. Defaults to allowing all.
	CheckOrigin func(r *http.Request) bool
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Server accepts WebSocket clients and runs one session per connection.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader gws.Upgrader

	mu           sync.Mutex
	conns        map[*conn]struct{}
	httpServer   *http.Server
	listener     net.Listener
	running      bool
	stopped      bool
	stateHandler transport.StateHandler
	wg           sync.WaitGroup
}

// New creates a server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = DefaultStatusPath
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.WithGroup("websocket"),
		upgrader: gws.Upgrader{CheckOrigin: cfg.CheckOrigin},
		conns:    make(map[*conn]struct{}),
	}
}

// Handler returns the HTTP handler serving the WebSocket and status
// endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	mux.HandleFunc(s.cfg.StatusPath, s.handleStatus)
	return mux
}

// Start listens on the configured address and serves until ctx is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Ports == nil {
		return errors.New("port registry is required")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.running = true
	handler := s.stateHandler
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	s.log.Info("listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	if handler != nil {
		handler(s, transport.EventConnected)
	}
	return nil
}

// Addr returns the listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every connection, and waits for their
// sessions to release their ports.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	wasRunning := s.running
	s.running = false
	srv := s.httpServer
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	handler := s.stateHandler
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		err = srv.Shutdown(ctx)
		cancel()
	}
	for _, c := range conns {
		c.shutdown()
	}
	s.wg.Wait()

	if wasRunning {
		s.log.Info("stopped")
		if handler != nil {
			handler(s, transport.EventDisconnected)
		}
	}
	return err
}

// IsConnected returns true while the server is listening.
func (s *Server) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SessionCount returns the number of open connections.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SetStateHandler sets the callback for server state changes.
func (s *Server) SetStateHandler(fn transport.StateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateHandler = fn
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth != nil {
		user, pw, ok := r.BasicAuth()
		if !ok || !s.cfg.Auth.Authenticate(user, pw) {
			s.log.Debug("login rejected", "remote", r.RemoteAddr, "user", user)
			w.Header().Set("WWW-Authenticate", `Basic realm="uartbridge"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s, ws, r.RemoteAddr)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	handler := s.stateHandler
	s.mu.Unlock()

	s.log.Info("client connected", "remote", r.RemoteAddr)
	if handler != nil {
		handler(s, transport.EventClientJoined)
	}

	go c.writeLoop()
	go s.serveConn(c)
}

// serveConn feeds inbound frames to the connection's session until the
// socket fails, then tears the connection down.
func (s *Server) serveConn(c *conn) {
	defer s.wg.Done()
	defer s.removeConn(c)

	c.ws.SetReadLimit(s.cfg.ReadLimit)
	pongWait := 2 * s.cfg.PingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				c.log.Debug("read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if mt != gws.BinaryMessage {
			c.log.Debug("ignoring non-binary frame", "type", mt)
			continue
		}
		if err := c.sess.HandleMessage(data); err != nil {
			c.log.Debug("response not delivered", "error", err)
			return
		}
	}
}

func (s *Server) removeConn(c *conn) {
	// Unblock pending pushes before the session waits on its port.
	c.shutdown()
	if err := c.sess.Close(); err != nil {
		c.log.Warn("session close failed", "error", err)
	}
	<-c.writerDone

	s.mu.Lock()
	delete(s.conns, c)
	handler := s.stateHandler
	s.mu.Unlock()

	c.log.Info("client disconnected")
	if handler != nil {
		handler(s, transport.EventClientLeft)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Auth != nil {
		user, pw, ok := r.BasicAuth()
		if !ok || !s.cfg.Auth.Authenticate(user, pw) {
			w.Header().Set("WWW-Authenticate", `Basic realm="uartbridge"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cfg.Ports.Status()); err != nil {
		s.log.Debug("status write failed", "error", err)
	}
}

// outbound is one queued frame.
type outbound struct {
	messageType int
	data        []byte
}

// conn is one client connection and the MessageWriter of its session.
type conn struct {
	srv        *Server
	ws         *gws.Conn
	log        *slog.Logger
	sess       *session.Session
	send       chan outbound
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

// Compile-time interface check.
var _ transport.MessageWriter = (*conn)(nil)

func newConn(s *Server, ws *gws.Conn, remote string) *conn {
	c := &conn{
		srv:        s,
		ws:         ws,
		log:        s.log.With("remote", remote),
		send:       make(chan outbound, s.cfg.SendQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.sess = session.New(session.Config{
		ID:     remote,
		Source: transport.SourceWebSocket,
		Ports:  s.cfg.Ports,
		Writer: c,
		Logger: s.cfg.Logger,
	})
	return c
}

// WriteMessage queues a binary frame.
func (c *conn) WriteMessage(msg []byte, block bool) error {
	return c.enqueue(outbound{gws.BinaryMessage, append([]byte(nil), msg...)}, block)
}

// WriteError queues a text frame.
func (c *conn) WriteError(msg []byte) error {
	return c.enqueue(outbound{gws.TextMessage, append([]byte(nil), msg...)}, false)
}

func (c *conn) enqueue(f outbound, block bool) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	if block {
		select {
		case c.send <- f:
			return nil
		case <-c.done:
			return transport.ErrClosed
		}
	}

	timer := time.NewTimer(c.srv.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return transport.ErrClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// writeLoop drains the send queue and keeps the connection alive with
// pings. It closes the socket when the connection shuts down.
func (c *conn) writeLoop() {
	defer close(c.writerDone)
	defer c.ws.Close()

	ping := time.NewTicker(c.srv.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(gws.CloseMessage,
				gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(f.messageType, f.data); err != nil {
				c.log.Debug("write failed", "error", err)
				c.shutdown()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(gws.PingMessage, nil, time.Now().Add(c.srv.cfg.WriteTimeout)); err != nil {
				c.log.Debug("ping failed", "error", err)
				c.shutdown()
				return
			}
		}
	}
}

// shutdown marks the connection closed and closes the socket so that the
// read loop returns.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.UnderlyingConn().SetReadDeadline(time.Now())
	})
}
