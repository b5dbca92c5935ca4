// Package client talks to a uartbridge over its WebSocket endpoint.
//
// Requests are answered in order, so responses are matched to requests
// first-in first-out. AsyncDataRead pushes are not responses; they are
// delivered to the handlers registered with OnAsyncData.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/kabili207/uartbridge-go/core/codec"
)

const (
	// DefaultHandshakeTimeout bounds the WebSocket handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 5 * time.Second
)

// textReadFailed is the bridge's error text for a read that timed out.
const textReadFailed = "Port read failed"

var (
	ErrClosed             = errors.New("client closed")
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// RemoteError is an error frame returned by the bridge.
type RemoteError struct {
	Type codec.MessageType
	Text string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Text)
}

// Config holds the configuration for a Client.
type Config struct {
	// URL is the bridge endpoint, e.g. "ws://bridge.local:8080/ws".
	URL string
	// Username and Password are sent as HTTP Basic credentials when
	// Username is set.
	Username string
	Password string
	// HandshakeTimeout bounds the WebSocket handshake.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

type result struct {
	data []byte
	err  error
}

// Client is a connection to one bridge. Its methods are safe for
// concurrent use; concurrent requests are answered in the order they
// were sent.
type Client struct {
	cfg  Config
	conn *gws.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending []chan result
	async   []func([]byte)
	err     error
	done    chan struct{}
}

// Dial connects to a bridge.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("URL is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	header := http.Header{}
	if cfg.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		header.Set("Authorization", "Basic "+token)
	}

	dialer := gws.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (HTTP %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", cfg.URL, err)
	}

	c := &Client{
		cfg:  cfg,
		conn: conn,
		log:  cfg.Logger.WithGroup("client"),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnAsyncData registers a handler for AsyncDataRead pushes. Handlers run
// on the client's read goroutine; a slow handler delays responses.
func (c *Client) OnAsyncData(fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.async = append(c.async, fn)
}

// Open takes ownership of the named port.
func (c *Client) Open(ctx context.Context, name string) error {
	payload, err := codec.BuildOpenPortPayload(name)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, codec.MessageTypeOpen, payload)
	return err
}

// Close releases the owned port. The connection stays up.
func (c *Client) Close(ctx context.Context) error {
	_, err := c.request(ctx, codec.MessageTypeClose, nil)
	return err
}

// SetMode sends a line configuration. The bridge remembers it for later
// opens on this connection.
func (c *Client) SetMode(ctx context.Context, mode codec.ModeRequest) error {
	_, err := c.request(ctx, codec.MessageTypeSetMode, codec.BuildModePayload(mode))
	return err
}

// Read asks the bridge for exactly length bytes, waiting at most timeout for
// each hardware read. A short reply fails with a RemoteError and the partial
// data is lost; use ReadUpTo when the reply length is not known.
func (c *Client) Read(ctx context.Context, length int, timeout time.Duration) ([]byte, error) {
	if length < 0 || length > 0xFFFF {
		return nil, fmt.Errorf("read length %d out of range", length)
	}
	ms := timeout.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if ms > 0xFFFF {
		ms = 0xFFFF
	}
	return c.request(ctx, codec.MessageTypeReadData, codec.BuildReadDataPayload(uint16(length), uint16(ms)))
}

// ReadUpTo reads at most limit bytes one byte at a time and stops at the
// first read that times out. It returns whatever arrived before that.
func (c *Client) ReadUpTo(ctx context.Context, limit int, timeout time.Duration) ([]byte, error) {
	var out []byte
	for len(out) < limit {
		b, err := c.Read(ctx, 1, timeout)
		if err != nil {
			var rerr *RemoteError
			if errors.As(err, &rerr) && rerr.Text == textReadFailed {
				return out, nil
			}
			return out, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// Write sends p to the owned port.
func (c *Client) Write(ctx context.Context, p []byte) error {
	payload, err := codec.BuildWriteDataPayload(p)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, codec.MessageTypeWriteData, payload)
	return err
}

// StartAsyncRead enables AsyncDataRead pushes for the owned port.
func (c *Client) StartAsyncRead(ctx context.Context) error {
	_, err := c.request(ctx, codec.MessageTypeStartAsyncDataRead, nil)
	return err
}

// StopAsyncRead disables AsyncDataRead pushes.
func (c *Client) StopAsyncRead(ctx context.Context) error {
	_, err := c.request(ctx, codec.MessageTypeStopAsyncDataRead, nil)
	return err
}

// GetPortList returns the names of the bridge's ports.
func (c *Client) GetPortList(ctx context.Context) ([]string, error) {
	data, err := c.request(ctx, codec.MessageTypeGetPortList, nil)
	if err != nil {
		return nil, err
	}
	return codec.ParsePortList(data)
}

// Disconnect closes the WebSocket connection. Requests still waiting fail
// with ErrClosed.
func (c *Client) Disconnect() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(gws.CloseMessage,
		gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// request sends one request and waits for its response payload (the bytes
// after the type tag).
func (c *Client) request(ctx context.Context, t codec.MessageType, payload []byte) ([]byte, error) {
	ch := make(chan result, 1)

	c.writeMu.Lock()
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil, err
	}
	c.pending = append(c.pending, ch)
	c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err := c.conn.WriteMessage(gws.BinaryMessage, codec.BuildRequest(t, payload))
	c.writeMu.Unlock()
	if err != nil {
		// The queue can no longer be trusted; drop the connection.
		_ = c.conn.Close()
		return nil, fmt.Errorf("sending %s: %w", t, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if len(r.data) == 0 || codec.MessageType(r.data[0]) != t {
			return nil, fmt.Errorf("%w to %s: %x", ErrUnexpectedResponse, t, r.data)
		}
		return r.data[codec.TagSize:], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		switch mt {
		case gws.TextMessage:
			rerr := &RemoteError{}
			if len(data) > 0 {
				rerr.Type = codec.MessageType(data[0])
				rerr.Text = string(data[codec.TagSize:])
			}
			c.deliver(result{err: rerr})
		case gws.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			if codec.MessageType(data[0]) == codec.MessageTypeAsyncDataRead {
				c.push(data[codec.TagSize:])
				continue
			}
			c.deliver(result{data: data})
		}
	}
}

func (c *Client) deliver(r result) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		c.log.Warn("response without request", "error", r.err)
		return
	}
	ch := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()
	ch <- r
}

func (c *Client) push(data []byte) {
	c.mu.Lock()
	handlers := append([]func([]byte)(nil), c.async...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(data)
	}
}

// fail ends the connection and fails every waiting request.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = fmt.Errorf("%w: %w", ErrClosed, err)
	for _, ch := range c.pending {
		ch <- result{err: c.err}
	}
	c.pending = nil
}
