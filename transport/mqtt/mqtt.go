// Package mqtt bridges protocol sessions over an MQTT broker.
//
// Each remote client picks a client ID and publishes request frames to
// "{prefix}/{clientID}/tx". The bridge runs one session per client ID and
// publishes responses and AsyncDataRead pushes to "{prefix}/{clientID}/rx"
// and error frames to "{prefix}/{clientID}/err". MQTT has no per-client
// connection, so a session is closed (and its port released) once its
// client has been silent for the idle timeout.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/uartbridge-go/core/codec"
	"github.com/kabili207/uartbridge-go/device/connection"
	"github.com/kabili207/uartbridge-go/device/session"
	"github.com/kabili207/uartbridge-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Bridge)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "uartbridge"

	// DefaultInboxSize is the number of requests buffered per client.
	DefaultInboxSize = 64

	// DefaultWriteTimeout bounds a non-blocking publish.
	DefaultWriteTimeout = 5 * time.Second

	topicRequest  = "tx"
	topicResponse = "rx"
	topicError    = "err"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrPublishTimeout = errors.New("timeout publishing to MQTT")
)

// Config holds the configuration for an MQTT bridge.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the bridge's own MQTT client identifier. If empty, a
	// random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "uartbridge").
	TopicPrefix string
	// QoS is used for subscriptions and publishes. Default: 1.
	QoS *byte
	// Ports is the port registry shared by all sessions. Required.
	Ports session.Ports
	// IdleTimeout closes sessions of silent clients. Default: 5 minutes.
	IdleTimeout time.Duration
	// InboxSize is the number of requests buffered per client.
	InboxSize int
	// WriteTimeout bounds non-blocking publishes. Default: 5 seconds.
	WriteTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// publishFunc publishes payload to topic. Without block it gives up after
// the write timeout; it always gives up once done is closed.
type publishFunc func(topic string, payload []byte, block bool, done <-chan struct{}) error

// Bridge implements transport.Transport over MQTT.
type Bridge struct {
	cfg     Config
	qos     byte
	client  paho.Client
	log     *slog.Logger
	tracker *connection.Manager
	publish publishFunc

	mu           sync.RWMutex
	connected    bool
	clients      map[string]*client
	stateHandler transport.StateHandler
}

// New creates a new MQTT bridge with the given configuration.
func New(cfg Config) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	qos := byte(1)
	if cfg.QoS != nil {
		qos = *cfg.QoS
	}

	b := &Bridge{
		cfg:     cfg,
		qos:     qos,
		log:     cfg.Logger.WithGroup("mqtt"),
		clients: make(map[string]*client),
		tracker: connection.NewManager(connection.ManagerConfig{
			IdleTimeout: cfg.IdleTimeout,
			Logger:      cfg.Logger,
		}),
	}
	b.publish = b.pahoPublish
	b.tracker.SetOnIdle(b.closeClient)
	return b
}

// Start connects to the MQTT broker and begins accepting client requests.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if b.cfg.Ports == nil {
		return errors.New("port registry is required")
	}

	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "uartbridge-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnected).
		SetConnectionLostHandler(b.onConnectionLost).
		SetReconnectingHandler(b.onReconnecting)

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
	}
	if b.cfg.Password != "" {
		opts.SetPassword(b.cfg.Password)
	}
	if b.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	cl := paho.NewClient(opts)
	b.mu.Lock()
	b.client = cl
	b.mu.Unlock()

	token := cl.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	go b.tracker.Start(ctx)
	go func() {
		<-ctx.Done()
		_ = b.Stop()
	}()
	return nil
}

// Stop closes every client session and disconnects from the broker.
func (b *Bridge) Stop() error {
	b.tracker.Stop()

	b.mu.Lock()
	ids := make([]string, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.closeClient(id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		if b.connected {
			b.client.Unsubscribe(b.requestFilter())
		}
		b.client.Disconnect(250)
		b.client = nil
		b.connected = false
	}
	return nil
}

// IsConnected returns true if the bridge is connected to the broker.
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && b.client != nil && b.client.IsConnected()
}

// SessionCount returns the number of live client sessions.
func (b *Bridge) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// SetStateHandler sets the callback for bridge state changes.
func (b *Bridge) SetStateHandler(fn transport.StateHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateHandler = fn
}

func (b *Bridge) requestFilter() string {
	return b.cfg.TopicPrefix + "/+/" + topicRequest
}

func (b *Bridge) clientTopic(id, kind string) string {
	return b.cfg.TopicPrefix + "/" + id + "/" + kind
}

// clientIDFromTopic extracts the client ID from a request topic.
func (b *Bridge) clientIDFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/"+topicRequest)
	if !ok || id == "" || strings.ContainsAny(id, "/+#") {
		return "", false
	}
	return id, true
}

func (b *Bridge) subscribe(cl paho.Client) {
	filter := b.requestFilter()
	cl.Subscribe(filter, b.qos, b.handleMessage)
	b.log.Debug("subscribed to request topic", "topic", filter)
}

// handleMessage runs on paho's delivery goroutine and must not block; it
// hands the frame to the client's worker.
func (b *Bridge) handleMessage(_ paho.Client, message paho.Message) {
	id, ok := b.clientIDFromTopic(message.Topic())
	if !ok {
		b.log.Debug("ignoring message on unexpected topic", "topic", message.Topic())
		return
	}
	b.tracker.Touch(id)

	c := b.getOrCreateClient(id)
	data := append([]byte(nil), message.Payload()...)
	select {
	case c.inbox <- data:
	case <-c.done:
	default:
		c.log.Warn("request dropped, inbox full")
		c.reject(data)
	}
}

func (b *Bridge) getOrCreateClient(id string) *client {
	b.mu.Lock()
	if c, ok := b.clients[id]; ok {
		b.mu.Unlock()
		return c
	}
	c := &client{
		id:     id,
		bridge: b,
		log:    b.log.With("client", id),
		inbox:  make(chan []byte, b.cfg.InboxSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	c.sess = session.New(session.Config{
		ID:     id,
		Source: transport.SourceMQTT,
		Ports:  b.cfg.Ports,
		Writer: c,
		Logger: b.cfg.Logger,
	})
	b.clients[id] = c
	handler := b.stateHandler
	b.mu.Unlock()

	go c.run()
	c.log.Info("client joined")
	if handler != nil {
		handler(b, transport.EventClientJoined)
	}
	return c
}

// closeClient ends a client's session and releases its port.
func (b *Bridge) closeClient(id string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	handler := b.stateHandler
	b.mu.Unlock()
	if !ok {
		return
	}

	b.tracker.Remove(id)
	close(c.done)
	if err := c.sess.Close(); err != nil {
		c.log.Warn("session close failed", "error", err)
	}
	<-c.exited
	c.log.Info("client left")
	if handler != nil {
		handler(b, transport.EventClientLeft)
	}
}

func (b *Bridge) pahoPublish(topic string, payload []byte, block bool, done <-chan struct{}) error {
	b.mu.RLock()
	cl := b.client
	b.mu.RUnlock()
	if cl == nil || !cl.IsConnected() {
		return ErrNotConnected
	}

	token := cl.Publish(topic, b.qos, false, payload)

	var timeout <-chan time.Time
	if !block {
		timer := time.NewTimer(b.cfg.WriteTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-token.Done():
		return token.Error()
	case <-done:
		return transport.ErrClosed
	case <-timeout:
		return ErrPublishTimeout
	}
}

func (b *Bridge) onConnected(cl paho.Client) {
	b.mu.Lock()
	b.connected = true
	handler := b.stateHandler
	b.mu.Unlock()

	b.subscribe(cl)
	b.log.Info("connected to MQTT broker", "broker", b.cfg.Broker)

	if handler != nil {
		handler(b, transport.EventConnected)
	}
}

func (b *Bridge) onConnectionLost(_ paho.Client, err error) {
	b.mu.Lock()
	b.connected = false
	handler := b.stateHandler
	b.mu.Unlock()

	b.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(b, transport.EventDisconnected)
	}
}

func (b *Bridge) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	b.mu.RLock()
	handler := b.stateHandler
	b.mu.RUnlock()

	b.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(b, transport.EventReconnecting)
	}
}

// client is one remote client ID and the MessageWriter of its session.
type client struct {
	id     string
	bridge *Bridge
	log    *slog.Logger
	sess   *session.Session
	inbox  chan []byte
	done   chan struct{}
	exited chan struct{}
}

// Compile-time interface check.
var _ transport.MessageWriter = (*client)(nil)

// run handles the client's requests in arrival order.
func (c *client) run() {
	defer close(c.exited)
	for {
		select {
		case <-c.done:
			return
		case data := <-c.inbox:
			if err := c.sess.HandleMessage(data); err != nil {
				c.log.Debug("response not delivered", "error", err)
			}
		}
	}
}

// reject answers a request that could not be queued. Frames the session
// would ignore get no answer either.
func (c *client) reject(data []byte) {
	msg, err := codec.ParseMessage(data)
	if err != nil {
		return
	}
	if err := c.WriteError(codec.EncodeError(msg.Type, session.TextBusy)); err != nil {
		c.log.Debug("busy error not delivered", "error", err)
	}
}

func (c *client) WriteMessage(msg []byte, block bool) error {
	payload := append([]byte(nil), msg...)
	return c.bridge.publish(c.bridge.clientTopic(c.id, topicResponse), payload, block, c.done)
}

func (c *client) WriteError(msg []byte) error {
	payload := append([]byte(nil), msg...)
	return c.bridge.publish(c.bridge.clientTopic(c.id, topicError), payload, false, c.done)
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
