// Package connection tracks activity of clients that have no connection of
// their own, such as MQTT client IDs.
//
// The Manager records when each client was last heard from and fires an
// idle callback once a client has been silent for longer than the
// configured timeout. Transports use the callback to close the client's
// session and release its port.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultIdleTimeout is how long a client may stay silent before it is
	// considered gone.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultCheckInterval is the resolution of the timeout check loop.
	DefaultCheckInterval = time.Second
)

// ClientState tracks a client's activity.
type ClientState struct {
	ID       string
	Joined   time.Time
	LastSeen time.Time
}

// ManagerConfig configures a connection Manager.
type ManagerConfig struct {
	// IdleTimeout is how long a client may be silent. Default: 5 minutes.
	IdleTimeout time.Duration

	// CheckInterval is how often Start checks for idle clients.
	// Default: 1 second.
	CheckInterval time.Duration

	// Logger for connection events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Manager tracks clients and detects idle ones.
type Manager struct {
	cfg     ManagerConfig
	log     *slog.Logger
	mu      sync.Mutex
	clients map[string]*ClientState
	onIdle  func(id string)
	cancel  context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewManager creates a connection manager with the given configuration.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		log:     logger.WithGroup("connection"),
		clients: make(map[string]*ClientState),
		nowFn:   time.Now,
	}
}

// SetOnIdle sets the callback invoked when a client times out.
func (m *Manager) SetOnIdle(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIdle = fn
}

// Touch records activity for a client, registering it if unknown. It
// returns true if the client was not tracked before.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	if c, ok := m.clients[id]; ok {
		c.LastSeen = now
		return false
	}
	m.clients[id] = &ClientState{ID: id, Joined: now, LastSeen: now}
	return true
}

// Remove stops tracking a client. The idle callback is NOT called.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, id)
}

// IsTracked returns true if the client is currently tracked.
func (m *Manager) IsTracked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clients[id]
	return ok
}

// Count returns the number of tracked clients.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Clients returns a copy of every tracked client's state.
func (m *Manager) Clients() []ClientState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClientState, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, *c)
	}
	return out
}

// CheckTimeouts removes clients idle for longer than the timeout and
// fires the idle callback for each of them.
func (m *Manager) CheckTimeouts() {
	m.mu.Lock()
	now := m.nowFn()

	var idle []string
	for id, c := range m.clients {
		if now.Sub(c.LastSeen) > m.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	for _, id := range idle {
		delete(m.clients, id)
	}

	onIdle := m.onIdle
	m.mu.Unlock()

	// Fire callbacks outside the lock
	for _, id := range idle {
		m.log.Debug("client idle", "client", id)
		if onIdle != nil {
			onIdle(id)
		}
	}
}

// Start begins the periodic timeout check loop. Blocks until the context
// is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckTimeouts()
		}
	}
}

// Stop cancels the manager's context, stopping the timeout check loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
