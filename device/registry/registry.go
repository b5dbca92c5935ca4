// Package registry holds the fixed set of ports and arbitrates exclusive
// ownership of them between sessions.
//
// Ports are registered once at construction and never added or removed;
// only their ownership changes. Acquire is an atomic test-and-set under the
// registry lock, so of two sessions racing for the same port exactly one
// wins.
package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/kabili207/uartbridge-go/device/port"
)

var (
	ErrPortNotFound = errors.New("port not found")
	ErrPortInUse    = errors.New("port already in use")
	ErrNotOwned     = errors.New("port not owned")
)

// Spec describes one port to register.
type Spec struct {
	Name    string
	Channel int
	Pins    port.Pins
}

// DefaultSpecs is the stock three-port layout.
var DefaultSpecs = []Spec{
	{Name: "UART 0", Channel: 0, Pins: port.Pins{RX: 0, TX: 0}},
	{Name: "UART 1", Channel: 1, Pins: port.Pins{RX: 9, TX: 10}},
	{Name: "UART 2", Channel: 2, Pins: port.Pins{RX: 16, TX: 17}},
}

// Config configures a Registry.
type Config struct {
	// Ports is the fixed port set, in registry order.
	Ports []*port.Port

	// Logger for ownership events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type slotState uint8

const (
	slotFree slotState = iota
	slotOwned
	// slotReleasing is held while Release tears the port down. The port is
	// still in use and cannot be released again.
	slotReleasing
)

// Registry arbitrates single-owner access to a fixed set of ports.
type Registry struct {
	log   *slog.Logger
	ports []*port.Port

	mu    sync.Mutex
	state []slotState
}

// New creates a registry over the given ports.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ports := make([]*port.Port, len(cfg.Ports))
	copy(ports, cfg.Ports)
	return &Registry{
		log:   logger.WithGroup("registry"),
		ports: ports,
		state: make([]slotState, len(ports)),
	}
}

// FromSpecs builds one port per spec, all driven by drv, and returns a
// registry over them. base is applied to every port; its Index, Name,
// Channel, Pins and Driver are overwritten.
func FromSpecs(specs []Spec, drv port.Driver, base port.Config, logger *slog.Logger) *Registry {
	ports := make([]*port.Port, 0, len(specs))
	for i, s := range specs {
		cfg := base
		cfg.Index = i
		cfg.Name = s.Name
		cfg.Channel = s.Channel
		cfg.Pins = s.Pins
		cfg.Driver = drv
		if cfg.Logger == nil {
			cfg.Logger = logger
		}
		ports = append(ports, port.New(cfg))
	}
	return New(Config{Ports: ports, Logger: logger})
}

// Acquire marks the named port as owned and returns it. It fails with
// ErrPortNotFound for an unknown name and ErrPortInUse if another session
// owns the port.
func (r *Registry) Acquire(name string) (*port.Port, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.ports {
		if p.Name() != name {
			continue
		}
		if r.state[i] != slotFree {
			r.log.Debug("port busy", "port", name)
			return nil, ErrPortInUse
		}
		r.state[i] = slotOwned
		r.log.Info("port acquired", "port", name)
		return p, nil
	}
	return nil, ErrPortNotFound
}

// Release stops the port's continuous read, clears its callback and then
// clears ownership. Releasing a port that is not owned, or that another
// Release is already tearing down, returns ErrNotOwned and changes nothing.
func (r *Registry) Release(p *port.Port) error {
	i := r.indexOf(p)
	if i < 0 {
		return ErrPortNotFound
	}

	r.mu.Lock()
	if r.state[i] != slotOwned {
		r.mu.Unlock()
		return ErrNotOwned
	}
	r.state[i] = slotReleasing
	r.mu.Unlock()

	// Stopping may wait for an in-flight background read, so it runs
	// without the registry lock held.
	p.StopContinuousRead()
	p.SetOnDataCallback(nil)

	r.mu.Lock()
	r.state[i] = slotFree
	r.mu.Unlock()

	r.log.Info("port released", "port", p.Name())
	return nil
}

func (r *Registry) indexOf(p *port.Port) int {
	for i, q := range r.ports {
		if q == p {
			return i
		}
	}
	return -1
}

// IsOwned reports whether the named port currently has an owner.
func (r *Registry) IsOwned(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.ports {
		if p.Name() == name {
			return r.state[i] != slotFree
		}
	}
	return false
}

// Ports returns the registered ports in registry order.
func (r *Registry) Ports() []*port.Port {
	out := make([]*port.Port, len(r.ports))
	copy(out, r.ports)
	return out
}

// Names returns the port names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.ports))
	for i, p := range r.ports {
		names[i] = p.Name()
	}
	return names
}

// PortStatus is a point-in-time view of one port.
type PortStatus struct {
	Index      int                   `json:"index"`
	Name       string                `json:"name"`
	Channel    int                   `json:"channel"`
	Owned      bool                  `json:"owned"`
	Ready      bool                  `json:"ready"`
	Continuous bool                  `json:"continuous"`
	Counters   port.CountersSnapshot `json:"counters"`
}

// Status returns the status of every port in registry order.
func (r *Registry) Status() []PortStatus {
	r.mu.Lock()
	owned := make([]bool, len(r.state))
	for i, st := range r.state {
		owned[i] = st != slotFree
	}
	r.mu.Unlock()

	out := make([]PortStatus, len(r.ports))
	for i, p := range r.ports {
		out[i] = PortStatus{
			Index:      p.Index(),
			Name:       p.Name(),
			Channel:    p.Channel(),
			Owned:      owned[i],
			Ready:      p.IsReady(),
			Continuous: p.IsContinuous(),
			Counters:   p.Counters().Snapshot(),
		}
	}
	return out
}

// Shutdown stops every port's background loop. Call it once no session
// can reach the registry any more.
func (r *Registry) Shutdown() {
	for _, p := range r.ports {
		p.Shutdown()
	}
}
