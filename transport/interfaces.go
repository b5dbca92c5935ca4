// Package transport defines the interfaces shared by the transports that
// carry protocol frames between clients and sessions.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned when writing to a client whose connection is gone.
var ErrClosed = errors.New("transport closed")

// MessageWriter carries outbound frames of one session to its client.
// Implementations must copy msg before returning; callers reuse it.
type MessageWriter interface {
	// WriteMessage sends a response or push frame. With block set the call
	// waits for send capacity until the connection closes instead of
	// giving up after the transport's write timeout.
	WriteMessage(msg []byte, block bool) error
	// WriteError sends an error frame (type tag + text).
	WriteError(msg []byte) error
}

// Authenticator checks client credentials before a session is created.
type Authenticator interface {
	Authenticate(username, password string) bool
}

// Transport is the base interface for all transport implementations.
type Transport interface {
	// Start begins accepting clients. The provided context controls the
	// transport's lifetime.
	Start(ctx context.Context) error
	// Stop shuts the transport down and closes every session.
	Stop() error
	// IsConnected returns true while the transport is accepting clients.
	IsConnected() bool
	// SessionCount returns the number of live sessions.
	SessionCount() int
	// SetStateHandler sets the callback for transport state changes.
	SetStateHandler(fn StateHandler)
}

// StateHandler is called when the transport state changes.
type StateHandler func(transport Transport, event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport starts accepting clients.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport stops.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventClientJoined is fired when a session is created.
	EventClientJoined
	// EventClientLeft is fired when a session is closed.
	EventClientLeft
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventClientJoined:
		return "client_joined"
	case EventClientLeft:
		return "client_left"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Source indicates which transport a session is served by.
type Source int

const (
	// SourceWebSocket indicates a WebSocket connection.
	SourceWebSocket Source = iota
	// SourceMQTT indicates an MQTT client ID.
	SourceMQTT
)

func (s Source) String() string {
	switch s {
	case SourceWebSocket:
		return "websocket"
	case SourceMQTT:
		return "mqtt"
	default:
		return "unknown"
	}
}
