// Package transport owns the realtime duplex connection between the agent
// and the presence coordinator. It exposes one managed connection that
// dials the binary-stream (WebSocket) transport first, falls back to HTTP
// long-polling, and reconnects automatically with bounded backoff.
package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Config holds connection settings for the coordinator link.
type Config struct {
	// Endpoint is the coordinator base URL (http or https scheme).
	Endpoint string
	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration
	// ReconnectAttempts caps one automatic reconnection round. The engine's
	// watchdog can request further rounds after exhaustion.
	ReconnectAttempts int
	// ReconnectDelay is the initial backoff between reconnect attempts.
	ReconnectDelay time.Duration
	// ReconnectDelayMax caps the backoff.
	ReconnectDelayMax time.Duration
}

// DefaultConfig returns the connection settings used when a field is zero.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:          endpoint,
		ConnectTimeout:    10 * time.Second,
		ReconnectAttempts: 30,
		ReconnectDelay:    1 * time.Second,
		ReconnectDelayMax: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Endpoint)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = d.ReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ReconnectDelayMax < c.ReconnectDelay {
		c.ReconnectDelayMax = d.ReconnectDelayMax
	}
	return c
}

// Disconnect reasons reported to the Sink. The names are part of the wire
// contract with the coordinator and mirror its own vocabulary.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonPingTimeout      = "ping timeout"
)

// InvoluntaryDisconnect reports whether a disconnect reason indicates a drop
// the peer or network caused, as opposed to a local voluntary close.
func InvoluntaryDisconnect(reason string) bool {
	switch reason {
	case ReasonServerDisconnect, ReasonTransportClose, ReasonPingTimeout:
		return true
	}
	return false
}

// Sink receives lifecycle and protocol events from a connection. Calls are
// made from the connection's reader goroutine, one at a time, in arrival
// order.
type Sink interface {
	OnConnect()
	OnDisconnect(reason string)
	OnConnectError(err error)
	OnReconnect(attempt int)
	OnEvent(name string, data json.RawMessage)
}

// Conn is one managed duplex connection to the coordinator.
type Conn interface {
	// Emit sends a fire-and-forget protocol event.
	Emit(event string, payload any) error
	// Request sends an event and waits for the coordinator's acknowledgment.
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// Connected reports whether the link is currently up.
	Connected() bool
	// Reconnect asks a disconnected connection to start a new dial round.
	// No-op while connected or already dialing.
	Reconnect()
	// Close tears the connection down voluntarily. No reconnection follows.
	Close()
}

// Dialer opens managed connections. The engine takes this as an injected
// dependency so tests can substitute a fake coordinator link.
type Dialer interface {
	Dial(cfg Config, sink Sink) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(cfg Config, sink Sink) (Conn, error)

func (f DialerFunc) Dial(cfg Config, sink Sink) (Conn, error) {
	return f(cfg, sink)
}
