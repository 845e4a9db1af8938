package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	wsPath = "/api/v1/presence/ws"
)

// wsDriver dials the primary binary-stream transport.
type wsDriver struct{}

func (d *wsDriver) name() string { return "websocket" }

func (d *wsDriver) connect(ctx context.Context, cfg Config) (session, error) {
	wsURL, err := buildWSURL(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	s := &wsSession{
		conn: conn,
		done: make(chan struct{}),
	}
	go s.pingLoop()
	return s, nil
}

func buildWSURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = wsPath

	return u.String(), nil
}

type wsSession struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSession) name() string { return "websocket" }

func (s *wsSession) send(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (s *wsSession) receive() (envelope, error) {
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			return envelope{}, &disconnectError{reason: wsCloseReason(err), err: err}
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn("failed to parse message", "error", err)
			continue
		}
		if env.Event == "" {
			// Coordinator keepalive or malformed frame; not a protocol event.
			continue
		}
		return env, nil
	}
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		s.writeMu.Unlock()

		s.conn.Close()
	})
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// wsCloseReason maps a read error to a protocol disconnect reason.
func wsCloseReason(err error) string {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ReasonPingTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ReasonServerDisconnect
	}
	return ReasonTransportClose
}
