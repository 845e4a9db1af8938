package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionguard/agent/internal/logging"
)

var log = logging.L("transport")

// envelope is the wire frame for both directions. Acknowledged requests
// carry an id; the coordinator answers with an "ack" envelope bearing the
// same id.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id,omitempty"`
}

const ackEvent = "ack"

// disconnectError carries the protocol-level reason a session ended.
type disconnectError struct {
	reason string
	err    error
}

func (e *disconnectError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *disconnectError) Unwrap() error { return e.err }

// session is one live link over a concrete wire transport.
type session interface {
	send(env envelope) error
	// receive blocks for the next inbound envelope. On link loss it returns
	// a *disconnectError describing the reason.
	receive() (envelope, error)
	close()
	name() string
}

// driver dials sessions over one concrete wire transport.
type driver interface {
	name() string
	connect(ctx context.Context, cfg Config) (session, error)
}

// managed is the Conn implementation: it owns one session at a time, retries
// drivers in order (websocket first, long-polling fallback), and reconnects
// with jittered exponential backoff up to Config.ReconnectAttempts per round.
type managed struct {
	cfg     Config
	sink    Sink
	drivers []driver

	mu      sync.Mutex
	sess    session
	dialing bool
	closed  bool

	kick chan struct{}
	done chan struct{}

	closeOnce sync.Once

	ackMu sync.Mutex
	acks  map[string]chan json.RawMessage
}

// NewDialer returns the production dialer: WebSocket with HTTP long-polling
// fallback.
func NewDialer() Dialer {
	return DialerFunc(func(cfg Config, sink Sink) (Conn, error) {
		cfg = cfg.withDefaults()
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("endpoint scheme must be http or https, got %q", u.Scheme)
		}

		m := &managed{
			cfg:     cfg,
			sink:    sink,
			drivers: []driver{&wsDriver{}, newPollDriver()},
			kick:    make(chan struct{}, 1),
			done:    make(chan struct{}),
			acks:    make(map[string]chan json.RawMessage),
		}
		go m.loop()
		return m, nil
	})
}

func (m *managed) loop() {
	first := true

	for {
		sess, attempt, ok := m.dialRound()
		if !ok {
			if m.isClosed() {
				return
			}
			log.Warn("reconnection round exhausted, waiting for watchdog", "attempts", m.cfg.ReconnectAttempts)
			select {
			case <-m.kick:
				continue
			case <-m.done:
				return
			}
		}

		m.setSession(sess)
		log.Info("connected", "wire", sess.name(), "attempt", attempt)
		if !first {
			m.sink.OnReconnect(attempt)
		}
		first = false
		m.sink.OnConnect()

		reason := m.readLoop(sess)
		m.setSession(nil)
		sess.close()
		m.failPendingAcks()

		if m.isClosed() {
			m.sink.OnDisconnect(ReasonClientDisconnect)
			return
		}
		log.Warn("disconnected", logging.KeyReason, reason)
		m.sink.OnDisconnect(reason)
	}
}

// dialRound runs one bounded round of connect attempts, trying each wire
// driver in order per attempt. Returns the established session and the
// attempt number that succeeded.
func (m *managed) dialRound() (session, int, bool) {
	delay := m.cfg.ReconnectDelay

	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		if m.isClosed() {
			return nil, 0, false
		}
		m.setDialing(true)

		sess, err := m.connectOnce()
		if err == nil {
			m.setDialing(false)
			return sess, attempt, true
		}

		m.setDialing(false)
		log.Warn("connect attempt failed", "attempt", attempt, logging.KeyError, err)
		m.sink.OnConnectError(err)

		select {
		case <-m.done:
			return nil, 0, false
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if delay > m.cfg.ReconnectDelayMax {
			delay = m.cfg.ReconnectDelayMax
		}
	}
	return nil, 0, false
}

func (m *managed) connectOnce() (session, error) {
	var lastErr error
	for _, d := range m.drivers {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		sess, err := d.connect(ctx, m.cfg)
		cancel()
		if err == nil {
			return sess, nil
		}
		lastErr = fmt.Errorf("%s: %w", d.name(), err)
		log.Debug("wire transport unavailable", "wire", d.name(), logging.KeyError, err)
	}
	return nil, lastErr
}

func (m *managed) readLoop(sess session) string {
	for {
		env, err := sess.receive()
		if err != nil {
			if m.isClosed() {
				return ReasonClientDisconnect
			}
			if de, ok := err.(*disconnectError); ok {
				return de.reason
			}
			return ReasonTransportClose
		}

		if env.Event == ackEvent && env.ID != "" {
			m.deliverAck(env.ID, env.Data)
			continue
		}
		m.sink.OnEvent(env.Event, env.Data)
	}
}

func (m *managed) Emit(event string, payload any) error {
	return m.emit(envelope{Event: event}, payload)
}

func (m *managed) emit(env envelope, payload any) error {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", env.Event, err)
		}
		env.Data = data
	}

	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("emit %s: not connected", env.Event)
	}
	return sess.send(env)
}

func (m *managed) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)

	m.ackMu.Lock()
	m.acks[id] = ch
	m.ackMu.Unlock()
	defer func() {
		m.ackMu.Lock()
		delete(m.acks, id)
		m.ackMu.Unlock()
	}()

	if err := m.emit(envelope{Event: event, ID: id}, payload); err != nil {
		return nil, err
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection lost before acknowledgment", event)
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, fmt.Errorf("%s: connection closed", event)
	}
}

func (m *managed) deliverAck(id string, data json.RawMessage) {
	m.ackMu.Lock()
	ch, ok := m.acks[id]
	if ok {
		delete(m.acks, id)
	}
	m.ackMu.Unlock()
	if ok {
		ch <- data
	}
}

// failPendingAcks unblocks requests waiting on a link that just dropped.
func (m *managed) failPendingAcks() {
	m.ackMu.Lock()
	for id, ch := range m.acks {
		close(ch)
		delete(m.acks, id)
	}
	m.ackMu.Unlock()
}

func (m *managed) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil
}

func (m *managed) Reconnect() {
	m.mu.Lock()
	idle := m.sess == nil && !m.dialing && !m.closed
	m.mu.Unlock()
	if !idle {
		return
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *managed) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		sess := m.sess
		m.mu.Unlock()

		close(m.done)
		if sess != nil {
			sess.close()
		}
		log.Info("connection closed")
	})
}

func (m *managed) setSession(sess session) {
	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()
}

func (m *managed) setDialing(v bool) {
	m.mu.Lock()
	m.dialing = v
	m.mu.Unlock()
}

func (m *managed) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// jitter randomizes a delay by ±30% so a fleet of agents does not
// reconnect in lockstep.
func jitter(d time.Duration) time.Duration {
	f := float64(d) * 0.3 * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + f)
	if result < 0 {
		return 0
	}
	return result
}
