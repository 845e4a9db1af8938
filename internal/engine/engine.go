// Package engine implements the session-presence engine: it keeps one live
// presence channel to the coordinator, announces the (user, fingerprint,
// device info) tuple, drives the heartbeat, health-check, and reconnect
// watchdog cadences, and translates coordinator events into the typed
// callbacks the embedding application consumes. Duplicate-login detection
// is best-effort; logout always works.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/sessionguard/agent/internal/deviceinfo"
	"github.com/sessionguard/agent/internal/fingerprint"
	"github.com/sessionguard/agent/internal/health"
	"github.com/sessionguard/agent/internal/logging"
	"github.com/sessionguard/agent/internal/transport"
)

var log = logging.L("engine")

// Phase is the engine's connection lifecycle state.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
)

// Outbound protocol events.
const (
	evRegisterSession    = "register_session"
	evHeartbeat          = "heartbeat"
	evHealthCheck        = "health_check"
	evCheckDuplicates    = "check_duplicate_sessions"
	evLogout             = "logout"
	evPageRefreshPending = "page_refresh_pending"
)

// Inbound protocol events.
const (
	evDuplicateLoginDetected = "duplicate_login_detected"
	evDuplicateCheckResult   = "duplicate_sessions_check_result"
	evRefreshDetected        = "refresh_detected"
	evSessionRegistered      = "session_registered"
	evLogoutSuccess          = "logout_success"
	evLogoutError            = "logout_error"
)

// Fixed short delays in the protocol choreography.
const (
	// postConnectCheckDelay lets the coordinator settle a fresh connection
	// before we ask about other sessions.
	postConnectCheckDelay = 1500 * time.Millisecond
	// postRegisterCheckDelay follows a successful registration ack.
	postRegisterCheckDelay = time.Second
	// refreshRegisterDelay confirms continued liveness after the
	// coordinator flags a suspected page refresh.
	refreshRegisterDelay = 500 * time.Millisecond
	// pageSettleDelay follows a visibility/load signal before
	// re-announcing presence.
	pageSettleDelay = time.Second
	// logoutFlushDelay gives the logout message time to leave before
	// teardown.
	logoutFlushDelay = 500 * time.Millisecond
)

// Timings holds the periodic cadences of the liveness scheduler.
type Timings struct {
	Heartbeat        time.Duration
	HealthCheck      time.Duration
	Watchdog         time.Duration
	RegisterThrottle time.Duration
}

// DefaultTimings returns the production cadences.
func DefaultTimings() Timings {
	return Timings{
		Heartbeat:        15 * time.Second,
		HealthCheck:      20 * time.Second,
		Watchdog:         8 * time.Second,
		RegisterThrottle: 45 * time.Second,
	}
}

// FingerprintResolver is the capability the engine needs from the
// fingerprint layer: a resolution that never fails.
type FingerprintResolver interface {
	Resolve(ctx context.Context, userID string) string
}

// Health monitor component names.
const (
	compTransport    = "transport"
	compRegistration = "registration"
	compHeartbeat    = "heartbeat"
)

type presencePayload struct {
	UserID      string    `json:"userId"`
	Fingerprint string    `json:"fingerprint"`
	Timestamp   time.Time `json:"timestamp"`
}

type registerPayload struct {
	UserID      string                `json:"userId"`
	Fingerprint string                `json:"fingerprint"`
	DeviceInfo  deviceinfo.DeviceInfo `json:"deviceInfo"`
	Timestamp   time.Time             `json:"timestamp"`
}

type logoutPayload struct {
	UserID string `json:"userId"`
}

// Engine is the session-presence engine. One instance owns at most one
// transport connection and at most one active instance of each timer
// family. All dependencies are injected; zero-value options give the
// production wiring.
type Engine struct {
	dialer   transport.Dialer
	resolver FingerprintResolver
	clock    Clock
	device   func() deviceinfo.DeviceInfo
	timings  Timings
	tcfg     transport.Config
	monitor  *health.Monitor

	mu               sync.Mutex
	gen              uint64
	userID           string
	endpoint         string
	fp               string
	conn             transport.Conn
	phase            Phase
	attempts         int
	lastRegisteredAt time.Time
	cb               Callbacks
	heartbeatT       *timerFamily
	healthT          *timerFamily
	watchdogT        *timerFamily
	stopCh           chan struct{}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithDialer substitutes the transport dialer. Tests inject a fake
// coordinator link here.
func WithDialer(d transport.Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

// WithFingerprintResolver substitutes the fingerprint capability.
func WithFingerprintResolver(r FingerprintResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithClock substitutes the clock driving timer families and delays.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithDeviceInfo substitutes the device-info source. The source is called
// on demand, never cached, so it always reflects live host state.
func WithDeviceInfo(fn func() deviceinfo.DeviceInfo) Option {
	return func(e *Engine) { e.device = fn }
}

// WithTimings overrides the scheduler cadences.
func WithTimings(t Timings) Option {
	return func(e *Engine) { e.timings = t }
}

// WithTransportConfig sets connection tuning. The endpoint field is
// overridden per Initialize call.
func WithTransportConfig(cfg transport.Config) Option {
	return func(e *Engine) { e.tcfg = cfg }
}

// New creates an engine. Without options it uses the production transport
// dialer, the machine-id fingerprint provider with an on-disk store, the
// system clock, and live host device info.
func New(opts ...Option) *Engine {
	e := &Engine{
		dialer:  transport.NewDialer(),
		clock:   systemClock{},
		timings: DefaultTimings(),
		tcfg:    transport.DefaultConfig(""),
		monitor: health.NewMonitor(),
		phase:   PhaseIdle,
		device: func() deviceinfo.DeviceInfo {
			return deviceinfo.Collect("dev")
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = fingerprint.NewResolver(
			fingerprint.MachineID(),
			fingerprint.NewFileStore(afero.NewOsFs(), defaultStateDir()),
		)
	}
	return e
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "sessionguard")
	}
	return filepath.Join(os.TempDir(), "sessionguard")
}

// Health exposes the engine's component health monitor.
func (e *Engine) Health() *health.Monitor { return e.monitor }

// SetCallbacks installs handlers. Non-nil slots replace the current
// handler for that event; nil slots keep the existing one.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.mu.Lock()
	e.cb = e.cb.merge(cb)
	e.mu.Unlock()
}

// Initialize resolves the fingerprint and opens the presence channel for
// userID against the coordinator at endpoint. Returns false on invalid
// arguments or a rejected endpoint; returns true immediately when a
// connection attempt is already in flight so concurrent calls cannot open
// a second transport. Any prior connection is torn down first.
func (e *Engine) Initialize(userID, endpoint string) bool {
	if userID == "" || endpoint == "" {
		log.Error("initialize rejected, userId and endpoint are required")
		return false
	}

	e.mu.Lock()
	if e.phase == PhaseConnecting {
		e.mu.Unlock()
		log.Debug("connection attempt already in flight")
		return true
	}
	old := e.teardownLocked()
	e.userID = userID
	e.endpoint = endpoint
	e.phase = PhaseConnecting
	gen := e.gen
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}

	fp := e.resolver.Resolve(context.Background(), userID)

	e.mu.Lock()
	if e.gen != gen {
		// Cleaned up while the fingerprint probe ran.
		e.mu.Unlock()
		return false
	}
	e.fp = fp
	cfg := e.tcfg
	cfg.Endpoint = endpoint
	conn, err := e.dialer.Dial(cfg, &engineSink{e: e, gen: gen})
	if err != nil {
		e.phase = PhaseIdle
		e.attempts++
		onError := e.cb.OnError
		e.startWatchdogLocked()
		e.mu.Unlock()

		e.monitor.Update(compTransport, health.Unhealthy, err.Error())
		log.Error("failed to open presence channel", logging.KeyError, err)
		if onError != nil {
			onError(err)
		}
		return false
	}
	e.conn = conn
	e.mu.Unlock()

	log.Info("presence engine initialized", logging.KeyUserID, userID, "endpoint", endpoint)
	return true
}

// RegisterSession announces the (user, fingerprint, device info) tuple.
// Explicit calls bypass the re-registration throttle. If no transport
// exists but identity and endpoint are known, it self-heals by starting a
// fresh connection and returns false; registration retries on connect.
func (e *Engine) RegisterSession(userID string, info deviceinfo.DeviceInfo) bool {
	if userID == "" {
		log.Warn("registration skipped, no userId")
		return false
	}

	e.mu.Lock()
	conn := e.conn
	fp := e.fp
	endpoint := e.endpoint
	connecting := e.phase == PhaseConnecting
	e.mu.Unlock()

	if conn == nil || !conn.Connected() || fp == "" {
		if conn == nil && endpoint != "" && !connecting {
			log.Info("no live transport, re-initializing", logging.KeyUserID, userID)
			go e.Initialize(userID, endpoint)
		} else if conn != nil && !conn.Connected() {
			conn.Reconnect()
		}
		return false
	}

	now := e.clock.Now()
	err := conn.Emit(evRegisterSession, registerPayload{
		UserID:      userID,
		Fingerprint: fp,
		DeviceInfo:  info,
		Timestamp:   now,
	})
	if err != nil {
		log.Warn("session registration failed", logging.KeyError, err)
		e.monitor.Update(compRegistration, health.Degraded, err.Error())
		return false
	}

	e.mu.Lock()
	e.lastRegisteredAt = now
	e.mu.Unlock()
	e.monitor.Update(compRegistration, health.Healthy, "registered")
	log.Debug("session registration sent", logging.KeyUserID, userID)
	return true
}

// registerIfStale re-registers only when the throttle window has elapsed.
// Opportunistic triggers like the health check go through here so repeated
// acknowledgments within the window do not flood the coordinator.
func (e *Engine) registerIfStale() bool {
	e.mu.Lock()
	userID := e.userID
	last := e.lastRegisteredAt
	throttle := e.timings.RegisterThrottle
	e.mu.Unlock()

	if userID == "" {
		return false
	}
	if !last.IsZero() && e.clock.Now().Sub(last) < throttle {
		return false
	}
	return e.RegisterSession(userID, e.device())
}

// CheckForDuplicateSessions asks the coordinator whether other fingerprints
// are live for this account. No-op unless connected; the answer arrives as
// a duplicate_sessions_check_result event.
func (e *Engine) CheckForDuplicateSessions(userID string) {
	e.mu.Lock()
	conn := e.conn
	fp := e.fp
	e.mu.Unlock()

	if userID == "" || conn == nil || !conn.Connected() {
		return
	}
	err := conn.Emit(evCheckDuplicates, presencePayload{
		UserID:      userID,
		Fingerprint: fp,
		Timestamp:   e.clock.Now(),
	})
	if err != nil {
		log.Debug("duplicate-session query failed", logging.KeyError, err)
	}
}

// Logout announces the logout, drops the local identity immediately so no
// background task re-registers it, then tears the engine down once the
// message has had time to flush. Logout always proceeds client-side even
// when the coordinator is unreachable.
func (e *Engine) Logout(userID string) {
	e.mu.Lock()
	conn := e.conn
	gen := e.gen
	e.userID = ""
	e.mu.Unlock()

	if conn != nil && conn.Connected() {
		if err := conn.Emit(evLogout, logoutPayload{UserID: userID}); err != nil {
			log.Warn("logout message not delivered", logging.KeyError, err)
		}
	}
	log.Info("logout requested", logging.KeyUserID, userID)
	e.after(gen, logoutFlushDelay, e.Cleanup)
}

// Cleanup stops all timer families, releases the transport, and resets
// identity and connection state. Idempotent; safe to call when already
// clean.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	old := e.teardownLocked()
	e.userID = ""
	e.endpoint = ""
	e.fp = ""
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
	e.monitor.Update(compTransport, health.Unknown, "engine stopped")
	log.Info("presence engine cleaned up")
}

// teardownLocked invalidates the current generation, stops all timer
// families, and detaches the connection. The caller closes the returned
// connection outside the lock.
func (e *Engine) teardownLocked() transport.Conn {
	e.gen++
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
	e.stopTimerLocked(&e.heartbeatT)
	e.stopTimerLocked(&e.healthT)
	e.stopTimerLocked(&e.watchdogT)
	conn := e.conn
	e.conn = nil
	e.phase = PhaseIdle
	e.attempts = 0
	e.lastRegisteredAt = time.Time{}
	return conn
}

// after runs fn once d has elapsed, unless the generation it was scheduled
// under has been torn down in the meantime.
func (e *Engine) after(gen uint64, d time.Duration, fn func()) {
	e.mu.Lock()
	stop := e.stopCh
	live := gen == e.gen
	e.mu.Unlock()
	if !live || stop == nil {
		return
	}

	ch := e.clock.After(d)
	go func() {
		select {
		case <-stop:
		case <-ch:
			e.mu.Lock()
			live := gen == e.gen
			e.mu.Unlock()
			if live {
				fn()
			}
		}
	}()
}

func (e *Engine) afterNow(d time.Duration, fn func()) {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()
	e.after(gen, d, fn)
}
