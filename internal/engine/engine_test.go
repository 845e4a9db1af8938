package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sessionguard/agent/internal/deviceinfo"
	"github.com/sessionguard/agent/internal/transport"
)

const (
	testUser        = "user-1"
	testEndpoint    = "http://coordinator.local"
	testFingerprint = "fp-0123456789abcdef"
)

// fakeClock drives timer families and delays deterministically.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c        chan time.Time
	deadline time.Time
	period   time.Duration // zero for one-shot After timers
	stopped  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: make(chan time.Time, 1), deadline: c.now.Add(d)}
	c.timers = append(c.timers, t)
	return t.c
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: make(chan time.Time, 1), deadline: c.now.Add(d), period: d}
	c.timers = append(c.timers, t)
	return &fakeTickerHandle{clock: c, t: t}
}

type fakeTickerHandle struct {
	clock *fakeClock
	t     *fakeTimer
}

func (h *fakeTickerHandle) C() <-chan time.Time { return h.t.c }

func (h *fakeTickerHandle) Stop() {
	h.clock.mu.Lock()
	h.t.stopped = true
	h.clock.mu.Unlock()
}

// Advance moves the clock forward, firing every timer whose deadline has
// passed. Missed ticker fires coalesce like time.Ticker's.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	for _, t := range c.timers {
		for !t.stopped && !t.deadline.After(now) {
			select {
			case t.c <- now:
			default:
			}
			if t.period == 0 {
				t.stopped = true
				break
			}
			t.deadline = t.deadline.Add(t.period)
		}
	}
	c.mu.Unlock()
}

type fakeResolver struct{ fp string }

func (r fakeResolver) Resolve(ctx context.Context, userID string) string { return r.fp }

type emitMsg struct {
	event   string
	payload any
}

type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	reconnects int
	ackData    json.RawMessage

	emits    chan emitMsg
	requests chan emitMsg
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		emits:    make(chan emitMsg, 64),
		requests: make(chan emitMsg, 16),
	}
}

func (c *fakeConn) Emit(event string, payload any) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return errors.New("not connected")
	}
	c.emits <- emitMsg{event: event, payload: payload}
	return nil
}

func (c *fakeConn) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	c.requests <- emitMsg{event: event, payload: payload}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ackData == nil {
		return nil, errors.New("no acknowledgment configured")
	}
	return c.ackData, nil
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Reconnect() {
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeConn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeConn) setAck(data string) {
	c.mu.Lock()
	c.ackData = json.RawMessage(data)
	c.mu.Unlock()
}

func (c *fakeConn) reconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	failNext bool
	conns    []*fakeConn
	sinks    []transport.Sink
}

func (d *fakeDialer) Dial(cfg transport.Config, sink transport.Sink) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		d.failNext = false
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.sinks = append(d.sinks, sink)
	return c, nil
}

func (d *fakeDialer) last() (*fakeConn, transport.Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, nil
	}
	return d.conns[len(d.conns)-1], d.sinks[len(d.sinks)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func testDevice() deviceinfo.DeviceInfo {
	return deviceinfo.DeviceInfo{
		Browser:   "TestShell",
		OS:        "TestOS",
		Device:    "unit",
		UserAgent: "test-agent/0",
	}
}

func newTestEngine(opts ...Option) (*Engine, *fakeDialer, *fakeClock) {
	clock := newFakeClock()
	dialer := &fakeDialer{}
	base := []Option{
		WithDialer(dialer),
		WithClock(clock),
		WithFingerprintResolver(fakeResolver{fp: testFingerprint}),
		WithDeviceInfo(testDevice),
	}
	e := New(append(base, opts...)...)
	return e, dialer, clock
}

// connectEngine initializes the engine, completes the connect handshake,
// and drains the initial registration emit.
func connectEngine(t *testing.T, e *Engine, d *fakeDialer) (*fakeConn, transport.Sink) {
	t.Helper()
	if !e.Initialize(testUser, testEndpoint) {
		t.Fatal("Initialize returned false")
	}
	conn, sink := d.last()
	if conn == nil {
		t.Fatal("no connection dialed")
	}
	conn.setConnected(true)
	sink.OnConnect()
	expectEmit(t, conn, evRegisterSession)
	return conn, sink
}

// settle consumes the post-connect duplicate check so later assertions see
// a quiet wire.
func settle(t *testing.T, conn *fakeConn, clock *fakeClock) {
	t.Helper()
	clock.Advance(postConnectCheckDelay)
	expectEmit(t, conn, evCheckDuplicates)
}

func expectEmit(t *testing.T, conn *fakeConn, event string) emitMsg {
	t.Helper()
	select {
	case m := <-conn.emits:
		if m.event != event {
			t.Fatalf("emitted %q, want %q", m.event, event)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s emit", event)
		panic("unreachable")
	}
}

func expectNoEmit(t *testing.T, conn *fakeConn) {
	t.Helper()
	select {
	case m := <-conn.emits:
		t.Fatalf("unexpected %q emit", m.event)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectRequest(t *testing.T, conn *fakeConn, event string) {
	t.Helper()
	select {
	case m := <-conn.requests:
		if m.event != event {
			t.Fatalf("requested %q, want %q", m.event, event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s request", event)
	}
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitializeValidatesArguments(t *testing.T) {
	e, dialer, _ := newTestEngine()
	if e.Initialize("", testEndpoint) {
		t.Error("Initialize accepted empty userId")
	}
	if e.Initialize(testUser, "") {
		t.Error("Initialize accepted empty endpoint")
	}
	if dialer.count() != 0 {
		t.Errorf("dialed %d times, want 0", dialer.count())
	}
}

func TestSecondInitializeWhileConnectingOpensNoSecondTransport(t *testing.T) {
	e, dialer, _ := newTestEngine()
	if !e.Initialize(testUser, testEndpoint) {
		t.Fatal("first Initialize returned false")
	}
	// Still connecting: no connect event has arrived yet.
	if !e.Initialize(testUser, testEndpoint) {
		t.Error("second Initialize while connecting should report success")
	}
	if dialer.count() != 1 {
		t.Errorf("dialed %d times, want 1", dialer.count())
	}
}

func TestInitializeTearsDownPriorConnection(t *testing.T) {
	e, dialer, _ := newTestEngine()
	first, _ := connectEngine(t, e, dialer)

	if !e.Initialize("user-2", testEndpoint) {
		t.Fatal("re-Initialize returned false")
	}
	if !first.isClosed() {
		t.Error("prior connection was not closed")
	}
	if dialer.count() != 2 {
		t.Errorf("dialed %d times, want 2", dialer.count())
	}
}

func TestConnectRegistersThenChecksDuplicates(t *testing.T) {
	e, dialer, clock := newTestEngine()

	var connected bool
	e.SetCallbacks(Callbacks{OnConnect: func() { connected = true }})

	if !e.Initialize(testUser, testEndpoint) {
		t.Fatal("Initialize returned false")
	}
	conn, sink := dialer.last()
	conn.setConnected(true)
	sink.OnConnect()

	m := expectEmit(t, conn, evRegisterSession)
	reg, ok := m.payload.(registerPayload)
	if !ok {
		t.Fatalf("register payload type %T", m.payload)
	}
	if reg.UserID != testUser || reg.Fingerprint != testFingerprint {
		t.Errorf("register payload = %+v", reg)
	}
	if reg.DeviceInfo.Browser != "TestShell" {
		t.Errorf("device info not attached: %+v", reg.DeviceInfo)
	}
	if !connected {
		t.Error("OnConnect was not invoked")
	}

	clock.Advance(postConnectCheckDelay)
	m = expectEmit(t, conn, evCheckDuplicates)
	check, ok := m.payload.(presencePayload)
	if !ok {
		t.Fatalf("check payload type %T", m.payload)
	}
	if check.Fingerprint != testFingerprint {
		t.Errorf("check fingerprint = %q", check.Fingerprint)
	}
}

func TestHeartbeatCadence(t *testing.T) {
	e, dialer, clock := newTestEngine()
	conn, _ := connectEngine(t, e, dialer)
	settle(t, conn, clock)

	clock.Advance(e.timings.Heartbeat - postConnectCheckDelay)
	m := expectEmit(t, conn, evHeartbeat)
	hb, ok := m.payload.(presencePayload)
	if !ok {
		t.Fatalf("heartbeat payload type %T", m.payload)
	}
	if hb.UserID != testUser || hb.Fingerprint != testFingerprint {
		t.Errorf("heartbeat payload = %+v", hb)
	}
}

func TestHealthCheckThrottlesReRegistration(t *testing.T) {
	// Park the heartbeat so only health-check traffic shows on the wire.
	e, dialer, clock := newTestEngine(WithTimings(Timings{
		Heartbeat:        time.Hour,
		HealthCheck:      20 * time.Second,
		Watchdog:         8 * time.Second,
		RegisterThrottle: 45 * time.Second,
	}))
	conn, _ := connectEngine(t, e, dialer)
	conn.setAck(`{"status":"ok"}`)
	settle(t, conn, clock)

	// 20s and 40s after registration: inside the window, no re-register.
	clock.Advance(20*time.Second - postConnectCheckDelay)
	expectRequest(t, conn, evHealthCheck)
	expectNoEmit(t, conn)

	clock.Advance(20 * time.Second)
	expectRequest(t, conn, evHealthCheck)
	expectNoEmit(t, conn)

	// 60s after registration: window elapsed, re-register and re-query.
	clock.Advance(20 * time.Second)
	expectRequest(t, conn, evHealthCheck)
	expectEmit(t, conn, evRegisterSession)
	expectEmit(t, conn, evCheckDuplicates)
}

func TestHealthCheckDetectsDownTransport(t *testing.T) {
	e, dialer, clock := newTestEngine(WithTimings(Timings{
		Heartbeat:        time.Hour,
		HealthCheck:      20 * time.Second,
		Watchdog:         8 * time.Second,
		RegisterThrottle: 45 * time.Second,
	}))
	conn, _ := connectEngine(t, e, dialer)
	settle(t, conn, clock)

	conn.setConnected(false)
	clock.Advance(20 * time.Second)
	waitUntil(t, func() bool { return conn.reconnectCount() >= 1 }, "reconnect request")

	// The watchdog keeps kicking while the link stays down.
	before := conn.reconnectCount()
	clock.Advance(8 * time.Second)
	waitUntil(t, func() bool { return conn.reconnectCount() > before }, "watchdog reconnect")
}

func TestDuplicateLoginInvokedExactlyOncePerEvent(t *testing.T) {
	e, dialer, _ := newTestEngine()

	var mu sync.Mutex
	var got []DuplicateLogin
	e.SetCallbacks(Callbacks{OnDuplicateLogin: func(d DuplicateLogin) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
	}})

	conn, sink := connectEngine(t, e, dialer)
	_ = conn

	sink.OnEvent(evDuplicateLoginDetected, json.RawMessage(`{"message":"seen elsewhere"}`))
	sink.OnEvent(evDuplicateCheckResult, json.RawMessage(`{"hasDuplicates":true}`))
	sink.OnEvent(evDuplicateCheckResult, json.RawMessage(`{"hasDuplicates":false}`))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("OnDuplicateLogin invoked %d times, want 2", len(got))
	}
	if got[0].Message != "seen elsewhere" {
		t.Errorf("first message = %q", got[0].Message)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp default was not applied")
	}
	if got[0].DeviceInfo.Browser != "TestShell" {
		t.Error("device info default was not applied")
	}
	if got[1].Message == "" {
		t.Error("synthesized duplicate payload has no message")
	}
}

func TestRefreshDetectedNeverSurfacesDuplicate(t *testing.T) {
	e, dialer, clock := newTestEngine()

	var duplicates int
	e.SetCallbacks(Callbacks{OnDuplicateLogin: func(DuplicateLogin) { duplicates++ }})

	conn, sink := connectEngine(t, e, dialer)
	settle(t, conn, clock)

	sink.OnEvent(evRefreshDetected, nil)
	clock.Advance(refreshRegisterDelay)
	expectEmit(t, conn, evRegisterSession)

	if duplicates != 0 {
		t.Errorf("refresh_detected surfaced %d duplicate events", duplicates)
	}
}

func TestSessionRegisteredSuccessHeartbeatsAndChecks(t *testing.T) {
	e, dialer, clock := newTestEngine()

	var results []RegistrationResult
	e.SetCallbacks(Callbacks{OnSessionRegistered: func(r RegistrationResult) {
		results = append(results, r)
	}})

	conn, sink := connectEngine(t, e, dialer)
	settle(t, conn, clock)

	sink.OnEvent(evSessionRegistered, json.RawMessage(`{"success":true}`))
	expectEmit(t, conn, evHeartbeat)

	clock.Advance(postRegisterCheckDelay)
	expectEmit(t, conn, evCheckDuplicates)

	if len(results) != 1 || !results[0].Success {
		t.Fatalf("OnSessionRegistered results = %+v", results)
	}
}

func TestSessionRegisteredFailureIsForwarded(t *testing.T) {
	e, dialer, _ := newTestEngine()

	var results []RegistrationResult
	e.SetCallbacks(Callbacks{OnSessionRegistered: func(r RegistrationResult) {
		results = append(results, r)
	}})

	conn, sink := connectEngine(t, e, dialer)
	sink.OnEvent(evSessionRegistered, json.RawMessage(`{"success":false,"message":"rejected"}`))

	if len(results) != 1 || results[0].Success || results[0].Message != "rejected" {
		t.Fatalf("OnSessionRegistered results = %+v", results)
	}
	expectNoEmit(t, conn)
}

func TestInvoluntaryDisconnectReconnectsWithSameFingerprint(t *testing.T) {
	e, dialer, clock := newTestEngine()

	var reasons []string
	e.SetCallbacks(Callbacks{OnDisconnect: func(r string) { reasons = append(reasons, r) }})

	conn, sink := connectEngine(t, e, dialer)
	settle(t, conn, clock)

	conn.setConnected(false)
	sink.OnDisconnect(transport.ReasonTransportClose)

	if len(reasons) != 1 || reasons[0] != transport.ReasonTransportClose {
		t.Fatalf("OnDisconnect reasons = %v", reasons)
	}
	if conn.reconnectCount() < 1 {
		t.Error("involuntary disconnect did not request reconnect")
	}

	before := conn.reconnectCount()
	clock.Advance(8 * time.Second)
	waitUntil(t, func() bool { return conn.reconnectCount() > before }, "watchdog reconnect")

	// Reconnect succeeds: registration repeats with the unchanged
	// fingerprint so the coordinator merges, not duplicates, the session.
	conn.setConnected(true)
	sink.OnReconnect(3)
	m := expectEmit(t, conn, evRegisterSession)
	reg := m.payload.(registerPayload)
	if reg.Fingerprint != testFingerprint {
		t.Errorf("fingerprint after reconnect = %q, want %q", reg.Fingerprint, testFingerprint)
	}
}

func TestVoluntaryDisconnectDoesNotReconnect(t *testing.T) {
	e, dialer, clock := newTestEngine()
	conn, sink := connectEngine(t, e, dialer)
	settle(t, conn, clock)

	conn.setConnected(false)
	sink.OnDisconnect(transport.ReasonClientDisconnect)

	// Short of the health-check cadence: the heartbeat tick fires but must
	// not try to repair a voluntarily closed link.
	clock.Advance(15 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if n := conn.reconnectCount(); n != 0 {
		t.Errorf("voluntary disconnect triggered %d reconnect requests", n)
	}
}

func TestConnectErrorStartsWatchdog(t *testing.T) {
	e, dialer, clock := newTestEngine()

	var errs []error
	e.SetCallbacks(Callbacks{OnError: func(err error) { errs = append(errs, err) }})

	conn, sink := connectEngine(t, e, dialer)
	settle(t, conn, clock)

	conn.setConnected(false)
	sink.OnConnectError(errors.New("refused"))

	if len(errs) != 1 {
		t.Fatalf("OnError invoked %d times, want 1", len(errs))
	}
	if st := e.Status(); st.ConnectionAttempts != 1 {
		t.Errorf("ConnectionAttempts = %d, want 1", st.ConnectionAttempts)
	}

	clock.Advance(8 * time.Second)
	waitUntil(t, func() bool { return conn.reconnectCount() >= 1 }, "watchdog reconnect")
}

func TestLogoutEmitsThenStopsAllActivity(t *testing.T) {
	e, dialer, clock := newTestEngine()
	conn, _ := connectEngine(t, e, dialer)
	settle(t, conn, clock)

	e.Logout(testUser)
	m := expectEmit(t, conn, evLogout)
	lp := m.payload.(logoutPayload)
	if lp.UserID != testUser {
		t.Errorf("logout payload userId = %q", lp.UserID)
	}
	if st := e.Status(); st.UserID != "" {
		t.Error("identity not cleared immediately on logout")
	}

	clock.Advance(logoutFlushDelay)
	waitUntil(t, func() bool { return e.Status().Phase == PhaseIdle }, "cleanup after logout")
	waitUntil(t, conn.isClosed, "connection close")

	// No heartbeats ever again, regardless of elapsed time.
	clock.Advance(10 * time.Minute)
	expectNoEmit(t, conn)
}

func TestCleanupIsIdempotent(t *testing.T) {
	e, dialer, _ := newTestEngine()
	conn, _ := connectEngine(t, e, dialer)

	e.Cleanup()
	e.Cleanup()

	if !conn.isClosed() {
		t.Error("connection not closed by cleanup")
	}
	st := e.Status()
	if st.Phase != PhaseIdle || st.UserID != "" || st.Fingerprint != "" {
		t.Errorf("state after double cleanup = %+v", st)
	}
}

func TestRegisterSessionRequiresUser(t *testing.T) {
	e, _, _ := newTestEngine()
	if e.RegisterSession("", testDevice()) {
		t.Error("RegisterSession accepted empty userId")
	}
}

func TestRegisterSessionSelfHealsWithoutTransport(t *testing.T) {
	e, dialer, _ := newTestEngine()
	dialer.mu.Lock()
	dialer.failNext = true
	dialer.mu.Unlock()

	// First dial is refused; engine is left idle with identity known.
	if e.Initialize(testUser, testEndpoint) {
		t.Fatal("Initialize should fail when the dialer refuses")
	}

	if e.RegisterSession(testUser, testDevice()) {
		t.Error("RegisterSession should report false while self-healing")
	}
	waitUntil(t, func() bool { return dialer.count() == 1 }, "self-heal redial")
}

func TestPageVisibilityReannouncesPresence(t *testing.T) {
	e, dialer, clock := newTestEngine()
	conn, _ := connectEngine(t, e, dialer)
	settle(t, conn, clock)

	e.PageVisible()
	clock.Advance(pageSettleDelay)
	expectEmit(t, conn, evRegisterSession)
	expectEmit(t, conn, evCheckDuplicates)
}

func TestPageUnloadingEmitsRefreshNotice(t *testing.T) {
	e, dialer, clock := newTestEngine()
	conn, _ := connectEngine(t, e, dialer)
	settle(t, conn, clock)

	e.PageUnloading()
	m := expectEmit(t, conn, evPageRefreshPending)
	p := m.payload.(presencePayload)
	if p.UserID != testUser || p.Fingerprint != testFingerprint {
		t.Errorf("refresh notice payload = %+v", p)
	}
}

func TestSetCallbacksLastRegistrationWins(t *testing.T) {
	e, dialer, _ := newTestEngine()

	var first, second int
	e.SetCallbacks(Callbacks{OnConnect: func() { first++ }})
	e.SetCallbacks(Callbacks{OnConnect: func() { second++ }})
	// Setting an unrelated slot must not clear the connect handler.
	e.SetCallbacks(Callbacks{OnLogoutSuccess: func() {}})

	connectEngine(t, e, dialer)

	if first != 0 || second != 1 {
		t.Errorf("handler calls: first = %d, second = %d; want 0 and 1", first, second)
	}
}

func TestStatusTruncatesFingerprint(t *testing.T) {
	e, dialer, _ := newTestEngine()
	connectEngine(t, e, dialer)

	st := e.Status()
	if st.Fingerprint != testFingerprint[:10]+"..." {
		t.Errorf("Status fingerprint = %q", st.Fingerprint)
	}
	if st.Fingerprint == testFingerprint {
		t.Error("Status exposes the full fingerprint")
	}
	if !st.Connected || st.Phase != PhaseConnected {
		t.Errorf("Status = %+v after connect", st)
	}
	if present, ok := st.Callbacks["onDuplicateLogin"]; !ok || present {
		t.Errorf("callback presence map = %v", st.Callbacks)
	}
}
