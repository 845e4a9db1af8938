package engine

import (
	"encoding/json"
	"time"

	"github.com/sessionguard/agent/internal/deviceinfo"
	"github.com/sessionguard/agent/internal/health"
	"github.com/sessionguard/agent/internal/logging"
	"github.com/sessionguard/agent/internal/transport"
)

// engineSink receives transport callbacks for one connection generation.
// Every handler checks the generation first so events from a torn-down
// connection cannot mutate a newer session.
type engineSink struct {
	e   *Engine
	gen uint64
}

func (s *engineSink) OnConnect()                 { s.e.handleConnect(s.gen) }
func (s *engineSink) OnDisconnect(reason string) { s.e.handleDisconnect(s.gen, reason) }
func (s *engineSink) OnConnectError(err error)   { s.e.handleConnectError(s.gen, err) }
func (s *engineSink) OnReconnect(attempt int)    { s.e.handleReconnect(s.gen, attempt) }
func (s *engineSink) OnEvent(name string, data json.RawMessage) {
	s.e.handleEvent(s.gen, name, data)
}

func (e *Engine) handleConnect(gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.phase = PhaseConnected
	e.attempts = 0
	e.stopTimerLocked(&e.watchdogT)
	e.startTimerLocked(&e.heartbeatT, "heartbeat", e.timings.Heartbeat, e.heartbeatTick)
	e.startTimerLocked(&e.healthT, "healthcheck", e.timings.HealthCheck, e.healthCheckTick)
	userID := e.userID
	onConnect := e.cb.OnConnect
	e.mu.Unlock()

	e.monitor.Update(compTransport, health.Healthy, "connected")
	log.Info("presence channel connected", logging.KeyUserID, userID)

	e.RegisterSession(userID, e.device())
	if onConnect != nil {
		onConnect()
	}
	e.after(gen, postConnectCheckDelay, func() {
		e.CheckForDuplicateSessions(userID)
	})
}

func (e *Engine) handleDisconnect(gen uint64, reason string) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	involuntary := transport.InvoluntaryDisconnect(reason)
	if involuntary {
		e.phase = PhaseReconnecting
		e.startWatchdogLocked()
	} else {
		e.phase = PhaseIdle
	}
	conn := e.conn
	onDisconnect := e.cb.OnDisconnect
	e.mu.Unlock()

	e.monitor.Update(compTransport, health.Unhealthy, reason)
	log.Warn("presence channel disconnected", logging.KeyReason, reason)

	if involuntary && conn != nil {
		conn.Reconnect()
	}
	if onDisconnect != nil {
		onDisconnect(reason)
	}
}

func (e *Engine) handleConnectError(gen uint64, err error) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.attempts++
	attempts := e.attempts
	onError := e.cb.OnError
	e.startWatchdogLocked()
	e.mu.Unlock()

	e.monitor.Update(compTransport, health.Degraded, err.Error())
	log.Warn("connect attempt failed", "attempts", attempts, logging.KeyError, err)
	if onError != nil {
		onError(err)
	}
}

// handleReconnect re-registers with freshly computed device info. The
// transport reports connect again right after, which registers once more;
// the coordinator merges repeated registrations by fingerprint.
func (e *Engine) handleReconnect(gen uint64, attempt int) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	userID := e.userID
	e.mu.Unlock()

	log.Info("presence channel reconnected", "attempt", attempt)
	if userID != "" {
		e.RegisterSession(userID, e.device())
	}
}

func (e *Engine) handleEvent(gen uint64, name string, data json.RawMessage) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	cb := e.cb
	userID := e.userID
	e.mu.Unlock()

	switch name {
	case evDuplicateLoginDetected:
		payload := e.duplicatePayload(data, "Your account is signed in on another device")
		log.Warn("duplicate login detected", logging.KeyUserID, userID,
			"device", payload.DeviceInfo.Device)
		if cb.OnDuplicateLogin != nil {
			cb.OnDuplicateLogin(payload)
		}

	case evDuplicateCheckResult:
		var result struct {
			HasDuplicates bool `json:"hasDuplicates"`
		}
		if err := json.Unmarshal(data, &result); err != nil {
			log.Warn("malformed duplicate check result", logging.KeyError, err)
			return
		}
		if !result.HasDuplicates {
			return
		}
		payload := e.duplicatePayload(data, "Duplicate session detected on another device")
		log.Warn("duplicate session reported", logging.KeyUserID, userID)
		if cb.OnDuplicateLogin != nil {
			cb.OnDuplicateLogin(payload)
		}

	case evRefreshDetected:
		// The coordinator suspects a reload of the same install, not a
		// second login. Confirm continued liveness; never surface a
		// duplicate for this.
		log.Info("refresh detected, confirming liveness")
		e.after(gen, refreshRegisterDelay, func() {
			e.mu.Lock()
			uid := e.userID
			e.mu.Unlock()
			if uid != "" {
				e.RegisterSession(uid, e.device())
			}
		})

	case evSessionRegistered:
		var result RegistrationResult
		if err := json.Unmarshal(data, &result); err != nil {
			log.Warn("malformed registration response", logging.KeyError, err)
		}
		e.mu.Lock()
		e.lastRegisteredAt = e.clock.Now()
		e.mu.Unlock()

		if result.Success {
			e.monitor.Update(compRegistration, health.Healthy, "acknowledged")
			e.heartbeatTick()
			e.after(gen, postRegisterCheckDelay, func() {
				e.CheckForDuplicateSessions(userID)
			})
		} else {
			e.monitor.Update(compRegistration, health.Degraded, result.Message)
			log.Warn("registration rejected", "message", result.Message)
		}
		if cb.OnSessionRegistered != nil {
			cb.OnSessionRegistered(result)
		}

	case evLogoutSuccess:
		log.Info("logout acknowledged")
		if cb.OnLogoutSuccess != nil {
			cb.OnLogoutSuccess()
		}

	case evLogoutError:
		var result struct {
			Message string `json:"message"`
		}
		json.Unmarshal(data, &result)
		log.Warn("coordinator reported logout error", "message", result.Message)

	default:
		log.Debug("ignoring unknown event", logging.KeyEvent, name)
	}
}

// duplicatePayload fills missing fields with local values so callers always
// get a complete notification.
func (e *Engine) duplicatePayload(data json.RawMessage, defaultMessage string) DuplicateLogin {
	var raw struct {
		Message    string                 `json:"message"`
		Timestamp  *time.Time             `json:"timestamp"`
		DeviceInfo *deviceinfo.DeviceInfo `json:"deviceInfo"`
	}
	if len(data) > 0 {
		json.Unmarshal(data, &raw)
	}

	payload := DuplicateLogin{
		Message:    raw.Message,
		Timestamp:  e.clock.Now(),
		DeviceInfo: e.device(),
	}
	if payload.Message == "" {
		payload.Message = defaultMessage
	}
	if raw.Timestamp != nil {
		payload.Timestamp = *raw.Timestamp
	}
	if raw.DeviceInfo != nil {
		payload.DeviceInfo = *raw.DeviceInfo
	}
	return payload
}

// PageVisible tells the engine the embedding surface regained visibility.
// Presence is re-announced after a short settle delay.
func (e *Engine) PageVisible() { e.pageActive("visible") }

// PageLoaded tells the engine the embedding surface finished loading.
func (e *Engine) PageLoaded() { e.pageActive("load") }

func (e *Engine) pageActive(trigger string) {
	e.mu.Lock()
	userID := e.userID
	endpoint := e.endpoint
	fp := e.fp
	conn := e.conn
	e.mu.Unlock()

	if userID == "" || fp == "" {
		return
	}
	log.Debug("surface active, refreshing presence", "trigger", trigger)

	if conn == nil {
		if endpoint != "" {
			e.Initialize(userID, endpoint)
		}
	} else if !conn.Connected() {
		conn.Reconnect()
	}

	e.afterNow(pageSettleDelay, func() {
		e.mu.Lock()
		uid := e.userID
		e.mu.Unlock()
		if uid == "" {
			return
		}
		e.RegisterSession(uid, e.device())
		e.CheckForDuplicateSessions(uid)
	})
}

// PageUnloading emits a best-effort refresh notice so the coordinator can
// tell an imminent reload apart from an abrupt network loss.
func (e *Engine) PageUnloading() {
	e.mu.Lock()
	conn := e.conn
	userID := e.userID
	fp := e.fp
	e.mu.Unlock()

	if conn == nil || !conn.Connected() || userID == "" {
		return
	}
	err := conn.Emit(evPageRefreshPending, presencePayload{
		UserID:      userID,
		Fingerprint: fp,
		Timestamp:   e.clock.Now(),
	})
	if err != nil {
		log.Debug("refresh notice not delivered", logging.KeyError, err)
	}
}
