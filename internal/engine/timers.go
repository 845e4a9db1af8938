package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sessionguard/agent/internal/health"
	"github.com/sessionguard/agent/internal/logging"
)

// timerFamily is one periodic task. The engine keeps one slot per family
// (heartbeat, health check, watchdog); starting a family always stops the
// previous instance first, so at most one instance per family is ever live.
type timerFamily struct {
	stop chan struct{}
}

func (e *Engine) startTimerLocked(slot **timerFamily, name string, interval time.Duration, tick func()) {
	e.stopTimerLocked(slot)

	f := &timerFamily{stop: make(chan struct{})}
	*slot = f

	// Create the ticker before handing off to the goroutine so callers
	// observe the family as scheduled the moment this returns.
	t := e.clock.NewTicker(interval)

	go func() {
		defer t.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-t.C():
				tick()
			}
		}
	}()
	log.Debug("timer started", "timer", name, "interval", interval)
}

func (e *Engine) stopTimerLocked(slot **timerFamily) {
	if *slot != nil {
		close((*slot).stop)
		*slot = nil
	}
}

// startWatchdogLocked starts the reconnect watchdog only if it is not
// already running. The watchdog is the one family that starts lazily and
// stops itself once connectivity is restored.
func (e *Engine) startWatchdogLocked() {
	if e.watchdogT != nil {
		return
	}
	e.startTimerLocked(&e.watchdogT, "watchdog", e.timings.Watchdog, e.watchdogTick)
}

// heartbeatTick keeps the coordinator's presence record from expiring.
func (e *Engine) heartbeatTick() {
	e.mu.Lock()
	conn := e.conn
	userID := e.userID
	fp := e.fp
	e.mu.Unlock()

	if conn == nil || !conn.Connected() || userID == "" {
		return
	}

	err := conn.Emit(evHeartbeat, presencePayload{
		UserID:      userID,
		Fingerprint: fp,
		Timestamp:   e.clock.Now(),
	})
	if err != nil {
		e.monitor.Update(compHeartbeat, health.Degraded, err.Error())
		log.Debug("heartbeat not delivered", logging.KeyError, err)
		return
	}
	e.monitor.Update(compHeartbeat, health.Healthy, "")
}

// healthCheckTick is the feedback loop that re-synchronizes registration
// and duplicate state even if a disconnect event was missed or swallowed.
func (e *Engine) healthCheckTick() {
	e.mu.Lock()
	conn := e.conn
	userID := e.userID
	fp := e.fp
	gen := e.gen
	timeout := e.timings.HealthCheck
	e.mu.Unlock()

	if conn == nil || userID == "" {
		return
	}

	if !conn.Connected() {
		log.Warn("health check found transport down, requesting reconnect")
		e.mu.Lock()
		if gen == e.gen {
			e.startWatchdogLocked()
		}
		e.mu.Unlock()
		conn.Reconnect()
		return
	}

	// A lost check is superseded by the next tick, so the request is
	// bounded by the check interval itself.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	data, err := conn.Request(ctx, evHealthCheck, presencePayload{
		UserID:      userID,
		Fingerprint: fp,
		Timestamp:   e.clock.Now(),
	})
	if err != nil {
		e.monitor.Update(compTransport, health.Degraded, "health check: "+err.Error())
		log.Warn("health check failed", logging.KeyError, err)
		return
	}

	var ack struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &ack); err != nil || ack.Status != "ok" {
		e.monitor.Update(compTransport, health.Degraded, "health check status: "+ack.Status)
		return
	}
	e.monitor.Update(compTransport, health.Healthy, "health check ok")

	if e.registerIfStale() {
		e.CheckForDuplicateSessions(userID)
	}
}

// watchdogTick repairs a lost connection: stop once connected, otherwise
// kick the existing connection or rebuild the whole link from scratch.
func (e *Engine) watchdogTick() {
	e.mu.Lock()
	conn := e.conn
	userID := e.userID
	endpoint := e.endpoint
	if conn != nil && conn.Connected() {
		e.stopTimerLocked(&e.watchdogT)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if userID == "" || endpoint == "" {
		return
	}
	if conn != nil {
		log.Info("watchdog requesting reconnect")
		conn.Reconnect()
		return
	}
	log.Info("watchdog rebuilding connection", logging.KeyUserID, userID)
	e.Initialize(userID, endpoint)
}
