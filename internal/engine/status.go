package engine

import "time"

// Status is a diagnostic snapshot of the engine. The fingerprint is
// truncated so the full identifier never leaves the engine through this
// surface.
type Status struct {
	Connected          bool            `json:"connected"`
	Phase              Phase           `json:"phase"`
	ConnectionAttempts int             `json:"connectionAttempts"`
	UserID             string          `json:"userId,omitempty"`
	Fingerprint        string          `json:"fingerprint,omitempty"`
	LastRegisteredAt   time.Time       `json:"lastRegisteredAt"`
	LastRegisteredAge  time.Duration   `json:"lastRegisteredAge"`
	Callbacks          map[string]bool `json:"callbacks"`
	Health             map[string]any  `json:"health"`
}

// Status returns the current diagnostic snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		Connected:          e.conn != nil && e.conn.Connected(),
		Phase:              e.phase,
		ConnectionAttempts: e.attempts,
		UserID:             e.userID,
		Fingerprint:        truncateFingerprint(e.fp),
		LastRegisteredAt:   e.lastRegisteredAt,
		Callbacks: map[string]bool{
			"onDuplicateLogin":    e.cb.OnDuplicateLogin != nil,
			"onSessionRegistered": e.cb.OnSessionRegistered != nil,
			"onLogoutSuccess":     e.cb.OnLogoutSuccess != nil,
			"onConnect":           e.cb.OnConnect != nil,
			"onDisconnect":        e.cb.OnDisconnect != nil,
			"onError":             e.cb.OnError != nil,
		},
	}
	if !e.lastRegisteredAt.IsZero() {
		st.LastRegisteredAge = e.clock.Now().Sub(e.lastRegisteredAt)
	}
	e.mu.Unlock()

	st.Health = e.monitor.Summary()
	return st
}

func truncateFingerprint(fp string) string {
	if fp == "" {
		return ""
	}
	if len(fp) > 10 {
		fp = fp[:10]
	}
	return fp + "..."
}
