package engine

import (
	"time"

	"github.com/sessionguard/agent/internal/deviceinfo"
)

// DuplicateLogin is the payload delivered when another device is detected
// using the same account. Timestamp and DeviceInfo are always populated;
// missing fields from the coordinator are filled with local values.
type DuplicateLogin struct {
	Message    string                `json:"message"`
	Timestamp  time.Time             `json:"timestamp"`
	DeviceInfo deviceinfo.DeviceInfo `json:"deviceInfo"`
}

// RegistrationResult is the coordinator's raw response to a session
// registration, forwarded to the caller regardless of outcome so it can
// react to failures (for example, retry after a delay).
type RegistrationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Callbacks holds one handler slot per engine event. A nil handler drops
// the event. Handlers are invoked outside the engine's internal lock and
// must not block for long; they may call back into the engine.
type Callbacks struct {
	OnDuplicateLogin    func(DuplicateLogin)
	OnSessionRegistered func(RegistrationResult)
	OnLogoutSuccess     func()
	OnConnect           func()
	OnDisconnect        func(reason string)
	OnError             func(err error)
}

// merge overlays non-nil slots of other onto c. Later registrations win
// per slot; slots other leaves nil keep their current handler.
func (c Callbacks) merge(other Callbacks) Callbacks {
	if other.OnDuplicateLogin != nil {
		c.OnDuplicateLogin = other.OnDuplicateLogin
	}
	if other.OnSessionRegistered != nil {
		c.OnSessionRegistered = other.OnSessionRegistered
	}
	if other.OnLogoutSuccess != nil {
		c.OnLogoutSuccess = other.OnLogoutSuccess
	}
	if other.OnConnect != nil {
		c.OnConnect = other.OnConnect
	}
	if other.OnDisconnect != nil {
		c.OnDisconnect = other.OnDisconnect
	}
	if other.OnError != nil {
		c.OnError = other.OnError
	}
	return c
}
