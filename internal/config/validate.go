package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would break the timer families are clamped to
// safe defaults. Other validation errors are logged as warnings but do not
// prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.CoordinatorURL != "" {
		u, err := url.Parse(c.CoordinatorURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("coordinator_url %q is not a valid URL: %w", c.CoordinatorURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("coordinator_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	// Clamp timer cadences to safe ranges. A zero interval would panic
	// time.NewTicker; anything over an hour makes presence meaningless.
	clampInterval := func(name string, v *int, min, max int) {
		if *v < min {
			errs = append(errs, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, min))
			*v = min
		} else if *v > max {
			errs = append(errs, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, max))
			*v = max
		}
	}

	clampInterval("heartbeat_interval_seconds", &c.HeartbeatIntervalSeconds, 5, 3600)
	clampInterval("health_check_interval_seconds", &c.HealthCheckIntervalSeconds, 5, 3600)
	clampInterval("watchdog_interval_seconds", &c.WatchdogIntervalSeconds, 1, 600)
	clampInterval("register_throttle_seconds", &c.RegisterThrottleSeconds, 5, 3600)
	clampInterval("connect_timeout_seconds", &c.ConnectTimeoutSeconds, 1, 120)

	if c.ReconnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("reconnect_attempts %d is below minimum 1, clamping", c.ReconnectAttempts))
		c.ReconnectAttempts = 1
	} else if c.ReconnectAttempts > 1000 {
		errs = append(errs, fmt.Errorf("reconnect_attempts %d exceeds maximum 1000, clamping", c.ReconnectAttempts))
		c.ReconnectAttempts = 1000
	}

	if c.ReconnectDelayMillis < 100 {
		errs = append(errs, fmt.Errorf("reconnect_delay_millis %d is below minimum 100, clamping", c.ReconnectDelayMillis))
		c.ReconnectDelayMillis = 100
	}
	if c.ReconnectDelayMaxMillis < c.ReconnectDelayMillis {
		errs = append(errs, fmt.Errorf("reconnect_delay_max_millis %d is below reconnect_delay_millis, clamping", c.ReconnectDelayMaxMillis))
		c.ReconnectDelayMaxMillis = c.ReconnectDelayMillis
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
