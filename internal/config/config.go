package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	UserID         string `mapstructure:"user_id"`
	CoordinatorURL string `mapstructure:"coordinator_url"`

	HeartbeatIntervalSeconds   int `mapstructure:"heartbeat_interval_seconds"`
	HealthCheckIntervalSeconds int `mapstructure:"health_check_interval_seconds"`
	WatchdogIntervalSeconds    int `mapstructure:"watchdog_interval_seconds"`
	RegisterThrottleSeconds    int `mapstructure:"register_throttle_seconds"`

	ConnectTimeoutSeconds   int `mapstructure:"connect_timeout_seconds"`
	ReconnectAttempts       int `mapstructure:"reconnect_attempts"`
	ReconnectDelayMillis    int `mapstructure:"reconnect_delay_millis"`
	ReconnectDelayMaxMillis int `mapstructure:"reconnect_delay_max_millis"`

	StateDir  string `mapstructure:"state_dir"`
	LogFormat string `mapstructure:"log_format"`
	LogLevel  string `mapstructure:"log_level"`
	LogFile   string `mapstructure:"log_file"`
}

func Default() *Config {
	return &Config{
		HeartbeatIntervalSeconds:   15,
		HealthCheckIntervalSeconds: 20,
		WatchdogIntervalSeconds:    8,
		RegisterThrottleSeconds:    45,
		ConnectTimeoutSeconds:      10,
		ReconnectAttempts:          30,
		ReconnectDelayMillis:       1000,
		ReconnectDelayMaxMillis:    5000,
		StateDir:                   dataDir(),
		LogFormat:                  "text",
		LogLevel:                   "info",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SESSIONGUARD")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("user_id", cfg.UserID)
	viper.Set("coordinator_url", cfg.CoordinatorURL)
	viper.Set("heartbeat_interval_seconds", cfg.HeartbeatIntervalSeconds)
	viper.Set("health_check_interval_seconds", cfg.HealthCheckIntervalSeconds)
	viper.Set("watchdog_interval_seconds", cfg.WatchdogIntervalSeconds)
	viper.Set("register_throttle_seconds", cfg.RegisterThrottleSeconds)
	viper.Set("connect_timeout_seconds", cfg.ConnectTimeoutSeconds)
	viper.Set("reconnect_attempts", cfg.ReconnectAttempts)
	viper.Set("reconnect_delay_millis", cfg.ReconnectDelayMillis)
	viper.Set("reconnect_delay_max_millis", cfg.ReconnectDelayMaxMillis)
	viper.Set("state_dir", cfg.StateDir)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_file", cfg.LogFile)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "agent.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// HealthCheckInterval returns the health-check cadence as a duration.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

// WatchdogInterval returns the reconnect-watchdog poll cadence as a duration.
func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalSeconds) * time.Second
}

// RegisterThrottle returns the minimum spacing between opportunistic
// re-registrations as a duration.
func (c *Config) RegisterThrottle() time.Duration {
	return time.Duration(c.RegisterThrottleSeconds) * time.Second
}

// ConnectTimeout returns the transport connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "SessionGuard")
	case "darwin":
		return "/Library/Application Support/SessionGuard"
	default:
		return "/etc/sessionguard"
	}
}

func dataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "SessionGuard", "state")
	case "darwin":
		return "/Library/Application Support/SessionGuard/state"
	default:
		return "/var/lib/sessionguard"
	}
}
