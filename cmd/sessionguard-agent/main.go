package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sessionguard/agent/internal/config"
	"github.com/sessionguard/agent/internal/deviceinfo"
	"github.com/sessionguard/agent/internal/engine"
	"github.com/sessionguard/agent/internal/fingerprint"
	"github.com/sessionguard/agent/internal/logging"
	"github.com/sessionguard/agent/internal/transport"
	"github.com/sessionguard/agent/pkg/api"
)

var (
	version        = "0.1.0"
	cfgFile        string
	coordinatorURL string
	userID         string
)

var rootCmd = &cobra.Command{
	Use:   "sessionguard-agent",
	Short: "SessionGuard Agent",
	Long:  `SessionGuard Agent - session presence and duplicate-login detection client`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the presence agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local configuration and the coordinator's session list",
	Run: func(cmd *cobra.Command, args []string) {
		showStatus()
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Terminate this user's presence session",
	Run: func(cmd *cobra.Command, args []string) {
		runLogout()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("SessionGuard Agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/sessionguard/agent.yaml)")
	rootCmd.PersistentFlags().StringVar(&coordinatorURL, "coordinator", "", "presence coordinator URL")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user identifier to track")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig merges the config file with command-line overrides and warns
// about anything Validate clamps.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if coordinatorURL != "" {
		cfg.CoordinatorURL = coordinatorURL
	}
	if userID != "" {
		cfg.UserID = userID
	}
	for _, err := range cfg.Validate() {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
	}
	return cfg
}

func setupLogging(cfg *config.Config) *logging.RotatingWriter {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
		return nil
	}
	writer, err := logging.NewRotatingWriter(cfg.LogFile, 10, 2)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
		return nil
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, writer)
	return writer
}

func buildEngine(cfg *config.Config) *engine.Engine {
	resolver := fingerprint.NewResolver(
		fingerprint.MachineID(),
		fingerprint.NewFileStore(afero.NewOsFs(), cfg.StateDir),
	)
	return engine.New(
		engine.WithFingerprintResolver(resolver),
		engine.WithDeviceInfo(func() deviceinfo.DeviceInfo {
			return deviceinfo.Collect(version)
		}),
		engine.WithTimings(engine.Timings{
			Heartbeat:        cfg.HeartbeatInterval(),
			HealthCheck:      cfg.HealthCheckInterval(),
			Watchdog:         cfg.WatchdogInterval(),
			RegisterThrottle: cfg.RegisterThrottle(),
		}),
		engine.WithTransportConfig(transport.Config{
			ConnectTimeout:    cfg.ConnectTimeout(),
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectDelay:    time.Duration(cfg.ReconnectDelayMillis) * time.Millisecond,
			ReconnectDelayMax: time.Duration(cfg.ReconnectDelayMaxMillis) * time.Millisecond,
		}),
	)
}

func runAgent() {
	cfg := loadConfig()
	if cfg.UserID == "" || cfg.CoordinatorURL == "" {
		fmt.Fprintln(os.Stderr, "user_id and coordinator_url are required. Use --user and --coordinator or set them in config.")
		os.Exit(1)
	}

	writer := setupLogging(cfg)
	log := logging.L("main")

	eng := buildEngine(cfg)
	eng.SetCallbacks(engine.Callbacks{
		OnDuplicateLogin: func(d engine.DuplicateLogin) {
			log.Warn("duplicate login detected",
				"message", d.Message,
				"device", d.DeviceInfo.Device,
				"os", d.DeviceInfo.OS,
			)
		},
		OnSessionRegistered: func(r engine.RegistrationResult) {
			if !r.Success {
				log.Warn("session registration rejected, retrying shortly", "message", r.Message)
				time.AfterFunc(5*time.Second, func() {
					if eng.Status().Connected {
						eng.RegisterSession(cfg.UserID, deviceinfo.Collect(version))
					}
				})
			}
		},
		OnLogoutSuccess: func() {
			log.Info("logout confirmed by coordinator")
		},
	})

	fmt.Printf("Starting SessionGuard Agent v%s\n", version)
	fmt.Printf("Coordinator: %s\n", cfg.CoordinatorURL)

	if !eng.Initialize(cfg.UserID, cfg.CoordinatorURL) {
		fmt.Fprintln(os.Stderr, "Failed to initialize presence engine")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if writer != nil {
				if err := writer.Reopen(); err != nil {
					log.Warn("log reopen failed", logging.KeyError, err)
				}
			}
			continue
		}
		break
	}

	fmt.Println("\nShutting down agent...")
	eng.Cleanup()
	if writer != nil {
		writer.Close()
	}
}

func showStatus() {
	cfg := loadConfig()

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	bold.Println("SessionGuard Agent")
	fmt.Printf("  Version:     %s\n", version)
	fmt.Printf("  Coordinator: %s\n", cfg.CoordinatorURL)
	fmt.Printf("  User:        %s\n", cfg.UserID)
	fmt.Printf("  State dir:   %s\n", cfg.StateDir)

	store := fingerprint.NewFileStore(afero.NewOsFs(), cfg.StateDir)
	if fp, ok := store.Get(); ok {
		display := fp
		if len(display) > 10 {
			display = display[:10]
		}
		fmt.Printf("  Fingerprint: %s...\n", display)
	} else {
		yellow.Println("  Fingerprint: not yet resolved")
	}

	if cfg.CoordinatorURL == "" || cfg.UserID == "" {
		yellow.Println("\nCoordinator query skipped: user_id and coordinator_url are required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := api.NewClient(cfg.CoordinatorURL).Sessions(ctx, cfg.UserID)
	if err != nil {
		yellow.Printf("\nCoordinator unreachable: %v\n", err)
		return
	}

	bold.Printf("\nActive sessions for %s: %d\n", resp.UserID, len(resp.Sessions))
	for _, s := range resp.Sessions {
		marker := " "
		if s.Current {
			marker = "*"
		}
		fmt.Printf("  %s %s  last seen %s\n", marker, s.Fingerprint, s.LastSeenAt.Format(time.RFC3339))
	}
	if resp.HasDuplicates {
		red.Println("Duplicate sessions detected")
	} else {
		green.Println("No duplicate sessions")
	}
}

// runLogout connects just long enough to deliver the logout message, so a
// user can terminate their presence session from the command line even if
// the long-running agent is not around.
func runLogout() {
	cfg := loadConfig()
	if cfg.UserID == "" || cfg.CoordinatorURL == "" {
		fmt.Fprintln(os.Stderr, "user_id and coordinator_url are required")
		os.Exit(1)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)

	eng := buildEngine(cfg)
	done := make(chan struct{}, 1)
	eng.SetCallbacks(engine.Callbacks{
		OnConnect: func() {
			eng.Logout(cfg.UserID)
		},
		OnLogoutSuccess: func() {
			done <- struct{}{}
		},
	})

	if !eng.Initialize(cfg.UserID, cfg.CoordinatorURL) {
		fmt.Fprintln(os.Stderr, "Failed to reach coordinator")
		os.Exit(1)
	}
	defer eng.Cleanup()

	select {
	case <-done:
		color.New(color.FgGreen).Println("Logged out")
	case <-time.After(15 * time.Second):
		// Logout proceeds client-side regardless of coordinator contact.
		color.New(color.FgYellow).Println("No coordinator confirmation; local session cleared")
	}
}
