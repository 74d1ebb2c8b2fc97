// pattern: Imperative Shell
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"termhub/internal/config"
	"termhub/internal/instance"
	"termhub/internal/logging"
	"termhub/internal/manager"
	"termhub/internal/process"
	"termhub/internal/tsnsrv"
	"termhub/internal/web"
)

var version = "dev"

func main() {
	configDir := flag.String("config-dir", "", "config directory (default: ~/.config/termhub)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: termhub [options] [command]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  list      Output JSON data about all live sessions\n")
		fmt.Fprintf(os.Stderr, "  cleanup   Remove stale lock/port files from a crashed instance\n")
		fmt.Fprintf(os.Stderr, "  version   Print version and exit\n")
		fmt.Fprintf(os.Stderr, "  (none)    Run the terminal server\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	args := flag.Args()
	if len(args) > 0 {
		switch args[0] {
		case "list":
			runListCommand(*configDir)
			return
		case "cleanup":
			runCleanupCommand(*configDir)
			return
		case "version":
			fmt.Println(version)
			return
		}
	}

	runServer(*configDir)
}

// resolveDataDir returns the data directory for lock/port files.
func resolveDataDir(configDir string) string {
	if configDir != "" {
		return configDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "termhub")
	}
	return filepath.Join(home, ".config", "termhub")
}

// runListCommand outputs JSON data about all live sessions by delegating to
// a running instance's GET /api/sessions.
func runListCommand(configDir string) {
	dataDir := resolveDataDir(configDir)
	baseURL, err := instance.Discover(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	client := instance.NewClient(baseURL)
	data, err := client.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(data)
	fmt.Println()
}

// runCleanupCommand removes stale lock and port files from a crashed instance.
func runCleanupCommand(configDir string) {
	dataDir := resolveDataDir(configDir)

	fl, err := instance.Lock(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: a termhub instance appears to be running. Stop it first.\n")
		os.Exit(1)
	}
	instance.Cleanup(dataDir, fl)
	fmt.Println("Cleaned up stale lock and port files.")
}

// loadConfig loads the configuration from the specified directory or
// default location.
func loadConfig(configDir string) (config.Config, error) {
	if configDir != "" {
		return config.LoadFrom(filepath.Join(configDir, "config.yaml"))
	}
	return config.Load()
}

// runServer loads config, starts the single-instance lock, the
// ConnectionManager, the web/WebSocket server and (optionally) the
// tailscale sidecar, then blocks until an interrupt or SIGTERM.
func runServer(configDir string) {
	cfg, err := loadConfig(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	dataDir := resolveDataDir(configDir)

	fl, err := instance.Lock(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer instance.Cleanup(dataDir, fl)

	logPath := filepath.Join(dataDir, "termhub.log")
	logManager, err := logging.NewManager(logging.Config{
		FilePath:       logPath,
		MaxSizeMB:      10,
		MaxBackups:     3,
		MaxAgeDays:     7,
		ChannelBufSize: 1000,
		Level:          cfg.LogLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logManager.Close() }()

	appLogger := logManager.For("app")
	appLogger.Info("termhub starting", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recordingDir string
	if cfg.Recording.Enabled {
		recordingDir = cfg.ResolveTokenPath(cfg.Recording.Dir)
		if err := os.MkdirAll(recordingDir, 0o755); err != nil {
			appLogger.Warn("failed to create recording directory, recording disabled", "error", err)
			recordingDir = ""
		}
	}

	mgr := manager.New(manager.Options{
		PingInterval:       time.Duration(cfg.PTY.PingIntervalMs) * time.Millisecond,
		PingTimeout:        time.Duration(cfg.PTY.PingTimeoutMs) * time.Millisecond,
		DefaultShell:       cfg.PTY.DefaultShell,
		RecordingDir:       recordingDir,
		RecorderRingSize:   10000,
		DebounceWindow:     time.Duration(cfg.PTY.DebounceWindowMs) * time.Millisecond,
		IdleFlush:          time.Duration(cfg.PTY.IdleFlushMs) * time.Millisecond,
		MaxBuf:             cfg.PTY.MaxBufBytes,
		MaxOscPayloadBytes: cfg.PTY.MaxOscPayloadBytes,
		Logger:             logManager,
	})

	webServer := web.New(web.Config{Bind: cfg.Web.Bind, Port: cfg.Web.Port}, mgr, nil, logManager)
	ln, err := webServer.Listen()
	if err != nil {
		appLogger.Error("web server listen error", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := instance.WritePort(dataDir, webServer.Addr()); err != nil {
		appLogger.Error("failed to write port file", "error", err)
	}

	appLogger.Info("web server listening", "addr", webServer.Addr())

	go func() {
		if err := webServer.Serve(ln); err != nil {
			appLogger.Error("web server error", "error", err)
		}
	}()

	var tsSupervisor *process.Supervisor
	if cfg.Web.Port > 0 && cfg.Tailscale.Enabled {
		tsSupervisor, err = startTsnsrv(&cfg, webServer.Addr(), logManager)
		if err != nil {
			appLogger.Warn("tsnsrv failed to start (continuing without tailscale)", "error", err)
		} else {
			stateDir := cfg.ResolveTokenPath(cfg.Tailscale.StateDir)
			tc := cfg.Tailscale
			go func() {
				for i := 0; i < 30; i++ {
					if url, ok := tsnsrv.ReadServiceURL(stateDir, tc); ok {
						appLogger.Info("tailscale URL resolved", "url", url)
						return
					}
					time.Sleep(1 * time.Second)
				}
				appLogger.Warn("tailscale URL resolution timed out")
			}()
		}
	}

	<-ctx.Done()
	appLogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), manager.Grace+2*time.Second)
	defer cancel()

	mgr.Shutdown(shutdownCtx)

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("web server shutdown error", "error", err)
	}

	if tsSupervisor != nil {
		tsSupervisor.Stop()
	}

	appLogger.Info("termhub stopped")
}

// startTsnsrv validates config, builds the process config, and starts the
// tsnsrv supervisor.
func startTsnsrv(cfg *config.Config, upstreamAddr string, logProvider logging.LoggerProvider) (*process.Supervisor, error) {
	logger := logProvider.For("tsnsrv")

	if err := cfg.Tailscale.Validate(cfg.ResolveTokenPath); err != nil {
		return nil, fmt.Errorf("tailscale config validation: %w", err)
	}

	pc, err := tsnsrv.BuildProcessConfig(cfg.Tailscale, upstreamAddr, cfg.ResolveTokenPath)
	if err != nil {
		return nil, fmt.Errorf("tsnsrv config: %w", err)
	}

	supervisor := process.NewSupervisor(pc, logger)
	if err := supervisor.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("tsnsrv start: %w", err)
	}

	logger.Info("tsnsrv started", "upstream", upstreamAddr, "name", cfg.Tailscale.Name)
	return supervisor, nil
}
