package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskpilot/internal/agent"
	"github.com/basket/taskpilot/internal/config"
	"github.com/basket/taskpilot/internal/cron"
	otelPkg "github.com/basket/taskpilot/internal/otel"
	"github.com/basket/taskpilot/internal/persistence"
	"github.com/basket/taskpilot/internal/remote"
	"github.com/basket/taskpilot/internal/security"
	"github.com/basket/taskpilot/internal/telemetry"
	"github.com/basket/taskpilot/internal/watcher"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the taskpilot daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKPILOT_HOME          Data directory (default: ~/.taskpilot)
  TASKPILOT_API_KEYS      Comma-separated remote-control API keys
  SECURITY_STRICT_MODE    Set to 1/true/yes to enable strict command validation
`)
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd())
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("taskpilot", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir, err := resolveHomeDir()
	if err != nil {
		fatalStartup(nil, "E_HOME_RESOLVE", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_CREATE", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config_hash", cfg.Fingerprint())

	if host, _, splitErr := net.SplitHostPort(cfg.Remote.BindAddr); splitErr == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.Remote.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.Remote.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "taskpilot.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", dbPath)

	validator := security.NewRegistry(cfg.Security.StrictMode)
	if validator.Strict() {
		logger.Info("strict command validation enabled")
	}

	mgr := agent.NewManager(agent.Config{
		Store:          store,
		Validator:      validator,
		Logger:         logger,
		DefaultTimeout: time.Duration(cfg.Agent.TaskTimeoutSeconds) * time.Second,
	})
	defer mgr.StopAll()

	planWatcher, err := watcher.New(cfg.TasksDir, logger)
	if err != nil {
		fatalStartup(logger, "E_WATCHER_INIT", err)
	}
	go planWatcher.Run(ctx)
	logger.Info("startup phase", "phase", "watcher_started", "tasks_dir", cfg.TasksDir)

	scheduler := cron.NewScheduler(cron.Config{Store: store, Logger: logger})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	newRemoteServer := func(c config.Config) *remote.Server {
		return remote.NewServer(remote.ServerConfig{
			APIKeys:           c.Remote.APIKeys,
			BindAddr:          c.Remote.BindAddr,
			AllowOrigins:      c.Remote.AllowOrigins,
			Store:             store,
			Logger:            logger,
			Metrics:           metrics,
			AgentEvents:       mgr.Events(),
			WatcherEvents:     planWatcher.Events(),
			ConfigFingerprint: c.Fingerprint(),
		})
	}

	var srvMu sync.Mutex
	srv := newRemoteServer(cfg)
	logRemoteStart(logger, srv.Start(ctx))

	// Hot-reload: a config.yaml change restarts the remote surface so key
	// rotation and bind changes take effect without bouncing the daemon.
	cfgWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; config changes require a restart", "error", err)
	} else {
		go func() {
			fingerprint := cfg.Fingerprint()
			for range cfgWatcher.Events() {
				next, loadErr := config.Load(homeDir)
				if loadErr != nil {
					logger.Warn("config reload failed; keeping previous config", "error", loadErr)
					continue
				}
				if next.Fingerprint() == fingerprint && next.Remote.APIKeys == cfg.Remote.APIKeys {
					continue
				}
				fingerprint = next.Fingerprint()
				cfg = next
				logger.Info("config changed; restarting remote server", "config_hash", fingerprint)

				srvMu.Lock()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				res := srv.Shutdown(shutdownCtx)
				cancel()
				if !res.Clean() {
					logger.Warn("remote server shutdown reported errors", "errors", len(res.Errs))
				}
				srv = newRemoteServer(next)
				logRemoteStart(logger, srv.Start(ctx))
				srvMu.Unlock()
			}
		}()
	}

	logger.Info("startup phase", "phase", "ready")
	<-ctx.Done()
	logger.Info("shutdown initiated")

	srvMu.Lock()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	res := srv.Shutdown(shutdownCtx)
	cancel()
	srvMu.Unlock()
	logger.Info("remote server stopped",
		"uptime_seconds", int64(res.Stats.Uptime.Seconds()),
		"connections_closed", res.Stats.Connections,
		"events_bridged", res.Stats.BridgedEvents,
		"clean", res.Clean())
}

func logRemoteStart(logger *slog.Logger, res remote.StartResult) {
	switch res.State {
	case remote.StateEnabled:
		logger.Info("remote server listening", "addr", res.Addr)
	case remote.StateDisabled:
		logger.Info("remote server disabled", "reason", res.Reason)
	case remote.StateFailed:
		logger.Error("remote server failed to start; continuing without remote control", "error", res.Err)
	}
}

func resolveHomeDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("TASKPILOT_HOME")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".taskpilot"), nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
