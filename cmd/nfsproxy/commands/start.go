package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/pkg/api"
	"github.com/marmos91/nfsproxy/pkg/archive"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/metrics"
	"github.com/marmos91/nfsproxy/pkg/proxy"

	// Import prometheus metrics to register init() functions
	_ "github.com/marmos91/nfsproxy/pkg/metrics/prometheus"
)

var pidFile string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy",
	Long: `Start nfsproxy in the foreground.

The handle map is opened and locked for the lifetime of the process, backend
sessions are established and the admin API is served when enabled. SIGINT and
SIGTERM trigger a graceful shutdown bounded by shutdown_timeout.

Examples:
  # Start with the default configuration
  nfsproxy start

  # Start with a custom config file
  nfsproxy start --config /etc/nfsproxy/config.yaml

  # Override a setting from the environment
  NFSPROXY_LOGGING_LEVEL=DEBUG nfsproxy start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Write the process ID to this file")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownObs, err := initObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownObs(context.Background())

	logger.Info("nfsproxy starting", "version", Version, "commit", Commit)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	var deps proxy.Deps
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		deps.SessionMetrics = metrics.NewSessionMetrics()
		deps.AuthMetrics = metrics.NewAuthMetrics()
		deps.HandleMapMetrics = metrics.NewHandleMapMetrics()
		logger.Info("Metrics enabled", "path", "/metrics")
	} else {
		logger.Info("Metrics collection disabled")
	}

	px, err := proxy.New(ctx, cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to initialize proxy: %w", err)
	}
	defer func() {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelClose()
		if err := px.Close(closeCtx); err != nil {
			logger.Error("Proxy shutdown error", logger.Err(err))
		}
	}()

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	apiDone := make(chan error, 1)
	if cfg.API.Enabled {
		srv, err := newAPIServer(ctx, cfg, px)
		if err != nil {
			return err
		}
		go func() { apiDone <- srv.Start(ctx) }()
	}

	// Sessions are lazy; one NULL call brings the pool up so readiness
	// reflects the backend right away.
	go func() {
		if rtt, err := px.Ping(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn("Initial backend ping failed", logger.Err(err))
			}
		} else {
			logger.Info("Backend reachable", logger.Backend(cfg.RemoteServer.Endpoint()), "rtt", rtt)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Proxy is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown", "signal", sig.String())
		cancel()
		if cfg.API.Enabled {
			if err := <-apiDone; err != nil {
				logger.Error("API server shutdown error", logger.Err(err))
			}
		}
	case err := <-apiDone:
		cancel()
		if err != nil {
			logger.Error("API server error", logger.Err(err))
			return err
		}
	}

	logger.Info("Proxy stopped")
	return nil
}

func newAPIServer(ctx context.Context, cfg *config.Config, px *proxy.Proxy) (*api.Server, error) {
	deps := api.Deps{
		Sessions:  px,
		HandleMap: px.HandleMap(),
		TempDir:   cfg.HandleMap.TempDirectory,
	}

	sink, err := archive.NewSink(ctx, cfg.Backup)
	if err != nil {
		logger.Warn("Backup destination unavailable, online backups disabled", logger.Err(err))
	} else {
		deps.Archive = sink
	}

	srv, err := api.NewServer(cfg.API, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}
	logger.Info("API server configured", "port", cfg.API.Port)
	return srv, nil
}
