package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/loykin/hashvisor/internal/config"
	"github.com/loykin/hashvisor/internal/manager"
	"github.com/loykin/hashvisor/internal/metrics"
	"github.com/loykin/hashvisor/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds how long daemons get to exit on SIGINT or SIGTERM.
const shutdownTimeout = 30 * time.Second

// ErrAlreadyRunning is returned when another supervisor holds the lock file.
var ErrAlreadyRunning = errors.New("another hashvisor instance is running")

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor",
		Long: `Run the supervisor in the foreground. Daemons marked autostart are
launched, the HTTP API is served when [server] is enabled and everything is
stopped on SIGINT or SIGTERM.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path)
		},
	}
}

func runServe(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log, logCloser, err := cfg.Log.New(os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)

	lock, err := acquireLock(cfg.LockFile)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	mgr, err := manager.New(&cfg, manager.Options{Logger: log})
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		if pm := mgr.ProcessMetrics(); pm != nil {
			if err := pm.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				log.Warn("failed to register process metrics", "error", err)
			}
		}
	}

	var srv *http.Server
	if cfg.Server.Enabled {
		srv, err = server.NewServer(cfg.Server, mgr, cfg.Metrics.Enabled)
		if err != nil {
			_ = mgr.Shutdown(context.Background())
			return fmt.Errorf("start API server: %w", err)
		}
		log.Info("API listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "tls", srv.TLSConfig != nil)
	}

	runErr := mgr.Run(ctx)
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(sctx))
	}
	errs = append(errs, mgr.Shutdown(sctx), runErr)
	return errors.Join(errs...)
}

// acquireLock takes the single-instance lock without blocking.
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, path)
	}
	return lock, nil
}
