// Command rolloutd is the rollout daemon. It loads the service spec,
// registers its tasks and plans, and serves the plan engine over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/rollout/comms"
	"github.com/GoCodeAlone/rollout/config"
	"github.com/GoCodeAlone/rollout/internal/logging"
	"github.com/GoCodeAlone/rollout/internal/version"
	"github.com/GoCodeAlone/rollout/launcher"
	"github.com/GoCodeAlone/rollout/launcher/docker"
	"github.com/GoCodeAlone/rollout/launcher/simulated"
	"github.com/GoCodeAlone/rollout/plan"
	"github.com/GoCodeAlone/rollout/reconciler"
	"github.com/GoCodeAlone/rollout/scheduler"
	"github.com/GoCodeAlone/rollout/server"
	"github.com/GoCodeAlone/rollout/servicespec"
	"github.com/GoCodeAlone/rollout/task"
	"github.com/GoCodeAlone/rollout/uninstall"
)

var (
	configPath = flag.String("config", "", "path to rollout config file (yaml)")
	startPlan  = flag.String("start", "", "plan to start once the daemon is up")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rolloutd: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting rolloutd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("rolloutd failed", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck

	spec, err := servicespec.Load(cfg.ServiceSpec)
	if err != nil {
		return err
	}
	plans := plan.NewRegistry()
	if err := spec.Install(store, plans); err != nil {
		return fmt.Errorf("install service %s: %w", spec.Name, err)
	}
	logger.Info("service installed",
		slog.String("service", spec.Name),
		slog.Int("tasks", len(spec.Tasks())),
		slog.Any("plans", plans.Names()),
	)

	bus := comms.NewInMemoryBus()
	rec := reconciler.New(store, bus, logger.With(slog.String("component", "reconciler")))
	if n, err := rec.RecoverOrphans(context.Background()); err != nil {
		return fmt.Errorf("recover orphaned launches: %w", err)
	} else if n > 0 {
		logger.Warn("orphaned launches marked lost", slog.Int("count", n))
	}

	launchers := launcher.NewRegistry()
	if err := launchers.Register(simulated.Name, simulated.Factory); err != nil {
		return err
	}
	if err := launchers.Register(docker.Name, docker.Factory); err != nil {
		return err
	}
	l, err := launchers.New(cfg.Launcher.Name, launcher.Options{
		Sink:     rec,
		Logger:   logger.With(slog.String("component", "launcher")),
		Settings: cfg.Launcher.Settings,
	})
	if err != nil {
		return fmt.Errorf("%w (available: %v)", err, launchers.Names())
	}
	defer l.Close() //nolint:errcheck

	sched := scheduler.New(scheduler.Config{
		Plans:        plans,
		Store:        store,
		Launcher:     l,
		Sink:         rec,
		Bus:          bus,
		Logger:       logger.With(slog.String("component", "scheduler")),
		PollInterval: cfg.Scheduler.PollInterval,
		StepTimeout:  cfg.Scheduler.StepTimeout,
	})
	defer sched.Close() //nolint:errcheck

	ctrl := uninstall.New(uninstall.Config{
		Scheduler:    sched,
		Tasks:        rec,
		Launcher:     l,
		Bus:          bus,
		Logger:       logger.With(slog.String("component", "uninstall")),
		PollInterval: cfg.Uninstall.PollInterval,
		KillRetry:    cfg.Uninstall.KillRetry,
		DrainTimeout: cfg.Uninstall.DrainTimeout,
	})
	defer ctrl.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if os.Getenv(uninstall.SignalKey) != "" {
		logger.Info("uninstall signalled by environment")
		ctrl.RequestUninstall(ctx)
	}
	if cfg.Uninstall.LaunchConfig != "" {
		w := uninstall.NewWatcher(cfg.Uninstall.LaunchConfig, ctrl, logger.With(slog.String("component", "watcher")))
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("launch config watcher stopped", slog.Any("err", err))
			}
		}()
	}

	srv := server.New(*cfg, version.Version, logger.With(slog.String("component", "server")))
	srv.SetPlanRunner(sched)
	srv.SetPodQuerier(rec)
	srv.SetUninstaller(ctrl)
	srv.SetBus(bus)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if *startPlan != "" {
		if err := sched.StartPlan(ctx, *startPlan); err != nil {
			logger.Error("start plan", slog.String("plan", *startPlan), slog.Any("err", err))
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop", slog.Any("err", err))
	}
	return nil
}

// openStore opens the configured task store and returns its closer.
func openStore(cfg *config.Config) (task.Store, func() error, error) {
	if cfg.Store.Driver == "memory" {
		return task.NewMemStore(), func() error { return nil }, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	s, err := task.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}
	return s, s.Close, nil
}
