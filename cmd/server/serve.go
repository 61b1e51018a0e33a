package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/api"
	"github.com/t77yq/taskscheduler/internal/catalog"
	"github.com/t77yq/taskscheduler/internal/clock"
	"github.com/t77yq/taskscheduler/internal/config"
	"github.com/t77yq/taskscheduler/internal/executor"
	"github.com/t77yq/taskscheduler/internal/handler"
	"github.com/t77yq/taskscheduler/internal/monitor"
	"github.com/t77yq/taskscheduler/internal/retry"
	"github.com/t77yq/taskscheduler/internal/runner"
	"github.com/t77yq/taskscheduler/internal/schedule"
	"github.com/t77yq/taskscheduler/internal/scheduler"
	"github.com/t77yq/taskscheduler/internal/service"
	"github.com/t77yq/taskscheduler/internal/storage"
	"github.com/t77yq/taskscheduler/internal/tracker"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler loop, monitor, workers and HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := storage.OpenSQLite(ctx, logger, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	nc, err := connectNATS(cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return errors.Wrap(err, "failed to create JetStream context")
	}

	clk := clock.Real{}
	backlog, err := schedule.ParseBacklogPolicy(cfg.Scheduler.BacklogPolicy)
	if err != nil {
		return err
	}

	natsRunner, err := runner.NewNATSRunner(js, logger)
	if err != nil {
		return err
	}
	rc := retry.NewController(retry.Policy{
		BaseDelay: cfg.Retry.BaseDelay,
		MaxDelay:  cfg.Retry.MaxDelay,
		Jitter:    cfg.Retry.Jitter,
	}, time.Now().UnixNano())
	tr := tracker.New(logger, store, natsRunner, rc, clk, tracker.Config{
		CancelTimeout:   cfg.Scheduler.CancelTimeout,
		TimeoutGrace:    cfg.Scheduler.TimeoutGrace,
		RedispatchAfter: cfg.Scheduler.RedispatchAfter,
		StoreTimeout:    cfg.Storage.Timeout,
	})
	reports, err := natsRunner.SubscribeReports(tr.HandleReport)
	if err != nil {
		return err
	}
	defer reports.Unsubscribe()

	var lease scheduler.Lease
	if cfg.Scheduler.Lease.Enabled {
		host, _ := os.Hostname()
		owner := fmt.Sprintf("%s-%d", host, os.Getpid())
		l, err := runner.NewLease(js, logger, cfg.Scheduler.Lease.Bucket, owner, cfg.Scheduler.Lease.TTL)
		if err != nil {
			return err
		}
		lease = l
	}
	dispatcher := scheduler.NewDispatcher(logger, store, tr, lease, clk, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		Backlog:      backlog,
		StoreTimeout: cfg.Storage.Timeout,
	})

	notifier, err := monitor.NewNATSNotifier(js, logger, cfg.Monitor.NotifyRate)
	if err != nil {
		return err
	}
	alerts := monitor.NewAlertManager(logger, store, clk, notifier, monitor.AlertConfig{
		RepeatedFailures: cfg.Monitor.RepeatedFailures,
		StaleFactor:      cfg.Monitor.StaleFactor,
	})
	detector := monitor.NewMissedRunDetector(logger, store, alerts, clk, cfg.Monitor.Grace)
	collector, err := monitor.NewMetricsCollector(js, store, clk, cfg.Monitor.StatsWindow, logger)
	if err != nil {
		return err
	}
	mon := monitor.New(logger, detector, alerts, collector, cfg.Monitor.Interval)

	builtins := handler.Builtins(cfg.Executor.WorkDir, logger)
	var runners []string
	if cfg.Executor.Enabled {
		for name := range builtins {
			runners = append(runners, name)
		}
		sort.Strings(runners)
	}
	cat := catalog.New(logger, store, clk, runners)
	svc := service.New(logger, store, cat, tr, alerts, clk, service.Config{
		Backlog: backlog,
		Retention: service.Retention{
			Logs:       cfg.Retention.Logs,
			Executions: cfg.Retention.Executions,
		},
	})

	if cfg.Executor.Enabled {
		worker, err := executor.NewExecutor(js, executor.Config{
			ID:    cfg.Executor.ID,
			Lanes: cfg.Executor.Lanes,
			Limits: executor.ResourceLimits{
				MaxCPU:    cfg.Executor.MaxCPU,
				MaxMemory: cfg.Executor.MaxMemory,
				MaxTasks:  cfg.Executor.MaxTasks,
			},
			HeartbeatInterval: cfg.Executor.HeartbeatInterval,
		}, logger)
		if err != nil {
			return err
		}
		for name, h := range builtins {
			worker.RegisterHandler(name, h)
		}
		if err := worker.Start(ctx); err != nil {
			return err
		}
		defer worker.Stop()
	}

	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	defer dispatcher.Stop()

	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()

	go runRetention(ctx, svc, cfg.Retention.Interval, logger)

	server := api.NewServer(cfg.API.Addr, cfg.API.ReadTimeout, svc, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.Info("Scheduler running",
		zap.String("api", cfg.API.Addr),
		zap.Bool("executor", cfg.Executor.Enabled),
		zap.Bool("lease", cfg.Scheduler.Lease.Enabled))

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	if err := notifier.Flush(shutdownCtx); err != nil {
		logger.Warn("Failed to flush alert notifications", zap.Error(err))
	}
	return nil
}

func runRetention(ctx context.Context, svc *service.Service, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Prune(ctx); err != nil {
				logger.Error("Retention pass failed", zap.Error(err))
			}
		}
	}
}
