package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/refreshd/refreshd/internal/build"
	"github.com/refreshd/refreshd/internal/fetcher"
	"github.com/refreshd/refreshd/internal/logger"
	"github.com/refreshd/refreshd/internal/manager"
	"github.com/refreshd/refreshd/internal/metrics"
	"github.com/refreshd/refreshd/internal/sources"
)

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [flags]",
		Short: "Start the refresh daemon",
		Long: `Launch the daemon that schedules and executes source refreshes.

Example:
  refreshd start --sources=/path/to/sources.yaml

The daemon watches the sources file and applies changes without a restart.
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, err := NewContext(cmd)
			if err != nil {
				return err
			}
			return runStart(ctx)
		},
	}
	cmd.Flags().String("sources", "", "sources file path (overrides config)")
	cmd.Flags().String("metrics-addr", "", "metrics listen address (overrides config)")
	return cmd
}

func runStart(ctx *Context) error {
	cfg := ctx.Config
	if path, _ := ctx.Command.Flags().GetString("sources"); path != "" {
		cfg.SourcesFile = path
	}
	if addr, _ := ctx.Command.Flags().GetString("metrics-addr"); addr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = addr
	}

	logger.Info(ctx, "refreshd starting",
		"version", build.Version, "sources", cfg.SourcesFile)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr := manager.New(cfg.ManagerConfig())
	watcher := sources.NewWatcher(cfg.SourcesFile, mgr)
	fetch := fetcher.New(cfg.Fetch, watcher)

	if err := mgr.Initialize(runCtx, fetch.Refresh); err != nil {
		return fmt.Errorf("initialize manager: %w", err)
	}
	if err := watcher.Start(runCtx); err != nil {
		return fmt.Errorf("watch sources: %w", err)
	}

	var probe *fetcher.Probe
	if cfg.Probe.Enabled {
		probe = fetcher.NewProbe(cfg.Probe, mgr)
		probe.Start(runCtx)
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		reg := metrics.NewRegistry(metrics.NewCollector(build.Version, mgr))
		metricsSrv = metrics.NewServer(cfg.Metrics.Addr, reg)
		go func() {
			if err := metricsSrv.Start(runCtx); err != nil {
				logger.Error(runCtx, "metrics server failed", "err", err)
			}
		}()
	}

	<-runCtx.Done()
	logger.Info(ctx, "shutdown signal received")

	// Teardown uses a fresh context; the signal context is already done.
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer stopCancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(stopCtx); err != nil {
			logger.Warn(stopCtx, "metrics server shutdown failed", "err", err)
		}
	}
	if probe != nil {
		probe.Stop()
	}
	watcher.Stop()
	if err := mgr.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("shutdown manager: %w", err)
	}

	logger.Info(stopCtx, "refreshd stopped")
	return nil
}
