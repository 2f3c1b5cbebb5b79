package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	selfheal "github.com/JohnPlummer/jp-go-selfheal"
	"github.com/JohnPlummer/jp-go-selfheal/promexport"
	"github.com/JohnPlummer/jp-go-selfheal/statusapi"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Probe dependencies and serve the status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			listen, _ := cmd.Flags().GetString("listen")

			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, cfg)
		},
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")

	return cmd
}

// runDaemon blocks until ctx is cancelled or the HTTP server fails.
func runDaemon(ctx context.Context, cfg *daemonConfig) error {
	logger := newLogger(os.Stderr, cfg)

	deps, err := buildDependencies(ctx, cfg.Dependencies)
	if err != nil {
		return err
	}
	defer closeDependencies(deps, logger)

	opts, err := monitorOptions(cfg, deps, logger)
	if err != nil {
		return err
	}

	monitor, err := selfheal.New(cfg.Monitor, opts...)
	if err != nil {
		return fmt.Errorf("creating monitor: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := promexport.New(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	exporter.Attach(monitor)
	defer exporter.Detach()

	for _, d := range deps {
		monitor.RegisterService(d.name, d.probe, d.metadata)
	}

	srv, err := statusapi.New(monitor, statusapi.Config{
		ListenAddr:  cfg.Listen,
		CORSOrigins: cfg.CORSOrigins,
		Gatherer:    reg,
	})
	if err != nil {
		return fmt.Errorf("creating status api: %w", err)
	}

	logger.Info("selfheald starting",
		"listen", cfg.Listen,
		"dependencies", len(deps),
		"rules", len(monitor.RecoveryRules()))

	monitor.Start()
	defer func() {
		monitor.Stop()
		if err := monitor.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
		logger.Info("selfheald stopped")
	}()

	return srv.Start(ctx)
}
