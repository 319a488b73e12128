// rdmalat measures round-trip latency between two RDMA-capable hosts,
// running either as the measuring probe or as the reflecting agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-rdma/rdmalat/internal/agent"
	"github.com/go-rdma/rdmalat/internal/collector"
	"github.com/go-rdma/rdmalat/internal/config"
	"github.com/go-rdma/rdmalat/internal/metrics"
	"github.com/go-rdma/rdmalat/internal/probe"
	"github.com/go-rdma/rdmalat/internal/server"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

var (
	configPath  string
	verbosity   int
	showVersion bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rdmalat",
		Short:         "Measure RDMA round-trip latency against a remote agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRoot,
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.toml", "path to the TOML configuration file")
	cmd.Flags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable: warn, info, debug, trace)")
	cmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	// device/connection/test/output overrides, merged over the config
	// file by internal/config.Load's posflag layer.
	cmd.Flags().String("device.name", "", "RDMA device name override")
	cmd.Flags().Int("device.ib_port", 0, "RDMA device port override")
	cmd.Flags().String("connection.server_addr", "", "remote agent address override")
	cmd.Flags().Int("connection.server_port", 0, "remote agent port override")
	cmd.Flags().Int("test.msg_size", 0, "message size in bytes override")
	cmd.Flags().Int("test.iterations", 0, "measurement iteration count override")
	cmd.Flags().Bool("is_agent", false, "run as the reflecting agent instead of the measuring probe")
	cmd.Flags().String("output.metrics_addr", "", "optional Prometheus metrics listen address override")

	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	if showVersion {
		fmt.Printf("rdmalat v%s\ncommit: %s\nbuilt with: %s\n", version, commit, runtime.Version())
		return nil
	}

	fs := cmd.Flags()
	path := configPath
	if !fs.Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path, fs)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(verbosity)
	logger.Info("starting rdmalat",
		"role", roleName(cfg.IsAgent),
		"device", cfg.Device.Name,
		"server_addr", cfg.Connection.ServerAddr,
		"server_port", cfg.Connection.ServerPort,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// samples is the collector the running probe or agent inserts every
	// RTT sample into. It is constructed here, before the metrics server,
	// so both the HTTP exposition and the driver loop share the same
	// instance — otherwise /metrics could only ever show the process/Go
	// runtime collectors, never live RTT data.
	var samples *collector.SampleCollector
	var metricsSrv *server.Server
	if cfg.Output.MetricsAddr != "" {
		samples = collector.New(roleName(cfg.IsAgent))
		reg := metrics.NewRegistry(samples)
		metricsSrv = server.New(server.Options{ListenAddress: cfg.Output.MetricsAddr}, reg, logger)
		go func() {
			logger.Info("metrics server listening", "addr", cfg.Output.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil {
				logger.Error("metrics server exited with error", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", "err", err)
			}
		}()
	}

	if cfg.IsAgent {
		return agent.Run(ctx, cfg, logger, samples)
	}

	result, err := probe.Run(ctx, cfg, logger, samples)
	if err != nil {
		return fmt.Errorf("probe run: %w", err)
	}
	logger.Info("probe finished", "samples", result.Samples.Len())
	return nil
}

func roleName(isAgent bool) string {
	if isAgent {
		return "agent"
	}
	return "probe"
}

func newLogger(verbosity int) *slog.Logger {
	level := slog.LevelError
	switch {
	case verbosity >= 3:
		level = slog.LevelDebug - 4 // "trace": one notch below debug
	case verbosity == 2:
		level = slog.LevelDebug
	case verbosity == 1:
		level = slog.LevelInfo
	default:
		level = slog.LevelWarn
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
