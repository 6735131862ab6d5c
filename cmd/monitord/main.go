// Command monitord is the GPU/LLM monitoring daemon (C7's host process):
// it loads configuration, wires C1-C6 together, and runs the scheduler
// until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/affinode/gpumonitord/internal/classify"
	"github.com/affinode/gpumonitord/internal/config"
	"github.com/affinode/gpumonitord/internal/gpu"
	"github.com/affinode/gpumonitord/internal/llmproxy"
	"github.com/affinode/gpumonitord/internal/logging"
	"github.com/affinode/gpumonitord/internal/metrics"
	"github.com/affinode/gpumonitord/internal/process"
	"github.com/affinode/gpumonitord/internal/scheduler"
	"github.com/affinode/gpumonitord/internal/storage"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "monitord",
		Short: "GPU utilization and LLM inference monitoring daemon",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config.toml (default ~/.config/monitord/config.toml)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a start-up error to its exit code: 1 for failures
// diagnosed before the scheduler ever ran, and for a listener that cannot
// bind (which surfaces from inside Run), 2 for anything else that surfaces
// once the daemon was already live.
func exitCodeFor(err error) int {
	var invalid *config.InvalidError
	var initFailed *gpu.InitFailedError
	var fatal *storage.FatalError
	var listenFailed *scheduler.ListenFailedError
	if errors.As(err, &invalid) || errors.As(err, &initFailed) || errors.As(err, &fatal) || errors.As(err, &listenFailed) {
		return 1
	}
	return 2
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Service.LogLevel)
	if err != nil {
		return &config.InvalidError{Reason: fmt.Sprintf("service.log_level invalid: %v", err)}
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gpuBackend, err := gpu.New(ctx, cfg.GPU.EnableLibrary, cfg.GPU.FallbackToCLI, logging.Component(log, "gpu"))
	if err != nil {
		return err
	}
	defer gpuBackend.Close()

	store, err := storage.Open(cfg.Service.DataDir, archivePath(cfg.Service.DataDir, cfg.Storage.ArchiveDir))
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	var sinks []metrics.MetricSink
	if cfg.Telemetry.EnablePrometheus {
		sinks = append(sinks, metrics.NewPrometheusSink(registry, logging.Component(log, "metrics.prometheus")))
	}
	if cfg.Telemetry.EnableOTLP {
		otlpSink, err := metrics.NewOTLPSink(ctx, cfg.Telemetry.OTLPEndpoint, logging.Component(log, "metrics.otlp"))
		if err != nil {
			log.Warn("otlp sink disabled: failed to initialize", zap.Error(err))
		} else {
			sinks = append(sinks, otlpSink)
		}
	}
	fanout := metrics.NewFanout(sinks...)
	defer fanout.Close()

	procTable := process.New()
	classifier := classify.New(classify.DefaultRules())

	var proxyServer *http.Server
	if cfg.LLM.EnableProxy {
		proxy, err := llmproxy.New(cfg.LLM.BackendURL, store, fanout, logging.Component(log, "llmproxy"))
		if err != nil {
			return &config.InvalidError{Reason: fmt.Sprintf("llm.backend_url invalid: %v", err)}
		}
		proxyServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.LLM.ProxyPort),
			Handler: proxy,
		}
	}

	var metricsServer *http.Server
	if cfg.Telemetry.EnablePrometheus {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort),
			Handler: mux,
		}
	}

	var llmMonitor *scheduler.LLMMonitorLoop
	if cfg.LLM.Enabled {
		llmMonitor = scheduler.NewLLMMonitorLoop(cfg.LLM.APIURL, 5*time.Second, registry, logging.Component(log, "llmmonitor"))
	}

	sched := scheduler.New(
		scheduler.Config{
			PollInterval:        cfg.Service.PollInterval(),
			MaintenanceInterval: time.Hour,
			LLMMonitorInterval:  5 * time.Second,
			LLMMonitorEnabled:   cfg.LLM.Enabled,
			RetentionDays:       cfg.Storage.RetentionDays,
			ArchivalEnabled:     cfg.Storage.EnableParquetArchival,
		},
		log,
		gpuBackend,
		procTable,
		classifier,
		store,
		fanout,
		proxyServer,
		metricsServer,
		llmMonitor,
	)

	log.Info("monitord starting",
		zap.Duration("poll_interval", cfg.Service.PollInterval()),
		zap.String("data_dir", cfg.Service.DataDir),
		zap.Bool("llm_proxy_enabled", cfg.LLM.EnableProxy),
	)

	if err := sched.Run(ctx); err != nil {
		log.Error("scheduler exited with error", zap.Error(err))
		return err
	}

	log.Info("monitord shut down cleanly")
	return nil
}

// archivePath resolves the configured archive_dir relative to data_dir
// unless it is already absolute.
func archivePath(dataDir, archiveDir string) string {
	if archiveDir == "" {
		archiveDir = "archive"
	}
	if filepath.IsAbs(archiveDir) {
		return archiveDir
	}
	return filepath.Join(dataDir, archiveDir)
}
