// Package scheduler implements C7: the errgroup-orchestrated set of
// long-lived loops (sampling, LLM presence monitor, maintenance) plus the
// proxy listener, all sharing one cancellable context and one shutdown
// signal.
package scheduler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/affinode/gpumonitord/internal/classify"
	"github.com/affinode/gpumonitord/internal/gpu"
	"github.com/affinode/gpumonitord/internal/metrics"
	"github.com/affinode/gpumonitord/internal/process"
	"github.com/affinode/gpumonitord/internal/storage"
)

// shutdownDrainTimeout bounds how long the proxy listener waits for
// in-flight requests to finish once shutdown begins.
const shutdownDrainTimeout = 30 * time.Second

// Config holds the scheduler's tunable intervals, independent of the rest
// of internal/config so this package stays decoupled from viper.
type Config struct {
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	LLMMonitorInterval  time.Duration
	LLMMonitorEnabled   bool
	RetentionDays       int
	ArchivalEnabled     bool
}

// ProcessSource is the process-table dependency the sampling loop drives:
// refreshed from the OS once per tick, then consulted by the classifier.
type ProcessSource interface {
	process.Lookuper
	Refresh(ctx context.Context) error
}

// Scheduler owns the sampling, LLM-monitor, and maintenance loops plus the
// optional proxy HTTP listener and optional metrics HTTP listener.
type Scheduler struct {
	cfg Config
	log *zap.Logger

	gpuBackend gpu.Backend
	procTable  ProcessSource
	classifier *classify.Classifier
	store      *storage.Store
	sinks      *metrics.Fanout

	proxyServer   *http.Server
	metricsServer *http.Server
	llmMonitor    *LLMMonitorLoop
}

// New wires every component the scheduler's loops call into. Any of
// proxyServer/metricsServer/llmMonitor may be nil when that component is
// disabled in configuration.
func New(
	cfg Config,
	log *zap.Logger,
	gpuBackend gpu.Backend,
	procTable ProcessSource,
	classifier *classify.Classifier,
	store *storage.Store,
	sinks *metrics.Fanout,
	proxyServer *http.Server,
	metricsServer *http.Server,
	llmMonitor *LLMMonitorLoop,
) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		log:           log,
		gpuBackend:    gpuBackend,
		procTable:     procTable,
		classifier:    classifier,
		store:         store,
		sinks:         sinks,
		proxyServer:   proxyServer,
		metricsServer: metricsServer,
		llmMonitor:    llmMonitor,
	}
}

// Run starts every loop and blocks until ctx is cancelled (typically by a
// signal relay installed by the caller) and every loop has returned. The
// first loop to return a non-nil error cancels the shared context, causing
// the others to wind down.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.samplingLoop(gctx) })
	g.Go(func() error { return s.maintenanceLoop(gctx) })

	if s.llmMonitor != nil {
		g.Go(func() error { return s.llmMonitor.run(gctx) })
	}

	if s.proxyServer != nil {
		g.Go(func() error { return s.serveAndDrain(gctx, s.proxyServer) })
	}
	if s.metricsServer != nil {
		g.Go(func() error { return s.serveAndDrain(gctx, s.metricsServer) })
	}

	return g.Wait()
}

// serveAndDrain runs an HTTP server until ctx is cancelled, then shuts it
// down with a bounded drain deadline for in-flight requests.
func (s *Scheduler) serveAndDrain(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- &ListenFailedError{Addr: srv.Addr, Cause: err}
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// samplingLoop is C7's primary loop: poll -> refresh -> classify -> persist
// -> fan out, on a fixed clock edge with no catch-up cascade on a slow tick.
func (s *Scheduler) samplingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.runSamplingTick(ctx, now)
		}
	}
}

func (s *Scheduler) runSamplingTick(ctx context.Context, now time.Time) {
	snap, err := s.gpuBackend.Poll(ctx)
	if err != nil {
		s.log.Debug("gpu poll failed for this tick, skipping", zap.Error(err))
		return
	}

	if err := s.procTable.Refresh(ctx); err != nil {
		s.log.Warn("process table refresh failed, skipping tick", zap.Error(err))
		return
	}

	records := s.classifier.Classify(now, snap, s.procTable)

	if err := s.store.WriteTick(ctx, now, snap.Devices, records); err != nil {
		s.log.Warn("hot-store write failed for this tick", zap.Error(err))
	}

	if s.sinks != nil {
		s.sinks.RecordDevices(snap.Devices)
	}
}

// maintenanceLoop runs the hourly retention + archival pass.
func (s *Scheduler) maintenanceLoop(ctx context.Context) error {
	interval := s.cfg.MaintenanceInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := s.store.RunMaintenance(ctx, now, s.cfg.RetentionDays, s.cfg.ArchivalEnabled); err != nil {
				s.log.Warn("maintenance pass failed", zap.Error(err))
			}
		}
	}
}
