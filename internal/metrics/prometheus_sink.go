package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/affinode/gpumonitord/internal/gpu"
	"github.com/affinode/gpumonitord/internal/storage"
)

// PrometheusSink is a direct generalization of the device/process exporter
// pattern: one GaugeVec per metric, labeled with prometheus.Labels, with
// stale device series deleted by diffing against the previous tick's label
// key set.
type PrometheusSink struct {
	log *zap.Logger

	gpuUtilization *prometheus.GaugeVec
	memUtilization *prometheus.GaugeVec
	memUsedBytes   *prometheus.GaugeVec
	memTotalBytes  *prometheus.GaugeVec
	temperature    *prometheus.GaugeVec
	powerWatts     *prometheus.GaugeVec

	sessionTokensPerSecond *prometheus.GaugeVec
	sessionTTFTMillis      *prometheus.GaugeVec
	sessionTotalTokens     *prometheus.GaugeVec

	prevDeviceKeys map[string]bool

	deviceCh  chan []gpu.DeviceSnapshot
	sessionCh chan storage.Session
	done      chan struct{}
}

// NewPrometheusSink builds and registers every gauge against registerer
// (typically prometheus.DefaultRegisterer).
func NewPrometheusSink(registerer prometheus.Registerer, log *zap.Logger) *PrometheusSink {
	deviceLabels := []string{"gpu_id", "gpu_name"}

	s := &PrometheusSink{
		log: log,
		gpuUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_utilization_percent",
			Help: "GPU compute utilization percentage.",
		}, deviceLabels),
		memUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_memory_utilization_percent",
			Help: "GPU memory controller utilization percentage.",
		}, deviceLabels),
		memUsedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_memory_used_bytes",
			Help: "GPU memory currently in use, in bytes.",
		}, deviceLabels),
		memTotalBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_memory_total_bytes",
			Help: "Total GPU memory, in bytes.",
		}, deviceLabels),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_temperature_celsius",
			Help: "GPU die temperature in degrees Celsius.",
		}, deviceLabels),
		powerWatts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_power_watts",
			Help: "GPU power draw in watts.",
		}, deviceLabels),
		sessionTokensPerSecond: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_session_tokens_per_second",
			Help: "Completion tokens per second for the most recently finalized session, by model.",
		}, []string{"model"}),
		sessionTTFTMillis: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_session_time_to_first_token_ms",
			Help: "Time to first token, in milliseconds, for the most recently finalized session, by model.",
		}, []string{"model"}),
		sessionTotalTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_session_total_tokens",
			Help: "Total tokens for the most recently finalized session, by model.",
		}, []string{"model"}),
		prevDeviceKeys: make(map[string]bool),
		deviceCh:       make(chan []gpu.DeviceSnapshot, queueDepth),
		sessionCh:      make(chan storage.Session, queueDepth),
		done:           make(chan struct{}),
	}

	registerer.MustRegister(
		s.gpuUtilization, s.memUtilization, s.memUsedBytes, s.memTotalBytes,
		s.temperature, s.powerWatts,
		s.sessionTokensPerSecond, s.sessionTTFTMillis, s.sessionTotalTokens,
	)

	go s.run()
	return s
}

// RecordDevices enqueues one tick's device snapshots for the worker
// goroutine; queueDepth bounds memory if the worker is wedged, dropping the
// oldest pending tick rather than blocking the scheduler.
func (s *PrometheusSink) RecordDevices(devices []gpu.DeviceSnapshot) {
	select {
	case s.deviceCh <- devices:
	default:
		select {
		case <-s.deviceCh:
		default:
		}
		s.deviceCh <- devices
	}
}

// RecordSession enqueues a finalized session the same way.
func (s *PrometheusSink) RecordSession(sess storage.Session) {
	select {
	case s.sessionCh <- sess:
	default:
		select {
		case <-s.sessionCh:
		default:
		}
		s.sessionCh <- sess
	}
}

func (s *PrometheusSink) run() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("prometheus sink worker panicked, sink disabled", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case devices := <-s.deviceCh:
			s.applyDevices(devices)
		case sess := <-s.sessionCh:
			s.applySession(sess)
		case <-s.done:
			return
		}
	}
}

// applyDevices sets every gauge for the tick's devices, then deletes series
// for any device present last tick but absent this one — the same
// previous-key-set diffing the teacher's exporter uses for idle processes,
// retargeted to devices.
func (s *PrometheusSink) applyDevices(devices []gpu.DeviceSnapshot) {
	currentKeys := make(map[string]bool, len(devices))

	for _, d := range devices {
		key := fmt.Sprintf("%d", d.Index)
		labels := prometheus.Labels{"gpu_id": key, "gpu_name": d.Name}

		s.gpuUtilization.With(labels).Set(float64(d.UtilizationGPU))
		s.memUtilization.With(labels).Set(float64(d.UtilizationMem))
		s.memUsedBytes.With(labels).Set(float64(d.MemoryUsed))
		s.memTotalBytes.With(labels).Set(float64(d.MemoryTotal))
		s.temperature.With(labels).Set(float64(d.TemperatureC))
		s.powerWatts.With(labels).Set(d.PowerWatts)

		currentKeys[key] = true
	}

	for key := range s.prevDeviceKeys {
		if currentKeys[key] {
			continue
		}
		labels := prometheus.Labels{"gpu_id": key}
		s.gpuUtilization.DeletePartialMatch(labels)
		s.memUtilization.DeletePartialMatch(labels)
		s.memUsedBytes.DeletePartialMatch(labels)
		s.memTotalBytes.DeletePartialMatch(labels)
		s.temperature.DeletePartialMatch(labels)
		s.powerWatts.DeletePartialMatch(labels)
	}
	s.prevDeviceKeys = currentKeys
}

func (s *PrometheusSink) applySession(sess storage.Session) {
	labels := prometheus.Labels{"model": sess.Model}
	if sess.TokensPerSecond != nil {
		s.sessionTokensPerSecond.With(labels).Set(*sess.TokensPerSecond)
	}
	if sess.TimeToFirstTokenMs != nil {
		s.sessionTTFTMillis.With(labels).Set(*sess.TimeToFirstTokenMs)
	}
	s.sessionTotalTokens.With(labels).Set(float64(sess.TotalTokens))
}

// Close stops the worker goroutine. In-flight queued samples are dropped.
func (s *PrometheusSink) Close() error {
	close(s.done)
	return nil
}
