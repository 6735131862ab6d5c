package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/affinode/gpumonitord/internal/gpu"
	"github.com/affinode/gpumonitord/internal/storage"
)

// otlpPushInterval is the SDK periodic reader's export cadence.
const otlpPushInterval = 15 * time.Second

// OTLPSink pushes device utilization, memory used, temperature and power,
// plus session token totals and tokens/s, through an OTLP/HTTP metrics
// exporter, as the metrics-family counterpart to the trace exporters the
// corpus wires elsewhere. Unlike PrometheusSink it has no memory-total or
// time-to-first-token instrument.
type OTLPSink struct {
	log *zap.Logger

	provider *sdkmetric.MeterProvider

	gpuUtilization metric.Float64Gauge
	memUtilization metric.Float64Gauge
	memUsedBytes   metric.Float64Gauge
	temperature    metric.Float64Gauge
	powerWatts     metric.Float64Gauge

	sessionTokens metric.Int64Counter
	sessionTPS    metric.Float64Gauge

	deviceCh  chan []gpu.DeviceSnapshot
	sessionCh chan storage.Session
	done      chan struct{}
}

// NewOTLPSink builds an OTLP/HTTP metric exporter targeting endpoint (host:port,
// no scheme) and starts the SDK's periodic reader.
func NewOTLPSink(ctx context.Context, endpoint string, log *zap.Logger) (*OTLPSink, error) {
	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(otlpPushInterval))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("gpumonitord")

	gpuUtilization, err := meter.Float64Gauge("gpu.utilization_percent")
	if err != nil {
		return nil, err
	}
	memUtilization, err := meter.Float64Gauge("gpu.memory_utilization_percent")
	if err != nil {
		return nil, err
	}
	memUsedBytes, err := meter.Float64Gauge("gpu.memory_used_bytes")
	if err != nil {
		return nil, err
	}
	temperature, err := meter.Float64Gauge("gpu.temperature_celsius")
	if err != nil {
		return nil, err
	}
	powerWatts, err := meter.Float64Gauge("gpu.power_watts")
	if err != nil {
		return nil, err
	}
	sessionTokens, err := meter.Int64Counter("llm.session_tokens_total")
	if err != nil {
		return nil, err
	}
	sessionTPS, err := meter.Float64Gauge("llm.session_tokens_per_second")
	if err != nil {
		return nil, err
	}

	s := &OTLPSink{
		log:            log,
		provider:       provider,
		gpuUtilization: gpuUtilization,
		memUtilization: memUtilization,
		memUsedBytes:   memUsedBytes,
		temperature:    temperature,
		powerWatts:     powerWatts,
		sessionTokens:  sessionTokens,
		sessionTPS:     sessionTPS,
		deviceCh:       make(chan []gpu.DeviceSnapshot, queueDepth),
		sessionCh:      make(chan storage.Session, queueDepth),
		done:           make(chan struct{}),
	}

	go s.run()
	return s, nil
}

// RecordDevices enqueues one tick's device snapshots for the worker
// goroutine, dropping the oldest pending tick under backpressure.
func (s *OTLPSink) RecordDevices(devices []gpu.DeviceSnapshot) {
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

// RecordSession enqueues a finalized session for the worker goroutine.
func (s *OTLPSink) RecordSession(sess storage.Session) {
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

func (s *OTLPSink) run() {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("otlp sink worker panicked, sink disabled", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case devices := <-s.deviceCh:
			for _, d := range devices {
				attrs := metric.WithAttributes(
					attribute.Int("gpu_id", d.Index),
					attribute.String("gpu_name", d.Name),
				)
				s.gpuUtilization.Record(ctx, float64(d.UtilizationGPU), attrs)
				s.memUtilization.Record(ctx, float64(d.UtilizationMem), attrs)
				s.memUsedBytes.Record(ctx, float64(d.MemoryUsed), attrs)
				s.temperature.Record(ctx, float64(d.TemperatureC), attrs)
				s.powerWatts.Record(ctx, d.PowerWatts, attrs)
			}
		case sess := <-s.sessionCh:
			attrs := metric.WithAttributes(attribute.String("model", sess.Model))
			s.sessionTokens.Add(ctx, sess.TotalTokens, attrs)
			if sess.TokensPerSecond != nil {
				s.sessionTPS.Record(ctx, *sess.TokensPerSecond, attrs)
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the worker goroutine and shuts down the SDK's meter provider,
// flushing any buffered export.
func (s *OTLPSink) Close() error {
	close(s.done)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.provider.Shutdown(ctx)
}
