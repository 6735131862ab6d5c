// Package metrics implements C5: a fan-out of MetricSink implementations,
// each isolated behind its own queue/worker so one slow or failing sink
// never blocks another or the scheduler.
package metrics

import (
	"github.com/affinode/gpumonitord/internal/gpu"
	"github.com/affinode/gpumonitord/internal/storage"
)

// MetricSink is the fan-out target every concrete exporter implements.
// RecordDevices receives every device snapshot from one sampling tick
// together, so a sink can diff against the previous tick's device set and
// drop series for devices that disappeared.
type MetricSink interface {
	RecordDevices([]gpu.DeviceSnapshot)
	RecordSession(storage.Session)

	// Close stops the sink's worker and releases its resources; items still
	// in the internal queue are not delivered.
	Close() error
}

// queueDepth bounds each sink's internal buffer; a sink that can't keep up
// drops the oldest pending item rather than blocking the caller.
const queueDepth = 256

// Fanout broadcasts device and session events to every registered sink.
// Calls from the scheduler's perspective are non-blocking: Fanout itself
// never waits on a sink, each sink owns its own worker goroutine.
type Fanout struct {
	sinks []MetricSink
}

// NewFanout registers zero or more sinks; a nil sink in the slice is
// skipped.
func NewFanout(sinks ...MetricSink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// RecordDevices fans one tick's device snapshots out to every sink.
func (f *Fanout) RecordDevices(devices []gpu.DeviceSnapshot) {
	for _, s := range f.sinks {
		s.RecordDevices(devices)
	}
}

// RecordSession fans a finalized session out to every sink.
func (f *Fanout) RecordSession(sess storage.Session) {
	for _, s := range f.sinks {
		s.RecordSession(sess)
	}
}

// Close closes every registered sink, collecting but not stopping on
// individual failures.
func (f *Fanout) Close() error {
	var first error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
