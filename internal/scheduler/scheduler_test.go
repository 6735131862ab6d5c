package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/affinode/gpumonitord/internal/classify"
	"github.com/affinode/gpumonitord/internal/gpu"
	"github.com/affinode/gpumonitord/internal/process"
	"github.com/affinode/gpumonitord/internal/storage"
)

type fakeBackend struct {
	snap *gpu.Snapshot
	err  error
}

func (f *fakeBackend) Poll(ctx context.Context) (*gpu.Snapshot, error) { return f.snap, f.err }
func (f *fakeBackend) Close() error                                   { return nil }

// fakeProcessTable is a deterministic ProcessSource: Refresh is a no-op so
// tests control exactly which pids are resolvable, instead of whatever the
// test machine's real process tree happens to contain.
type fakeProcessTable struct {
	infos map[uint32]process.Info
}

func (f *fakeProcessTable) Refresh(ctx context.Context) error { return nil }
func (f *fakeProcessTable) Lookup(pid uint32) (process.Info, bool) {
	info, ok := f.infos[pid]
	return info, ok
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.Open(filepath.Join(dir, "data"), filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunSamplingTickWritesDevicesAndEvents(t *testing.T) {
	store := openTestStore(t)
	log := zap.NewNop()

	backend := &fakeBackend{snap: &gpu.Snapshot{
		Devices: []gpu.DeviceSnapshot{
			{Index: 0, Name: "GPU-0", UtilizationGPU: 50, Processes: []gpu.ProcessMemoryEntry{{PID: 123, Bytes: 1 << 20}}},
		},
	}}
	table := &fakeProcessTable{infos: map[uint32]process.Info{
		123: {PID: 123, Name: "job"},
	}}

	s := &Scheduler{
		cfg:        Config{PollInterval: time.Second},
		log:        log,
		gpuBackend: backend,
		procTable:  table,
		classifier: classify.New(classify.DefaultRules()),
		store:      store,
	}

	s.runSamplingTick(context.Background(), time.Now())

	rows, err := store.ListGPUMetrics(context.Background())
	if err != nil {
		t.Fatalf("ListGPUMetrics: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 gpu_metrics row, got %d", len(rows))
	}

	events, err := store.ListProcessEvents(context.Background())
	if err != nil {
		t.Fatalf("ListProcessEvents: %v", err)
	}
	if len(events) != 1 || events[0].PID != 123 {
		t.Fatalf("expected 1 process event for pid 123, got %+v", events)
	}
}

func TestRunSamplingTickSkipsOnPollError(t *testing.T) {
	store := openTestStore(t)
	log := zap.NewNop()

	backend := &fakeBackend{err: &gpu.PollTransientError{}}
	table := &fakeProcessTable{infos: map[uint32]process.Info{}}

	s := &Scheduler{
		cfg:        Config{PollInterval: time.Second},
		log:        log,
		gpuBackend: backend,
		procTable:  table,
		classifier: classify.New(classify.DefaultRules()),
		store:      store,
	}

	s.runSamplingTick(context.Background(), time.Now())

	rows, err := store.ListGPUMetrics(context.Background())
	if err != nil {
		t.Fatalf("ListGPUMetrics: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows written on poll error, got %d", len(rows))
	}
}
