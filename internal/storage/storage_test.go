package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/affinode/gpumonitord/internal/classify"
	"github.com/affinode/gpumonitord/internal/gpu"
	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "data"), filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// R1: insert a synthetic session, read it back, fields equal.
func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	start := time.Now().UnixMilli()
	if err := s.InsertSession(ctx, Session{
		ID: id, StartTime: start, Model: "llama3", PromptTokens: 12,
	}); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	end := start + 4200
	tps, ttft, tpot := 38.5, 210.0, 26.4
	if err := s.CompleteSession(ctx, Session{
		ID: id, EndTime: &end, PromptTokens: 12, CompletionTokens: 160, TotalTokens: 172,
		TokensPerSecond: &tps, TimeToFirstTokenMs: &ttft, TimePerOutputTokenMs: &tpot,
	}); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	got, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Model != "llama3" || got.CompletionTokens != 160 || got.TotalTokens != 172 {
		t.Errorf("unexpected session fields: %+v", got)
	}
	if got.EndTime == nil || *got.EndTime != end {
		t.Errorf("expected end_time %d, got %+v", end, got.EndTime)
	}
	if got.TokensPerSecond == nil || *got.TokensPerSecond != tps {
		t.Errorf("expected tokens_per_second %f, got %+v", tps, got.TokensPerSecond)
	}
}

// P3: K devices produce K gpu_metrics rows sharing one timestamp.
func TestWriteTickWritesOneRowPerDevice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	devices := []gpu.DeviceSnapshot{
		{Index: 0, Name: "GPU-0", UtilizationGPU: 10, MemoryUsed: 1 << 30, MemoryTotal: 8 << 30, TemperatureC: 55, PowerWatts: 80},
		{Index: 1, Name: "GPU-1", UtilizationGPU: 90, MemoryUsed: 6 << 30, MemoryTotal: 8 << 30, TemperatureC: 70, PowerWatts: 220},
	}
	if err := s.WriteTick(ctx, now, devices, nil); err != nil {
		t.Fatalf("WriteTick: %v", err)
	}

	rows, err := s.ListGPUMetrics(ctx)
	if err != nil {
		t.Fatalf("ListGPUMetrics: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 gpu_metrics rows, got %d", len(rows))
	}
	if rows[0].Timestamp != rows[1].Timestamp {
		t.Errorf("expected shared timestamp across devices in one tick")
	}
}

func TestWriteTickWritesProcessEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	records := []classify.Record{
		{PID: 111, Name: "ollama", Category: classify.CategoryLLM, GPUMemoryBytes: 4 << 30, GPUUtilization: 30, DurationSeconds: 12.5},
	}
	if err := s.WriteTick(ctx, now, nil, records); err != nil {
		t.Fatalf("WriteTick: %v", err)
	}

	rows, err := s.ListProcessEvents(ctx)
	if err != nil {
		t.Fatalf("ListProcessEvents: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 process_events row, got %d", len(rows))
	}
	if rows[0].Category != string(classify.CategoryLLM) || rows[0].PID != 111 {
		t.Errorf("unexpected row: %+v", rows[0])
	}
}

// R2 / P4 / P5: write N aged rows, run maintenance, confirm the hot store is
// emptied and an archive_log row accounts for exactly N archived records.
func TestMaintenanceArchivesAgedRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -30)
	const n = 5
	for i := 0; i < n; i++ {
		devices := []gpu.DeviceSnapshot{{Index: 0, Name: "GPU-0", UtilizationGPU: uint32(i), TemperatureC: 50}}
		if err := s.WriteTick(ctx, old.Add(time.Duration(i)*time.Minute), devices, nil); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}

	if err := s.RunMaintenance(ctx, time.Now(), 7, true); err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}

	count, err := s.CountRows(ctx, "gpu_metrics")
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if count != 0 {
		t.Errorf("expected hot store emptied after archival, got %d rows", count)
	}

	var archived int64
	row := s.db.QueryRowContext(ctx, `SELECT SUM(records_archived) FROM archive_log WHERE table_name = 'gpu_metrics'`)
	if err := row.Scan(&archived); err != nil {
		t.Fatalf("scanning archive_log: %v", err)
	}
	if archived != n {
		t.Errorf("expected %d archived records logged, got %d", n, archived)
	}
}

// Two maintenance passes within the same UTC day must not write to the same
// archive file: the second pass would otherwise truncate the first pass's
// already-archived Parquet file out from under its still-valid archive_log
// row.
func TestMaintenanceTwicePerDayUsesDistinctArchiveFiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -30)
	if err := s.WriteTick(ctx, old, []gpu.DeviceSnapshot{{Index: 0, Name: "GPU-0", UtilizationGPU: 1}}, nil); err != nil {
		t.Fatalf("WriteTick (pass 1): %v", err)
	}
	firstRun := time.Now()
	if err := s.RunMaintenance(ctx, firstRun, 7, true); err != nil {
		t.Fatalf("RunMaintenance (pass 1): %v", err)
	}

	if err := s.WriteTick(ctx, old.Add(time.Minute), []gpu.DeviceSnapshot{{Index: 0, Name: "GPU-0", UtilizationGPU: 2}}, nil); err != nil {
		t.Fatalf("WriteTick (pass 2): %v", err)
	}
	secondRun := firstRun.Add(time.Second)
	if err := s.RunMaintenance(ctx, secondRun, 7, true); err != nil {
		t.Fatalf("RunMaintenance (pass 2): %v", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT parquet_file FROM archive_log WHERE table_name = 'gpu_metrics' ORDER BY id`)
	if err != nil {
		t.Fatalf("querying archive_log: %v", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			t.Fatalf("scanning parquet_file: %v", err)
		}
		paths = append(paths, p)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 archive_log rows, got %d: %v", len(paths), paths)
	}
	if paths[0] == paths[1] {
		t.Errorf("both maintenance passes wrote the same archive file %q, second pass would have overwritten the first", paths[0])
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected archive file %q to still exist on disk: %v", p, err)
		}
	}
}

// When the batch boundary falls inside a group of rows sharing a timestamp,
// archival must delete exactly the archived ids, not every row with that
// timestamp — otherwise rows never written to Parquet are lost.
func TestMaintenanceBatchBoundaryOnSharedTimestampDoesNotLoseRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	origBatchSize := archiveBatchSize
	archiveBatchSize = 2
	t.Cleanup(func() { archiveBatchSize = origBatchSize })

	old := time.Now().AddDate(0, 0, -30)
	const sameTick = 3
	for i := 0; i < sameTick; i++ {
		devices := []gpu.DeviceSnapshot{{Index: i, Name: "GPU-shared", UtilizationGPU: uint32(i)}}
		if err := s.WriteTick(ctx, old, devices, nil); err != nil {
			t.Fatalf("WriteTick (shared tick %d): %v", i, err)
		}
	}
	// A later tick, strictly after, so with a batch size of 2 the boundary
	// falls inside the shared-timestamp group and a second batch is needed.
	if err := s.WriteTick(ctx, old.Add(time.Minute), []gpu.DeviceSnapshot{{Index: 9, Name: "GPU-later", UtilizationGPU: 99}}, nil); err != nil {
		t.Fatalf("WriteTick (later tick): %v", err)
	}

	if err := s.RunMaintenance(ctx, time.Now(), 7, true); err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}

	count, err := s.CountRows(ctx, "gpu_metrics")
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if count != 0 {
		t.Errorf("expected hot store emptied after archival, got %d rows", count)
	}

	var archived int64
	row := s.db.QueryRowContext(ctx, `SELECT SUM(records_archived) FROM archive_log WHERE table_name = 'gpu_metrics'`)
	if err := row.Scan(&archived); err != nil {
		t.Fatalf("scanning archive_log: %v", err)
	}
	if archived != sameTick+1 {
		t.Errorf("expected %d archived records logged, got %d (rows sharing a timestamp with the batch boundary were likely dropped)", sameTick+1, archived)
	}
}

func TestMaintenanceWithoutArchivalDeletesDirectly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -30)
	devices := []gpu.DeviceSnapshot{{Index: 0, Name: "GPU-0", UtilizationGPU: 1}}
	if err := s.WriteTick(ctx, old, devices, nil); err != nil {
		t.Fatalf("WriteTick: %v", err)
	}

	if err := s.RunMaintenance(ctx, time.Now(), 7, false); err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}

	count, err := s.CountRows(ctx, "gpu_metrics")
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if count != 0 {
		t.Errorf("expected rows deleted without archival, got %d", count)
	}
}

func TestIsoWeekStartIsMonday(t *testing.T) {
	wed := time.Date(2026, time.March, 11, 15, 30, 0, 0, time.UTC) // a Wednesday
	start := isoWeekStart(wed)
	if start.Weekday() != time.Monday {
		t.Errorf("expected Monday, got %s", start.Weekday())
	}
	if start.After(wed) {
		t.Errorf("week start %s must not be after %s", start, wed)
	}
}
