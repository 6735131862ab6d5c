package storage

import (
	"context"
	"time"

	"github.com/affinode/gpumonitord/internal/classify"
	"github.com/affinode/gpumonitord/internal/gpu"
)

// WriteTick persists one sampling tick's device snapshots and classified
// process events in a single transaction: all rows for the tick either
// appear together or not at all.
func (s *Store) WriteTick(ctx context.Context, now time.Time, devices []gpu.DeviceSnapshot, records []classify.Record) error {
	write := func() error {
		tx, cancel, err := s.beginTx(ctx)
		if err != nil {
			return err
		}
		defer cancel()

		ts := now.UnixMilli()

		metricsStmt, err := tx.Prepare(`INSERT INTO gpu_metrics
			(timestamp, gpu_id, name, utilization_gpu, utilization_memory, memory_used, memory_total, temperature, power_usage)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer metricsStmt.Close()

		for _, d := range devices {
			if _, err := metricsStmt.ExecContext(ctx, ts, d.Index, d.Name, d.UtilizationGPU, d.UtilizationMem, d.MemoryUsed, d.MemoryTotal, d.TemperatureC, d.PowerWatts); err != nil {
				tx.Rollback()
				return err
			}
		}

		eventStmt, err := tx.Prepare(`INSERT INTO process_events
			(timestamp, pid, name, category, gpu_memory_mb, gpu_utilization, command_line, exe_path, duration_secs)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer eventStmt.Close()

		for _, r := range records {
			memMB := r.GPUMemoryBytes / (1024 * 1024)
			if _, err := eventStmt.ExecContext(ctx, ts, r.PID, r.Name, string(r.Category), memMB, r.GPUUtilization, r.CommandLine, r.ExePath, r.DurationSeconds); err != nil {
				tx.Rollback()
				return err
			}
		}

		return tx.Commit()
	}

	if err := write(); err != nil {
		time.Sleep(50 * time.Millisecond)
		if err2 := write(); err2 != nil {
			return &WriteFailedError{Cause: err2}
		}
	}
	return nil
}
