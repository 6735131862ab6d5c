package storage

import (
	"context"
	"time"
)

// archiveBatchSize bounds how many rows are pulled into memory per table per
// maintenance pass. A var, not a const, so tests can shrink it to exercise
// the multi-batch path without writing tens of thousands of rows.
var archiveBatchSize = 10000

// RunMaintenance executes one retention pass: summaries for the window
// about to leave the hot store are rebuilt first, then rows older than
// retentionDays are archived to Parquet and deleted — deletion only
// happens after the archive file is durably written, so a crash mid-pass
// leaves rows in place for the next cycle to retry rather than losing them.
func (s *Store) RunMaintenance(ctx context.Context, now time.Time, retentionDays int, archiveEnabled bool) error {
	cutoff := now.AddDate(0, 0, -retentionDays)

	if err := s.rebuildSummariesUpTo(ctx, cutoff); err != nil {
		return err
	}

	if !archiveEnabled {
		return s.deleteOlderThan(ctx, cutoff)
	}

	if err := s.archiveTable(ctx, "gpu_metrics", now, cutoff); err != nil {
		return err
	}
	if err := s.archiveTable(ctx, "process_events", now, cutoff); err != nil {
		return err
	}
	return nil
}

// rebuildSummariesUpTo recomputes weekly_summaries for every ISO week whose
// span falls entirely before cutoff, so retention never discards an event
// that hasn't yet contributed to a summary row.
func (s *Store) rebuildSummariesUpTo(ctx context.Context, cutoff time.Time) error {
	var minTS int64
	row := s.db.QueryRowContext(ctx, `SELECT MIN(timestamp) FROM process_events WHERE timestamp < ?`, cutoff.UnixMilli())
	if err := row.Scan(&minTS); err != nil {
		return nil // no rows old enough yet
	}
	if minTS == 0 {
		return nil
	}

	weekStart := isoWeekStart(time.UnixMilli(minTS))
	for weekStart.Before(cutoff) {
		weekEnd := weekStart.AddDate(0, 0, 7)
		if weekEnd.After(cutoff) {
			break // this week isn't fully closed out yet
		}
		if err := s.rebuildWeeklySummaries(ctx, weekStart, weekEnd); err != nil {
			return err
		}
		weekStart = weekEnd
	}
	return nil
}

// deleteOlderThan removes aged rows directly, used when Parquet archival is
// disabled in configuration.
func (s *Store) deleteOlderThan(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gpu_metrics WHERE timestamp < ?`, cutoff.UnixMilli()); err != nil {
		return &WriteFailedError{Cause: err}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM process_events WHERE timestamp < ?`, cutoff.UnixMilli()); err != nil {
		return &WriteFailedError{Cause: err}
	}
	return nil
}

func (s *Store) archiveTable(ctx context.Context, table string, now, cutoff time.Time) error {
	switch table {
	case "gpu_metrics":
		return s.archiveGPUMetrics(ctx, now, cutoff)
	case "process_events":
		return s.archiveProcessEvents(ctx, now, cutoff)
	default:
		return nil
	}
}

func (s *Store) archiveGPUMetrics(ctx context.Context, now, cutoff time.Time) error {
	for batch := 0; ; batch++ {
		rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, gpu_id, name, utilization_gpu,
			utilization_memory, memory_used, memory_total, temperature, power_usage
			FROM gpu_metrics WHERE timestamp < ? ORDER BY id LIMIT ?`, cutoff.UnixMilli(), archiveBatchSize)
		if err != nil {
			return &ArchivalFailedError{Table: "gpu_metrics", Cause: err}
		}

		var rowBatch []archivedGPUMetric
		var maxID int64
		for rows.Next() {
			var id int64
			var r archivedGPUMetric
			if err := rows.Scan(&id, &r.Timestamp, &r.GPUID, &r.Name, &r.UtilizationGPU,
				&r.UtilizationMemory, &r.MemoryUsed, &r.MemoryTotal, &r.Temperature, &r.PowerUsage); err != nil {
				rows.Close()
				return &ArchivalFailedError{Table: "gpu_metrics", Cause: err}
			}
			rowBatch = append(rowBatch, r)
			maxID = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return &ArchivalFailedError{Table: "gpu_metrics", Cause: err}
		}
		if len(rowBatch) == 0 {
			return nil
		}

		path := s.archivePath(archiveFileName("gpu_metrics", now, batch))
		if err := writeGPUMetricsParquet(path, rowBatch); err != nil {
			return &ArchivalFailedError{Table: "gpu_metrics", Cause: err}
		}

		if err := s.deleteArchivedAndLog(ctx, "gpu_metrics", now, maxID, len(rowBatch), path); err != nil {
			return err
		}

		if len(rowBatch) < archiveBatchSize {
			return nil
		}
	}
}

func (s *Store) archiveProcessEvents(ctx context.Context, now, cutoff time.Time) error {
	for batch := 0; ; batch++ {
		rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, pid, name, category, gpu_memory_mb,
			gpu_utilization, command_line, exe_path, duration_secs
			FROM process_events WHERE timestamp < ? ORDER BY id LIMIT ?`, cutoff.UnixMilli(), archiveBatchSize)
		if err != nil {
			return &ArchivalFailedError{Table: "process_events", Cause: err}
		}

		var rowBatch []archivedProcessEvent
		var maxID int64
		for rows.Next() {
			var id int64
			var r archivedProcessEvent
			if err := rows.Scan(&id, &r.Timestamp, &r.PID, &r.Name, &r.Category, &r.GPUMemoryMB,
				&r.GPUUtilization, &r.CommandLine, &r.ExePath, &r.DurationSecs); err != nil {
				rows.Close()
				return &ArchivalFailedError{Table: "process_events", Cause: err}
			}
			rowBatch = append(rowBatch, r)
			maxID = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return &ArchivalFailedError{Table: "process_events", Cause: err}
		}
		if len(rowBatch) == 0 {
			return nil
		}

		path := s.archivePath(archiveFileName("process_events", now, batch))
		if err := writeProcessEventsParquet(path, rowBatch); err != nil {
			return &ArchivalFailedError{Table: "process_events", Cause: err}
		}

		if err := s.deleteArchivedAndLog(ctx, "process_events", now, maxID, len(rowBatch), path); err != nil {
			return err
		}

		if len(rowBatch) < archiveBatchSize {
			return nil
		}
	}
}

// deleteArchivedAndLog deletes exactly the rows that were just written to
// path (identified by their own ids, not by a timestamp range that could
// also match same-timestamp rows the batch didn't include) and records the
// archive_log entry, in one transaction run only after the Parquet file has
// already been written and closed successfully.
func (s *Store) deleteArchivedAndLog(ctx context.Context, table string, runAt time.Time, maxID int64, count int, path string) error {
	tx, cancel, err := s.beginTx(ctx)
	if err != nil {
		return &ArchivalFailedError{Table: table, Cause: err}
	}
	defer cancel()

	switch table {
	case "gpu_metrics":
		if _, err := tx.ExecContext(ctx, `DELETE FROM gpu_metrics WHERE id <= ?`, maxID); err != nil {
			tx.Rollback()
			return &ArchivalFailedError{Table: table, Cause: err}
		}
	case "process_events":
		if _, err := tx.ExecContext(ctx, `DELETE FROM process_events WHERE id <= ?`, maxID); err != nil {
			tx.Rollback()
			return &ArchivalFailedError{Table: table, Cause: err}
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO archive_log
		(archive_date, table_name, records_archived, parquet_file, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runAt.UnixMilli(), table, count, path, time.Now().UnixMilli()); err != nil {
		tx.Rollback()
		return &ArchivalFailedError{Table: table, Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return &ArchivalFailedError{Table: table, Cause: err}
	}
	return nil
}

func (s *Store) archivePath(name string) string {
	return s.archiveDir + "/" + name
}
