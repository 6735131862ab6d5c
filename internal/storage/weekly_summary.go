package storage

import (
	"context"
	"time"
)

// weeklySummaryRow is the per-(week, category) aggregate computed from
// process_events immediately before those rows are archived.
type weeklySummaryRow struct {
	weekStart         int64
	weekEnd           int64
	category          string
	totalDurationSecs float64
	avgGPUUtilization float64
	maxGPUUtilization int64
	totalGPUMemoryMB  int64
	eventCount        int64
}

// rebuildWeeklySummaries recomputes the weekly_summaries rows covering
// [weekStart, weekEnd) from process_events, upserting one row per category
// present in that window. Called from the retention pass, before the
// source rows in that window are archived away.
func (s *Store) rebuildWeeklySummaries(ctx context.Context, weekStart, weekEnd time.Time) error {
	rows, err := s.db.QueryContext(ctx, `SELECT category,
			SUM(duration_secs),
			AVG(gpu_utilization),
			MAX(gpu_utilization),
			SUM(gpu_memory_mb),
			COUNT(*)
		FROM process_events
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY category`, weekStart.UnixMilli(), weekEnd.UnixMilli())
	if err != nil {
		return &WriteFailedError{Cause: err}
	}
	defer rows.Close()

	var summaries []weeklySummaryRow
	for rows.Next() {
		var r weeklySummaryRow
		if err := rows.Scan(&r.category, &r.totalDurationSecs, &r.avgGPUUtilization,
			&r.maxGPUUtilization, &r.totalGPUMemoryMB, &r.eventCount); err != nil {
			return &WriteFailedError{Cause: err}
		}
		r.weekStart = weekStart.UnixMilli()
		r.weekEnd = weekEnd.UnixMilli()
		summaries = append(summaries, r)
	}
	if err := rows.Err(); err != nil {
		return &WriteFailedError{Cause: err}
	}

	tx, cancel, err := s.beginTx(ctx)
	if err != nil {
		return &WriteFailedError{Cause: err}
	}
	defer cancel()

	stmt, err := tx.Prepare(`INSERT INTO weekly_summaries
		(week_start, week_end, category, total_duration_secs, avg_gpu_utilization,
		 max_gpu_utilization, total_gpu_memory_mb, event_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(week_start, category) DO UPDATE SET
			week_end = excluded.week_end,
			total_duration_secs = excluded.total_duration_secs,
			avg_gpu_utilization = excluded.avg_gpu_utilization,
			max_gpu_utilization = excluded.max_gpu_utilization,
			total_gpu_memory_mb = excluded.total_gpu_memory_mb,
			event_count = excluded.event_count`)
	if err != nil {
		tx.Rollback()
		return &WriteFailedError{Cause: err}
	}
	defer stmt.Close()

	for _, r := range summaries {
		if _, err := stmt.ExecContext(ctx, r.weekStart, r.weekEnd, r.category,
			r.totalDurationSecs, r.avgGPUUtilization, r.maxGPUUtilization,
			r.totalGPUMemoryMB, r.eventCount); err != nil {
			tx.Rollback()
			return &WriteFailedError{Cause: err}
		}
	}

	return tx.Commit()
}

// isoWeekStart returns the Monday-midnight UTC boundary of t's ISO week.
func isoWeekStart(t time.Time) time.Time {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday -> 7, so Monday is day 1
	}
	daysSinceMonday := weekday - 1
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, -daysSinceMonday)
}
