package storage

import "context"

// GPUMetricRow mirrors one row of gpu_metrics, used by tests and any future
// read-side tooling.
type GPUMetricRow struct {
	Timestamp         int64
	GPUID             int
	Name              string
	UtilizationGPU    uint32
	UtilizationMemory uint32
	MemoryUsed        uint64
	MemoryTotal       uint64
	Temperature       uint32
	PowerUsage        float64
}

// ProcessEventRow mirrors one row of process_events.
type ProcessEventRow struct {
	Timestamp      int64
	PID            uint32
	Name           string
	Category       string
	GPUMemoryMB    int64
	GPUUtilization uint32
	CommandLine    string
	ExePath        string
	DurationSecs   float64
}

// CountRows returns the current row count of table, used by maintenance
// tests to assert on what remains in the hot store.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quoteIdentifier(table))
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ListGPUMetrics returns every gpu_metrics row ordered by id, for tests.
func (s *Store) ListGPUMetrics(ctx context.Context) ([]GPUMetricRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp, gpu_id, name, utilization_gpu,
		utilization_memory, memory_used, memory_total, temperature, power_usage
		FROM gpu_metrics ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GPUMetricRow
	for rows.Next() {
		var r GPUMetricRow
		if err := rows.Scan(&r.Timestamp, &r.GPUID, &r.Name, &r.UtilizationGPU,
			&r.UtilizationMemory, &r.MemoryUsed, &r.MemoryTotal, &r.Temperature, &r.PowerUsage); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListProcessEvents returns every process_events row ordered by id, for
// tests.
func (s *Store) ListProcessEvents(ctx context.Context) ([]ProcessEventRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp, pid, name, category, gpu_memory_mb,
		gpu_utilization, command_line, exe_path, duration_secs
		FROM process_events ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProcessEventRow
	for rows.Next() {
		var r ProcessEventRow
		if err := rows.Scan(&r.Timestamp, &r.PID, &r.Name, &r.Category, &r.GPUMemoryMB,
			&r.GPUUtilization, &r.CommandLine, &r.ExePath, &r.DurationSecs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// quoteIdentifier allows CountRows to be called with a small fixed set of
// known table names without building a query string by concatenation
// everywhere it's needed.
func quoteIdentifier(name string) string {
	switch name {
	case "gpu_metrics", "process_events", "llm_sessions", "weekly_summaries", "archive_log":
		return name
	default:
		return "gpu_metrics"
	}
}
