package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
)

// archivedGPUMetric and archivedProcessEvent are the Parquet-column layout
// for the two tables eligible for archival. Field order fixes column
// order; there is no schema evolution story.
type archivedGPUMetric struct {
	Timestamp         int64   `parquet:"timestamp"`
	GPUID             int64   `parquet:"gpu_id"`
	Name              string  `parquet:"name"`
	UtilizationGPU    int64   `parquet:"utilization_gpu"`
	UtilizationMemory int64   `parquet:"utilization_memory"`
	MemoryUsed        int64   `parquet:"memory_used"`
	MemoryTotal       int64   `parquet:"memory_total"`
	Temperature       int64   `parquet:"temperature"`
	PowerUsage        float64 `parquet:"power_usage"`
}

type archivedProcessEvent struct {
	Timestamp      int64   `parquet:"timestamp"`
	PID            int64   `parquet:"pid"`
	Name           string  `parquet:"name"`
	Category       string  `parquet:"category"`
	GPUMemoryMB    int64   `parquet:"gpu_memory_mb"`
	GPUUtilization int64   `parquet:"gpu_utilization"`
	CommandLine    string  `parquet:"command_line"`
	ExePath        string  `parquet:"exe_path"`
	DurationSecs   float64 `parquet:"duration_secs"`
}

// writeGPUMetricsParquet and writeProcessEventsParquet write rows to path in
// a single row group. There is one function per element type since
// parquet-go's generic writer needs it fixed at compile time.
func writeGPUMetricsParquet(path string, rows []archivedGPUMetric) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := parquet.NewGenericWriter[archivedGPUMetric](f)
	if _, err := w.Write(rows); err != nil {
		return fmt.Errorf("writing gpu_metrics rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	return nil
}

func writeProcessEventsParquet(path string, rows []archivedProcessEvent) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := parquet.NewGenericWriter[archivedProcessEvent](f)
	if _, err := w.Write(rows); err != nil {
		return fmt.Errorf("writing process_events rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	return nil
}

// archiveFileName builds the "<table>_<run-timestamp>[_<batch>].parquet"
// name used for both the on-disk file and the archive_log.parquet_file
// column. It is built from the archival run's own timestamp, not the
// retention cutoff, so two maintenance passes on the same calendar day
// never address the same path. batch disambiguates additional files within
// a single run when one table's eligible rows span more than one
// archiveBatchSize-sized pull.
func archiveFileName(table string, runAt time.Time, batch int) string {
	if batch == 0 {
		return fmt.Sprintf("%s_%s.parquet", table, runAt.UTC().Format("20060102_150405"))
	}
	return fmt.Sprintf("%s_%s_%d.parquet", table, runAt.UTC().Format("20060102_150405"), batch)
}
