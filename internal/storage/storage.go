// Package storage implements C4: the durable sink for GPU samples, process
// events, and LLM sessions, plus the retention/archival policy that moves
// aged rows out to Parquet.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// txTimeout bounds every hot-store transaction.
const txTimeout = 10 * time.Second

// schema is applied once at Open via CREATE TABLE IF NOT EXISTS; there is
// no migration framework because spec.md rules out schema evolution.
const schema = `
CREATE TABLE IF NOT EXISTS gpu_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	gpu_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	utilization_gpu INTEGER NOT NULL,
	utilization_memory INTEGER NOT NULL,
	memory_used INTEGER NOT NULL,
	memory_total INTEGER NOT NULL,
	temperature INTEGER NOT NULL,
	power_usage REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gpu_metrics_timestamp ON gpu_metrics(timestamp);
CREATE INDEX IF NOT EXISTS idx_gpu_metrics_gpu_id ON gpu_metrics(gpu_id);

CREATE TABLE IF NOT EXISTS llm_sessions (
	id TEXT PRIMARY KEY,
	start_time INTEGER NOT NULL,
	end_time INTEGER,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	tokens_per_second REAL,
	time_to_first_token_ms REAL,
	time_per_output_token_ms REAL
);
CREATE INDEX IF NOT EXISTS idx_llm_sessions_start_time ON llm_sessions(start_time);
CREATE INDEX IF NOT EXISTS idx_llm_sessions_model ON llm_sessions(model);

CREATE TABLE IF NOT EXISTS process_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	pid INTEGER NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	gpu_memory_mb INTEGER NOT NULL,
	gpu_utilization INTEGER NOT NULL,
	command_line TEXT,
	exe_path TEXT,
	duration_secs REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_events_timestamp ON process_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_process_events_category ON process_events(category);
CREATE INDEX IF NOT EXISTS idx_process_events_pid ON process_events(pid);

CREATE TABLE IF NOT EXISTS weekly_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	week_start INTEGER NOT NULL,
	week_end INTEGER NOT NULL,
	category TEXT NOT NULL,
	total_duration_secs REAL NOT NULL,
	avg_gpu_utilization REAL NOT NULL,
	max_gpu_utilization INTEGER NOT NULL,
	total_gpu_memory_mb INTEGER NOT NULL,
	event_count INTEGER NOT NULL,
	UNIQUE(week_start, category)
);

CREATE TABLE IF NOT EXISTS archive_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	archive_date INTEGER NOT NULL,
	table_name TEXT NOT NULL,
	records_archived INTEGER NOT NULL,
	parquet_file TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Store owns the hot-store connection and the archive directory path.
type Store struct {
	db         *sql.DB
	archiveDir string
}

// Open opens (creating if absent) the SQLite-backed hot store at
// dataDir/monitord.db and ensures the archive directory exists.
//
// The pool is pinned to a single connection: SQLite serializes writers
// regardless, and pinning makes "the scheduler holds one writer slot per
// tick" a property of the pool rather than of hand-rolled locking.
func Open(dataDir, archiveDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, &FatalError{Cause: fmt.Errorf("creating data dir: %w", err)}
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, &FatalError{Cause: fmt.Errorf("creating archive dir: %w", err)}
	}

	dbPath := filepath.Join(dataDir, "monitord.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, &FatalError{Cause: fmt.Errorf("opening %s: %w", dbPath, err)}
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &FatalError{Cause: fmt.Errorf("applying schema: %w", err)}
	}

	return &Store{db: db, archiveDir: archiveDir}, nil
}

// Close releases the hot-store connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) beginTx(ctx context.Context) (*sql.Tx, context.CancelFunc, error) {
	txCtx, cancel := context.WithTimeout(ctx, txTimeout)
	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return tx, cancel, nil
}
