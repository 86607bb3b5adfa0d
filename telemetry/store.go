package telemetry

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS compression_records (
	job_id          TEXT PRIMARY KEY,
	file_hash       TEXT NOT NULL,
	file_size       INTEGER NOT NULL,
	preset          TEXT NOT NULL,
	priority        TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMP NOT NULL,
	outcome         TEXT NOT NULL,
	compressed_size INTEGER NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	transitions     TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_records_outcome ON compression_records(outcome);
`

// SQLiteStore persists completed telemetry records append-only.
type SQLiteStore struct {
	db *sql.DB
}

// OpenStore opens (and if needed creates) the telemetry database.
func OpenStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry database: %w", err)
	}

	// Single writer; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure telemetry database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create telemetry schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(rec Record) error {
	transitions, err := json.Marshal(rec.Transitions)
	if err != nil {
		return fmt.Errorf("encode transitions: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO compression_records
			(job_id, file_hash, file_size, preset, priority, started_at,
			 outcome, compressed_size, duration_ms, error, transitions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.FileHash, rec.FileSize, rec.Preset, rec.Priority,
		rec.StartedAt, string(rec.Outcome), rec.CompressedSize,
		rec.Duration.Milliseconds(), rec.Error, string(transitions),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
