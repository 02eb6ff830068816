// Package store provides the durable local store backing the offline sync
// subsystem. All device state lives in a single SQLite database file so that
// a form submission and its queue operation commit atomically.
package store

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/heliosmaint/fieldsync/internal/errors"
)

// Store wraps the sql.DB with fieldsync-specific configuration.
type Store struct {
	db *sql.DB
}

// schema is applied idempotently on every Open.
const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_type TEXT NOT NULL,
	sync_uuid TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_sync_uuid ON sync_queue(sync_uuid);
CREATE INDEX IF NOT EXISTS idx_sync_queue_retry_count ON sync_queue(retry_count);

CREATE TABLE IF NOT EXISTS form_submissions (
	offline_uuid TEXT PRIMARY KEY,
	job_id INTEGER NOT NULL,
	form_template_id INTEGER NOT NULL,
	form_data TEXT NOT NULL,
	sync_status TEXT NOT NULL,
	submitted_at INTEGER NOT NULL,
	location TEXT,
	device_info TEXT
);
CREATE INDEX IF NOT EXISTS idx_form_submissions_job_id ON form_submissions(job_id);
CREATE INDEX IF NOT EXISTS idx_form_submissions_sync_status ON form_submissions(sync_status);

CREATE TABLE IF NOT EXISTS routes (
	id INTEGER PRIMARY KEY,
	engineer_id INTEGER NOT NULL,
	date TEXT NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routes_engineer_date ON routes(engineer_id, date);

CREATE TABLE IF NOT EXISTS form_templates (
	id INTEGER PRIMARY KEY,
	form_type TEXT NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_form_templates_form_type ON form_templates(form_type);

CREATE TABLE IF NOT EXISTS cache (
	key TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache(expires_at);
`

// Open opens the fieldsync SQLite database under dataDir, creating the
// directory, the file and the schema as needed. The database is opened with
// WAL mode and foreign key constraints enabled. Any failure surfaces as
// STORAGE_UNAVAILABLE so callers can distinguish a broken device store from
// ordinary operation errors.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "fieldsync.db")

	// Pure Go driver, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to open database", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to enable WAL mode", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to enable foreign keys", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to initialize schema", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
