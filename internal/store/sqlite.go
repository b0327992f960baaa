package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id                       TEXT PRIMARY KEY,
    project_id               TEXT NOT NULL DEFAULT '',
    target_id                TEXT NOT NULL DEFAULT '',
    vulnerability_catalog_id TEXT NOT NULL DEFAULT '',
    vulnerability_type       TEXT NOT NULL DEFAULT '',
    vulnerability_subtype    TEXT NOT NULL DEFAULT '',
    attack_method            TEXT NOT NULL DEFAULT '',
    number_of_attacks        INTEGER,
    probe_metadata           TEXT,
    target_name              TEXT NOT NULL DEFAULT '',
    target_description       TEXT NOT NULL DEFAULT '',
    target_endpoint_url      TEXT NOT NULL DEFAULT '',
    target_auth_method       TEXT NOT NULL DEFAULT '',
    target_api_key           TEXT NOT NULL DEFAULT '',
    target_endpoint_type     TEXT NOT NULL DEFAULT '',
    target_input_field       TEXT NOT NULL DEFAULT '',
    target_output_field      TEXT NOT NULL DEFAULT '',
    target_endpoint_config   TEXT,
    target_additional_params TEXT,
    target_labels            TEXT,
    status                   TEXT NOT NULL,
    started_at               DATETIME,
    completed_at             DATETIME,
    execution_duration_ms    INTEGER,
    result_data              TEXT,
    severity_score           REAL,
    confidence_score         REAL,
    success_indicator        BOOLEAN,
    error_message            TEXT NOT NULL DEFAULT '',
    created_at               DATETIME NOT NULL,
    updated_at               DATETIME NOT NULL
)`

const sqliteEventsTable = `
CREATE TABLE IF NOT EXISTS job_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    status     TEXT NOT NULL,
    message    TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    UNIQUE (job_id, seq)
)`

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) schema() []string {
	return []string{
		sqliteJobsTable,
		sqliteEventsTable,
		"CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at)",
	}
}

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// WAL mode and a busy timeout are applied to every pooled connection so
// concurrent sessions wait for each other instead of failing. A ":memory:"
// database is private to one connection, so its pool is capped at one.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s, err := openSQLStore(db, sqliteDialect{})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore: s}, nil
}
