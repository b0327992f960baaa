package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresJobsTable = `
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
    started_at               TIMESTAMPTZ,
    completed_at             TIMESTAMPTZ,
    execution_duration_ms    BIGINT,
    result_data              TEXT,
    severity_score           DOUBLE PRECISION,
    confidence_score         DOUBLE PRECISION,
    success_indicator        BOOLEAN,
    error_message            TEXT NOT NULL DEFAULT '',
    created_at               TIMESTAMPTZ NOT NULL,
    updated_at               TIMESTAMPTZ NOT NULL
)`

const postgresEventsTable = `
CREATE TABLE IF NOT EXISTS job_events (
    id         BIGSERIAL PRIMARY KEY,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    status     TEXT NOT NULL,
    message    TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (job_id, seq)
)`

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) schema() []string {
	return []string{
		postgresJobsTable,
		postgresEventsTable,
		"CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at)",
	}
}

func (postgresDialect) rebind(query string) string { return rebindDollar(query) }

func (postgresDialect) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using PostgreSQL through the pgx driver.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore connects to the PostgreSQL database at dsn, verifies the
// connection and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if pingErr := db.PingContext(pingCtx); pingErr != nil {
		if closeErr := db.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	s, err := openSQLStore(db, postgresDialect{})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: s}, nil
}
