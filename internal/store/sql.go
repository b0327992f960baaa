package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/redteam/internal/model"
)

// dialect captures the differences between the supported SQL engines.
type dialect interface {
	name() string
	schema() []string
	// rebind rewrites ? placeholders into the engine's native form.
	rebind(query string) string
	isUniqueViolation(err error) bool
}

// queryer is satisfied by both *sql.DB and *sql.Conn.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const jobColumns = `id, project_id, target_id, vulnerability_catalog_id,
	vulnerability_type, vulnerability_subtype, attack_method, number_of_attacks, probe_metadata,
	target_name, target_description, target_endpoint_url, target_auth_method, target_api_key,
	target_endpoint_type, target_input_field, target_output_field,
	target_endpoint_config, target_additional_params, target_labels,
	status, started_at, completed_at, execution_duration_ms, result_data,
	severity_score, confidence_score, success_indicator, error_message,
	created_at, updated_at`

var jobColumnCount = strings.Count(jobColumns, ",") + 1

// sqlStore implements Store on database/sql for any dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func openSQLStore(db *sql.DB, d dialect) (*sqlStore, error) {
	for _, stmt := range d.schema() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate %s schema: %w", d.name(), err)
		}
	}
	return &sqlStore{db: db, d: d}, nil
}

// Close closes the underlying connection pool.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Session checks out a dedicated connection from the pool.
func (s *sqlStore) Session(ctx context.Context) (Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &sqlSession{conn: conn, d: s.d}, nil
}

// ListJobs returns a page of jobs ordered by created_at DESC, along with the
// total count of all jobs.
func (s *sqlStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx, s.d.rebind(
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`),
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

// ListEvents returns the recorded transitions of a job in order.
func (s *sqlStore) ListEvents(ctx context.Context, jobID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT id, job_id, seq, status, message, created_at
		FROM job_events WHERE job_id = ? ORDER BY seq ASC`), jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.JobID, &e.Seq, &e.Status, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetJobStats returns aggregate statistics across all jobs.
func (s *sqlStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(execution_duration_ms) FROM jobs WHERE execution_duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}
	return stats, nil
}

// sqlSession is a Session bound to a single pooled connection.
type sqlSession struct {
	conn *sql.Conn
	d    dialect
}

func (s *sqlSession) Close() error {
	return s.conn.Close()
}

func (s *sqlSession) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return getJob(ctx, s.conn, s.d, id)
}

func (s *sqlSession) InsertJob(ctx context.Context, j *model.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", jobColumnCount), ", ")
	res, err := s.conn.ExecContext(ctx, s.d.rebind(
		`INSERT INTO jobs (`+jobColumns+`) VALUES (`+placeholders+`) ON CONFLICT (id) DO NOTHING`),
		args...,
	)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqlSession) UpdateJob(ctx context.Context, j *model.Job) error {
	var result any
	if len(j.ResultData) > 0 {
		result = string(j.ResultData)
	}
	res, err := s.conn.ExecContext(ctx, s.d.rebind(
		`UPDATE jobs SET status = ?, started_at = ?, completed_at = ?, execution_duration_ms = ?,
			result_data = ?, severity_score = ?, confidence_score = ?, success_indicator = ?,
			error_message = ?, updated_at = ?
		WHERE id = ?`),
		j.Status, utcPtr(j.StartedAt), utcPtr(j.CompletedAt), j.ExecutionDurationMS,
		result, j.SeverityScore, j.ConfidenceScore, j.SuccessIndicator,
		j.ErrorMessage, j.UpdatedAt.UTC(), j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlSession) AppendEvent(ctx context.Context, jobID, status, message string) (*model.Event, error) {
	var next int
	if err := s.conn.QueryRowContext(ctx, s.d.rebind(
		"SELECT COALESCE(MAX(seq), -1) + 1 FROM job_events WHERE job_id = ?"), jobID,
	).Scan(&next); err != nil {
		return nil, fmt.Errorf("next event seq: %w", err)
	}

	e := &model.Event{
		JobID:     jobID,
		Seq:       next,
		Status:    status,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.conn.QueryRowContext(ctx, s.d.rebind(
		`INSERT INTO job_events (job_id, seq, status, message, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		e.JobID, e.Seq, e.Status, e.Message, e.CreatedAt,
	).Scan(&e.ID); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

func getJob(ctx context.Context, q queryer, d dialect, id string) (*model.Job, error) {
	row := q.QueryRowContext(ctx, d.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var (
		probeMeta, endpointCfg, additional, labels sql.NullString
		result                                     sql.NullString
	)
	err := r.Scan(
		&j.ID, &j.ProjectID, &j.TargetID, &j.VulnerabilityCatalogID,
		&j.VulnerabilityType, &j.VulnerabilitySubtype, &j.AttackMethod, &j.NumberOfAttacks, &probeMeta,
		&j.Name, &j.Description, &j.EndpointURL, &j.AuthMethod, &j.APIKey,
		&j.EndpointType, &j.InputField, &j.OutputField,
		&endpointCfg, &additional, &labels,
		&j.Status, &j.StartedAt, &j.CompletedAt, &j.ExecutionDurationMS, &result,
		&j.SeverityScore, &j.ConfidenceScore, &j.SuccessIndicator, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	for _, f := range []struct {
		src  sql.NullString
		dst  *map[string]any
		name string
	}{
		{probeMeta, &j.ProbeMetadata, "probe_metadata"},
		{endpointCfg, &j.EndpointConfig, "target_endpoint_config"},
		{additional, &j.AdditionalParams, "target_additional_params"},
		{labels, &j.Labels, "target_labels"},
	} {
		if !f.src.Valid || f.src.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.src.String), f.dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.name, err)
		}
	}
	if result.Valid && result.String != "" {
		j.ResultData = json.RawMessage(result.String)
	}
	return j, nil
}

func jobArgs(j *model.Job) ([]any, error) {
	encoded := make([]any, 4)
	for i, m := range []map[string]any{j.ProbeMetadata, j.EndpointConfig, j.AdditionalParams, j.Labels} {
		if m == nil {
			continue
		}
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode job field %d: %w", i, err)
		}
		encoded[i] = string(b)
	}
	var result any
	if len(j.ResultData) > 0 {
		result = string(j.ResultData)
	}
	return []any{
		j.ID, j.ProjectID, j.TargetID, j.VulnerabilityCatalogID,
		j.VulnerabilityType, j.VulnerabilitySubtype, j.AttackMethod, j.NumberOfAttacks, encoded[0],
		j.Name, j.Description, j.EndpointURL, j.AuthMethod, j.APIKey,
		j.EndpointType, j.InputField, j.OutputField,
		encoded[1], encoded[2], encoded[3],
		j.Status, utcPtr(j.StartedAt), utcPtr(j.CompletedAt), j.ExecutionDurationMS, result,
		j.SeverityScore, j.ConfidenceScore, j.SuccessIndicator, j.ErrorMessage,
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(),
	}, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// rebindDollar converts ? placeholders into $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
