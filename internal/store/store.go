package store

import (
	"context"
	"errors"

	"github.com/seantiz/redteam/internal/model"
)

var (
	// ErrNotFound is returned when a job is not found.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when inserting a job whose id already exists.
	ErrConflict = errors.New("job already exists")
)

// JobStats holds aggregate execution statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Session is a scoped unit of work bound to one pooled connection. It must be
// closed on every exit path and is never shared between goroutines.
type Session interface {
	// GetJob loads a job by id, or returns ErrNotFound.
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// InsertJob inserts j if no job with the same id exists, otherwise it
	// returns ErrConflict and leaves the stored record untouched.
	InsertJob(ctx context.Context, j *model.Job) error
	// UpdateJob overwrites the lifecycle fields of an existing job.
	UpdateJob(ctx context.Context, j *model.Job) error
	// AppendEvent records a status transition for a job.
	AppendEvent(ctx context.Context, jobID, status, message string) (*model.Event, error)
	Close() error
}

// Store defines the persistence operations for jobs.
type Store interface {
	// Session acquires a dedicated connection for one unit of work.
	Session(ctx context.Context) (Session, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	ListEvents(ctx context.Context, jobID string) ([]model.Event, error)
	GetJobStats(ctx context.Context) (*JobStats, error)
	Ping(ctx context.Context) error
	Close() error
}
