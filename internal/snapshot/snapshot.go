// Package snapshot writes best-effort copies of finished job records. The
// store stays authoritative; callers log snapshot failures and move on.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seantiz/redteam/internal/model"
)

// ErrInvalidID is returned for job ids that cannot be used as a file name.
var ErrInvalidID = errors.New("job id is not a valid snapshot name")

// Writer persists a snapshot of a job record.
type Writer interface {
	Write(ctx context.Context, job *model.Job) error
}

// ObjectName returns the file name used for a job's snapshot.
func ObjectName(id string) (string, error) {
	if id == "" || id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`+"\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return id + ".json", nil
}

func encode(job *model.Job) ([]byte, error) {
	b, err := json.MarshalIndent(job.Redacted(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append(b, '\n'), nil
}

// Dir writes snapshots as <dir>/<id>.json.
type Dir struct {
	dir string
}

// NewDir creates a Dir writer rooted at dir. The directory is created on
// first write.
func NewDir(dir string) *Dir {
	return &Dir{dir: dir}
}

// Path returns where the snapshot of id is written.
func (d *Dir) Path(id string) (string, error) {
	name, err := ObjectName(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.dir, name), nil
}

// Write replaces the snapshot of job atomically.
func (d *Dir) Write(_ context.Context, job *model.Job) error {
	path, err := d.Path(job.ID)
	if err != nil {
		return err
	}
	data, err := encode(job)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// MinioConfig locates an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Minio mirrors snapshots into an S3-compatible object store.
type Minio struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio connects to the object store and creates the bucket if needed.
func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("object store endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "redteam-results"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &Minio{client: client, bucket: bucket, prefix: cfg.Prefix}, nil
}

// Write uploads the snapshot of job.
func (m *Minio) Write(ctx context.Context, job *model.Job) error {
	name, err := ObjectName(job.ID)
	if err != nil {
		return err
	}
	data, err := encode(job)
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, m.bucket, m.prefix+name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	return nil
}

// Multi writes to every writer and joins their errors.
type Multi []Writer

// Write calls Write on each writer, continuing past failures.
func (m Multi) Write(ctx context.Context, job *model.Job) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
