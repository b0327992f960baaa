package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/redteam/internal/model"
)

// newTestMinio connects to TEST_MINIO_ENDPOINT (default credentials
// minioadmin) and skips when the object store is not reachable.
func newTestMinio(t *testing.T) *Minio {
	t.Helper()
	endpoint := os.Getenv("TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_MINIO_ENDPOINT not set")
	}
	user, pass := os.Getenv("TEST_MINIO_ACCESS_KEY"), os.Getenv("TEST_MINIO_SECRET_KEY")
	if user == "" {
		user, pass = "minioadmin", "minioadmin"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := NewMinio(ctx, MinioConfig{
		Endpoint:  endpoint,
		AccessKey: user,
		SecretKey: pass,
		Bucket:    "redteam-test",
		Prefix:    "snapshots/" + model.NewID() + "/",
	})
	if err != nil {
		t.Skipf("object store not available at %s: %v", endpoint, err)
	}
	return m
}

func TestMinioWrite(t *testing.T) {
	m := newTestMinio(t)
	ctx := context.Background()

	job := &model.Job{
		ID:     model.NewID(),
		Status: model.StatusCompleted,
		Target: model.Target{APIKey: "secret"},
	}
	require.NoError(t, m.Write(ctx, job))

	obj, err := m.client.GetObject(ctx, m.bucket, m.prefix+job.ID+".json", minio.GetObjectOptions{})
	require.NoError(t, err)
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)

	var got model.Job
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, job.ID, got.ID)
	assert.Empty(t, got.APIKey)
}
