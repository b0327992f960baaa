package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/redteam/internal/model"
)

func TestDirWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "attack_results")
	w := NewDir(dir)

	job := &model.Job{
		ID:         "01J0000000000000000000000A",
		Status:     model.StatusCompleted,
		ResultData: json.RawMessage(`{"data":[]}`),
		Target:     model.Target{EndpointURL: "http://x", APIKey: "secret"},
	}
	require.NoError(t, w.Write(context.Background(), job))

	b, err := os.ReadFile(filepath.Join(dir, job.ID+".json"))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, map[string]any{"data": []any{}}, got["result_data"])
	assert.NotContains(t, got, "target_api_key")
	assert.Equal(t, "secret", job.APIKey, "the caller's record must not be modified")

	job.Status = model.StatusTimedOut
	require.NoError(t, w.Write(context.Background(), job))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestObjectNameRejectsTraversal(t *testing.T) {
	for _, id := range []string{"", ".", "..", "../etc/passwd", "a/b", `a\b`, "x..y"} {
		_, err := ObjectName(id)
		assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)
	}

	name, err := ObjectName("job-42")
	require.NoError(t, err)
	assert.Equal(t, "job-42.json", name)
}

func TestDirWriteInvalidID(t *testing.T) {
	dir := t.TempDir()
	err := NewDir(dir).Write(context.Background(), &model.Job{ID: "../escape"})
	assert.ErrorIs(t, err, ErrInvalidID)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "escape.json"))
	assert.True(t, os.IsNotExist(statErr))
}

type failingWriter struct{ err error }

func (f failingWriter) Write(context.Context, *model.Job) error { return f.err }

func TestMultiContinuesPastFailures(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("bucket unreachable")
	m := Multi{failingWriter{boom}, NewDir(dir)}

	err := m.Write(context.Background(), &model.Job{ID: "J1"})
	assert.ErrorIs(t, err, boom)

	_, statErr := os.Stat(filepath.Join(dir, "J1.json"))
	assert.NoError(t, statErr)
}

func TestNewMinioRequiresEndpoint(t *testing.T) {
	_, err := NewMinio(context.Background(), MinioConfig{})
	assert.Error(t, err)
}
