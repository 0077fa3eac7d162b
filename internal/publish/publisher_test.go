package publish

import (
	"context"
	"errors"
	"io"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/store/local"
)

type failingStore struct{ err error }

func (s failingStore) List(context.Context, string) iter.Seq2[domain.RemoteObject, error] {
	return func(func(domain.RemoteObject, error) bool) {}
}
func (s failingStore) Download(context.Context, string) (io.ReadCloser, error) { return nil, s.err }
func (s failingStore) Upload(context.Context, string, string, string, io.Reader) (*domain.RemoteObject, error) {
	return nil, s.err
}

func writeOutput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "result.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a.png\",\"text\":\"HELLO\"}\n"), 0o644))
	return path
}

func TestPublish_UploadsFile(t *testing.T) {
	root := t.TempDir()
	store, err := local.New(root)
	require.NoError(t, err)

	path := writeOutput(t)
	obj, err := New(store, nil).Publish(context.Background(), path, "out", "google_ocr_output.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "out/google_ocr_output.jsonl", obj.ID)
	assert.Equal(t, domain.MimeTypeJSONL, obj.MimeType)

	data, err := os.ReadFile(filepath.Join(root, "out", "google_ocr_output.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":\"a.png\",\"text\":\"HELLO\"}\n", string(data))
}

func TestPublish_FailureKeepsLocalFile(t *testing.T) {
	path := writeOutput(t)
	cause := domain.UnavailableError("request failed after 3 retries", errors.New("503"))

	_, err := New(failingStore{err: cause}, nil).Publish(context.Background(), path, "out", "x.jsonl")
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypePublish))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), path)
	assert.FileExists(t, path)
}

func TestPublish_MissingLocalFile(t *testing.T) {
	_, err := New(failingStore{}, nil).Publish(context.Background(), filepath.Join(t.TempDir(), "gone.jsonl"), "out", "x.jsonl")
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypePublish))
}
