package fetch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/store/local"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// memStore serves a fixed listing from memory
type memStore struct {
	objects []domain.RemoteObject
	content map[string][]byte
	listErr error
	dlErr   map[string]error
}

func (m *memStore) List(ctx context.Context, folder string) iter.Seq2[domain.RemoteObject, error] {
	return func(yield func(domain.RemoteObject, error) bool) {
		for _, o := range m.objects {
			if !yield(o, nil) {
				return
			}
		}
		if m.listErr != nil {
			yield(domain.RemoteObject{}, m.listErr)
		}
	}
}

func (m *memStore) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := m.dlErr[id]; err != nil {
		return nil, err
	}
	data, ok := m.content[id]
	if !ok {
		return nil, domain.StorageError("not found", nil)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Upload(ctx context.Context, folder, name, mimeType string, content io.Reader) (*domain.RemoteObject, error) {
	return nil, errors.New("read-only")
}

// fetchAll lists folder and fetches every entry, collecting per-object
// failures. It stops at the first error that is not recoverable.
func fetchAll(t *testing.T, f *Fetcher, folder string) ([]domain.ImageObject, []error) {
	t.Helper()
	var imgs []domain.ImageObject
	var errs []error
	for obj, err := range f.List(context.Background(), folder) {
		if err != nil {
			errs = append(errs, err)
			break
		}
		got, err := f.Fetch(context.Background(), obj)
		if err != nil {
			errs = append(errs, err)
			if !domain.IsRecoverable(err) {
				break
			}
			continue
		}
		imgs = append(imgs, got...)
	}
	return imgs, errs
}

func TestFetch_SkipsCorruptImage(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	require.NoError(t, os.MkdirAll(in, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(in, "a.png"), pngBytes(t), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "b.png"), []byte("\x89PNG\r\n\x1a\ngarbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "readme.txt"), []byte("hi"), 0o644))

	store, err := local.New(root)
	require.NoError(t, err)

	workDir := t.TempDir()
	f, err := New(store, Options{WorkDir: workDir})
	require.NoError(t, err)

	imgs, errs := fetchAll(t, f, "in")

	require.Len(t, imgs, 1)
	assert.Equal(t, "a.png", imgs[0].Name)
	assert.Equal(t, "image/png", imgs[0].MimeType)
	assert.FileExists(t, imgs[0].LocalPath)

	require.Len(t, errs, 1)
	var ie *domain.ItemError
	require.ErrorAs(t, errs[0], &ie)
	assert.Equal(t, domain.StageFetch, ie.Stage)
	assert.Equal(t, "b.png", ie.Name)
	assert.True(t, domain.IsRecoverable(errs[0]))

	require.NoError(t, f.Cleanup())
	assert.NoFileExists(t, imgs[0].LocalPath)
}

func TestCleanup_KeepDownloads(t *testing.T) {
	store := &memStore{
		objects: []domain.RemoteObject{{ID: "1", Name: "a.png", MimeType: "image/png"}},
		content: map[string][]byte{"1": pngBytes(t)},
	}
	f, err := New(store, Options{WorkDir: t.TempDir(), KeepDownloads: true})
	require.NoError(t, err)

	imgs, errs := fetchAll(t, f, "x")
	require.Empty(t, errs)
	require.Len(t, imgs, 1)

	require.NoError(t, f.Cleanup())
	assert.FileExists(t, imgs[0].LocalPath)
}

func TestList_DeduplicatesAndFilters(t *testing.T) {
	store := &memStore{objects: []domain.RemoteObject{
		{ID: "1", Name: "a.png", MimeType: "image/png"},
		{ID: "1", Name: "a.png", MimeType: "image/png"},
		{ID: "2", Name: "sub", MimeType: domain.MimeTypeFolder},
		{ID: "3", Name: "doc.pdf", MimeType: domain.MimeTypePDF},
		{ID: "4", Name: "scan.TIF", MimeType: "application/octet-stream"},
	}}
	f, err := New(store, Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	var ids []string
	for obj, err := range f.List(context.Background(), "x") {
		require.NoError(t, err)
		ids = append(ids, obj.ID)
	}
	assert.Equal(t, []string{"1", "4"}, ids)
}

func TestList_IncludesPDFWhenEnabled(t *testing.T) {
	store := &memStore{objects: []domain.RemoteObject{{ID: "3", Name: "doc.pdf", MimeType: domain.MimeTypePDF}}}
	f, err := New(store, Options{WorkDir: t.TempDir(), IncludePDF: true})
	require.NoError(t, err)

	n := 0
	for _, err := range f.List(context.Background(), "x") {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestList_FailureEndsSequence(t *testing.T) {
	store := &memStore{
		objects: []domain.RemoteObject{{ID: "1", Name: "a.png", MimeType: "image/png"}},
		content: map[string][]byte{"1": pngBytes(t)},
		listErr: domain.StorageError("page 2 failed", nil),
	}
	f, err := New(store, Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	imgs, errs := fetchAll(t, f, "x")
	assert.Len(t, imgs, 1)
	require.Len(t, errs, 1)
	assert.False(t, domain.IsRecoverable(errs[0]))
}

func TestFetch_AuthFailureOnDownloadIsFatal(t *testing.T) {
	store := &memStore{
		objects: []domain.RemoteObject{
			{ID: "1", Name: "a.png", MimeType: "image/png"},
			{ID: "2", Name: "c.png", MimeType: "image/png"},
		},
		content: map[string][]byte{"2": pngBytes(t)},
		dlErr:   map[string]error{"1": domain.AuthError("download 1: status 401", nil)},
	}
	f, err := New(store, Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	imgs, errs := fetchAll(t, f, "x")
	assert.Empty(t, imgs, "fetching stops at the fatal error")
	require.Len(t, errs, 1)
	assert.False(t, domain.IsRecoverable(errs[0]))
}

func TestFetch_FileRejectedOnDownloadIsSkipped(t *testing.T) {
	store := &memStore{
		objects: []domain.RemoteObject{
			{ID: "1", Name: "a.png", MimeType: "image/png"},
			{ID: "2", Name: "c.png", MimeType: "image/png"},
		},
		content: map[string][]byte{"2": pngBytes(t)},
		dlErr:   map[string]error{"1": domain.RejectedError("download 1: status 403: cannotDownloadAbusiveFile", nil)},
	}
	f, err := New(store, Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	imgs, errs := fetchAll(t, f, "x")
	require.Len(t, imgs, 1)
	assert.Equal(t, "c.png", imgs[0].Name)

	require.Len(t, errs, 1)
	var ie *domain.ItemError
	require.ErrorAs(t, errs[0], &ie)
	assert.Equal(t, "a.png", ie.Name)
	assert.True(t, domain.IsRecoverable(errs[0]))
}

func TestFetch_EnforcesMaxBytes(t *testing.T) {
	data := pngBytes(t)
	store := &memStore{content: map[string][]byte{"1": data}}
	f, err := New(store, Options{WorkDir: t.TempDir(), MaxBytes: int64(len(data) - 1)})
	require.NoError(t, err)

	// Reported size unknown, so the limit applies to the body.
	_, err = f.Fetch(context.Background(), domain.RemoteObject{ID: "1", Name: "a.png"})
	require.Error(t, err)
	assert.True(t, domain.IsRecoverable(err))
	assert.Contains(t, err.Error(), "limit")

	// Reported size over the limit short-circuits the download.
	_, err = f.Fetch(context.Background(), domain.RemoteObject{ID: "missing", Name: "b.png", Size: 1 << 30})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestFetch_CancelledContextIsNotAnItemError(t *testing.T) {
	store := &memStore{content: map[string][]byte{}}
	f, err := New(store, Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.Fetch(ctx, domain.RemoteObject{ID: "1", Name: "a.png"})
	assert.ErrorIs(t, err, context.Canceled)
	var ie *domain.ItemError
	assert.False(t, errors.As(err, &ie))
}

func TestValidator_Inspect(t *testing.T) {
	v := NewValidator(0, false)

	kind, mt, err := v.Inspect(pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, KindImage, kind)
	assert.Equal(t, "image/png", mt)

	_, _, err = v.Inspect(nil)
	assert.Error(t, err)

	_, mt, err = v.Inspect([]byte("plain text, not an image"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(mt, "text/plain"))

	_, _, err = v.Inspect([]byte("%PDF-1.4\n"))
	require.Error(t, err, "pdf disabled")

	kind, _, err = NewValidator(0, true).Inspect([]byte("%PDF-1.4\n"))
	require.NoError(t, err)
	assert.Equal(t, KindPDF, kind)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "in_a.png", safeName("in/a.png"))
	assert.Equal(t, "doc.pdf_page-1.png", safeName("doc.pdf#page-1.png"))
}
