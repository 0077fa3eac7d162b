package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/fetch"
	"github.com/spherical/ocr-pipeline/internal/jsonl"
	"github.com/spherical/ocr-pipeline/internal/publish"
	"github.com/spherical/ocr-pipeline/internal/retry"
	"github.com/spherical/ocr-pipeline/internal/store/drive"
	"github.com/spherical/ocr-pipeline/internal/store/local"
)

// memSource serves pre-built images without touching disk
type memSource struct {
	objects  []domain.RemoteObject
	fetchErr map[string]error
	listErr  error
	cleanups int32
}

func (m *memSource) List(ctx context.Context, folder string) iter.Seq2[domain.RemoteObject, error] {
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

func (m *memSource) Fetch(ctx context.Context, obj domain.RemoteObject) ([]domain.ImageObject, error) {
	if err := m.fetchErr[obj.ID]; err != nil {
		return nil, err
	}
	return []domain.ImageObject{{ID: obj.ID, Name: obj.Name, MimeType: "image/png", Content: []byte(obj.Name)}}, nil
}

func (m *memSource) Cleanup() error {
	atomic.AddInt32(&m.cleanups, 1)
	return nil
}

// textRecognizer returns a fixed text per image name, or an error
type textRecognizer struct {
	mu     sync.Mutex
	text   map[string]string
	errs   map[string]error
	cached map[string]bool
	calls  []string
}

func (r *textRecognizer) Name() string { return "fake" }

func (r *textRecognizer) Recognize(ctx context.Context, img domain.ImageObject) (*domain.OcrResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, img.Name)
	r.mu.Unlock()

	if err := r.errs[img.Name]; err != nil {
		return nil, err
	}
	text, ok := r.text[img.Name]
	if !ok {
		text = "HELLO"
	}
	return &domain.OcrResult{ImageID: img.ID, Name: img.Name, Page: img.Page, Text: text, Engine: "fake", Cached: r.cached[img.Name]}, nil
}

type recordingPublisher struct {
	calls int32
	err   error
	body  []byte
}

func (p *recordingPublisher) Publish(ctx context.Context, localPath, folder, name string) (*domain.RemoteObject, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.err != nil {
		return nil, p.err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}
	p.body = data
	return &domain.RemoteObject{ID: "uploaded-" + name, Name: name}, nil
}

type recordingLedger struct {
	mu       sync.Mutex
	started  []domain.RunInfo
	items    []domain.ItemOutcome
	finished []domain.RunSummary
}

func (l *recordingLedger) StartRun(_ context.Context, run domain.RunInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, run)
	return nil
}

func (l *recordingLedger) RecordItem(_ context.Context, _ uuid.UUID, item domain.ItemOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, item)
	return nil
}

func (l *recordingLedger) FinishRun(_ context.Context, s *domain.RunSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, *s)
	return errors.New("ledger unavailable")
}

func objects(names ...string) []domain.RemoteObject {
	out := make([]domain.RemoteObject, 0, len(names))
	for _, n := range names {
		out = append(out, domain.RemoteObject{ID: n, Name: n, MimeType: "image/png"})
	}
	return out
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		SourceFolder: "in",
		DestFolder:   "out",
		OutputName:   "google_ocr_output.jsonl",
		OutputPath:   filepath.Join(t.TempDir(), "google_ocr_output.jsonl"),
		SourceLabel:  "mem:in",
		DestLabel:    "mem:out",
	}
}

func readOutput(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestRun_CorruptImageIsSkipped(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "in"), 0o755))
	writePNG(t, filepath.Join(root, "in", "a.png"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "in", "b.png"), []byte("this is not a png"), 0o644))

	store, err := local.New(root)
	require.NoError(t, err)
	fetcher, err := fetch.New(store, fetch.Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	opts := testOptions(t)
	svc := NewService(fetcher, &textRecognizer{}, publish.New(store, nil), nil, opts, nil)

	summary, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStateCompletedWithSkips, summary.State)
	assert.Equal(t, 2, summary.Listed)
	assert.Equal(t, 1, summary.Written)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, "b.png", summary.Skipped[0].Name)
	assert.Equal(t, domain.StageFetch, summary.Skipped[0].Stage)

	want := "{\"id\":\"a.png\",\"text\":\"HELLO\",\"file_id\":\"in/a.png\"}\n"
	assert.Equal(t, want, readOutput(t, opts.OutputPath))

	require.NotNil(t, summary.Published)
	assert.Equal(t, "out/google_ocr_output.jsonl", summary.Published.ID)
	assert.Equal(t, want, readOutput(t, filepath.Join(root, "out", "google_ocr_output.jsonl")))
}

func TestRun_DriveFileForbiddenIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	pngData := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/drive/v3/files":
			_, _ = io.WriteString(w, `{"files":[
				{"id":"f1","name":"a.png","mimeType":"image/png"},
				{"id":"f2","name":"b.png","mimeType":"image/png"}]}`)
		case "/drive/v3/files/f1":
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"error":{"code":403,"message":"This file has been identified as malware or spam and cannot be downloaded.","errors":[{"reason":"cannotDownloadAbusiveFile"}]}}`)
		case "/drive/v3/files/f2":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(pngData)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := drive.NewClient(srv.Client(), drive.Options{
		APIURL: srv.URL + "/drive/v3",
		Retry:  retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	fetcher, err := fetch.New(store, fetch.Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	pub := &recordingPublisher{}
	opts := testOptions(t)
	summary, err := NewService(fetcher, &textRecognizer{}, pub, nil, opts, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStateCompletedWithSkips, summary.State)
	assert.Equal(t, 1, summary.Written)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, "a.png", summary.Skipped[0].Name)
	assert.Equal(t, domain.StageFetch, summary.Skipped[0].Stage)
	assert.Contains(t, summary.Skipped[0].Reason, "cannotDownloadAbusiveFile")

	assert.Equal(t, int32(1), atomic.LoadInt32(&pub.calls))
	assert.Equal(t, "{\"id\":\"b.png\",\"text\":\"HELLO\",\"file_id\":\"f2\"}\n", string(pub.body))
}

func TestRun_EmptyFolder(t *testing.T) {
	pub := &recordingPublisher{}
	opts := testOptions(t)
	src := &memSource{}

	summary, err := NewService(src, &textRecognizer{}, pub, nil, opts, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStateCompleted, summary.State)
	assert.Equal(t, 0, summary.Written)
	assert.Nil(t, summary.Published)
	assert.Equal(t, int32(0), pub.calls, "empty output is not uploaded")
	assert.Equal(t, "", readOutput(t, opts.OutputPath))
	assert.Equal(t, int32(1), src.cleanups)
}

func TestRun_PublishEmpty(t *testing.T) {
	pub := &recordingPublisher{}
	opts := testOptions(t)
	opts.PublishEmpty = true

	summary, err := NewService(&memSource{}, &textRecognizer{}, pub, nil, opts, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), pub.calls)
	assert.Empty(t, pub.body)
	require.NotNil(t, summary.Published)
}

func TestRun_UnreachableOCRAbortsWithoutUpload(t *testing.T) {
	pub := &recordingPublisher{}
	opts := testOptions(t)
	rec := &textRecognizer{errs: map[string]error{
		"b.png": domain.UnavailableError("request failed after 3 retries", errors.New("connection refused")),
	}}
	src := &memSource{objects: objects("a.png", "b.png", "c.png")}

	summary, err := NewService(src, rec, pub, nil, opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeUnavailable))

	assert.Equal(t, domain.RunStateAborted, summary.State)
	assert.Equal(t, err, summary.Err)
	assert.Equal(t, int32(0), pub.calls)
	assert.Equal(t, []string{"a.png", "b.png"}, rec.calls, "no work after the fatal error")

	records, rerr := jsonl.Read(opts.OutputPath)
	require.NoError(t, rerr, "partial output stays parseable")
	require.Len(t, records, 1)
	assert.Equal(t, "a.png", records[0].ID)
}

func TestRun_RejectedImageIsSkipped(t *testing.T) {
	pub := &recordingPublisher{}
	opts := testOptions(t)
	rec := &textRecognizer{errs: map[string]error{"b.png": domain.RejectedError("Bad image data", nil)}}

	summary, err := NewService(&memSource{objects: objects("a.png", "b.png", "c.png")}, rec, pub, nil, opts, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStateCompletedWithSkips, summary.State)
	assert.Equal(t, 2, summary.Written)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, domain.StageRecognize, summary.Skipped[0].Stage)
	assert.Equal(t, "{\"id\":\"a.png\",\"text\":\"HELLO\"}\n{\"id\":\"c.png\",\"text\":\"HELLO\"}\n", string(pub.body))
}

func TestRun_AuthFailureIsFatal(t *testing.T) {
	opts := testOptions(t)
	rec := &textRecognizer{errs: map[string]error{"a.png": domain.AuthError("vision status 403", nil)}}

	summary, err := NewService(&memSource{objects: objects("a.png", "b.png")}, rec, &recordingPublisher{}, nil, opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeAuth))
	assert.Equal(t, domain.RunStateAborted, summary.State)
}

func TestRun_FatalFetchErrorAborts(t *testing.T) {
	opts := testOptions(t)
	src := &memSource{
		objects:  objects("a.png", "b.png"),
		fetchErr: map[string]error{"a.png": domain.NewItemError(domain.StageFetch, "a.png", "a.png", domain.AuthError("token revoked", nil))},
	}

	summary, err := NewService(src, &textRecognizer{}, &recordingPublisher{}, nil, opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.RunStateAborted, summary.State)
	assert.Equal(t, 0, summary.Written)
}

func TestRun_ListingFailureAborts(t *testing.T) {
	pub := &recordingPublisher{}
	opts := testOptions(t)
	src := &memSource{objects: objects("a.png"), listErr: domain.StorageError("list folder in: status 500", nil)}

	summary, err := NewService(src, &textRecognizer{}, pub, nil, opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.RunStateAborted, summary.State)
	assert.Equal(t, 1, summary.Written)
	assert.Equal(t, int32(0), pub.calls)
	assert.FileExists(t, opts.OutputPath)
}

func TestRun_PublishFailureKeepsOutput(t *testing.T) {
	opts := testOptions(t)
	pub := &recordingPublisher{err: domain.PublishError("upload failed, output kept at "+opts.OutputPath, errors.New("503"))}

	summary, err := NewService(&memSource{objects: objects("a.png")}, &textRecognizer{}, pub, nil, opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypePublish))
	assert.Equal(t, domain.RunStatePublishFailed, summary.State)
	assert.Equal(t, 1, summary.Written)
	assert.Equal(t, "{\"id\":\"a.png\",\"text\":\"HELLO\"}\n", readOutput(t, opts.OutputPath))
}

func TestRun_IsIdempotent(t *testing.T) {
	src := &memSource{objects: objects("a.png", "b.png", "c.png")}
	rec := &textRecognizer{text: map[string]string{"b.png": "line one\nline two"}}

	var outputs []string
	for i := 0; i < 2; i++ {
		opts := testOptions(t)
		_, err := NewService(src, rec, &recordingPublisher{}, nil, opts, nil).Run(context.Background())
		require.NoError(t, err)
		outputs = append(outputs, readOutput(t, opts.OutputPath))
	}
	assert.Equal(t, outputs[0], outputs[1])
}

func TestRun_WorkersWriteEachImageExactlyOnce(t *testing.T) {
	names := make([]string, 40)
	for i := range names {
		names[i] = fmt.Sprintf("img-%02d.png", i)
	}
	opts := testOptions(t)
	opts.Workers = 4
	rec := &textRecognizer{errs: map[string]error{"img-07.png": domain.RejectedError("bad", nil)}}

	summary, err := NewService(&memSource{objects: objects(names...)}, rec, &recordingPublisher{}, nil, opts, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, summary.Listed)
	assert.Equal(t, 39, summary.Written)
	assert.Len(t, summary.Skipped, 1)

	records, err := jsonl.Read(opts.OutputPath)
	require.NoError(t, err)
	require.Len(t, records, 39)

	seen := map[string]int{}
	for _, r := range records {
		seen[r.ID]++
	}
	for _, n := range names {
		if n == "img-07.png" {
			assert.Zero(t, seen[n])
			continue
		}
		assert.Equal(t, 1, seen[n], n)
	}
}

func TestRun_WorkersStopOnFatalError(t *testing.T) {
	names := make([]string, 30)
	for i := range names {
		names[i] = fmt.Sprintf("img-%02d.png", i)
	}
	opts := testOptions(t)
	opts.Workers = 3
	pub := &recordingPublisher{}
	rec := &textRecognizer{errs: map[string]error{"img-05.png": domain.UnavailableError("down", nil)}}

	summary, err := NewService(&memSource{objects: objects(names...)}, rec, pub, nil, opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.RunStateAborted, summary.State)
	assert.Equal(t, int32(0), pub.calls)
}

func TestRun_CancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := testOptions(t)
	pub := &recordingPublisher{}

	summary, err := NewService(&memSource{objects: objects("a.png")}, &textRecognizer{}, pub, nil, opts, nil).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.RunStateAborted, summary.State)
	assert.Equal(t, int32(0), pub.calls)
}

func TestRun_CacheHitsAndLedger(t *testing.T) {
	opts := testOptions(t)
	led := &recordingLedger{}
	rec := &textRecognizer{
		cached: map[string]bool{"a.png": true},
		errs:   map[string]error{"c.png": domain.RejectedError("bad", nil)},
	}

	summary, err := NewService(&memSource{objects: objects("a.png", "b.png", "c.png")}, rec, &recordingPublisher{}, led, opts, nil).Run(context.Background())
	require.NoError(t, err, "ledger failures never fail the run")
	assert.Equal(t, 1, summary.CacheHits)

	require.Len(t, led.started, 1)
	assert.Equal(t, summary.RunID, led.started[0].RunID)
	assert.Equal(t, "fake", led.started[0].Engine)
	assert.Equal(t, "mem:in", led.started[0].Source)

	require.Len(t, led.items, 3)
	assert.Equal(t, domain.ItemCached, led.items[0].Status)
	assert.Equal(t, domain.ItemWritten, led.items[1].Status)
	assert.Equal(t, domain.ItemSkipped, led.items[2].Status)
	assert.Equal(t, domain.StageRecognize, led.items[2].Stage)

	require.Len(t, led.finished, 1)
	assert.Equal(t, domain.RunStateCompletedWithSkips, led.finished[0].State)
}

func TestRun_IncludeTimestamp(t *testing.T) {
	opts := testOptions(t)
	opts.IncludeTimestamp = true

	_, err := NewService(&memSource{objects: objects("a.png")}, &textRecognizer{}, &recordingPublisher{}, nil, opts, nil).Run(context.Background())
	require.NoError(t, err)

	records, err := jsonl.Read(opts.OutputPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].Timestamp)
}

func TestRun_EmitsEvents(t *testing.T) {
	opts := testOptions(t)
	events := make(chan domain.Event, 64)
	opts.Events = events
	rec := &textRecognizer{errs: map[string]error{"b.png": domain.RejectedError("bad", nil)}}

	_, err := NewService(&memSource{objects: objects("a.png", "b.png")}, rec, &recordingPublisher{}, nil, opts, nil).Run(context.Background())
	require.NoError(t, err)
	close(events)

	var types []domain.EventType
	var final *domain.RunSummary
	for e := range events {
		types = append(types, e.Type)
		assert.False(t, e.Timestamp.IsZero())
		if e.Type == domain.EventComplete {
			final = e.Payload.(*domain.RunSummary)
		}
	}

	assert.Equal(t, []domain.EventType{
		domain.EventStart,
		domain.EventItemStart, domain.EventItemDone,
		domain.EventItemStart, domain.EventItemSkipped,
		domain.EventListed,
		domain.EventPublish,
		domain.EventComplete,
	}, types)
	require.NotNil(t, final)
	assert.Equal(t, 1, final.Written)
}

// gatedRecognizer blocks every call until release is closed
type gatedRecognizer struct {
	release chan struct{}
}

func (g *gatedRecognizer) Name() string { return "gated" }

func (g *gatedRecognizer) Recognize(ctx context.Context, img domain.ImageObject) (*domain.OcrResult, error) {
	select {
	case <-g.release:
		return &domain.OcrResult{ImageID: img.ID, Name: img.Name, Text: "HELLO"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRun_WorkersReportListingBeforeItemsFinish(t *testing.T) {
	opts := testOptions(t)
	opts.Workers = 4
	events := make(chan domain.Event, 64)
	opts.Events = events

	rec := &gatedRecognizer{release: make(chan struct{})}
	listed := make(chan int, 1)
	go func() {
		for e := range events {
			if e.Type == domain.EventListed {
				listed <- e.Payload.(int)
				close(rec.release)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := NewService(&memSource{objects: objects("a.png", "b.png", "c.png")}, rec, &recordingPublisher{}, nil, opts, nil).Run(ctx)
	close(events)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Written)
	assert.Equal(t, 3, <-listed)
}

func TestRun_FullEventChannelDoesNotBlock(t *testing.T) {
	opts := testOptions(t)
	opts.Events = make(chan domain.Event) // unbuffered and never read

	summary, err := NewService(&memSource{objects: objects("a.png")}, &textRecognizer{}, &recordingPublisher{}, nil, opts, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
}
