package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/ocr-pipeline/internal/domain"
)

type countingRecognizer struct {
	calls int32
	err   error
}

func (c *countingRecognizer) Name() string { return "fake" }

func (c *countingRecognizer) Recognize(ctx context.Context, img domain.ImageObject) (*domain.OcrResult, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.err != nil {
		return nil, c.err
	}
	conf := 0.5
	return &domain.OcrResult{
		ImageID:    img.ID,
		Name:       img.Name,
		Text:       "text of " + string(img.Content),
		Locale:     "en",
		Confidence: &conf,
		Engine:     "fake",
	}, nil
}

// brokenClient fails every operation
type brokenClient struct{}

func (brokenClient) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (brokenClient) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenClient) Delete(context.Context, string) error { return nil }
func (brokenClient) Close() error                         { return nil }

func TestMemoryClient_GetSetDelete(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClient_Expiry(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("v"), time.Millisecond))
	require.NoError(t, c.Set(ctx, "forever", []byte("v"), 0))
	time.Sleep(5 * time.Millisecond)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestMemoryClient_EvictsAtCapacity(t *testing.T) {
	c := NewMemoryClient(2)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Hour))

	assert.Equal(t, 2, c.Len())
	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss, "entry closest to expiry is evicted")

	// Overwriting an existing key does not evict.
	require.NoError(t, c.Set(ctx, "c", []byte("33"), time.Hour))
	assert.Equal(t, 2, c.Len())
}

func TestKey(t *testing.T) {
	assert.Equal(t, "vision:TEXT_DETECTION:abc", Key("vision", "TEXT_DETECTION", "abc"))
}

func TestRecognizer_ServesRepeatsFromCache(t *testing.T) {
	inner := &countingRecognizer{}
	mem := NewMemoryClient(10)
	defer mem.Close()
	r := NewRecognizer(inner, mem, "fake:v1", time.Hour, nil)
	ctx := context.Background()

	first, err := r.Recognize(ctx, domain.ImageObject{ID: "1", Name: "a.png", Content: []byte("AAA")})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := r.Recognize(ctx, domain.ImageObject{ID: "2", Name: "copy-of-a.png", Content: []byte("AAA"), Page: 3})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "text of AAA", second.Text)
	assert.Equal(t, "copy-of-a.png", second.Name, "identity comes from the image, not the cache")
	assert.Equal(t, "2", second.ImageID)
	assert.Equal(t, 3, second.Page)
	assert.Equal(t, "en", second.Locale)
	require.NotNil(t, second.Confidence)
	assert.Equal(t, 0.5, *second.Confidence)

	_, err = r.Recognize(ctx, domain.ImageObject{ID: "3", Name: "b.png", Content: []byte("BBB")})
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.calls))
	assert.Equal(t, "fake", r.Name())
}

func TestRecognizer_NamespacesAreIsolated(t *testing.T) {
	inner := &countingRecognizer{}
	mem := NewMemoryClient(10)
	defer mem.Close()
	ctx := context.Background()
	img := domain.ImageObject{ID: "1", Name: "a.png", Content: []byte("AAA")}

	_, err := NewRecognizer(inner, mem, "vision:TEXT_DETECTION", time.Hour, nil).Recognize(ctx, img)
	require.NoError(t, err)
	res, err := NewRecognizer(inner, mem, "vision:DOCUMENT_TEXT_DETECTION", time.Hour, nil).Recognize(ctx, img)
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.calls))
}

func TestRecognizer_CacheFaultsFallThrough(t *testing.T) {
	inner := &countingRecognizer{}
	r := NewRecognizer(inner, brokenClient{}, "", time.Hour, nil)

	res, err := r.Recognize(context.Background(), domain.ImageObject{ID: "1", Name: "a.png", Content: []byte("AAA")})
	require.NoError(t, err)
	assert.Equal(t, "text of AAA", res.Text)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))
}

func TestRecognizer_ErrorsAreNotCached(t *testing.T) {
	inner := &countingRecognizer{err: domain.RejectedError("bad image", nil)}
	mem := NewMemoryClient(10)
	defer mem.Close()
	r := NewRecognizer(inner, mem, "", time.Hour, nil)
	img := domain.ImageObject{ID: "1", Name: "b.png", Content: []byte("BBB")}

	_, err := r.Recognize(context.Background(), img)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeRejected))
	assert.Equal(t, 0, mem.Len())
}
