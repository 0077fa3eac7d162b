package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/observability"
)

// entry is the cached form of a recognition result. Image identity is not
// stored because the same bytes may appear under different names.
type entry struct {
	Text       string   `json:"text"`
	Locale     string   `json:"locale,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Recognizer serves results from a cache and falls through to the wrapped
// engine on a miss. Cache faults are logged and never fail recognition.
type Recognizer struct {
	inner     domain.Recognizer
	client    Client
	namespace string
	ttl       time.Duration
	logger    *observability.Logger
}

// NewRecognizer wraps inner. namespace separates engines and engine settings
// that produce different text for the same image.
func NewRecognizer(inner domain.Recognizer, client Client, namespace string, ttl time.Duration, logger *observability.Logger) *Recognizer {
	if namespace == "" {
		namespace = inner.Name()
	}
	return &Recognizer{
		inner:     inner,
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		logger:    observability.OrNop(logger).WithComponent("cache"),
	}
}

// Name reports the wrapped engine's name
func (r *Recognizer) Name() string {
	return r.inner.Name()
}

// Recognize implements domain.Recognizer
func (r *Recognizer) Recognize(ctx context.Context, img domain.ImageObject) (*domain.OcrResult, error) {
	key := r.keyFor(img.Content)

	data, err := r.client.Get(ctx, key)
	switch {
	case err == nil:
		var e entry
		if jsonErr := json.Unmarshal(data, &e); jsonErr == nil {
			return &domain.OcrResult{
				ImageID:    img.ID,
				Name:       img.Name,
				Page:       img.Page,
				Text:       e.Text,
				Locale:     e.Locale,
				Confidence: e.Confidence,
				Engine:     r.inner.Name(),
				Cached:     true,
			}, nil
		}
		r.logger.Warn().Str("key", key).Msg("Discarding undecodable cache entry")
	case !errors.Is(err, ErrCacheMiss):
		r.logger.Warn().Err(err).Msg("Cache lookup failed")
	}

	res, err := r.inner.Recognize(ctx, img)
	if err != nil {
		return nil, err
	}

	data, err = json.Marshal(entry{Text: res.Text, Locale: res.Locale, Confidence: res.Confidence})
	if err == nil {
		err = r.client.Set(ctx, key, data, r.ttl)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("name", img.Name).Msg("Cache store failed")
	}

	return res, nil
}

func (r *Recognizer) keyFor(content []byte) string {
	sum := sha256.Sum256(content)
	return Key(r.namespace, hex.EncodeToString(sum[:]))
}
