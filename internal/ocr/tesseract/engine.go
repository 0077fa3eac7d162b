// Package tesseract recognises text locally with Tesseract via gosseract.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/observability"
)

const EngineName = "tesseract"

// Engine implements domain.Recognizer with a fresh gosseract client per image
type Engine struct {
	languages     []string
	clientFactory func() *gosseract.Client
	logger        *observability.Logger
}

// New creates a Tesseract engine. languages are Tesseract codes such as "eng".
func New(languages []string, logger *observability.Logger) *Engine {
	return &Engine{
		languages:     languages,
		clientFactory: gosseract.NewClient,
		logger:        observability.OrNop(logger).WithComponent("tesseract"),
	}
}

// Name implements domain.Recognizer
func (e *Engine) Name() string { return EngineName }

// Recognize runs OCR on one image
func (e *Engine) Recognize(ctx context.Context, img domain.ImageObject) (*domain.OcrResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(img.Content) == 0 {
		return nil, domain.ValidationError(fmt.Sprintf("image %s has no content", img.Name), nil)
	}

	c := e.clientFactory()
	defer c.Close()

	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return nil, domain.ConfigError("set tesseract languages", err)
		}
	}
	if err := c.SetImageFromBytes(img.Content); err != nil {
		return nil, domain.RejectedError(fmt.Sprintf("tesseract could not load %s", img.Name), err)
	}

	text, err := c.Text()
	if err != nil {
		return nil, domain.RejectedError(fmt.Sprintf("tesseract failed on %s", img.Name), err)
	}

	result := &domain.OcrResult{
		ImageID: img.ID,
		Name:    img.Name,
		Page:    img.Page,
		Text:    strings.TrimSpace(text),
		Engine:  EngineName,
	}
	if len(e.languages) > 0 {
		result.Locale = e.languages[0]
	}
	if conf, ok := wordConfidence(c); ok {
		result.Confidence = &conf
	}

	e.logger.Debug().Str("name", img.Name).Int("chars", len(result.Text)).Msg("Recognized image")
	return result, nil
}

// wordConfidence averages word-level confidences, scaled to 0..1
func wordConfidence(c *gosseract.Client) (float64, bool) {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0, false
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes)), true
}
