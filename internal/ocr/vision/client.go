// Package vision recognises text through the Google Cloud Vision
// images:annotate REST endpoint.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/observability"
	"github.com/spherical/ocr-pipeline/internal/retry"
)

const (
	EngineName = "vision"

	FeatureText         = "TEXT_DETECTION"
	FeatureDocumentText = "DOCUMENT_TEXT_DETECTION"

	defaultEndpoint      = "https://vision.googleapis.com/v1"
	defaultMaxImageBytes = 10 * 1024 * 1024
)

// ValidFeature reports whether f is a supported detection feature
func ValidFeature(f string) bool {
	return f == FeatureText || f == FeatureDocumentText
}

// Config holds Vision client configuration
type Config struct {
	Endpoint      string
	APIKey        string // Sent as ?key=; empty when httpClient carries OAuth2 tokens
	Feature       string
	LanguageHints []string
	MaxImageBytes int64
	Retry         retry.Config
}

// Client implements domain.Recognizer against Cloud Vision
type Client struct {
	httpClient *http.Client
	config     Config
	logger     *observability.Logger
}

// NewClient creates a Vision client
func NewClient(httpClient *http.Client, cfg Config, logger *observability.Logger) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Feature == "" {
		cfg.Feature = FeatureText
	}
	if !ValidFeature(cfg.Feature) {
		return nil, domain.ConfigError(fmt.Sprintf("unsupported vision feature %q", cfg.Feature), nil)
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = defaultMaxImageBytes
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		logger:     observability.OrNop(logger).WithComponent("vision"),
	}, nil
}

// Name implements domain.Recognizer
func (c *Client) Name() string {
	return EngineName
}

// Recognize sends one image to images:annotate
func (c *Client) Recognize(ctx context.Context, img domain.ImageObject) (*domain.OcrResult, error) {
	if len(img.Content) == 0 {
		return nil, domain.ValidationError(fmt.Sprintf("image %s has no content", img.Name), nil)
	}
	if int64(len(img.Content)) > c.config.MaxImageBytes {
		return nil, domain.RejectedError(
			fmt.Sprintf("image %s is %d bytes, limit is %d", img.Name, len(img.Content), c.config.MaxImageBytes), nil)
	}

	body, err := json.Marshal(c.buildRequest(img.Content))
	if err != nil {
		return nil, domain.APIError("marshal annotate request", err)
	}

	endpoint := c.config.Endpoint + "/images:annotate"
	if c.config.APIKey != "" {
		endpoint += "?key=" + url.QueryEscape(c.config.APIKey)
	}

	resp, err := retry.Do(ctx, c.config.Retry, c.logger, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.APIError("read annotate response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, respBody, img.Name)
	}

	var parsed annotateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, domain.APIError("decode annotate response", err)
	}
	if len(parsed.Responses) == 0 {
		return nil, domain.APIError("annotate response has no entries", nil)
	}

	r := parsed.Responses[0]
	if r.Error != nil && (r.Error.Code != 0 || r.Error.Message != "") {
		return nil, domain.RejectedError(fmt.Sprintf("vision rejected %s: %s", img.Name, r.Error.Message), nil)
	}

	result := &domain.OcrResult{
		ImageID: img.ID,
		Name:    img.Name,
		Page:    img.Page,
		Text:    extractText(r),
		Locale:  extractLocale(r),
		Engine:  EngineName,
	}
	if conf, ok := averageConfidence(r); ok {
		result.Confidence = &conf
	}

	c.logger.Debug().
		Str("name", img.Name).
		Int("chars", len(result.Text)).
		Str("locale", result.Locale).
		Msg("Recognized image")

	return result, nil
}

func (c *Client) buildRequest(content []byte) annotateRequest {
	req := imageRequest{
		Image:    imageContent{Content: base64.StdEncoding.EncodeToString(content)},
		Features: []feature{{Type: c.config.Feature}},
	}
	if len(c.config.LanguageHints) > 0 {
		req.ImageContext = &imageContext{LanguageHints: c.config.LanguageHints}
	}
	return annotateRequest{Requests: []imageRequest{req}}
}

// extractText prefers the first text annotation, which holds the whole
// detected text, and falls back to the full text annotation.
func extractText(r imageResponse) string {
	if len(r.TextAnnotations) > 0 {
		return r.TextAnnotations[0].Description
	}
	if r.FullTextAnnotation != nil {
		return r.FullTextAnnotation.Text
	}
	return ""
}

func extractLocale(r imageResponse) string {
	if len(r.TextAnnotations) > 0 && r.TextAnnotations[0].Locale != "" {
		return r.TextAnnotations[0].Locale
	}
	if r.FullTextAnnotation != nil {
		for _, p := range r.FullTextAnnotation.Pages {
			if p.Property != nil && len(p.Property.DetectedLanguages) > 0 {
				return p.Property.DetectedLanguages[0].LanguageCode
			}
		}
	}
	return ""
}

func averageConfidence(r imageResponse) (float64, bool) {
	if r.FullTextAnnotation == nil {
		return 0, false
	}
	var sum float64
	var n int
	for _, p := range r.FullTextAnnotation.Pages {
		if p.Confidence > 0 {
			sum += p.Confidence
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// statusError classifies a non-200 response. Bad requests concern the image
// and only skip it; anything else stops the run.
func statusError(code int, body []byte, name string) error {
	msg := strings.TrimSpace(string(body))
	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}

	switch code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return domain.RejectedError(fmt.Sprintf("vision rejected %s (status %d): %s", name, code, msg), nil)
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.AuthError(fmt.Sprintf("vision status %d: %s", code, msg), nil)
	default:
		return domain.APIError(fmt.Sprintf("vision status %d: %s", code, msg), nil)
	}
}
