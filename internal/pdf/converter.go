// Package pdf rasterises PDF documents into page images using go-fitz.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical/ocr-pipeline/internal/domain"
)

const (
	DefaultDPI = 150
	minDPI     = 36
	maxDPI     = 600
)

// Page is one rendered PDF page
type Page struct {
	Number int // 1-based
	PNG    []byte
	Width  int
	Height int
}

// Converter renders PDF pages to PNG at a fixed resolution. It holds no
// per-document state and is safe for concurrent use.
type Converter struct {
	dpi float64
}

// NewConverter creates a converter. Zero selects DefaultDPI.
func NewConverter(dpi int) *Converter {
	if dpi == 0 {
		dpi = DefaultDPI
	}
	return &Converter{dpi: float64(dpi)}
}

// ValidateDPI checks the render resolution
func ValidateDPI(dpi int) error {
	if dpi < minDPI || dpi > maxDPI {
		return domain.ValidationError(fmt.Sprintf("pdf dpi must be between %d and %d, got %d", minDPI, maxDPI, dpi), nil)
	}
	return nil
}

// Convert renders every page of the PDF held in data
func (c *Converter) Convert(ctx context.Context, data []byte) ([]Page, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, domain.ValidationError("open pdf", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, domain.ValidationError("pdf has no pages", nil)
	}

	pages := make([]Page, 0, pageCount)
	for n := 0; n < pageCount; n++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, err := doc.ImageDPI(n, c.dpi)
		if err != nil {
			return nil, domain.ValidationError(fmt.Sprintf("render page %d", n+1), err)
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, domain.IOError(fmt.Sprintf("encode page %d", n+1), err)
		}

		bounds := img.Bounds()
		pages = append(pages, Page{
			Number: n + 1,
			PNG:    buf.Bytes(),
			Width:  bounds.Dx(),
			Height: bounds.Dy(),
		})
	}

	return pages, nil
}
