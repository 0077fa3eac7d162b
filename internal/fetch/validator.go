package fetch

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spherical/ocr-pipeline/internal/domain"
)

// Kind classifies a downloaded object
type Kind int

const (
	KindUnsupported Kind = iota
	KindImage
	KindPDF
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// Validator checks downloaded content before it reaches the recognizer
type Validator struct {
	maxBytes   int64
	includePDF bool
}

// NewValidator creates a validator. maxBytes <= 0 disables the size limit.
func NewValidator(maxBytes int64, includePDF bool) *Validator {
	return &Validator{maxBytes: maxBytes, includePDF: includePDF}
}

// Candidate reports whether a listing entry is worth downloading at all.
// Folders and obviously foreign types are filtered out here so they never
// count as skipped items.
func (v *Validator) Candidate(obj domain.RemoteObject) bool {
	if obj.IsFolder() {
		return false
	}
	if strings.HasPrefix(obj.MimeType, "image/") {
		return true
	}
	if obj.MimeType == domain.MimeTypePDF || strings.EqualFold(filepath.Ext(obj.Name), ".pdf") {
		return v.includePDF
	}
	return imageExtensions[strings.ToLower(filepath.Ext(obj.Name))]
}

// CheckSize enforces the download size limit
func (v *Validator) CheckSize(size int64) error {
	if v.maxBytes > 0 && size > v.maxBytes {
		return domain.ValidationError(fmt.Sprintf("object is %d bytes, limit is %d", size, v.maxBytes), nil)
	}
	return nil
}

// Inspect sniffs content and confirms that images decode. It returns the
// detected kind and MIME type.
func (v *Validator) Inspect(data []byte) (Kind, string, error) {
	if len(data) == 0 {
		return KindUnsupported, "", domain.ValidationError("empty file", nil)
	}
	if err := v.CheckSize(int64(len(data))); err != nil {
		return KindUnsupported, "", err
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		if !v.includePDF {
			return KindUnsupported, domain.MimeTypePDF, domain.ValidationError("pdf input is disabled", nil)
		}
		return KindPDF, domain.MimeTypePDF, nil
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		sniffed := http.DetectContentType(data)
		if strings.HasPrefix(sniffed, "image/") {
			return KindUnsupported, sniffed, domain.ValidationError("corrupt image", err)
		}
		return KindUnsupported, sniffed, domain.ValidationError(fmt.Sprintf("not an image (%s)", sniffed), err)
	}

	return KindImage, "image/" + format, nil
}
