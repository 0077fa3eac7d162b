// Package fetch lists and downloads images from a FileStore, validates them
// and spools them into the work directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/observability"
	"github.com/spherical/ocr-pipeline/internal/pdf"
)

// Options configures a Fetcher
type Options struct {
	WorkDir       string
	MaxBytes      int64
	IncludePDF    bool
	PDFDPI        int
	KeepDownloads bool
	Logger        *observability.Logger
}

// Fetcher turns a remote folder into a stream of validated images
type Fetcher struct {
	store     domain.FileStore
	validator *Validator
	converter *pdf.Converter
	spoolDir  string
	keep      bool
	logger    *observability.Logger

	mu      sync.Mutex
	spooled []string
}

// New creates a Fetcher and its spool directory
func New(store domain.FileStore, opts Options) (*Fetcher, error) {
	if store == nil {
		return nil, domain.ConfigError("file store is required", nil)
	}
	if opts.WorkDir == "" {
		return nil, domain.ConfigError("work directory is required", nil)
	}

	if opts.IncludePDF && opts.PDFDPI != 0 {
		if err := pdf.ValidateDPI(opts.PDFDPI); err != nil {
			return nil, err
		}
	}

	spoolDir := filepath.Join(opts.WorkDir, "images")
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, domain.IOError(fmt.Sprintf("create spool directory %s", spoolDir), err)
	}

	return &Fetcher{
		store:     store,
		validator: NewValidator(opts.MaxBytes, opts.IncludePDF),
		converter: pdf.NewConverter(opts.PDFDPI),
		spoolDir:  spoolDir,
		keep:      opts.KeepDownloads,
		logger:    observability.OrNop(opts.Logger).WithComponent("fetch"),
	}, nil
}

// List yields the downloadable objects in folder. Folders and foreign file
// types are dropped and duplicate IDs are yielded once. A listing error ends
// the sequence.
func (f *Fetcher) List(ctx context.Context, folder string) iter.Seq2[domain.RemoteObject, error] {
	return func(yield func(domain.RemoteObject, error) bool) {
		seen := make(map[string]struct{})
		for obj, err := range f.store.List(ctx, folder) {
			if err != nil {
				yield(domain.RemoteObject{}, fmt.Errorf("list %s: %w", folder, err))
				return
			}
			if !f.validator.Candidate(obj) {
				f.logger.Debug().Str("name", obj.Name).Str("mime_type", obj.MimeType).Msg("Ignoring non-image object")
				continue
			}
			if _, dup := seen[obj.ID]; dup {
				f.logger.Debug().Str("id", obj.ID).Msg("Ignoring duplicate listing entry")
				continue
			}
			seen[obj.ID] = struct{}{}

			if !yield(obj, nil) {
				return
			}
		}
	}
}

// Fetch downloads obj and returns the images it holds: one for an image file
// and one per page for a PDF. Per-object failures come back as
// *domain.ItemError.
func (f *Fetcher) Fetch(ctx context.Context, obj domain.RemoteObject) ([]domain.ImageObject, error) {
	itemErr := func(err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return domain.NewItemError(domain.StageFetch, obj.ID, obj.Name, err)
	}

	if err := f.validator.CheckSize(obj.Size); err != nil {
		return nil, itemErr(err)
	}

	data, err := f.download(ctx, obj)
	if err != nil {
		return nil, itemErr(err)
	}

	kind, mimeType, err := f.validator.Inspect(data)
	if err != nil {
		return nil, itemErr(err)
	}

	if kind == KindPDF {
		images, err := f.expandPDF(ctx, obj, data)
		if err != nil {
			return nil, itemErr(err)
		}
		return images, nil
	}

	path, err := f.spool(obj.ID, obj.Name, data)
	if err != nil {
		return nil, itemErr(err)
	}

	f.logger.Debug().
		Str("name", obj.Name).
		Str("mime_type", mimeType).
		Int("bytes", len(data)).
		Msg("Fetched image")

	return []domain.ImageObject{{
		ID:        obj.ID,
		Name:      obj.Name,
		MimeType:  mimeType,
		Content:   data,
		LocalPath: path,
	}}, nil
}

// Cleanup removes spooled files unless downloads are kept
func (f *Fetcher) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.keep {
		f.spooled = nil
		return nil
	}

	var errs []error
	for _, p := range f.spooled {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	f.spooled = nil

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, obj domain.RemoteObject) ([]byte, error) {
	rc, err := f.store.Download(ctx, obj.ID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if f.validator.maxBytes > 0 {
		r = io.LimitReader(rc, f.validator.maxBytes+1)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, domain.IOError("read download", err)
	}
	return data, nil
}

func (f *Fetcher) expandPDF(ctx context.Context, obj domain.RemoteObject, data []byte) ([]domain.ImageObject, error) {
	pages, err := f.converter.Convert(ctx, data)
	if err != nil {
		return nil, err
	}

	images := make([]domain.ImageObject, 0, len(pages))
	for _, p := range pages {
		name := fmt.Sprintf("%s#page-%d", obj.Name, p.Number)
		path, err := f.spool(obj.ID, name+".png", p.PNG)
		if err != nil {
			return nil, err
		}
		images = append(images, domain.ImageObject{
			ID:        obj.ID,
			Name:      name,
			MimeType:  "image/png",
			Content:   p.PNG,
			LocalPath: path,
			Page:      p.Number,
		})
	}

	f.logger.Info().Str("name", obj.Name).Int("pages", len(images)).Msg("Expanded PDF")
	return images, nil
}

func (f *Fetcher) spool(id, name string, data []byte) (string, error) {
	path := filepath.Join(f.spoolDir, safeName(id)+"_"+safeName(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", domain.IOError(fmt.Sprintf("spool %s", name), err)
	}

	f.mu.Lock()
	f.spooled = append(f.spooled, path)
	f.mu.Unlock()

	return path, nil
}

// safeName maps an arbitrary identifier onto a portable file name
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
