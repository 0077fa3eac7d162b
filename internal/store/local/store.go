// Package local implements domain.FileStore over a directory tree. Folders are
// sub-directories of the root and object IDs are slash-separated paths
// relative to it.
package local

import (
	"context"
	"fmt"
	"io"
	"iter"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spherical/ocr-pipeline/internal/domain"
)

// Store is a directory-backed file store
type Store struct {
	root string
}

// New creates a store rooted at dir. The directory must exist.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, domain.ConfigError(fmt.Sprintf("resolve store root %s", dir), err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, domain.StorageError(fmt.Sprintf("open store root %s", abs), err)
	}
	if !info.IsDir() {
		return nil, domain.ConfigError(fmt.Sprintf("store root is not a directory: %s", abs), nil)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute store directory
func (s *Store) Root() string {
	return s.root
}

// List yields the entries of folder sorted by name. Sub-directories are
// reported with the folder MIME type.
func (s *Store) List(ctx context.Context, folder string) iter.Seq2[domain.RemoteObject, error] {
	return func(yield func(domain.RemoteObject, error) bool) {
		dir, err := s.resolve(folder)
		if err != nil {
			yield(domain.RemoteObject{}, err)
			return
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			yield(domain.RemoteObject{}, domain.StorageError(fmt.Sprintf("list folder %s", folder), err))
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(domain.RemoteObject{}, err)
				return
			}
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}

			obj := domain.RemoteObject{
				ID:   path.Join(filepath.ToSlash(folder), e.Name()),
				Name: e.Name(),
			}
			if e.IsDir() {
				obj.MimeType = domain.MimeTypeFolder
			} else {
				obj.MimeType = mimeTypeOf(e.Name())
				if info, err := e.Info(); err == nil {
					obj.Size = info.Size()
				}
			}

			if !yield(obj, nil) {
				return
			}
		}
	}
}

// Download opens the file identified by id
func (s *Store) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, domain.StorageError(fmt.Sprintf("download %s", id), err)
	}
	return f, nil
}

// Upload writes content to folder/name. The file is written to a temporary
// name first and renamed into place so readers never see a partial object.
func (s *Store) Upload(ctx context.Context, folder, name, mimeType string, content io.Reader) (*domain.RemoteObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, domain.ValidationError(fmt.Sprintf("invalid object name %q", name), nil)
	}

	dir, err := s.resolve(folder)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.StorageError(fmt.Sprintf("create folder %s", folder), err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return nil, domain.StorageError("create upload file", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, content)
	if err == nil {
		err = tmp.Close()
	} else {
		tmp.Close()
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, domain.StorageError(fmt.Sprintf("write %s", name), err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return nil, domain.StorageError(fmt.Sprintf("finalise %s", name), err)
	}

	if mimeType == "" {
		mimeType = mimeTypeOf(name)
	}
	return &domain.RemoteObject{
		ID:       path.Join(filepath.ToSlash(folder), name),
		Name:     name,
		MimeType: mimeType,
		Size:     n,
	}, nil
}

// resolve maps a store-relative path to a filesystem path inside the root
func (s *Store) resolve(rel string) (string, error) {
	clean := filepath.Clean(filepath.Join(s.root, filepath.FromSlash(rel)))
	if clean != s.root && !strings.HasPrefix(clean, s.root+string(filepath.Separator)) {
		return "", domain.ValidationError(fmt.Sprintf("path escapes store root: %s", rel), nil)
	}
	return clean, nil
}

func mimeTypeOf(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".jsonl":
		return domain.MimeTypeJSONL
	case ".webp":
		return "image/webp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "application/octet-stream"
}
