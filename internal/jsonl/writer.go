// Package jsonl writes and reads line-delimited JSON output files.
package jsonl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spherical/ocr-pipeline/internal/domain"
)

// Writer appends one OutputRecord per line. Each record goes out in a single
// write call, so a crash never leaves a torn line in front of a good one.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	count  int
	sync   bool
	closed bool
}

// Create truncates or creates the file at path. With syncEach set every
// record is fsynced before Append returns.
func Create(path string, syncEach bool) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, domain.IOError(fmt.Sprintf("create output directory %s", dir), err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("create output file %s", path), err)
	}

	return &Writer{file: f, path: path, sync: syncEach}, nil
}

// Append writes rec as one line
func (w *Writer) Append(rec domain.OutputRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return domain.IOError(fmt.Sprintf("encode record %s", rec.ID), err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return domain.IOError("append to closed output file", os.ErrClosed)
	}
	if _, err := w.file.Write(line); err != nil {
		return domain.IOError(fmt.Sprintf("write record %s", rec.ID), err)
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return domain.IOError(fmt.Sprintf("sync record %s", rec.ID), err)
		}
	}

	w.count++
	return nil
}

// Count returns the number of records written
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Path returns the output file path
func (w *Writer) Path() string {
	return w.path
}

// Close syncs and closes the file. Closing twice is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return domain.IOError(fmt.Sprintf("sync output file %s", w.path), err)
	}
	if err := w.file.Close(); err != nil {
		return domain.IOError(fmt.Sprintf("close output file %s", w.path), err)
	}
	return nil
}
