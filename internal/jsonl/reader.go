package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spherical/ocr-pipeline/internal/domain"
)

const maxLineBytes = 64 * 1024 * 1024

// LineError reports an unparseable line
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Scan calls fn for every record in r. Blank lines are ignored. Lines must be
// JSON objects with a non-empty id and a text field.
func Scan(r io.Reader, fn func(line int, rec domain.OutputRecord) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	n := 0
	for sc.Scan() {
		n++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return &LineError{Line: n, Err: err}
		}
		if _, ok := fields["text"]; !ok {
			return &LineError{Line: n, Err: fmt.Errorf("missing text field")}
		}

		var rec domain.OutputRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return &LineError{Line: n, Err: err}
		}
		if rec.ID == "" {
			return &LineError{Line: n, Err: fmt.Errorf("missing id field")}
		}

		if err := fn(n, rec); err != nil {
			return err
		}
	}

	if err := sc.Err(); err != nil {
		return &LineError{Line: n + 1, Err: err}
	}
	return nil
}

// Read loads every record of the file at path
func Read(path string) ([]domain.OutputRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	var records []domain.OutputRecord
	err = Scan(f, func(_ int, rec domain.OutputRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return records, domain.ValidationError(fmt.Sprintf("parse %s", path), err)
	}
	return records, nil
}
