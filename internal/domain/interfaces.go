package domain

import (
	"context"
	"io"
	"iter"

	"github.com/google/uuid"
)

// FileStore defines the operations needed against a remote file store
type FileStore interface {
	// List yields the objects directly inside folder, page by page
	List(ctx context.Context, folder string) iter.Seq2[RemoteObject, error]

	// Download opens the content of an object by its store handle
	Download(ctx context.Context, id string) (io.ReadCloser, error)

	// Upload stores content as a new object named name inside folder
	Upload(ctx context.Context, folder, name, mimeType string, content io.Reader) (*RemoteObject, error)
}

// Recognizer turns one image into text
type Recognizer interface {
	// Name identifies the engine in logs, cache keys and the ledger
	Name() string

	// Recognize returns an OcrResult; an image without text yields an empty
	// Text and no error
	Recognize(ctx context.Context, image ImageObject) (*OcrResult, error)
}

// RecordWriter appends output records to the output file
type RecordWriter interface {
	Append(rec OutputRecord) error
	Count() int
	Path() string
	Close() error
}

// RunLedger persists run history. Implementations must not let their own
// failures change a run's outcome; callers only log returned errors.
type RunLedger interface {
	StartRun(ctx context.Context, run RunInfo) error
	RecordItem(ctx context.Context, runID uuid.UUID, item ItemOutcome) error
	FinishRun(ctx context.Context, summary *RunSummary) error
}
