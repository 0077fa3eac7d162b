package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteObject is one entry returned by a FileStore listing
type RemoteObject struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Checksum string `json:"checksum,omitempty"` // md5 when the store reports one
}

// IsFolder reports whether the object is a folder rather than a file
func (o RemoteObject) IsFolder() bool {
	return o.MimeType == MimeTypeFolder
}

// Known MIME types
const (
	MimeTypeFolder = "application/vnd.google-apps.folder"
	MimeTypePDF    = "application/pdf"
	MimeTypeJSONL  = "application/json"
)

// ImageObject is a downloaded image held for the duration of one recognition call
type ImageObject struct {
	ID        string
	Name      string
	MimeType  string
	Content   []byte
	LocalPath string // Spooled copy in the work directory
	Page      int    // Non-zero when rasterised from a PDF page
}

// OcrResult is the recognition output for one ImageObject
type OcrResult struct {
	ImageID    string
	Name       string
	Page       int
	Text       string
	Locale     string
	Confidence *float64
	Engine     string
	Cached     bool
}

// OutputRecord is one line of the output file. Field order is the wire order.
type OutputRecord struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	FileID     string   `json:"file_id,omitempty"`
	Page       int      `json:"page,omitempty"`
	Locale     string   `json:"locale,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Timestamp  string   `json:"processed_timestamp,omitempty"`
}

// NewOutputRecord builds the record for a result. The store handle is only
// carried when it differs from the name.
func NewOutputRecord(r *OcrResult) OutputRecord {
	rec := OutputRecord{
		ID:         r.Name,
		Text:       r.Text,
		Page:       r.Page,
		Locale:     r.Locale,
		Confidence: r.Confidence,
	}
	if rec.ID == "" {
		rec.ID = r.ImageID
	}
	if r.ImageID != rec.ID {
		rec.FileID = r.ImageID
	}
	return rec
}

// RunState is the terminal state of a pipeline run
type RunState string

const (
	RunStateRunning            RunState = "running"
	RunStateCompleted          RunState = "completed"
	RunStateCompletedWithSkips RunState = "completed_with_skips"
	RunStatePublishFailed      RunState = "publish_failed"
	RunStateAborted            RunState = "aborted"
)

// SkippedItem records an item that failed without aborting the run
type SkippedItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Stage  Stage  `json:"stage"`
	Reason string `json:"reason"`
}

// RunSummary is the end-of-run report
type RunSummary struct {
	RunID      uuid.UUID     `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Listed     int           `json:"listed"`
	Written    int           `json:"written"`
	CacheHits  int           `json:"cache_hits"`
	Skipped    []SkippedItem `json:"skipped,omitempty"`
	OutputPath string        `json:"output_path"`
	Published  *RemoteObject `json:"published,omitempty"`
	State      RunState      `json:"state"`
	Err        error         `json:"-"`
}

// Duration returns the wall-clock time of the run
func (s *RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// EventType represents the type of progress event
type EventType string

const (
	EventStart       EventType = "start"
	EventListed      EventType = "listed"
	EventItemStart   EventType = "item_start"
	EventItemDone    EventType = "item_done"
	EventItemSkipped EventType = "item_skipped"
	EventPublish     EventType = "publish"
	EventError       EventType = "error"
	EventComplete    EventType = "complete"
)

// Event represents a progress notification emitted during a run
type Event struct {
	Type      EventType   `json:"type"`
	ItemID    string      `json:"item_id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // Status message, count or summary
	Timestamp time.Time   `json:"timestamp"`
}

// RunInfo describes a run when it starts
type RunInfo struct {
	RunID       uuid.UUID
	StartedAt   time.Time
	Source      string
	Destination string
	Engine      string
}

// ItemStatus is the outcome of one item in a run
type ItemStatus string

const (
	ItemWritten ItemStatus = "written"
	ItemCached  ItemStatus = "cached"
	ItemSkipped ItemStatus = "skipped"
)

// ItemOutcome is what the run ledger records per item
type ItemOutcome struct {
	ItemID     string
	Name       string
	Status     ItemStatus
	Stage      Stage
	Reason     string
	RecordedAt time.Time
}
