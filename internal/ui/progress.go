// Package ui renders pipeline progress and run summaries on a terminal.
package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/spherical/ocr-pipeline/internal/domain"
)

// Init applies global output settings.
func Init(noColor bool) {
	if noColor {
		color.NoColor = true
	}
}

// ProgressBar wraps a progressbar instance. A negative total renders an
// indeterminate bar that only counts.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewProgressBar creates a new progress bar writing to w.
func NewProgressBar(w io.Writer, total int64, description string) *ProgressBar {
	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &ProgressBar{bar: bar}
}

// Add advances the bar by n.
func (p *ProgressBar) Add(n int) {
	_ = p.bar.Add(n)
}

// Describe replaces the bar description.
func (p *ProgressBar) Describe(description string) {
	p.bar.Describe(description)
}

// Finish completes the bar.
func (p *ProgressBar) Finish() {
	_ = p.bar.Finish()
}

// Spinner wraps a spinner instance for indeterminate progress display.
type Spinner struct {
	spinner *spinner.Spinner
}

// NewSpinner creates a new spinner writing to w.
func NewSpinner(w io.Writer, message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = w
	return &Spinner{spinner: s}
}

// Start starts the spinner animation.
func (s *Spinner) Start() {
	s.spinner.Start()
}

// Stop stops the spinner animation and clears the line.
func (s *Spinner) Stop() {
	s.spinner.Stop()
}

// Reporter turns pipeline events into a spinner while the listing starts and
// a counting progress bar once images flow.
type Reporter struct {
	w     io.Writer
	quiet bool

	spinner *Spinner
	bar     *ProgressBar

	Listed  int
	Done    int
	Skipped int
}

// NewReporter creates a reporter. A quiet reporter only counts.
func NewReporter(w io.Writer, quiet bool) *Reporter {
	return &Reporter{w: w, quiet: quiet}
}

// Consume handles events until the channel is closed.
func (r *Reporter) Consume(events <-chan domain.Event) {
	for e := range events {
		r.Handle(e)
	}
	r.stop()
}

// Handle renders one event.
func (r *Reporter) Handle(e domain.Event) {
	switch e.Type {
	case domain.EventStart:
		if !r.quiet {
			r.spinner = NewSpinner(r.w, "Listing source folder...")
			r.spinner.Start()
		}

	case domain.EventItemStart:
		r.stopSpinner()
		if !r.quiet && r.bar == nil {
			r.bar = NewProgressBar(r.w, -1, "Recognizing")
		}

	case domain.EventListed:
		if n, ok := e.Payload.(int); ok {
			r.Listed = n
			if r.bar != nil {
				r.bar.Describe(fmt.Sprintf("Recognizing %d listed", n))
			}
		}

	case domain.EventItemDone:
		r.Done++
		r.advance()

	case domain.EventItemSkipped:
		r.Skipped++
		r.advance()

	case domain.EventPublish:
		r.stop()
		if !r.quiet {
			r.spinner = NewSpinner(r.w, fmt.Sprintf("Uploading %s...", e.Name))
			r.spinner.Start()
		}

	case domain.EventComplete, domain.EventError:
		r.stop()
	}
}

func (r *Reporter) advance() {
	if r.bar != nil {
		r.bar.Add(1)
	}
}

func (r *Reporter) stopSpinner() {
	if r.spinner != nil {
		r.spinner.Stop()
		r.spinner = nil
	}
}

func (r *Reporter) stop() {
	r.stopSpinner()
	if r.bar != nil {
		r.bar.Finish()
		r.bar = nil
	}
}
