package ui

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/spherical/ocr-pipeline/internal/domain"
)

// Summary prints the end-of-run report.
func Summary(w io.Writer, s *domain.RunSummary) {
	header := color.New(color.FgMagenta, color.Bold)
	header.Fprintf(w, "━━━ RUN %s ━━━\n", s.RunID)

	keyValue(w, "State", stateColor(s.State).Sprint(s.State))
	keyValue(w, "Listed", fmt.Sprint(s.Listed))
	keyValue(w, "Written", fmt.Sprint(s.Written))
	keyValue(w, "Skipped", fmt.Sprint(len(s.Skipped)))
	if s.CacheHits > 0 {
		keyValue(w, "Cache hits", fmt.Sprint(s.CacheHits))
	}
	keyValue(w, "Duration", FormatDuration(s.Duration()))
	keyValue(w, "Output", s.OutputPath)
	if s.Published != nil {
		keyValue(w, "Uploaded", fmt.Sprintf("%s (%s)", s.Published.Name, s.Published.ID))
	}

	if len(s.Skipped) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(s.Skipped))
		for _, item := range s.Skipped {
			rows = append(rows, []string{item.Name, string(item.Stage), item.Reason})
		}
		Table(w, []string{"NAME", "STAGE", "REASON"}, rows)
	}

	if s.Err != nil {
		fmt.Fprintln(w)
		color.New(color.FgRed).Fprintf(w, "✗ %v\n", s.Err)
	}
}

// Table writes rows in aligned columns.
func Table(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	separator := make([]string, len(headers))
	for i := range separator {
		separator[i] = strings.Repeat("-", len(headers[i]))
	}
	fmt.Fprintln(tw, strings.Join(separator, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

// Success prints a green check line.
func Success(w io.Writer, format string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(w, "✓ %s\n", fmt.Sprintf(format, args...))
}

// Error prints a red cross line.
func Error(w io.Writer, format string, args ...interface{}) {
	color.New(color.FgRed).Fprintf(w, "✗ %s\n", fmt.Sprintf(format, args...))
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	d = d.Round(time.Second)

	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

func keyValue(w io.Writer, key, value string) {
	color.New(color.FgYellow).Fprintf(w, "  %s: ", key)
	fmt.Fprintln(w, value)
}

func stateColor(state domain.RunState) *color.Color {
	switch state {
	case domain.RunStateCompleted:
		return color.New(color.FgGreen, color.Bold)
	case domain.RunStateCompletedWithSkips:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}
