// Package pipeline runs Fetcher → Recognizer → Writer → Publisher for one
// source folder.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/jsonl"
	"github.com/spherical/ocr-pipeline/internal/observability"
)

// ImageSource lists and fetches images. *fetch.Fetcher implements it.
type ImageSource interface {
	List(ctx context.Context, folder string) iter.Seq2[domain.RemoteObject, error]
	Fetch(ctx context.Context, obj domain.RemoteObject) ([]domain.ImageObject, error)
	Cleanup() error
}

// Publisher uploads the finished output file. *publish.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, localPath, folder, name string) (*domain.RemoteObject, error)
}

// Options configures a run
type Options struct {
	SourceFolder     string
	DestFolder       string
	OutputName       string
	OutputPath       string
	Workers          int
	PublishEmpty     bool
	IncludeTimestamp bool
	SyncWrites       bool

	// Descriptions stored in the run ledger, e.g. "drive:<folder id>"
	SourceLabel string
	DestLabel   string

	// Events receives progress notifications when non-nil. Sends never block;
	// events are dropped when the channel is full.
	Events chan<- domain.Event
}

// Service orchestrates a pipeline run
type Service struct {
	source     ImageSource
	recognizer domain.Recognizer
	publisher  Publisher
	ledger     domain.RunLedger
	opts       Options
	logger     *observability.Logger
	now        func() time.Time
}

// NewService creates a pipeline service. A nil ledger records nothing.
func NewService(source ImageSource, recognizer domain.Recognizer, publisher Publisher, ledger domain.RunLedger, opts Options, logger *observability.Logger) *Service {
	if ledger == nil {
		ledger = nopLedger{}
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Service{
		source:     source,
		recognizer: recognizer,
		publisher:  publisher,
		ledger:     ledger,
		opts:       opts,
		logger:     observability.OrNop(logger).WithComponent("pipeline"),
		now:        time.Now,
	}
}

// run holds the mutable state of one Run call
type run struct {
	mu      sync.Mutex
	summary *domain.RunSummary
	writer  domain.RecordWriter
	logger  *observability.Logger
}

// Run processes every image in the source folder and publishes the output.
// The returned summary is always non-nil. The error is non-nil when the run
// aborted or the upload failed; skipped items alone do not produce an error.
func (s *Service) Run(ctx context.Context) (*domain.RunSummary, error) {
	r := &run{
		summary: &domain.RunSummary{
			RunID:      uuid.New(),
			StartedAt:  s.now(),
			OutputPath: s.opts.OutputPath,
			State:      domain.RunStateRunning,
		},
	}
	r.logger = s.logger.WithRun(r.summary.RunID.String())

	// Ledger writes must land even after the run context is cancelled.
	ledgerCtx := context.WithoutCancel(ctx)

	s.emit(domain.Event{Type: domain.EventStart, Payload: r.summary.RunID.String()})
	r.logger.Info().
		Str("source", s.opts.SourceLabel).
		Str("destination", s.opts.DestLabel).
		Str("engine", s.recognizer.Name()).
		Int("workers", s.opts.Workers).
		Msg("Starting run")

	if err := s.ledger.StartRun(ledgerCtx, domain.RunInfo{
		RunID:       r.summary.RunID,
		StartedAt:   r.summary.StartedAt,
		Source:      s.opts.SourceLabel,
		Destination: s.opts.DestLabel,
		Engine:      s.recognizer.Name(),
	}); err != nil {
		r.logger.Warn().Err(err).Msg("Ledger start failed")
	}

	defer func() {
		if err := s.source.Cleanup(); err != nil {
			r.logger.Warn().Err(err).Msg("Cleanup of downloaded images failed")
		}
	}()

	writer, err := jsonl.Create(s.opts.OutputPath, s.opts.SyncWrites)
	if err != nil {
		return s.finish(ledgerCtx, r, domain.RunStateAborted, err)
	}
	r.writer = writer

	if s.opts.Workers > 1 {
		err = s.processConcurrent(ctx, r)
	} else {
		err = s.processSequential(ctx, r)
	}

	closeErr := writer.Close()
	if err != nil {
		r.logger.Error().Err(err).Str("output", s.opts.OutputPath).Msg("Run aborted, output kept locally")
		return s.finish(ledgerCtx, r, domain.RunStateAborted, err)
	}
	if closeErr != nil {
		return s.finish(ledgerCtx, r, domain.RunStateAborted, closeErr)
	}

	if r.summary.Written == 0 && !s.opts.PublishEmpty {
		r.logger.Info().Msg("No records written, skipping upload")
	} else {
		s.emit(domain.Event{Type: domain.EventPublish, Name: s.opts.OutputName})
		obj, err := s.publisher.Publish(ctx, s.opts.OutputPath, s.opts.DestFolder, s.opts.OutputName)
		if err != nil {
			return s.finish(ledgerCtx, r, domain.RunStatePublishFailed, err)
		}
		r.summary.Published = obj
	}

	state := domain.RunStateCompleted
	if len(r.summary.Skipped) > 0 {
		state = domain.RunStateCompletedWithSkips
	}
	return s.finish(ledgerCtx, r, state, nil)
}

func (s *Service) processSequential(ctx context.Context, r *run) error {
	for obj, err := range s.source.List(ctx, s.opts.SourceFolder) {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		r.mu.Lock()
		r.summary.Listed++
		r.mu.Unlock()

		if err := s.processObject(ctx, r, obj); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.emitListed(r)
	return nil
}

// processConcurrent fans objects out to a bounded worker group. The first
// fatal error cancels the remaining work.
func (s *Service) processConcurrent(ctx context.Context, r *run) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	var listErr error
	for obj, err := range s.source.List(gctx, s.opts.SourceFolder) {
		if err != nil {
			listErr = err
			break
		}
		if gctx.Err() != nil {
			break
		}

		r.mu.Lock()
		r.summary.Listed++
		r.mu.Unlock()

		g.Go(func() error {
			return s.processObject(gctx, r, obj)
		})
	}
	if listErr == nil && gctx.Err() == nil {
		s.emitListed(r)
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if listErr != nil {
		return listErr
	}
	return ctx.Err()
}

// processObject fetches, recognizes and writes one listing entry. It returns
// an error only when the run must stop.
func (s *Service) processObject(ctx context.Context, r *run, obj domain.RemoteObject) error {
	s.emit(domain.Event{Type: domain.EventItemStart, ItemID: obj.ID, Name: obj.Name})

	images, err := s.source.Fetch(ctx, obj)
	if err != nil {
		if ctx.Err() != nil || !domain.IsRecoverable(err) {
			return err
		}
		s.skip(ctx, r, obj.ID, obj.Name, domain.StageFetch, err)
		return nil
	}

	for _, img := range images {
		res, err := s.recognizer.Recognize(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !domain.IsRecoverable(err) {
				return fmt.Errorf("recognize %s: %w", img.Name, err)
			}
			s.skip(ctx, r, img.ID, img.Name, domain.StageRecognize, err)
			continue
		}

		rec := domain.NewOutputRecord(res)
		if s.opts.IncludeTimestamp {
			rec.Timestamp = s.now().UTC().Format(time.RFC3339)
		}
		if err := r.writer.Append(rec); err != nil {
			return err
		}

		status := domain.ItemWritten
		r.mu.Lock()
		r.summary.Written++
		if res.Cached {
			r.summary.CacheHits++
			status = domain.ItemCached
		}
		r.mu.Unlock()

		s.record(ctx, r, domain.ItemOutcome{ItemID: img.ID, Name: img.Name, Status: status})
		s.emit(domain.Event{Type: domain.EventItemDone, ItemID: img.ID, Name: img.Name, Payload: len(res.Text)})

		r.logger.Info().
			Str("name", img.Name).
			Int("chars", len(res.Text)).
			Bool("cached", res.Cached).
			Msg("Processed image")
	}

	return nil
}

func (s *Service) skip(ctx context.Context, r *run, id, name string, stage domain.Stage, err error) {
	reason := err.Error()
	var ie *domain.ItemError
	if errors.As(err, &ie) {
		stage = ie.Stage
		reason = ie.Err.Error()
	}

	r.mu.Lock()
	r.summary.Skipped = append(r.summary.Skipped, domain.SkippedItem{ID: id, Name: name, Stage: stage, Reason: reason})
	r.mu.Unlock()

	r.logger.Warn().
		Str("name", name).
		Str("stage", string(stage)).
		Str("reason", reason).
		Msg("Skipping item")

	s.record(ctx, r, domain.ItemOutcome{ItemID: id, Name: name, Status: domain.ItemSkipped, Stage: stage, Reason: reason})
	s.emit(domain.Event{Type: domain.EventItemSkipped, ItemID: id, Name: name, Payload: reason})
}

func (s *Service) record(ctx context.Context, r *run, item domain.ItemOutcome) {
	item.RecordedAt = s.now()
	if err := s.ledger.RecordItem(context.WithoutCancel(ctx), r.summary.RunID, item); err != nil {
		r.logger.Warn().Err(err).Str("name", item.Name).Msg("Ledger item write failed")
	}
}

// finish stamps the terminal state, updates the ledger and emits the final
// events.
func (s *Service) finish(ctx context.Context, r *run, state domain.RunState, err error) (*domain.RunSummary, error) {
	sum := r.summary
	sum.State = state
	sum.FinishedAt = s.now()
	sum.Err = err

	if lerr := s.ledger.FinishRun(ctx, sum); lerr != nil {
		r.logger.Warn().Err(lerr).Msg("Ledger finish failed")
	}

	if err != nil {
		s.emit(domain.Event{Type: domain.EventError, Payload: err.Error()})
	}
	s.emit(domain.Event{Type: domain.EventComplete, Payload: sum})

	r.logger.Info().
		Str("state", string(state)).
		Int("listed", sum.Listed).
		Int("written", sum.Written).
		Int("skipped", len(sum.Skipped)).
		Int("cache_hits", sum.CacheHits).
		Dur("duration", sum.Duration()).
		Msg("Run finished")

	return sum, err
}

// emitListed reports the number of listing entries once the listing is
// exhausted. Workers may still be processing at that point.
func (s *Service) emitListed(r *run) {
	r.mu.Lock()
	listed := r.summary.Listed
	r.mu.Unlock()
	s.emit(domain.Event{Type: domain.EventListed, Payload: listed})
}

// emit safely emits an event to the channel
func (s *Service) emit(event domain.Event) {
	if s.opts.Events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	select {
	case s.opts.Events <- event:
	default:
		s.logger.Debug().Str("event", string(event.Type)).Msg("Event channel full, dropping event")
	}
}

type nopLedger struct{}

func (nopLedger) StartRun(context.Context, domain.RunInfo) error                 { return nil }
func (nopLedger) RecordItem(context.Context, uuid.UUID, domain.ItemOutcome) error { return nil }
func (nopLedger) FinishRun(context.Context, *domain.RunSummary) error            { return nil }
