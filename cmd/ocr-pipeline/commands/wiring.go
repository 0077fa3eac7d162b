package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spherical/ocr-pipeline/internal/cache"
	"github.com/spherical/ocr-pipeline/internal/config"
	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/fetch"
	"github.com/spherical/ocr-pipeline/internal/gauth"
	"github.com/spherical/ocr-pipeline/internal/ledger"
	"github.com/spherical/ocr-pipeline/internal/observability"
	"github.com/spherical/ocr-pipeline/internal/ocr/tesseract"
	"github.com/spherical/ocr-pipeline/internal/ocr/vision"
	"github.com/spherical/ocr-pipeline/internal/pipeline"
	"github.com/spherical/ocr-pipeline/internal/publish"
	"github.com/spherical/ocr-pipeline/internal/retry"
	"github.com/spherical/ocr-pipeline/internal/store/drive"
	"github.com/spherical/ocr-pipeline/internal/store/local"
)

// app is a fully wired pipeline plus the resources it holds open
type app struct {
	pipeline *pipeline.Service
	closers  []func() error
}

// Close releases cache and ledger connections.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// factory builds components from a validated configuration. The Drive client
// is created on first use and shared by the source and destination.
type factory struct {
	cfg    *config.Config
	logger *observability.Logger
	drive  *drive.Client
}

func build(ctx context.Context, cfg *config.Config, logger *observability.Logger, events chan<- domain.Event) (*app, error) {
	f := &factory{cfg: cfg, logger: logger}
	a := &app{}

	srcStore, srcFolder, err := f.store(ctx, cfg.Source.Store, cfg.Source.Folder, false)
	if err != nil {
		return nil, err
	}
	dstStore, dstFolder, err := f.store(ctx, cfg.DestinationStore(), cfg.Destination.Folder, true)
	if err != nil {
		return nil, err
	}

	fetcher, err := fetch.New(srcStore, fetch.Options{
		WorkDir:       cfg.Output.WorkDir,
		MaxBytes:      cfg.Source.MaxBytes,
		IncludePDF:    cfg.Source.IncludePDF,
		PDFDPI:        cfg.Source.PDFDPI,
		KeepDownloads: cfg.Source.KeepDownloads,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	recognizer, err := f.recognizer(ctx)
	if err != nil {
		return nil, err
	}
	recognizer = f.withCache(recognizer, a)

	var runLedger domain.RunLedger
	if l := f.ledger(ctx); l != nil {
		runLedger = l
		a.closers = append(a.closers, l.Close)
	}

	a.pipeline = pipeline.NewService(fetcher, recognizer, publish.New(dstStore, logger), runLedger, pipeline.Options{
		SourceFolder:     srcFolder,
		DestFolder:       dstFolder,
		OutputName:       cfg.Destination.FileName,
		OutputPath:       cfg.OutputPath(),
		Workers:          cfg.Pipeline.Workers,
		PublishEmpty:     cfg.Pipeline.PublishEmpty,
		IncludeTimestamp: cfg.Output.IncludeTimestamp,
		SyncWrites:       cfg.Output.Sync,
		SourceLabel:      cfg.Source.Store + ":" + cfg.Source.Folder,
		DestLabel:        cfg.DestinationStore() + ":" + cfg.Destination.Folder,
		Events:           events,
	}, logger)

	return a, nil
}

// store returns the file store for kind and the folder argument to pass it.
// A local store is rooted at the folder itself.
func (f *factory) store(ctx context.Context, kind, folder string, create bool) (domain.FileStore, string, error) {
	switch kind {
	case "local":
		if create {
			if err := os.MkdirAll(folder, 0o755); err != nil {
				return nil, "", domain.StorageError(fmt.Sprintf("create destination %s", folder), err)
			}
		}
		s, err := local.New(folder)
		if err != nil {
			return nil, "", err
		}
		return s, ".", nil
	case "drive":
		c, err := f.driveClient(ctx)
		if err != nil {
			return nil, "", err
		}
		return c, folder, nil
	}
	return nil, "", domain.ConfigError(fmt.Sprintf("unknown store %q", kind), nil)
}

func (f *factory) driveClient(ctx context.Context) (*drive.Client, error) {
	if f.drive != nil {
		return f.drive, nil
	}
	// Downloads are bounded by the run context rather than a client timeout.
	httpClient, err := gauth.NewHTTPClient(ctx, f.cfg.Drive.CredentialsFile, 0)
	if err != nil {
		return nil, err
	}
	f.drive = drive.NewClient(httpClient, drive.Options{
		APIURL:    f.cfg.Drive.APIURL,
		UploadURL: f.cfg.Drive.UploadURL,
		PageSize:  f.cfg.Drive.PageSize,
		Retry:     f.retryConfig(),
		Logger:    f.logger,
	})
	return f.drive, nil
}

func (f *factory) recognizer(ctx context.Context) (domain.Recognizer, error) {
	ocr := f.cfg.OCR
	switch ocr.Engine {
	case tesseract.EngineName:
		return tesseract.New(ocr.LanguageHints, f.logger), nil
	case vision.EngineName:
		var httpClient *http.Client
		if ocr.APIKey != "" {
			httpClient = &http.Client{Timeout: ocr.Timeout}
		} else {
			c, err := gauth.NewHTTPClient(ctx, f.cfg.Drive.CredentialsFile, ocr.Timeout)
			if err != nil {
				return nil, err
			}
			httpClient = c
		}
		return vision.NewClient(httpClient, vision.Config{
			Endpoint:      ocr.Endpoint,
			APIKey:        ocr.APIKey,
			Feature:       ocr.Feature,
			LanguageHints: ocr.LanguageHints,
			MaxImageBytes: ocr.MaxImageBytes,
			Retry:         f.retryConfig(),
		}, f.logger)
	}
	return nil, domain.ConfigError(fmt.Sprintf("unknown ocr engine %q", ocr.Engine), nil)
}

// withCache wraps r in the configured result cache. A cache that cannot be
// reached is logged and left out.
func (f *factory) withCache(r domain.Recognizer, a *app) domain.Recognizer {
	var client cache.Client
	switch f.cfg.Cache.Driver {
	case "memory":
		client = cache.NewMemoryClient(f.cfg.Cache.MaxEntries)
	case "redis":
		rc := f.cfg.Cache.Redis
		c, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			PoolSize: rc.PoolSize,
			Prefix:   rc.Prefix,
		})
		if err != nil {
			f.logger.Warn().Err(err).Msg("Result cache unavailable, continuing without it")
			return r
		}
		client = c
	default:
		return r
	}
	a.closers = append(a.closers, client.Close)
	return cache.NewRecognizer(r, client, f.cacheNamespace(), f.cfg.Cache.TTL, f.logger)
}

// cacheNamespace separates results of engine settings that yield different
// text for the same image.
func (f *factory) cacheNamespace() string {
	ocr := f.cfg.OCR
	parts := []string{ocr.Engine}
	if ocr.Engine == vision.EngineName {
		parts = append(parts, ocr.Feature)
	}
	if len(ocr.LanguageHints) > 0 {
		parts = append(parts, strings.Join(ocr.LanguageHints, "+"))
	}
	return strings.Join(parts, ":")
}

// ledger opens the run ledger. Failures are logged and the run continues
// unrecorded.
func (f *factory) ledger(ctx context.Context) *ledger.Ledger {
	if f.cfg.Ledger.Driver == ledger.DriverNone {
		return nil
	}
	l, err := ledger.Open(ctx, f.cfg.Ledger.Driver, f.cfg.LedgerDSN())
	if err != nil {
		f.logger.Warn().Err(err).Str("driver", f.cfg.Ledger.Driver).Msg("Run ledger unavailable, continuing without it")
		return nil
	}
	return l
}

func (f *factory) retryConfig() retry.Config {
	return retry.Config{
		MaxRetries:     f.cfg.Retry.MaxRetries,
		InitialBackoff: f.cfg.Retry.InitialBackoff,
		MaxBackoff:     f.cfg.Retry.MaxBackoff,
	}
}
