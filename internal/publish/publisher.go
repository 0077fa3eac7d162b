// Package publish uploads the finished output file to the destination store.
package publish

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/observability"
)

// Publisher uploads a local file as one immutable object
type Publisher struct {
	store  domain.FileStore
	logger *observability.Logger
}

// New creates a Publisher
func New(store domain.FileStore, logger *observability.Logger) *Publisher {
	return &Publisher{
		store:  store,
		logger: observability.OrNop(logger).WithComponent("publish"),
	}
}

// Publish uploads localPath into folder under name. On failure the local file
// is left untouched and its path is part of the returned error.
func (p *Publisher) Publish(ctx context.Context, localPath, folder, name string) (*domain.RemoteObject, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, domain.PublishError(fmt.Sprintf("open %s", localPath), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, domain.PublishError(fmt.Sprintf("stat %s", localPath), err)
	}

	p.logger.Info().
		Str("file", localPath).
		Str("folder", folder).
		Str("name", name).
		Int64("bytes", info.Size()).
		Msg("Uploading output")

	start := time.Now()
	obj, err := p.store.Upload(ctx, folder, name, domain.MimeTypeJSONL, f)
	if err != nil {
		p.logger.Error().Err(err).Str("file", localPath).Msg("Upload failed")
		return nil, domain.PublishError(fmt.Sprintf("upload failed, output kept at %s", localPath), err)
	}

	p.logger.Info().
		Str("id", obj.ID).
		Dur("duration", time.Since(start)).
		Msg("Upload complete")

	return obj, nil
}
