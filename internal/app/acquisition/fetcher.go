// Package acquisition stages remote artifact archives on local disk.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/gitleaks-artifacts/internal/domain/artifacts"
	"github.com/ahrav/gitleaks-artifacts/pkg/common/logger"
)

// DefaultWorkers is the number of downloads kept in flight.
const DefaultWorkers = 5

// Metrics records fetcher outcomes.
type Metrics interface {
	IncArtifactsDownloaded(ctx context.Context)
	IncArtifactsSkipped(ctx context.Context)
	IncArtifactsFailed(ctx context.Context)
	ObserveDownloadSize(ctx context.Context, sizeBytes int64)
	ObserveDownloadTime(ctx context.Context, d time.Duration)
}

// Summary counts what a Fetch call did.
type Summary struct {
	Downloaded int
	Skipped    int
	Failed     int
}

// Fetcher downloads artifact archives into a staging directory using a
// bounded pool of workers. Every descriptor is an independent unit of work:
// a failed download is logged and counted and never affects its siblings.
type Fetcher struct {
	downloader artifacts.ArtifactDownloader
	workers    int

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewFetcher creates a Fetcher. A non-positive workers value uses
// DefaultWorkers.
func NewFetcher(
	downloader artifacts.ArtifactDownloader,
	workers int,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics Metrics,
) *Fetcher {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Fetcher{
		downloader: downloader,
		workers:    workers,
		logger:     log.With("component", "fetcher"),
		tracer:     tracer,
		metrics:    metrics,
	}
}

// Fetch stages one archive per descriptor under destDir, skipping any whose
// staged file already exists. It returns once every dispatched download has
// finished. Only a failure to create destDir is returned as an error.
func (f *Fetcher) Fetch(
	ctx context.Context,
	owner, repo string,
	descriptors []artifacts.Descriptor,
	destDir string,
) (Summary, error) {
	ctx, span := f.tracer.Start(ctx, "fetcher.fetch",
		trace.WithAttributes(
			attribute.String("owner", owner),
			attribute.String("repo", repo),
			attribute.Int("artifact_count", len(descriptors)),
			attribute.Int("workers", f.workers),
		))
	defer span.End()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create staging dir")
		return Summary{}, fmt.Errorf("failed to create staging dir %s: %w", destDir, err)
	}

	var downloaded, skipped, failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(f.workers)
	for _, d := range descriptors {
		g.Go(func() error {
			switch f.fetchOne(ctx, owner, repo, d, destDir) {
			case outcomeDownloaded:
				downloaded.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		Downloaded: int(downloaded.Load()),
		Skipped:    int(skipped.Load()),
		Failed:     int(failed.Load()),
	}
	span.SetAttributes(
		attribute.Int("downloaded", summary.Downloaded),
		attribute.Int("skipped", summary.Skipped),
		attribute.Int("failed", summary.Failed),
	)
	return summary, nil
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeDownloaded
	outcomeSkipped
)

func (f *Fetcher) fetchOne(ctx context.Context, owner, repo string, d artifacts.Descriptor, destDir string) outcome {
	logr := logger.NewLoggerContext(f.logger.With(
		"artifact_id", d.ID,
		"artifact_name", d.Name,
	))
	ctx, span := f.tracer.Start(ctx, "fetcher.fetch_artifact",
		trace.WithAttributes(
			attribute.Int64("artifact_id", d.ID),
			attribute.String("artifact_name", d.Name),
		))
	defer span.End()

	target := filepath.Join(destDir, d.StagedName())
	logr.Add("path", target)

	if _, err := os.Stat(target); err == nil {
		logr.Info(ctx, "artifact already staged, skipping")
		span.AddEvent("already_staged")
		f.metrics.IncArtifactsSkipped(ctx)
		return outcomeSkipped
	} else if !errors.Is(err, fs.ErrNotExist) {
		logr.Warn(ctx, "failed to check staged artifact", "error", err)
	}

	if err := ctx.Err(); err != nil {
		logr.Warn(ctx, "run cancelled before download", "error", err)
		f.metrics.IncArtifactsFailed(ctx)
		return outcomeFailed
	}

	start := time.Now()
	size, err := f.download(ctx, owner, repo, d, destDir, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		logr.Error(ctx, "failed to download artifact", "error", err)
		f.metrics.IncArtifactsFailed(ctx)
		return outcomeFailed
	}
	elapsed := time.Since(start)

	f.metrics.IncArtifactsDownloaded(ctx)
	f.metrics.ObserveDownloadSize(ctx, size)
	f.metrics.ObserveDownloadTime(ctx, elapsed)
	span.SetAttributes(attribute.Int64("size_bytes", size))
	logr.Info(ctx, "downloaded artifact", "size_bytes", size, "duration", elapsed.String())

	return outcomeDownloaded
}

// download writes into a temporary sibling and renames it into place, so an
// interrupted transfer never leaves a file at target.
func (f *Fetcher) download(
	ctx context.Context,
	owner, repo string,
	d artifacts.Descriptor,
	destDir, target string,
) (int64, error) {
	tmp, err := os.CreateTemp(destDir, fmt.Sprintf(".%d-*.partial", d.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	size, err := f.downloader.DownloadArtifact(ctx, owner, repo, d.ID, tmp)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close temp file: %w", closeErr)
	}
	if err != nil {
		return size, err
	}

	if err := os.Rename(tmpName, target); err != nil {
		return size, fmt.Errorf("failed to move archive into place: %w", err)
	}
	return size, nil
}
