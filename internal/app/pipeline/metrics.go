package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/gitleaks-artifacts/internal/app/acquisition"
	"github.com/ahrav/gitleaks-artifacts/internal/infra/archive"
	"github.com/ahrav/gitleaks-artifacts/internal/infra/scanner"
)

var (
	_ Metrics             = (*Telemetry)(nil)
	_ acquisition.Metrics = (*Telemetry)(nil)
	_ archive.Metrics     = (*Telemetry)(nil)
	_ scanner.Metrics     = (*Telemetry)(nil)
)

// Telemetry implements the metrics interfaces of every sweep stage on top
// of an otel meter.
type Telemetry struct {
	// Fetch metrics.
	artifactsDownloaded metric.Int64Counter
	artifactsSkipped    metric.Int64Counter
	artifactsFailed     metric.Int64Counter
	downloadSize        metric.Int64Histogram
	downloadTime        metric.Float64Histogram

	// Extraction metrics.
	archivesExtracted metric.Int64Counter
	archivesSkipped   metric.Int64Counter
	entriesExtracted  metric.Int64Counter

	// Scan metrics.
	filesScanned    metric.Int64Counter
	filesSkipped    metric.Int64Counter
	findingsEmitted metric.Int64Counter

	// Sweep metrics.
	findingsPersisted  metric.Int64Counter
	repositoriesSwept  metric.Int64Counter
	repositoriesFailed metric.Int64Counter
	stageTime          metric.Float64Histogram
}

const namespace = "artifactscan"

// NewTelemetry registers the sweep instruments with mp.
func NewTelemetry(mp metric.MeterProvider) (*Telemetry, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	t := new(Telemetry)
	var err error

	if t.artifactsDownloaded, err = meter.Int64Counter(
		"artifacts_downloaded_total",
		metric.WithDescription("Total number of artifact archives downloaded"),
	); err != nil {
		return nil, err
	}

	if t.artifactsSkipped, err = meter.Int64Counter(
		"artifacts_skipped_total",
		metric.WithDescription("Total number of artifacts skipped because they were already staged"),
	); err != nil {
		return nil, err
	}

	if t.artifactsFailed, err = meter.Int64Counter(
		"artifacts_failed_total",
		metric.WithDescription("Total number of artifact downloads that failed"),
	); err != nil {
		return nil, err
	}

	if t.downloadSize, err = meter.Int64Histogram(
		"artifact_download_size_bytes",
		metric.WithDescription("Size of downloaded artifact archives"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if t.downloadTime, err = meter.Float64Histogram(
		"artifact_download_duration_seconds",
		metric.WithDescription("Time taken to download one artifact archive"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if t.archivesExtracted, err = meter.Int64Counter(
		"archives_extracted_total",
		metric.WithDescription("Total number of archives expanded"),
	); err != nil {
		return nil, err
	}

	if t.archivesSkipped, err = meter.Int64Counter(
		"archives_skipped_total",
		metric.WithDescription("Total number of staged files that were not valid archives"),
	); err != nil {
		return nil, err
	}

	if t.entriesExtracted, err = meter.Int64Counter(
		"archive_entries_extracted_total",
		metric.WithDescription("Total number of files written by extraction"),
	); err != nil {
		return nil, err
	}

	if t.filesScanned, err = meter.Int64Counter(
		"files_scanned_total",
		metric.WithDescription("Total number of files scanned"),
	); err != nil {
		return nil, err
	}

	if t.filesSkipped, err = meter.Int64Counter(
		"files_skipped_total",
		metric.WithDescription("Total number of directory entries not scanned"),
	); err != nil {
		return nil, err
	}

	if t.findingsEmitted, err = meter.Int64Counter(
		"findings_emitted_total",
		metric.WithDescription("Total number of findings reported, duplicates included"),
	); err != nil {
		return nil, err
	}

	if t.findingsPersisted, err = meter.Int64Counter(
		"findings_persisted_total",
		metric.WithDescription("Total number of new tokens written to the output file"),
	); err != nil {
		return nil, err
	}

	if t.repositoriesSwept, err = meter.Int64Counter(
		"repositories_swept_total",
		metric.WithDescription("Total number of repositories swept"),
	); err != nil {
		return nil, err
	}

	if t.repositoriesFailed, err = meter.Int64Counter(
		"repositories_failed_total",
		metric.WithDescription("Total number of repositories whose sweep failed"),
	); err != nil {
		return nil, err
	}

	if t.stageTime, err = meter.Float64Histogram(
		"stage_duration_seconds",
		metric.WithDescription("Time taken by each sweep stage"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Telemetry) IncArtifactsDownloaded(ctx context.Context) {
	t.artifactsDownloaded.Add(ctx, 1)
}
func (t *Telemetry) IncArtifactsSkipped(ctx context.Context) {
	t.artifactsSkipped.Add(ctx, 1)
}
func (t *Telemetry) IncArtifactsFailed(ctx context.Context) {
	t.artifactsFailed.Add(ctx, 1)
}
func (t *Telemetry) ObserveDownloadSize(ctx context.Context, sizeBytes int64) {
	t.downloadSize.Record(ctx, sizeBytes)
}
func (t *Telemetry) ObserveDownloadTime(ctx context.Context, d time.Duration) {
	t.downloadTime.Record(ctx, d.Seconds())
}

func (t *Telemetry) IncArchivesExtracted(ctx context.Context) {
	t.archivesExtracted.Add(ctx, 1)
}
func (t *Telemetry) IncArchivesSkipped(ctx context.Context) {
	t.archivesSkipped.Add(ctx, 1)
}
func (t *Telemetry) IncEntriesExtracted(ctx context.Context, n int) {
	t.entriesExtracted.Add(ctx, int64(n))
}

func (t *Telemetry) IncFilesScanned(ctx context.Context) {
	t.filesScanned.Add(ctx, 1)
}
func (t *Telemetry) IncFilesSkipped(ctx context.Context) {
	t.filesSkipped.Add(ctx, 1)
}
func (t *Telemetry) IncFindingsEmitted(ctx context.Context) {
	t.findingsEmitted.Add(ctx, 1)
}

func (t *Telemetry) IncFindingsPersisted(ctx context.Context) {
	t.findingsPersisted.Add(ctx, 1)
}
func (t *Telemetry) IncRepositoriesSwept(ctx context.Context) {
	t.repositoriesSwept.Add(ctx, 1)
}
func (t *Telemetry) IncRepositoriesFailed(ctx context.Context) {
	t.repositoriesFailed.Add(ctx, 1)
}

func (t *Telemetry) ObserveStageTime(ctx context.Context, stage string, d time.Duration) {
	t.stageTime.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}
