// Package archive expands staged artifact archives for scanning.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gitleaks-artifacts/pkg/common/logger"
)

// ErrNotArchive marks a staged file that could not be opened as a zip
// container.
var ErrNotArchive = errors.New("not a valid archive")

// ErrUnsafePath marks an archive entry that would land outside the
// destination directory.
var ErrUnsafePath = errors.New("entry escapes destination")

// Metrics records extractor outcomes.
type Metrics interface {
	IncArchivesExtracted(ctx context.Context)
	IncArchivesSkipped(ctx context.Context)
	IncEntriesExtracted(ctx context.Context, n int)
}

// Summary counts what an ExtractAll call did.
type Summary struct {
	Extracted      int
	Skipped        int
	Entries        int
	EntriesSkipped int
}

// Extractor expands every archive in a staging directory into one shared
// destination.
//
// The destination is a flat merge: all archives write into the same
// namespace, an entry whose relative path already exists is overwritten
// (last writer wins), and archives are processed in directory listing order,
// which is unspecified. Callers must not rely on which archive wins a
// collision.
type Extractor struct {
	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewExtractor creates an Extractor.
func NewExtractor(log *logger.Logger, tracer trace.Tracer, metrics Metrics) *Extractor {
	return &Extractor{
		logger:  log.With("component", "extractor"),
		tracer:  tracer,
		metrics: metrics,
	}
}

// ExtractAll expands each regular file in srcDir into destDir. Subdirectories
// of srcDir are ignored. A file that is not a valid archive is logged and
// skipped; the batch always continues. Only failing to read srcDir or create
// destDir is returned as an error.
func (e *Extractor) ExtractAll(ctx context.Context, srcDir, destDir string) (Summary, error) {
	ctx, span := e.tracer.Start(ctx, "extractor.extract_all",
		trace.WithAttributes(
			attribute.String("src_dir", srcDir),
			attribute.String("dest_dir", destDir),
		))
	defer span.End()

	var summary Summary

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read staging dir")
		return summary, fmt.Errorf("failed to read staging dir %s: %w", srcDir, err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create extraction dir")
		return summary, fmt.Errorf("failed to create extraction dir %s: %w", destDir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		path := filepath.Join(srcDir, entry.Name())
		if strings.HasPrefix(entry.Name(), ".") {
			// In-flight or abandoned downloads are staged as hidden temp files.
			e.logger.Debug(ctx, "hidden file, skipping", "path", path)
			continue
		}
		if !entry.Type().IsRegular() {
			e.logger.Debug(ctx, "not a regular file, skipping", "path", path)
			continue
		}

		written, skipped, err := e.extractArchive(ctx, path, destDir)
		if err != nil {
			attrs := []any{"path", path, "error", err}
			if mt, mtErr := mimetype.DetectFile(path); mtErr == nil {
				attrs = append(attrs, "content_type", mt.String())
			}
			e.logger.Warn(ctx, "bad archive, skipping", attrs...)
			e.metrics.IncArchivesSkipped(ctx)
			summary.Skipped++
			continue
		}

		e.metrics.IncArchivesExtracted(ctx)
		e.metrics.IncEntriesExtracted(ctx, written)
		summary.Extracted++
		summary.Entries += written
		summary.EntriesSkipped += skipped
	}

	span.SetAttributes(
		attribute.Int("archives_extracted", summary.Extracted),
		attribute.Int("archives_skipped", summary.Skipped),
		attribute.Int("entries_extracted", summary.Entries),
	)
	return summary, nil
}

// extractArchive expands one archive. Entry level failures are logged and
// counted without abandoning the rest of the archive.
func (e *Extractor) extractArchive(ctx context.Context, path, destDir string) (written, skipped int, err error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := e.extractEntry(f, destDir); err != nil {
			e.logger.Warn(ctx, "failed to extract archive entry",
				"archive", path,
				"entry", f.Name,
				"error", err,
			)
			skipped++
			continue
		}
		if !f.FileInfo().IsDir() {
			written++
		}
	}
	e.logger.Debug(ctx, "extracted archive", "archive", path, "entries", written)

	return written, skipped, nil
}

func (e *Extractor) extractEntry(f *zip.File, destDir string) error {
	target, err := flatMergeTarget(destDir, f.Name)
	if err != nil {
		return err
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open entry: %w", err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	return out.Close()
}

// flatMergeTarget resolves where an entry lands in the shared destination.
// The entry's relative path is kept as is, so same-named entries from
// different archives resolve to the same target.
func flatMergeTarget(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	root := filepath.Clean(destDir)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
