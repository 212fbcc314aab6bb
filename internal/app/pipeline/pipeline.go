// Package pipeline runs the artifact sweep for a scope: list, fetch,
// extract, scan and persist, one repository at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gitleaks-artifacts/internal/app/acquisition"
	"github.com/ahrav/gitleaks-artifacts/internal/domain/artifacts"
	"github.com/ahrav/gitleaks-artifacts/internal/infra/archive"
	"github.com/ahrav/gitleaks-artifacts/internal/infra/scanner"
	"github.com/ahrav/gitleaks-artifacts/pkg/common/logger"
)

// Fetcher stages artifact archives.
type Fetcher interface {
	Fetch(ctx context.Context, owner, repo string, descriptors []artifacts.Descriptor, destDir string) (acquisition.Summary, error)
}

// Extractor expands staged archives.
type Extractor interface {
	ExtractAll(ctx context.Context, srcDir, destDir string) (archive.Summary, error)
}

// Scanner produces findings from extracted files.
type Scanner interface {
	ScanDir(ctx context.Context, dir string, emit scanner.EmitFunc) (scanner.Summary, error)
}

// Metrics records pipeline level outcomes.
type Metrics interface {
	IncRepositoriesSwept(ctx context.Context)
	IncRepositoriesFailed(ctx context.Context)
	IncFindingsPersisted(ctx context.Context)
	ObserveStageTime(ctx context.Context, stage string, d time.Duration)
}

// Report aggregates the outcome of sweeping one scope.
type Report struct {
	Repositories       int
	RepositoriesFailed int
	Fetch              acquisition.Summary
	Extract            archive.Summary
	Scan               scanner.Summary
	Persisted          int
}

// Pipeline sweeps scopes. Stages run one after another with a barrier
// between them: every download finishes before extraction starts and every
// archive is expanded before scanning starts.
type Pipeline struct {
	lister    artifacts.ArtifactLister
	repos     artifacts.RepositoryLister
	fetcher   Fetcher
	extractor Extractor
	scanner   Scanner
	layout    artifacts.Layout

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// Deps groups the collaborators of a Pipeline.
type Deps struct {
	Lister    artifacts.ArtifactLister
	Repos     artifacts.RepositoryLister
	Fetcher   Fetcher
	Extractor Extractor
	Scanner   Scanner
	Layout    artifacts.Layout
}

// New creates a Pipeline.
func New(deps Deps, log *logger.Logger, tracer trace.Tracer, metrics Metrics) *Pipeline {
	return &Pipeline{
		lister:    deps.Lister,
		repos:     deps.Repos,
		fetcher:   deps.Fetcher,
		extractor: deps.Extractor,
		scanner:   deps.Scanner,
		layout:    deps.Layout,
		logger:    log.With("component", "pipeline"),
		tracer:    tracer,
		metrics:   metrics,
	}
}

// Run sweeps every repository in scope and records new tokens in store.
//
// Failures of a single repository (listing, staging, extraction) are logged
// and the sweep moves on. Run returns an error only when the context is
// cancelled or the store cannot be written.
func (p *Pipeline) Run(ctx context.Context, scope artifacts.Scope, store artifacts.FindingStore) (Report, error) {
	owner := scope.Account()
	ctx, span := p.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("owner", owner)))
	defer span.End()

	var report Report
	repos := p.resolveRepositories(ctx, scope)
	span.SetAttributes(attribute.Int("repo_count", len(repos)))

	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sweep cancelled")
			return report, err
		}

		rlog := logger.NewLoggerContext(p.logger.With("owner", owner, "repo", repo))
		if err := p.sweepRepository(ctx, rlog, owner, repo, store, &report); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if isFatal(err) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "sweep aborted")
				return report, err
			}
			rlog.Error(ctx, "repository sweep failed", "error", err)
			p.metrics.IncRepositoriesFailed(ctx)
			report.RepositoriesFailed++
			continue
		}
		p.metrics.IncRepositoriesSwept(ctx)
		report.Repositories++
	}

	p.logger.Info(ctx, "sweep complete",
		"owner", owner,
		"repositories", report.Repositories,
		"repositories_failed", report.RepositoriesFailed,
		"downloaded", report.Fetch.Downloaded,
		"download_skipped", report.Fetch.Skipped,
		"download_failed", report.Fetch.Failed,
		"archives_extracted", report.Extract.Extracted,
		"archives_skipped", report.Extract.Skipped,
		"files_scanned", report.Scan.FilesScanned,
		"findings", report.Scan.Findings,
		"persisted", report.Persisted,
	)
	return report, nil
}

// resolveRepositories lists the repositories a scope covers. An account
// lookup failure is logged and treated as an account with no repositories.
func (p *Pipeline) resolveRepositories(ctx context.Context, scope artifacts.Scope) []string {
	switch s := scope.(type) {
	case artifacts.RepoScope:
		return []string{s.Repository}
	case artifacts.AccountScope:
		repos, err := p.repos.ListRepositories(ctx, s.Owner)
		if err != nil {
			p.logger.Error(ctx, "failed to list repositories", "owner", s.Owner, "error", err)
			return nil
		}
		p.logger.Info(ctx, "discovered repositories", "owner", s.Owner, "count", len(repos))
		return repos
	default:
		return nil
	}
}

// sinkError marks a failure to persist a finding.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	var se *sinkError
	return errors.As(err, &se)
}

func (p *Pipeline) sweepRepository(
	ctx context.Context,
	rlog *logger.LoggerContext,
	owner, repo string,
	store artifacts.FindingStore,
	report *Report,
) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.sweep_repository",
		trace.WithAttributes(
			attribute.String("owner", owner),
			attribute.String("repo", repo),
		))
	defer span.End()

	var descriptors []artifacts.Descriptor
	if err := p.stage(ctx, "list", func() (err error) {
		descriptors, err = p.lister.ListArtifacts(ctx, owner, repo)
		return err
	}); err != nil {
		return err
	}
	rlog.Add("artifact_count", len(descriptors))
	rlog.Info(ctx, "listed artifacts")

	if len(descriptors) == 0 {
		return nil
	}

	stagingDir := p.layout.StagingDir(owner, repo)
	extractDir := p.layout.ExtractDir(owner, repo)

	if err := p.stage(ctx, "fetch", func() error {
		s, err := p.fetcher.Fetch(ctx, owner, repo, descriptors, stagingDir)
		report.Fetch.Downloaded += s.Downloaded
		report.Fetch.Skipped += s.Skipped
		report.Fetch.Failed += s.Failed
		return err
	}); err != nil {
		return err
	}

	if err := p.stage(ctx, "extract", func() error {
		s, err := p.extractor.ExtractAll(ctx, stagingDir, extractDir)
		report.Extract.Extracted += s.Extracted
		report.Extract.Skipped += s.Skipped
		report.Extract.Entries += s.Entries
		report.Extract.EntriesSkipped += s.EntriesSkipped
		return err
	}); err != nil {
		return err
	}

	emit := func(ctx context.Context, f artifacts.Finding) error {
		rlog.Info(ctx, "potential secret found",
			"file", f.SourceFile,
			"line", f.Line,
			"token", f.Token,
			"rule_id", f.RuleID,
		)
		added, err := store.Add(ctx, f.Token)
		if err != nil {
			return &sinkError{err: fmt.Errorf("failed to persist finding: %w", err)}
		}
		if added {
			p.metrics.IncFindingsPersisted(ctx)
			report.Persisted++
		}
		return nil
	}

	return p.stage(ctx, "scan", func() error {
		s, err := p.scanner.ScanDir(ctx, extractDir, emit)
		report.Scan.FilesScanned += s.FilesScanned
		report.Scan.FilesSkipped += s.FilesSkipped
		report.Scan.FilesUndecodable += s.FilesUndecodable
		report.Scan.Findings += s.Findings
		return err
	})
}

// stage runs one pipeline stage and records its duration.
func (p *Pipeline) stage(ctx context.Context, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.metrics.ObserveStageTime(ctx, name, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s stage: %w", name, err)
	}
	return nil
}
