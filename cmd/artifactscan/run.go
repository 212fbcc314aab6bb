package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gitleaks-artifacts/internal/app/acquisition"
	"github.com/ahrav/gitleaks-artifacts/internal/app/pipeline"
	"github.com/ahrav/gitleaks-artifacts/internal/config"
	"github.com/ahrav/gitleaks-artifacts/internal/infra/archive"
	"github.com/ahrav/gitleaks-artifacts/internal/infra/github"
	"github.com/ahrav/gitleaks-artifacts/internal/infra/scanner"
	"github.com/ahrav/gitleaks-artifacts/internal/infra/storage/findings"
	"github.com/ahrav/gitleaks-artifacts/pkg/common/logger"
	"github.com/ahrav/gitleaks-artifacts/pkg/common/otel"
)

const serviceName = "artifactscan"

func newLogger(cfg *config.Config, w io.Writer, runID string) (*logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrUsage, err)
	}

	format := logger.FormatJSON
	switch cfg.LogFormat {
	case "text":
		format = logger.FormatText
	case "auto":
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			format = logger.FormatText
		}
	}

	hostname, _ := os.Hostname()
	metadata := map[string]string{
		"run_id":   runID,
		"hostname": hostname,
	}
	return logger.NewWithFormat(w, format, level, serviceName, otel.TraceID, spanEvents(), metadata), nil
}

// spanEvents mirrors error records onto the active span, so a trace shows
// which step of a sweep logged a failure.
func spanEvents() logger.Events {
	return logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			span := trace.SpanFromContext(ctx)
			if !span.IsRecording() {
				return
			}
			attrs := make([]attribute.KeyValue, 0, len(r.Attributes))
			for k, v := range r.Attributes {
				attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
			}
			span.AddEvent(r.Message, trace.WithAttributes(attrs...))
		},
	}
}

func samplingRatio() float64 {
	prob, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLING_RATIO"), 64)
	if err != nil || prob <= 0 || prob > 1 {
		return 1
	}
	return prob
}

func run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	runID := uuid.NewString()

	log, err := newLogger(cfg, out, runID)
	if err != nil {
		return err
	}

	scope, err := cfg.Scope()
	if err != nil {
		return err
	}

	rules, err := scanner.LoadRuleSet(cfg.Rules)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrUsage, err)
	}

	providers, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceName,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Probability:      samplingRatio(),
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"run.id":           runID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer teardown(context.Background())

	tracer := providers.Tracer.Tracer(serviceName)
	metrics, err := pipeline.NewTelemetry(providers.Meter)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithTracerProvider(providers.Tracer),
			otelhttp.WithMeterProvider(providers.Meter),
		),
	}
	client, err := github.NewClient(httpClient, github.Config{
		BaseURL:           cfg.APIURL,
		Token:             cfg.Token,
		RequestTimeout:    cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Retry: github.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			InitialWait: cfg.Retry.InitialWait,
			MaxWait:     cfg.Retry.MaxWait,
		},
	}, log, tracer)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrUsage, err)
	}

	ctx, span := tracer.Start(ctx, "artifactscan.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("owner", scope.Account()),
		))
	defer span.End()

	outputPath := cfg.OutputPath(scope)
	store, err := findings.OpenFileStore(ctx, outputPath, tracer)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error(ctx, "failed to close findings file", "path", outputPath, "error", err)
		}
	}()

	p := pipeline.New(pipeline.Deps{
		Lister:    client,
		Repos:     client,
		Fetcher:   acquisition.NewFetcher(client, cfg.Concurrency, log, tracer, metrics),
		Extractor: archive.NewExtractor(log, tracer, metrics),
		Scanner:   scanner.NewMatcher(rules, scanner.Options{MaxFileSize: cfg.MaxFileSize}, log, tracer, metrics),
		Layout:    cfg.Layout(),
	}, log, tracer, metrics)

	log.Info(ctx, "starting sweep",
		"owner", scope.Account(),
		"repo", cfg.Repo,
		"output", outputPath,
		"concurrency", cfg.Concurrency,
		"rules", rules.Len(),
	)

	report, err := p.Run(ctx, scope, store)
	if err != nil {
		log.Error(ctx, "sweep aborted", "error", err)
		return err
	}

	log.Info(ctx, "findings written",
		"path", outputPath,
		"new_tokens", report.Persisted,
		"total_tokens", store.Len(),
	)
	return nil
}
