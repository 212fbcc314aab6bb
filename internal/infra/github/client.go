// Package github implements the remote side of the artifact sweep against the
// GitHub REST API: listing a repository's Actions artifacts, downloading their
// archives, and discovering the repositories an account owns.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gitleaks-artifacts/internal/domain/artifacts"
	"github.com/ahrav/gitleaks-artifacts/pkg/common/logger"
)

// DefaultBaseURL is the public GitHub REST endpoint.
const DefaultBaseURL = "https://api.github.com"

const (
	perPage      = 100
	maxErrorBody = 1 << 10
	apiVersion   = "2022-11-28"
)

var (
	_ artifacts.ArtifactLister     = (*Client)(nil)
	_ artifacts.ArtifactDownloader = (*Client)(nil)
	_ artifacts.RepositoryLister   = (*Client)(nil)
)

// ErrUnexpectedStatus is wrapped by every StatusError.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-2xx response %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Temporary reports whether the request is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// RetryConfig bounds retries of transient failures. MaxAttempts counts the
// first try, so 1 disables retrying.
type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string

	// RequestTimeout bounds a single request including reading its body.
	// Zero means no timeout.
	RequestTimeout time.Duration

	RequestsPerSecond float64
	Burst             int

	Retry RetryConfig
}

// Client talks to the GitHub REST API with rate limiting, retries and
// tracing.
type Client struct {
	httpClient     *http.Client
	baseURL        *url.URL
	token          string
	requestTimeout time.Duration
	retry          RetryConfig
	rateLimiter    *rateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient creates a new GitHub client. A nil httpClient uses
// http.DefaultClient.
func NewClient(httpClient *http.Client, cfg Config, log *logger.Logger, tracer trace.Tracer) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("github token is required")
	}

	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api url %q: %w", base, err)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	rps, burst := cfg.RequestsPerSecond, cfg.Burst
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 5
	}

	retry := cfg.Retry
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if retry.InitialWait <= 0 {
		retry.InitialWait = time.Second
	}
	if retry.MaxWait < retry.InitialWait {
		retry.MaxWait = retry.InitialWait
	}

	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		token:          cfg.Token,
		requestTimeout: cfg.RequestTimeout,
		retry:          retry,
		rateLimiter:    newRateLimiter(rps, burst),
		logger:         log.With("component", "github_client"),
		tracer:         tracer,
	}, nil
}

type artifactJSON struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// artifactsPage is one page of the artifact listing. Artifacts is a pointer
// so a body without the key can be told apart from an empty list.
type artifactsPage struct {
	TotalCount *int            `json:"total_count"`
	Artifacts  *[]artifactJSON `json:"artifacts"`
}

// ListArtifacts returns every artifact for a repository, following pages
// until total_count is reached. A response without an artifacts key yields
// no artifacts and no error.
func (c *Client) ListArtifacts(ctx context.Context, owner, repo string) ([]artifacts.Descriptor, error) {
	ctx, span := c.tracer.Start(ctx, "github_client.list_artifacts",
		trace.WithAttributes(
			attribute.String("owner", owner),
			attribute.String("repo", repo),
		))
	defer span.End()

	var out []artifacts.Descriptor
	for page := 1; ; page++ {
		var body artifactsPage
		endpoint := c.endpoint(pageQuery(page), "repos", owner, repo, "actions", "artifacts")
		if err := c.getJSON(ctx, endpoint, &body); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to list artifacts")
			return nil, fmt.Errorf("failed to list artifacts for %s/%s: %w", owner, repo, err)
		}
		if body.Artifacts == nil {
			break
		}

		for _, a := range *body.Artifacts {
			out = append(out, artifacts.Descriptor{ID: a.ID, Name: a.Name})
		}
		if len(*body.Artifacts) < perPage {
			break
		}
		if body.TotalCount != nil && len(out) >= *body.TotalCount {
			break
		}
	}

	span.SetAttributes(attribute.Int("artifact_count", len(out)))
	return out, nil
}

// DownloadArtifact streams the zip archive of one artifact into w.
func (c *Client) DownloadArtifact(ctx context.Context, owner, repo string, id int64, w io.Writer) (int64, error) {
	ctx, span := c.tracer.Start(ctx, "github_client.download_artifact",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("owner", owner),
			attribute.String("repo", repo),
			attribute.Int64("artifact_id", id),
		))
	defer span.End()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	endpoint := c.endpoint(nil, "repos", owner, repo, "actions", "artifacts", strconv.FormatInt(id, 10), "zip")
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download request failed")
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read artifact body")
		return n, fmt.Errorf("failed to read artifact %d body: %w", id, err)
	}
	span.SetAttributes(attribute.Int64("size_bytes", n))

	return n, nil
}

// ListRepositories returns the names of every repository owned by a user or
// organisation.
func (c *Client) ListRepositories(ctx context.Context, owner string) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "github_client.list_repositories",
		trace.WithAttributes(attribute.String("owner", owner)))
	defer span.End()

	var names []string
	for page := 1; ; page++ {
		var repos []struct {
			Name string `json:"name"`
		}
		if err := c.getJSON(ctx, c.endpoint(pageQuery(page), "users", owner, "repos"), &repos); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to list repositories")
			return nil, fmt.Errorf("failed to list repositories for %s: %w", owner, err)
		}
		for _, r := range repos {
			names = append(names, r.Name)
		}
		if len(repos) < perPage {
			break
		}
	}

	span.SetAttributes(attribute.Int("repo_count", len(names)))
	return names, nil
}

func pageQuery(page int) url.Values {
	return url.Values{
		"per_page": {strconv.Itoa(perPage)},
		"page":     {strconv.Itoa(page)},
	}
}

func (c *Client) endpoint(query url.Values, elems ...string) string {
	u := c.baseURL.JoinPath(elems...)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
	}
	return nil
}

// get issues an authenticated GET, retrying transport errors, 429 and 5xx
// responses up to the configured attempt budget. The caller owns the
// returned body.
func (c *Client) get(ctx context.Context, endpoint string) (*http.Response, error) {
	var (
		resp     *http.Response
		terminal error
		attempt  int
	)

	operation := func() error {
		attempt++
		terminal = nil

		if err := c.rateLimiter.Wait(ctx); err != nil {
			terminal = fmt.Errorf("rate limiter wait failed: %w", err)
			return nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			terminal = fmt.Errorf("failed to create request: %w", err)
			return nil
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", apiVersion)

		r, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				terminal = fmt.Errorf("request to %s aborted: %w", endpoint, err)
				return nil
			}
			return fmt.Errorf("request to %s failed: %w", endpoint, err)
		}

		c.rateLimiter.update(r.Header)

		if r.StatusCode >= 200 && r.StatusCode < 300 {
			resp = r
			return nil
		}

		data, _ := io.ReadAll(io.LimitReader(r.Body, maxErrorBody))
		r.Body.Close()
		statusErr := &StatusError{URL: endpoint, StatusCode: r.StatusCode, Body: strings.TrimSpace(string(data))}
		if statusErr.Temporary() {
			return statusErr
		}
		terminal = statusErr
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn(ctx, "request failed, retrying",
			"url", endpoint,
			"attempt", attempt,
			"wait", wait.String(),
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, c.newBackOff(ctx), notify); err != nil {
		return nil, err
	}
	if terminal != nil {
		return nil, terminal
	}
	return resp, nil
}

// newBackOff allows MaxAttempts-1 retries. WithMaxRetries treats zero as
// unlimited, so a single attempt gets a StopBackOff instead.
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	if c.retry.MaxAttempts <= 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.retry.InitialWait
	expBackoff.MaxInterval = c.retry.MaxWait
	expBackoff.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(c.retry.MaxAttempts-1)), ctx)
}
