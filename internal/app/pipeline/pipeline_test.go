package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/gitleaks-artifacts/internal/app/acquisition"
	"github.com/ahrav/gitleaks-artifacts/internal/domain/artifacts"
	"github.com/ahrav/gitleaks-artifacts/internal/infra/archive"
	"github.com/ahrav/gitleaks-artifacts/internal/infra/github"
	"github.com/ahrav/gitleaks-artifacts/internal/infra/scanner"
	"github.com/ahrav/gitleaks-artifacts/internal/infra/storage/findings"
	"github.com/ahrav/gitleaks-artifacts/pkg/common/logger"
)

func zipBytes(t *testing.T, name, body string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// fakeGitHub serves a fixed set of routes and counts requests per path.
type fakeGitHub struct {
	mu     sync.Mutex
	routes map[string]func(w http.ResponseWriter)
	hits   map[string]int
}

func newFakeGitHub(t *testing.T) (*fakeGitHub, *httptest.Server) {
	t.Helper()

	f := &fakeGitHub{
		routes: make(map[string]func(w http.ResponseWriter)),
		hits:   make(map[string]int),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		route, ok := f.routes[r.URL.Path]
		f.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		route(w)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeGitHub) json(path string, v any) {
	f.routes[path] = func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (f *fakeGitHub) raw(path string, body []byte) {
	f.routes[path] = func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(body)
	}
}

func (f *fakeGitHub) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

type harness struct {
	pipeline *Pipeline
	layout   artifacts.Layout
	logs     *bytes.Buffer
	tracer   trace.Tracer
}

func newHarness(t *testing.T, apiURL string) *harness {
	t.Helper()

	var logs bytes.Buffer
	log := logger.New(&logs, logger.LevelInfo, "artifactscan-test", nil)
	tracer := noop.NewTracerProvider().Tracer("test")

	metrics, err := NewTelemetry(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	client, err := github.NewClient(nil, github.Config{
		BaseURL:           apiURL,
		Token:             "test-token",
		RequestsPerSecond: 1000,
		Burst:             100,
	}, log, tracer)
	require.NoError(t, err)

	rules, err := scanner.DefaultRuleSet()
	require.NoError(t, err)

	layout := artifacts.Layout{Root: t.TempDir()}
	p := New(Deps{
		Lister:    client,
		Repos:     client,
		Fetcher:   acquisition.NewFetcher(client, acquisition.DefaultWorkers, log, tracer, metrics),
		Extractor: archive.NewExtractor(log, tracer, metrics),
		Scanner:   scanner.NewMatcher(rules, scanner.Options{}, log, tracer, metrics),
		Layout:    layout,
	}, log, tracer, metrics)

	return &harness{pipeline: p, layout: layout, logs: &logs, tracer: tracer}
}

func (h *harness) openStore(t *testing.T, scope artifacts.Scope) *findings.FileStore {
	t.Helper()

	store, err := findings.OpenFileStore(context.Background(), h.layout.OutputPath(scope), h.tracer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func (h *harness) findingLogs(t *testing.T) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(h.logs.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec["msg"] == "potential secret found" {
			out = append(out, rec)
		}
	}
	return out
}

func TestRun_RepoScopeScenario(t *testing.T) {
	gh, srv := newFakeGitHub(t)
	gh.json("/repos/octo/app/actions/artifacts", map[string]any{
		"total_count": 2,
		"artifacts": []map[string]any{
			{"id": 1, "name": "a"},
			{"id": 2, "name": "b"},
		},
	})
	gh.raw("/repos/octo/app/actions/artifacts/1/zip", zipBytes(t, "a.txt", "API_KEY=abc123XYZ\n"))
	gh.raw("/repos/octo/app/actions/artifacts/2/zip", zipBytes(t, "b.txt", "no secret here\n"))

	h := newHarness(t, srv.URL)
	scope := artifacts.RepoScope{Owner: "octo", Repository: "app"}
	store := h.openStore(t, scope)

	report, err := h.pipeline.Run(context.Background(), scope, store)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	assert.Equal(t, 1, report.Repositories)
	assert.Equal(t, acquisition.Summary{Downloaded: 2}, report.Fetch)
	assert.Equal(t, 2, report.Extract.Extracted)
	assert.Equal(t, 1, report.Scan.Findings)
	assert.Equal(t, 1, report.Persisted)

	got, err := os.ReadFile(h.layout.OutputPath(scope))
	require.NoError(t, err)
	assert.Equal(t, "API_KEY=abc123XYZ\n", string(got))

	logged := h.findingLogs(t)
	require.Len(t, logged, 1)
	assert.Equal(t, "API_KEY=abc123XYZ", logged[0]["token"])
	assert.EqualValues(t, 1, logged[0]["line"])
	assert.Equal(t, filepath.Join(h.layout.ExtractDir("octo", "app"), "a.txt"), logged[0]["file"])
}

func TestRun_RerunSkipsStagedAndDuplicates(t *testing.T) {
	gh, srv := newFakeGitHub(t)
	gh.json("/repos/octo/app/actions/artifacts", map[string]any{
		"total_count": 2,
		"artifacts": []map[string]any{
			{"id": 1, "name": "a"},
			{"id": 2, "name": "b"},
		},
	})
	gh.raw("/repos/octo/app/actions/artifacts/1/zip", zipBytes(t, "a.txt", "API_KEY=abc123XYZ\n"))
	gh.raw("/repos/octo/app/actions/artifacts/2/zip", zipBytes(t, "b.txt", "API_KEY=abc123XYZ\n"))

	h := newHarness(t, srv.URL)
	scope := artifacts.RepoScope{Owner: "octo", Repository: "app"}
	store := h.openStore(t, scope)

	first, err := h.pipeline.Run(context.Background(), scope, store)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Scan.Findings)
	assert.Equal(t, 1, first.Persisted)

	second, err := h.pipeline.Run(context.Background(), scope, store)
	require.NoError(t, err)
	assert.Equal(t, acquisition.Summary{Skipped: 2}, second.Fetch)
	assert.Equal(t, 0, second.Persisted)

	assert.Equal(t, 1, gh.count("/repos/octo/app/actions/artifacts/1/zip"))
	assert.Equal(t, 1, gh.count("/repos/octo/app/actions/artifacts/2/zip"))
	assert.Len(t, h.findingLogs(t), 4)

	require.NoError(t, store.Close())
	got, err := os.ReadFile(h.layout.OutputPath(scope))
	require.NoError(t, err)
	assert.Equal(t, "API_KEY=abc123XYZ\n", string(got))
}

func TestRun_ZeroArtifactScope(t *testing.T) {
	gh, srv := newFakeGitHub(t)
	gh.json("/repos/octo/empty/actions/artifacts", map[string]any{"total_count": 0})

	h := newHarness(t, srv.URL)
	scope := artifacts.RepoScope{Owner: "octo", Repository: "empty"}
	store := h.openStore(t, scope)

	report, err := h.pipeline.Run(context.Background(), scope, store)
	require.NoError(t, err)

	assert.Equal(t, Report{Repositories: 1}, report)
	assert.Equal(t, 0, store.Len())
	assert.NoDirExists(t, h.layout.StagingDir("octo", "empty"))
}

func TestRun_AccountScope(t *testing.T) {
	gh, srv := newFakeGitHub(t)
	gh.json("/users/octo/repos", []map[string]any{{"name": "one"}, {"name": "two"}})
	gh.json("/repos/octo/one/actions/artifacts", map[string]any{
		"total_count": 1,
		"artifacts":   []map[string]any{{"id": 10, "name": "logs"}},
	})
	gh.raw("/repos/octo/one/actions/artifacts/10/zip", zipBytes(t, "run.log", `password = "hunter2"`+"\n"))
	// Listing for "two" is not routed and fails with 404.

	h := newHarness(t, srv.URL)
	scope := artifacts.AccountScope{Owner: "octo"}
	store := h.openStore(t, scope)

	report, err := h.pipeline.Run(context.Background(), scope, store)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	assert.Equal(t, 1, report.Repositories)
	assert.Equal(t, 1, report.RepositoriesFailed)

	got, err := os.ReadFile(filepath.Join(h.layout.Root, "octo", "secrets.txt"))
	require.NoError(t, err)
	assert.Equal(t, `"hunter2"`+"\n", string(got))
}

func TestRun_UnknownAccountYieldsNothing(t *testing.T) {
	_, srv := newFakeGitHub(t)

	h := newHarness(t, srv.URL)
	scope := artifacts.AccountScope{Owner: "ghost"}
	store := h.openStore(t, scope)

	report, err := h.pipeline.Run(context.Background(), scope, store)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
}

func TestRun_FailedDownloadIsIsolated(t *testing.T) {
	gh, srv := newFakeGitHub(t)
	gh.json("/repos/octo/app/actions/artifacts", map[string]any{
		"total_count": 2,
		"artifacts": []map[string]any{
			{"id": 1, "name": "gone"},
			{"id": 2, "name": "ok"},
		},
	})
	gh.raw("/repos/octo/app/actions/artifacts/2/zip", zipBytes(t, "ok.txt", "SECRET_KEY=s3cr3t\n"))

	h := newHarness(t, srv.URL)
	scope := artifacts.RepoScope{Owner: "octo", Repository: "app"}
	store := h.openStore(t, scope)

	report, err := h.pipeline.Run(context.Background(), scope, store)
	require.NoError(t, err)

	assert.Equal(t, acquisition.Summary{Downloaded: 1, Failed: 1}, report.Fetch)
	assert.Equal(t, 1, report.Persisted)
}

type failingStore struct{}

func (failingStore) Add(context.Context, string) (bool, error) { return false, fmt.Errorf("disk full") }
func (failingStore) Close() error                              { return nil }

func TestRun_StoreFailureAborts(t *testing.T) {
	gh, srv := newFakeGitHub(t)
	gh.json("/repos/octo/app/actions/artifacts", map[string]any{
		"total_count": 1,
		"artifacts":   []map[string]any{{"id": 1, "name": "a"}},
	})
	gh.raw("/repos/octo/app/actions/artifacts/1/zip", zipBytes(t, "a.txt", "API_KEY=abc123XYZ\n"))

	h := newHarness(t, srv.URL)
	_, err := h.pipeline.Run(context.Background(), artifacts.RepoScope{Owner: "octo", Repository: "app"}, failingStore{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRun_Cancelled(t *testing.T) {
	_, srv := newFakeGitHub(t)
	h := newHarness(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline.Run(ctx, artifacts.RepoScope{Owner: "octo", Repository: "app"}, failingStore{})
	assert.ErrorIs(t, err, context.Canceled)
}
