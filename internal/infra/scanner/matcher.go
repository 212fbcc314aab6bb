package scanner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gitleaks-artifacts/internal/domain/artifacts"
	"github.com/ahrav/gitleaks-artifacts/pkg/common/logger"
)

// ErrUndecodable marks a file that is not valid UTF-8 text.
var ErrUndecodable = errors.New("file is not valid utf-8 text")

// Metrics records matcher outcomes.
type Metrics interface {
	IncFilesScanned(ctx context.Context)
	IncFilesSkipped(ctx context.Context)
	IncFindingsEmitted(ctx context.Context)
}

// EmitFunc receives each Finding as it is produced. Returning an error stops
// the scan.
type EmitFunc func(ctx context.Context, f artifacts.Finding) error

// Options tunes a Matcher.
type Options struct {
	// MaxFileSize skips files larger than this many bytes. Zero disables the
	// limit.
	MaxFileSize int64
}

// Summary counts what a ScanDir call did.
type Summary struct {
	FilesScanned     int
	FilesSkipped     int
	FilesUndecodable int
	Findings         int
}

// Match is a token on a line that triggered a rule.
type Match struct {
	Token  string
	RuleID string
}

// Matcher scans extracted files line by line and token by token.
type Matcher struct {
	rules   *RuleSet
	opts    Options
	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewMatcher creates a Matcher over the given rule set.
func NewMatcher(rules *RuleSet, opts Options, log *logger.Logger, tracer trace.Tracer, metrics Metrics) *Matcher {
	return &Matcher{
		rules:   rules,
		opts:    opts,
		logger:  log.With("component", "matcher"),
		tracer:  tracer,
		metrics: metrics,
	}
}

// ScanDir scans every regular file directly inside dir. Directories and other
// non-regular entries are logged and skipped. A file that turns out not to be
// text is abandoned at the first undecodable line; findings already emitted
// for it stand.
func (m *Matcher) ScanDir(ctx context.Context, dir string, emit EmitFunc) (Summary, error) {
	ctx, span := m.tracer.Start(ctx, "matcher.scan_dir",
		trace.WithAttributes(
			attribute.String("dir", dir),
			attribute.Int("num_rules", m.rules.Len()),
		))
	defer span.End()

	var summary Summary

	entries, err := os.ReadDir(dir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read extraction dir")
		return summary, fmt.Errorf("failed to read extraction dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		path := filepath.Join(dir, entry.Name())
		if !entry.Type().IsRegular() {
			m.logger.Info(ctx, "not a file, skipping", "path", path)
			m.metrics.IncFilesSkipped(ctx)
			summary.FilesSkipped++
			continue
		}

		if m.opts.MaxFileSize > 0 {
			if info, err := entry.Info(); err == nil && info.Size() > m.opts.MaxFileSize {
				m.logger.Info(ctx, "file exceeds max size, skipping",
					"path", path,
					"size", info.Size(),
					"max_size", m.opts.MaxFileSize,
				)
				m.metrics.IncFilesSkipped(ctx)
				summary.FilesSkipped++
				continue
			}
		}

		n, err := m.scanFile(ctx, path, emit)
		summary.Findings += n
		switch {
		case errors.Is(err, ErrUndecodable):
			m.logger.Warn(ctx, "file is not utf-8 text, abandoning", "file", entry.Name(), "error", err)
			summary.FilesUndecodable++
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, "scan aborted")
			return summary, err
		}
		m.metrics.IncFilesScanned(ctx)
		summary.FilesScanned++
	}

	span.SetAttributes(
		attribute.Int("files_scanned", summary.FilesScanned),
		attribute.Int("findings", summary.Findings),
	)
	return summary, nil
}

// scanFile emits findings for one file and reports how many it emitted.
func (m *Matcher) scanFile(ctx context.Context, path string, emit EmitFunc) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		// An unreadable file is treated like an undecodable one.
		return 0, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	defer f.Close()

	var (
		emitted int
		lineNum int
		r       = bufio.NewReader(f)
	)
	for {
		line, readErr := r.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return emitted, fmt.Errorf("%w: %v", ErrUndecodable, readErr)
		}
		if line == "" && readErr == io.EOF {
			return emitted, nil
		}
		lineNum++

		line = strings.TrimRight(line, "\r\n")
		if !utf8.ValidString(line) {
			return emitted, fmt.Errorf("%w: line %d", ErrUndecodable, lineNum)
		}

		for _, match := range m.MatchLine(line) {
			finding := artifacts.Finding{
				SourceFile: path,
				Line:       lineNum,
				Token:      match.Token,
				RuleID:     match.RuleID,
			}
			if err := emit(ctx, finding); err != nil {
				return emitted, fmt.Errorf("failed to emit finding: %w", err)
			}
			m.metrics.IncFindingsEmitted(ctx)
			emitted++
		}

		if readErr == io.EOF {
			return emitted, nil
		}
	}
}

// MatchLine returns the whitespace-delimited tokens of line that match the
// rule set, in token order, each at most once.
//
// A token matches when any rule matches the token on its own. A rule whose
// match spans several tokens, such as `password = "x"`, reports the token in
// which its secret begins.
func (m *Matcher) MatchLine(line string) []Match {
	toks := splitTokens(line)
	if len(toks) == 0 {
		return nil
	}

	hits := make([]string, len(toks))
	for i, t := range toks {
		if id, ok := m.rules.matchToken(t.text); ok {
			hits[i] = id
		}
	}

	for _, rule := range m.rules.rules {
		for _, loc := range rule.Regex.FindAllStringSubmatchIndex(line, -1) {
			if i := tokenAt(toks, rule.secretStart(loc)); i >= 0 && hits[i] == "" {
				hits[i] = rule.ID
			}
		}
	}

	var matches []Match
	for i, id := range hits {
		if id != "" {
			matches = append(matches, Match{Token: toks[i].text, RuleID: id})
		}
	}
	return matches
}

type token struct {
	text       string
	start, end int
}

// splitTokens splits s around runs of white space like strings.Fields, keeping
// byte offsets.
func splitTokens(s string) []token {
	var (
		toks  []token
		start = -1
	)
	for i, r := range s {
		if unicode.IsSpace(r) {
			if start >= 0 {
				toks = append(toks, token{text: s[start:i], start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		toks = append(toks, token{text: s[start:], start: start, end: len(s)})
	}
	return toks
}

// tokenAt returns the index of the token containing offset pos, or of the
// first token after it when pos falls on white space. It returns -1 when no
// token ends after pos.
func tokenAt(toks []token, pos int) int {
	for i, t := range toks {
		if pos < t.end {
			return i
		}
	}
	return -1
}
