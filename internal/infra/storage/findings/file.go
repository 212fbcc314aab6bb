// Package findings persists unique secret tokens.
package findings

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gitleaks-artifacts/internal/domain/artifacts"
)

var _ artifacts.FindingStore = (*FileStore)(nil)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("finding store closed")

// FileStore is a newline-delimited token file with an in-memory index of
// its contents. The index is loaded once when the store is opened and every
// new token is appended with a single write, so Add is safe for concurrent
// use.
type FileStore struct {
	mu           sync.Mutex
	path         string
	file         *os.File
	seen         map[string]struct{}
	needsNewline bool

	tracer trace.Tracer
}

// OpenFileStore opens path for appending, creating it and its parent
// directories if absent, and indexes the tokens it already holds.
func OpenFileStore(ctx context.Context, path string, tracer trace.Tracer) (*FileStore, error) {
	store := &FileStore{
		path:   path,
		seen:   make(map[string]struct{}),
		tracer: tracer,
	}

	err := store.traced(ctx, "findings.open", func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open output file: %w", err)
		}
		if err := store.load(f); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to read output file: %w", err)
		}
		store.file = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FileStore) load(r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			s.needsNewline = !strings.HasSuffix(line, "\n")
			if tok := strings.TrimRight(line, "\r\n"); tok != "" {
				s.seen[tok] = struct{}{}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Add appends token unless the file already holds it. It reports whether the
// token was written.
func (s *FileStore) Add(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return false, ErrClosed
	}
	if _, ok := s.seen[token]; ok {
		return false, nil
	}

	err := s.traced(ctx, "findings.append", func() error {
		line := token + "\n"
		if s.needsNewline {
			line = "\n" + line
		}
		if _, err := s.file.WriteString(line); err != nil {
			return fmt.Errorf("failed to append token: %w", err)
		}
		return s.file.Sync()
	})
	if err != nil {
		return false, err
	}

	s.needsNewline = false
	s.seen[token] = struct{}{}
	return true, nil
}

// Len reports the number of unique tokens held.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Path returns the output file location.
func (s *FileStore) Path() string { return s.path }

// Close releases the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// traced runs op inside a span recording any error.
func (s *FileStore) traced(ctx context.Context, name string, op func() error) error {
	_, span := s.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("path", s.path)),
	)
	defer span.End()

	if err := op(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
