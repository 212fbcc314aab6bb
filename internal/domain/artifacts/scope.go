package artifacts

import (
	"errors"
	"path/filepath"
)

// ErrEmptyScope is returned when a scope names no account.
var ErrEmptyScope = errors.New("scope requires an account")

// Scope is the unit of work for one run of the pipeline. It is either an
// AccountScope, whose repositories are discovered at run time, or a
// RepoScope naming exactly one repository.
type Scope interface {
	// Account is the owning user or organisation.
	Account() string
	isScope()
}

// AccountScope sweeps every repository owned by an account.
type AccountScope struct {
	Owner string
}

func (s AccountScope) Account() string { return s.Owner }
func (AccountScope) isScope()          {}

// RepoScope sweeps a single repository.
type RepoScope struct {
	Owner      string
	Repository string
}

func (s RepoScope) Account() string { return s.Owner }
func (RepoScope) isScope()          {}

// NewScope builds the scope for an owner and an optional repository.
func NewScope(owner, repo string) (Scope, error) {
	switch {
	case owner == "":
		return nil, ErrEmptyScope
	case repo == "":
		return AccountScope{Owner: owner}, nil
	default:
		return RepoScope{Owner: owner, Repository: repo}, nil
	}
}

// Layout derives on-disk locations for a run rooted at Root.
//
//	<root>/<owner>/<repo>/zipped   staged archives, one per artifact id
//	<root>/<owner>/<repo>/logs     flat extraction namespace
//	<root>/<owner>/secrets.txt     output for an AccountScope
//	<root>/<owner>/<repo>/secrets.txt output for a RepoScope
type Layout struct {
	Root string
}

const (
	stagingDirName = "zipped"
	extractDirName = "logs"
	outputFileName = "secrets.txt"
)

// StagingDir is where archives for one repository are downloaded to.
func (l Layout) StagingDir(owner, repo string) string {
	return filepath.Join(l.Root, owner, repo, stagingDirName)
}

// ExtractDir is the shared destination all of a repository's archives
// expand into.
func (l Layout) ExtractDir(owner, repo string) string {
	return filepath.Join(l.Root, owner, repo, extractDirName)
}

// OutputPath is the default findings file for a scope.
func (l Layout) OutputPath(s Scope) string {
	switch s := s.(type) {
	case RepoScope:
		return filepath.Join(l.Root, s.Owner, s.Repository, outputFileName)
	case AccountScope:
		return filepath.Join(l.Root, s.Owner, outputFileName)
	default:
		return filepath.Join(l.Root, outputFileName)
	}
}
