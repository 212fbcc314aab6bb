package artifacts

import (
	"context"
	"io"
)

// ArtifactLister enumerates the artifacts a repository's CI runs produced.
// A listing with no artifacts is an empty slice, never an error.
type ArtifactLister interface {
	ListArtifacts(ctx context.Context, owner, repo string) ([]Descriptor, error)
}

// ArtifactDownloader streams one artifact archive into w and reports the
// number of bytes written.
type ArtifactDownloader interface {
	DownloadArtifact(ctx context.Context, owner, repo string, id int64, w io.Writer) (int64, error)
}

// RepositoryLister discovers the repositories owned by an account.
type RepositoryLister interface {
	ListRepositories(ctx context.Context, owner string) ([]string, error)
}

// FindingStore persists matched tokens at most once each.
type FindingStore interface {
	// Add records token. It reports false when the token was already present.
	Add(ctx context.Context, token string) (bool, error)
	Close() error
}
