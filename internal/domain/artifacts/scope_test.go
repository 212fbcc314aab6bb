package artifacts

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScope(t *testing.T) {
	tests := []struct {
		name    string
		owner   string
		repo    string
		want    Scope
		wantErr error
	}{
		{name: "account only", owner: "acme", want: AccountScope{Owner: "acme"}},
		{name: "account and repo", owner: "acme", repo: "widgets", want: RepoScope{Owner: "acme", Repository: "widgets"}},
		{name: "repo without account", repo: "widgets", wantErr: ErrEmptyScope},
		{name: "nothing", wantErr: ErrEmptyScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewScope(tt.owner, tt.repo)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.owner, got.Account())
		})
	}
}

func TestLayout(t *testing.T) {
	l := Layout{Root: "/work"}

	assert.Equal(t, filepath.Join("/work", "acme", "widgets", "zipped"), l.StagingDir("acme", "widgets"))
	assert.Equal(t, filepath.Join("/work", "acme", "widgets", "logs"), l.ExtractDir("acme", "widgets"))
	assert.Equal(t, filepath.Join("/work", "acme", "secrets.txt"), l.OutputPath(AccountScope{Owner: "acme"}))
	assert.Equal(t,
		filepath.Join("/work", "acme", "widgets", "secrets.txt"),
		l.OutputPath(RepoScope{Owner: "acme", Repository: "widgets"}),
	)
}

func TestDescriptor_StagedName(t *testing.T) {
	assert.Equal(t, "42.zip", Descriptor{ID: 42, Name: "logs"}.StagedName())
	assert.Equal(t, "logs (42)", Descriptor{ID: 42, Name: "logs"}.String())
}
