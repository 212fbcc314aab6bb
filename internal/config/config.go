// Package config holds the run configuration of an artifact sweep.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/gitleaks-artifacts/internal/domain/artifacts"
)

// ErrUsage marks configuration problems the operator has to fix. They are
// reported before any network activity.
var ErrUsage = errors.New("usage error")

// RetryConfig bounds retries of transient GitHub API failures.
type RetryConfig struct {
	// MaxAttempts counts the first try; 1 disables retrying.
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=1"`
	InitialWait time.Duration `mapstructure:"initial_wait" yaml:"initial_wait" validate:"min=0"`
	MaxWait     time.Duration `mapstructure:"max_wait" yaml:"max_wait" validate:"min=0"`
}

// Config is the complete configuration of one run.
type Config struct {
	Token string `mapstructure:"token" yaml:"token" validate:"required"`
	Owner string `mapstructure:"owner" yaml:"owner" validate:"required"`
	Repo  string `mapstructure:"repo" yaml:"repo"`

	// Output overrides the findings file derived from the scope.
	Output  string `mapstructure:"output" yaml:"output"`
	WorkDir string `mapstructure:"workdir" yaml:"workdir" validate:"required"`

	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency" validate:"min=1"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"min=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gt=0"`
	APIURL            string        `mapstructure:"api_url" yaml:"api_url" validate:"required,url"`
	Retry             RetryConfig   `mapstructure:"retry" yaml:"retry"`

	// Rules is a gitleaks TOML rule file; empty selects the built-in rules.
	Rules       string `mapstructure:"rules" yaml:"rules"`
	MaxFileSize int64  `mapstructure:"max_file_size" yaml:"max_file_size" validate:"min=0"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" validate:"oneof=auto json text"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		WorkDir:           ".",
		Concurrency:       5,
		RequestTimeout:    10 * time.Minute,
		RequestsPerSecond: 5,
		APIURL:            "https://api.github.com",
		Retry: RetryConfig{
			MaxAttempts: 1,
			InitialWait: time.Second,
			MaxWait:     30 * time.Second,
		},
		LogLevel:  "info",
		LogFormat: "auto",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration. Every failure wraps ErrUsage.
func (c *Config) Validate() error {
	// "owner/name" is accepted as the repository when no owner is given.
	if c.Owner == "" && strings.Count(c.Repo, "/") == 1 {
		c.Owner, c.Repo, _ = strings.Cut(c.Repo, "/")
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrUsage, err)
		}

		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldMessage(fe))
		}
		return fmt.Errorf("%w: %s", ErrUsage, strings.Join(msgs, "; "))
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	name := fe.Namespace()
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}

	switch {
	case fe.Field() == "Owner" && fe.Tag() == "required":
		return "an account (--owner) is required; --repo requires --owner"
	case fe.Field() == "Token" && fe.Tag() == "required":
		return "a GitHub token (--token or GITHUB_TOKEN) is required"
	case fe.Param() != "":
		return fmt.Sprintf("%s failed %s=%s (got %v)", name, fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s (got %v)", name, fe.Tag(), fe.Value())
	}
}

// Scope derives the sweep scope from owner and repo.
func (c *Config) Scope() (artifacts.Scope, error) {
	scope, err := artifacts.NewScope(c.Owner, c.Repo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	return scope, nil
}

// OutputPath is the findings file for scope: the explicit Output when set,
// otherwise the scope's default under the work directory.
func (c *Config) OutputPath(scope artifacts.Scope) string {
	if c.Output != "" {
		return c.Output
	}
	return c.Layout().OutputPath(scope)
}

// Layout returns the on-disk layout rooted at the work directory.
func (c *Config) Layout() artifacts.Layout {
	return artifacts.Layout{Root: c.WorkDir}
}
