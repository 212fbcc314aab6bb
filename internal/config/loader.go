package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	Load(ctx context.Context) (*Config, error)
}

// EnvPrefix prefixes every environment variable read by the command.
const EnvPrefix = "ARTIFACTSCAN"

// binding ties a configuration key to its command line flag.
type binding struct {
	key  string
	flag string
}

var bindings = []binding{
	{key: "token", flag: "token"},
	{key: "owner", flag: "owner"},
	{key: "repo", flag: "repo"},
	{key: "output", flag: "output"},
	{key: "workdir", flag: "workdir"},
	{key: "concurrency", flag: "concurrency"},
	{key: "request_timeout", flag: "request-timeout"},
	{key: "requests_per_second", flag: "requests-per-second"},
	{key: "api_url", flag: "api-url"},
	{key: "retry.max_attempts", flag: "retry-max-attempts"},
	{key: "rules", flag: "rules"},
	{key: "max_file_size", flag: "max-file-size"},
	{key: "log_level", flag: "log-level"},
	{key: "log_format", flag: "log-format"},
}

// NewViper returns a viper instance reading ARTIFACTSCAN_* variables and any
// of flags that were set. GITHUB_TOKEN is accepted for the token.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("token", EnvPrefix+"_TOKEN", "GITHUB_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind token env: %w", err)
	}

	if flags == nil {
		return v, nil
	}
	for _, b := range bindings {
		f := flags.Lookup(b.flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(b.key, f); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", b.flag, err)
		}
	}
	return v, nil
}

// Load resolves the configuration. Precedence, lowest first: Defaults, the
// file loader when non-nil, environment, explicitly set flags. The result is
// validated.
func Load(ctx context.Context, v *viper.Viper, file Loader) (*Config, error) {
	base := Defaults()
	if file != nil {
		fc, err := file.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUsage, err)
		}
		base = fc
	}

	for key, val := range base.settings() {
		v.SetDefault(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to decode configuration: %v", ErrUsage, err)
	}

	for _, p := range []*string{&cfg.WorkDir, &cfg.Output, &cfg.Rules} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUsage, err)
		}
		*p = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// settings flattens c into viper keys.
func (c *Config) settings() map[string]any {
	return map[string]any{
		"token":               c.Token,
		"owner":               c.Owner,
		"repo":                c.Repo,
		"output":              c.Output,
		"workdir":             c.WorkDir,
		"concurrency":         c.Concurrency,
		"request_timeout":     c.RequestTimeout,
		"requests_per_second": c.RequestsPerSecond,
		"api_url":             c.APIURL,
		"retry.max_attempts":  c.Retry.MaxAttempts,
		"retry.initial_wait":  c.Retry.InitialWait,
		"retry.max_wait":      c.Retry.MaxWait,
		"rules":               c.Rules,
		"max_file_size":       c.MaxFileSize,
		"log_level":           c.LogLevel,
		"log_format":          c.LogFormat,
	}
}
