package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahrav/gitleaks-artifacts/internal/config"
	"github.com/ahrav/gitleaks-artifacts/internal/config/fileloader"
)

func newRootCmd() *cobra.Command {
	defaults := config.Defaults()

	cmd := &cobra.Command{
		Use:   "artifactscan",
		Short: "Sweep GitHub Actions artifacts for leaked credentials",
		Long: `artifactscan downloads the GitHub Actions artifacts of one repository, or of
every repository an account owns, unpacks them and reports lines containing
credential-like tokens. New tokens are appended to a findings file; tokens
already present in it are reported but not written again.`,
		Example: `  artifactscan --token "$GITHUB_TOKEN" --owner octo --repo app
  artifactscan --owner octo --output ./octo-secrets.txt`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return fmt.Errorf("%w: %v", config.ErrUsage, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(cmd.Flags())
			if err != nil {
				return err
			}

			var file config.Loader
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				file = fileloader.NewFileLoader(path)
			}

			cfg, err := config.Load(cmd.Context(), v, file)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", config.ErrUsage, err)
	})

	f := cmd.Flags()
	f.String("token", "", "GitHub token (or ARTIFACTSCAN_TOKEN / GITHUB_TOKEN)")
	f.String("owner", "", "account (user or organisation) to sweep")
	f.String("repo", "", "single repository to sweep, requires --owner")
	f.String("output", "", "findings file (default <workdir>/<owner>[/<repo>]/secrets.txt)")
	f.String("workdir", defaults.WorkDir, "root directory for staged archives, extracted files and findings")
	f.String("config", "", "YAML configuration file")
	f.Int("concurrency", defaults.Concurrency, "concurrent artifact downloads")
	f.Duration("request-timeout", defaults.RequestTimeout, "timeout for a single GitHub API request")
	f.Float64("requests-per-second", defaults.RequestsPerSecond, "GitHub API request rate before rate limit headers are seen")
	f.String("api-url", defaults.APIURL, "GitHub API base URL")
	f.Int("retry-max-attempts", defaults.Retry.MaxAttempts, "attempts per GitHub API request, 1 disables retries")
	f.String("rules", "", "gitleaks TOML rule file replacing the built-in rules")
	f.Int64("max-file-size", defaults.MaxFileSize, "skip extracted files larger than this many bytes, 0 for no limit")
	f.String("log-level", defaults.LogLevel, "minimum log level: debug, info, warn, error")
	f.String("log-format", defaults.LogFormat, "log format: auto, json, text")

	f.SortFlags = false

	return cmd
}
