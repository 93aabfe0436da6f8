package config

import (
	"errors"
	"io"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FlagKeys maps each command-line flag to the viper key it overrides.
var FlagKeys = map[string]string{
	"skip-tests":      "loop.skip_tests",
	"skip-lint":       "loop.skip_lint",
	"max-iterations":  "loop.max_iterations",
	"max-retries":     "loop.max_retries",
	"retry-delay":     "loop.retry_delay",
	"dry-run":         "loop.dry_run",
	"parallel":        "parallel.enabled",
	"max-parallel":    "parallel.max_parallel",
	"branch-per-task": "branch.per_task",
	"base-branch":     "branch.base",
	"create-pr":       "pr.create",
	"draft-pr":        "pr.draft",
	"backlog-source":  "backlog.source",
	"backlog-file":    "backlog.file",
	"remote-repo":     "backlog.remote_repo",
	"remote-label":    "backlog.remote_label",
	"verbose":         "logging.verbose",
}

// RegisterFlags defines the run flags on fs, writing parsed values straight
// into cfg. The current values of cfg become the flag defaults.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.BoolVar(&cfg.Loop.SkipTests, "skip-tests", cfg.Loop.SkipTests, "tell the agent not to run tests")
	fs.BoolVar(&cfg.Loop.SkipLint, "skip-lint", cfg.Loop.SkipLint, "tell the agent not to run linters")
	fs.IntVar(&cfg.Loop.MaxIterations, "max-iterations", cfg.Loop.MaxIterations, "maximum tasks to complete in one run (0 = unlimited)")
	fs.IntVar(&cfg.Loop.MaxRetries, "max-retries", cfg.Loop.MaxRetries, "extra delegation attempts in sequential mode")
	fs.IntVar(&cfg.Loop.RetryDelaySeconds, "retry-delay", cfg.Loop.RetryDelaySeconds, "seconds to wait between delegation attempts")
	fs.BoolVar(&cfg.Loop.DryRun, "dry-run", cfg.Loop.DryRun, "plan work without executing it")
	fs.BoolVar(&cfg.Parallel.Enabled, "parallel", cfg.Parallel.Enabled, "run tasks in concurrent batches")
	fs.IntVar(&cfg.Parallel.MaxParallel, "max-parallel", cfg.Parallel.MaxParallel, "maximum concurrent slots per batch")
	fs.BoolVar(&cfg.Branch.PerTask, "branch-per-task", cfg.Branch.PerTask, "create a branch for each task in sequential mode")
	fs.StringVar(&cfg.Branch.Base, "base-branch", cfg.Branch.Base, "branch to start from and merge into")
	fs.BoolVar(&cfg.PR.Create, "create-pr", cfg.PR.Create, "open a pull request per task instead of merging")
	fs.BoolVar(&cfg.PR.Draft, "draft-pr", cfg.PR.Draft, "open pull requests as drafts")
	fs.StringVar(&cfg.Backlog.Source, "backlog-source", cfg.Backlog.Source, "backlog kind: checklist, structured, remote-issue")
	fs.StringVar(&cfg.Backlog.File, "backlog-file", cfg.Backlog.File, "backlog document path")
	fs.StringVar(&cfg.Backlog.RemoteRepo, "remote-repo", cfg.Backlog.RemoteRepo, "issue tracker repository (owner/name)")
	fs.StringVar(&cfg.Backlog.RemoteLabel, "remote-label", cfg.Backlog.RemoteLabel, "only pick issues with this label")
	fs.BoolVarP(&cfg.Logging.Verbose, "verbose", "v", cfg.Logging.Verbose, "enable debug logging")
}

// BindFlags binds every flag in FlagKeys that is defined on fs to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range FlagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// ApplyTokens parses free-form tokens as run flags and applies them to cfg.
// Unrecognized tokens are silently ignored; positional words are returned.
// A recognized flag with an unparseable value is an error.
func ApplyTokens(cfg *Config, tokens []string) ([]string, error) {
	fs := pflag.NewFlagSet("taskloop", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist = pflag.ParseErrorsWhitelist{UnknownFlags: true}
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	RegisterFlags(fs, cfg)

	if err := fs.Parse(tokens); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return fs.Args(), nil
		}
		return nil, err
	}
	return fs.Args(), nil
}
