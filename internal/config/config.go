package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backlog source kinds accepted by backlog.source.
const (
	SourceChecklist   = "checklist"
	SourceStructured  = "structured"
	SourceRemoteIssue = "remote-issue"
)

// Config represents the complete taskloop configuration
type Config struct {
	Loop      LoopConfig      `mapstructure:"loop"`
	Parallel  ParallelConfig  `mapstructure:"parallel"`
	Branch    BranchConfig    `mapstructure:"branch"`
	PR        PRConfig        `mapstructure:"pr"`
	Backlog   BacklogConfig   `mapstructure:"backlog"`
	Merge     MergeConfig     `mapstructure:"merge"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Resources ResourceConfig  `mapstructure:"resources"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Paths     PathsConfig     `mapstructure:"paths"`
}

// LoopConfig controls how tasks are driven through the agent
type LoopConfig struct {
	// SkipTests tells the agent not to run the test suite
	SkipTests bool `mapstructure:"skip_tests"`
	// SkipLint tells the agent not to run linters
	SkipLint bool `mapstructure:"skip_lint"`
	// MaxIterations caps the number of tasks completed in one run (0 = unlimited)
	MaxIterations int `mapstructure:"max_iterations"`
	// MaxRetries is the number of extra delegation attempts in sequential mode
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelaySeconds is the pause between sequential delegation attempts
	RetryDelaySeconds int `mapstructure:"retry_delay"`
	// DryRun plans work and logs it without touching git or the agent
	DryRun bool `mapstructure:"dry_run"`
}

// RetryDelay returns the retry delay as a time.Duration
func (c *LoopConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// ParallelConfig controls batch execution
type ParallelConfig struct {
	// Enabled switches from sequential one-task mode to batch mode
	Enabled bool `mapstructure:"enabled"`
	// MaxParallel is the maximum number of concurrent slots per batch (default: 3)
	MaxParallel int `mapstructure:"max_parallel"`
	// DetectOverlap watches batch workspaces and reports files touched by more than one slot
	DetectOverlap bool `mapstructure:"detect_overlap"`
}

// BranchConfig controls branch naming and creation
type BranchConfig struct {
	// PerTask creates a dedicated branch for each task in sequential mode
	PerTask bool `mapstructure:"per_task"`
	// Base is the branch work starts from and merges into (empty = current branch)
	Base string `mapstructure:"base"`
	// Prefix is the branch name prefix (default: "taskloop")
	Prefix string `mapstructure:"prefix"`
}

// PRConfig controls pull request creation behavior
type PRConfig struct {
	// Create opens a pull request per successful slot instead of merging locally
	Create bool `mapstructure:"create"`
	// Draft creates PRs as drafts
	Draft bool `mapstructure:"draft"`
	// Template is a custom PR body template using Go text/template syntax
	Template string `mapstructure:"template"`
	// Labels to add to all PRs
	Labels []string `mapstructure:"labels"`
	// Reviewers configuration for automatic reviewer assignment
	Reviewers ReviewerConfig `mapstructure:"reviewers"`
}

// ReviewerConfig controls automatic reviewer assignment
type ReviewerConfig struct {
	// Default reviewers to always assign
	Default []string `mapstructure:"default"`
	// ByPath maps file path glob patterns to reviewers
	ByPath map[string][]string `mapstructure:"by_path"`
}

// BacklogConfig selects and locates the task backlog
type BacklogConfig struct {
	// Source is one of "checklist", "structured", "remote-issue"
	Source string `mapstructure:"source"`
	// File is the backlog document path (empty = default for the source)
	File string `mapstructure:"file"`
	// ProgressFile is the free-form progress log shared with the agent
	ProgressFile string `mapstructure:"progress_file"`
	// RemoteRepo is the owner/name of the issue tracker repository (empty = current repo)
	RemoteRepo string `mapstructure:"remote_repo"`
	// RemoteLabel filters remote issues by label
	RemoteLabel string `mapstructure:"remote_label"`
	// RemoteLimit caps the number of issues fetched per listing
	RemoteLimit int `mapstructure:"remote_limit"`
}

// ResolveFile returns the backlog document path for the configured source.
func (b *BacklogConfig) ResolveFile() string {
	if b.File != "" {
		return b.File
	}
	switch b.Source {
	case SourceStructured:
		return "tasks.yaml"
	case SourceRemoteIssue:
		return ""
	default:
		return "TODO.md"
	}
}

// MergeConfig controls post-batch reconciliation
type MergeConfig struct {
	// CommitResolved commits a merge when the automated conflict resolution
	// leaves no conflicted files. When false (default) the merge is always
	// aborted and the branch reported unresolved.
	CommitResolved bool `mapstructure:"commit_resolved"`
}

// WorkspaceConfig controls what is seeded into slot workspaces
type WorkspaceConfig struct {
	// CopyFiles lists glob patterns (relative to the repository root) of
	// untracked files copied into every workspace, e.g. ".env*"
	CopyFiles []string `mapstructure:"copy_files"`
}

// AgentConfig configures the external execution agent
type AgentConfig struct {
	// Command is the agent executable (default: "claude")
	Command string `mapstructure:"command"`
	// Args are passed before the directive; "{directive}" is substituted if present
	Args []string `mapstructure:"args"`
}

// ResourceConfig controls cost tracking
type ResourceConfig struct {
	// CostWarningThreshold logs a warning when run cost exceeds this amount (USD), 0 = disabled
	CostWarningThreshold float64 `mapstructure:"cost_warning_threshold"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Verbose raises the log level to debug
	Verbose bool `mapstructure:"verbose"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is where taskloop.log is written (empty = stderr)
	Dir string `mapstructure:"dir"`
}

// EffectiveLevel returns the level after applying Verbose.
func (l *LoggingConfig) EffectiveLevel() string {
	if l.Verbose {
		return "debug"
	}
	return l.Level
}

// PathsConfig controls where taskloop stores data
type PathsConfig struct {
	// WorktreeDir is the directory where slot worktrees are created.
	// If empty, defaults to ".taskloop/worktrees" relative to the repository root.
	// Supports ~ for home directory expansion.
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// ResolveWorktreeDir returns the resolved worktree directory path.
// If WorktreeDir is empty, it returns the default path relative to baseDir.
// If WorktreeDir starts with ~, it expands to the user's home directory.
// If WorktreeDir is a relative path, it's resolved relative to baseDir.
func (p *PathsConfig) ResolveWorktreeDir(baseDir string) string {
	if p.WorktreeDir == "" {
		return filepath.Join(baseDir, ".taskloop", "worktrees")
	}

	path := p.WorktreeDir
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Loop: LoopConfig{
			MaxIterations:     0,
			MaxRetries:        3,
			RetryDelaySeconds: 5,
		},
		Parallel: ParallelConfig{
			Enabled:     false,
			MaxParallel: 3,
		},
		Branch: BranchConfig{
			Prefix: "taskloop",
		},
		PR: PRConfig{
			Labels: []string{},
			Reviewers: ReviewerConfig{
				Default: []string{},
				ByPath:  map[string][]string{},
			},
		},
		Backlog: BacklogConfig{
			Source:       SourceChecklist,
			ProgressFile: "progress.txt",
			RemoteLimit:  100,
		},
		Workspace: WorkspaceConfig{
			CopyFiles: []string{},
		},
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"-p", "{directive}", "--output-format", "json"},
		},
		Resources: ResourceConfig{
			CostWarningThreshold: 5.00,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with the given viper instance.
func SetDefaultsOn(v *viper.Viper) {
	d := Default()

	v.SetDefault("loop.skip_tests", d.Loop.SkipTests)
	v.SetDefault("loop.skip_lint", d.Loop.SkipLint)
	v.SetDefault("loop.max_iterations", d.Loop.MaxIterations)
	v.SetDefault("loop.max_retries", d.Loop.MaxRetries)
	v.SetDefault("loop.retry_delay", d.Loop.RetryDelaySeconds)
	v.SetDefault("loop.dry_run", d.Loop.DryRun)

	v.SetDefault("parallel.enabled", d.Parallel.Enabled)
	v.SetDefault("parallel.max_parallel", d.Parallel.MaxParallel)
	v.SetDefault("parallel.detect_overlap", d.Parallel.DetectOverlap)

	v.SetDefault("branch.per_task", d.Branch.PerTask)
	v.SetDefault("branch.base", d.Branch.Base)
	v.SetDefault("branch.prefix", d.Branch.Prefix)

	v.SetDefault("pr.create", d.PR.Create)
	v.SetDefault("pr.draft", d.PR.Draft)
	v.SetDefault("pr.template", d.PR.Template)
	v.SetDefault("pr.labels", d.PR.Labels)
	v.SetDefault("pr.reviewers.default", d.PR.Reviewers.Default)
	v.SetDefault("pr.reviewers.by_path", d.PR.Reviewers.ByPath)

	v.SetDefault("backlog.source", d.Backlog.Source)
	v.SetDefault("backlog.file", d.Backlog.File)
	v.SetDefault("backlog.progress_file", d.Backlog.ProgressFile)
	v.SetDefault("backlog.remote_repo", d.Backlog.RemoteRepo)
	v.SetDefault("backlog.remote_label", d.Backlog.RemoteLabel)
	v.SetDefault("backlog.remote_limit", d.Backlog.RemoteLimit)

	v.SetDefault("merge.commit_resolved", d.Merge.CommitResolved)
	v.SetDefault("workspace.copy_files", d.Workspace.CopyFiles)

	v.SetDefault("agent.command", d.Agent.Command)
	v.SetDefault("agent.args", d.Agent.Args)

	v.SetDefault("resources.cost_warning_threshold", d.Resources.CostWarningThreshold)

	v.SetDefault("logging.verbose", d.Logging.Verbose)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)

	v.SetDefault("paths.worktree_dir", d.Paths.WorktreeDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from the given viper instance and validates it.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskloop")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskloop"
	}
	return filepath.Join(home, ".config", "taskloop")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidSources returns the list of valid backlog source kinds
func ValidSources() []string {
	return []string{SourceChecklist, SourceStructured, SourceRemoteIssue}
}
