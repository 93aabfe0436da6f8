package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "parallel.max_parallel")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// branchPrefixRegex validates branch prefix characters
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// repoRegex matches an owner/name repository reference
var repoRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateLoop()...)
	errors = append(errors, c.validateParallel()...)
	errors = append(errors, c.validateBranch()...)
	errors = append(errors, c.validateBacklog()...)
	errors = append(errors, c.validatePatterns()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

func (c *Config) validateLoop() []ValidationError {
	var errors []ValidationError

	if c.Loop.MaxIterations < 0 {
		errors = append(errors, ValidationError{
			Field:   "loop.max_iterations",
			Value:   c.Loop.MaxIterations,
			Message: "must be non-negative (0 = unlimited)",
		})
	}
	if c.Loop.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "loop.max_retries",
			Value:   c.Loop.MaxRetries,
			Message: "must be non-negative",
		})
	}
	if c.Loop.RetryDelaySeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "loop.retry_delay",
			Value:   c.Loop.RetryDelaySeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateParallel() []ValidationError {
	var errors []ValidationError

	if c.Parallel.MaxParallel < 1 {
		errors = append(errors, ValidationError{
			Field:   "parallel.max_parallel",
			Value:   c.Parallel.MaxParallel,
			Message: "must be at least 1",
		})
	}

	// Each slot owns a worktree and an agent process
	const maxParallelLimit = 32
	if c.Parallel.MaxParallel > maxParallelLimit {
		errors = append(errors, ValidationError{
			Field:   "parallel.max_parallel",
			Value:   c.Parallel.MaxParallel,
			Message: fmt.Sprintf("exceeds maximum of %d", maxParallelLimit),
		})
	}

	return errors
}

func (c *Config) validateBranch() []ValidationError {
	var errors []ValidationError

	if c.Branch.Prefix == "" {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "cannot be empty",
		})
	} else if !branchPrefixRegex.MatchString(c.Branch.Prefix) {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "must start with a letter and contain only alphanumeric characters, hyphens, or underscores",
		})
	}

	const maxBranchPrefixLength = 50
	if len(c.Branch.Prefix) > maxBranchPrefixLength {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", maxBranchPrefixLength),
		})
	}

	if strings.ContainsAny(c.Branch.Base, " ~^:?*[\\") {
		errors = append(errors, ValidationError{
			Field:   "branch.base",
			Value:   c.Branch.Base,
			Message: "is not a valid git branch name",
		})
	}

	return errors
}

func (c *Config) validateBacklog() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidSources(), c.Backlog.Source) {
		errors = append(errors, ValidationError{
			Field:   "backlog.source",
			Value:   c.Backlog.Source,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidSources(), ", ")),
		})
	}

	if c.Backlog.RemoteRepo != "" && !repoRegex.MatchString(c.Backlog.RemoteRepo) {
		errors = append(errors, ValidationError{
			Field:   "backlog.remote_repo",
			Value:   c.Backlog.RemoteRepo,
			Message: "must be in owner/name form",
		})
	}

	if c.Backlog.RemoteLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "backlog.remote_limit",
			Value:   c.Backlog.RemoteLimit,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validatePatterns checks that every configured glob compiles.
func (c *Config) validatePatterns() []ValidationError {
	var errors []ValidationError

	for i, pattern := range c.Workspace.CopyFiles {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("workspace.copy_files[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	for pattern := range c.PR.Reviewers.ByPath {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   "pr.reviewers.by_path",
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	return errors
}

func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Agent.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.command",
			Value:   c.Agent.Command,
			Message: "cannot be empty",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	if c.Paths.WorktreeDir != "" {
		path := c.Paths.WorktreeDir

		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   "paths.worktree_dir",
				Value:   path,
				Message: "path contains invalid null character",
			})
		}

		const maxPathLength = 4096
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   "paths.worktree_dir",
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	return errors
}
