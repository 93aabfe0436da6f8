// Package errors provides centralized error definitions and error handling utilities
// for taskloop. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - BacklogError: errors reading or updating a task backlog
//   - AgentError: errors delegating work to the execution agent
//   - GitError: errors related to git operations (worktrees, branches, merges)
//
// ValidationError reports invalid input or state that no retry can fix.
//
// # Usage
//
//	err := errors.NewGitError("checkout failed", baseErr).WithBranch("taskloop/fix-login")
//
//	if errors.Is(err, errors.ErrTrackerUnavailable) { ... }
//
//	var gitErr *errors.GitError
//	if errors.As(err, &gitErr) { ... }
//
// # Error Classification
//
// IsRetryable reports transient errors that may succeed on retry. An agent
// error is retryable unless the agent could not be started or the run was
// canceled.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Backlog-related sentinel errors
var (
	// ErrTaskNotFound indicates that no task with the given title exists.
	ErrTaskNotFound = New("task not found")
	// ErrBacklogMissing indicates that the backlog document does not exist.
	ErrBacklogMissing = New("backlog not found")
	// ErrBacklogMalformed indicates that the backlog document could not be parsed.
	ErrBacklogMalformed = New("backlog is malformed")
	// ErrGroupsNotSupported indicates that the backlog variant has no parallel groups.
	ErrGroupsNotSupported = New("backlog does not support parallel groups")
	// ErrTrackerUnavailable indicates that the remote issue tracker could not be reached.
	// Callers must treat this as an unknown backlog state, not an empty one.
	ErrTrackerUnavailable = New("issue tracker unavailable")
	// ErrAuthRequired indicates that the issue tracker CLI is not authenticated.
	ErrAuthRequired = New("issue tracker authentication required")
	// ErrUnknownSource indicates an unrecognized backlog source kind.
	ErrUnknownSource = New("unknown backlog source")
)

// Agent-related sentinel errors
var (
	// ErrAgentFailed indicates that the agent reported an unsuccessful run.
	ErrAgentFailed = New("agent failed")
	// ErrAgentUnavailable indicates that the agent command could not be started.
	ErrAgentUnavailable = New("agent unavailable")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrMergeConflict indicates that a merge conflict occurred.
	ErrMergeConflict = New("merge conflict")
)

// ErrCanceled indicates that an operation was canceled.
var ErrCanceled = New("operation canceled")

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// TaskloopError is the base interface for all taskloop errors.
type TaskloopError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// BacklogError represents errors reading or updating a backlog.
//
// Example:
//
//	err := errors.NewBacklogError("mark complete", errors.ErrTaskNotFound).
//		WithSource("checklist").WithTask("Fix login")
//	fmt.Println(err) // "backlog error [source=checklist, task=Fix login]: mark complete: task not found"
type BacklogError struct {
	baseError
	Source string
	Task   string
}

// NewBacklogError creates a new BacklogError.
func NewBacklogError(message string, cause error) *BacklogError {
	return &BacklogError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithSource adds the backlog source kind to the error context.
func (e *BacklogError) WithSource(source string) *BacklogError {
	e.Source = source
	return e
}

// WithTask adds a task title to the error context.
func (e *BacklogError) WithTask(task string) *BacklogError {
	e.Task = task
	return e
}

// Error returns the formatted error message.
func (e *BacklogError) Error() string {
	var parts []string
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("source=%s", e.Source))
	}
	if e.Task != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.Task))
	}
	return e.format("backlog error", parts)
}

// AgentError represents errors delegating a task to the execution agent.
type AgentError struct {
	baseError
	Task     string
	Slot     int
	ExitCode int
}

// NewAgentError creates a new AgentError. It is retryable unless cause
// says the agent could not be started or the run was canceled.
func NewAgentError(message string, cause error) *AgentError {
	return &AgentError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			retryable: !isFinalAgentCause(cause),
		},
		ExitCode: -1,
	}
}

func isFinalAgentCause(cause error) bool {
	return Is(cause, ErrAgentUnavailable) ||
		Is(cause, ErrCanceled) ||
		Is(cause, context.Canceled) ||
		Is(cause, context.DeadlineExceeded)
}

// WithTask adds a task title to the error context.
func (e *AgentError) WithTask(task string) *AgentError {
	e.Task = task
	return e
}

// WithSlot adds a slot number to the error context.
func (e *AgentError) WithSlot(slot int) *AgentError {
	e.Slot = slot
	return e
}

// WithExitCode records the agent process exit code.
func (e *AgentError) WithExitCode(code int) *AgentError {
	e.ExitCode = code
	return e
}

// Error returns the formatted error message.
func (e *AgentError) Error() string {
	var parts []string
	if e.Task != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.Task))
	}
	if e.Slot > 0 {
		parts = append(parts, fmt.Sprintf("slot=%d", e.Slot))
	}
	if e.ExitCode >= 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}
	return e.format("agent error", parts)
}

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", cause)
//	err = err.WithBranch("taskloop/agent-1-fix-login").WithWorktree("/repo/.worktrees/agent-1")
type GitError struct {
	baseError
	Branch    string
	Worktree  string
	GitOutput string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}
	msg := e.format("git error", parts)
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return msg
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{baseError: baseError{message: message}}
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	return e.format("validation error", nil)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te TaskloopError
	if As(err, &te) {
		return te.IsRetryable()
	}
	return false
}

// IsUnknownState reports whether err means the backlog could not be read at
// all, as opposed to being read and found empty.
func IsUnknownState(err error) bool {
	return Is(err, ErrTrackerUnavailable) || Is(err, ErrAuthRequired) || Is(err, ErrBacklogMissing)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to read backlog")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
