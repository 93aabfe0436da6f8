// Package worktree manages the disposable git worktrees that isolate
// concurrent agent slots, and reconciles their branches into a base branch.
//
// All git access goes through a [CommandExecutor] so tests can script git
// output without a repository. Operations that touch the shared repository
// root (checkout, stash, branch create/delete, worktree add/remove/prune,
// merge) are serialized by the [Manager].
package worktree

import "os/exec"

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}
