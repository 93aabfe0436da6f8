package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/Iron-Ham/taskloop/internal/errors"
	"github.com/Iron-Ham/taskloop/internal/logging"
)

// DefaultBranch is reported when the current branch cannot be determined.
const DefaultBranch = "main"

// Handle identifies a slot workspace created by CreateWorkspace.
type Handle struct {
	Path   string
	Branch string
	Slot   int
	Task   string
	// Scratch lists workspace-relative files seeded into the workspace by the
	// scheduler. They are ignored when deciding whether the workspace is dirty.
	Scratch []string
}

// CleanupResult reports what CleanupWorkspace did.
type CleanupResult int

const (
	// CleanupRemoved means the workspace was clean and has been removed.
	CleanupRemoved CleanupResult = iota
	// CleanupPreserved means the workspace had uncommitted changes and was kept.
	CleanupPreserved
)

// String returns a human-readable name for the result.
func (r CleanupResult) String() string {
	if r == CleanupPreserved {
		return "preserved"
	}
	return "removed"
}

// Options configures a Manager.
type Options struct {
	// WorktreeDir is where slot workspaces live. Required.
	WorktreeDir string
	// Prefix is prepended to every branch name. Defaults to "taskloop".
	Prefix string
	// Executor runs git. Nil uses os/exec.
	Executor CommandExecutor
	// Logger receives diagnostic output. Nil discards it.
	Logger *logging.Logger
}

// Manager provides isolated workspaces bound to dedicated branches and
// reconciles finished branches into a base branch.
type Manager struct {
	repoDir     string
	worktreeDir string
	prefix      string
	executor    CommandExecutor
	logger      *logging.Logger

	// mu serializes every operation that mutates the shared repository root.
	mu sync.Mutex
}

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// It returns the directory containing .git (either a directory or a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewGitError("no repository found above "+startDir, errors.ErrNotGitRepository)
		}
		dir = parent
	}
}

// New creates a Manager for the repository containing repoDir.
func New(repoDir string, opts Options) (*Manager, error) {
	root, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	return NewWithRoot(root, opts), nil
}

// NewWithRoot creates a Manager for a known repository root without
// checking the filesystem. Intended for tests with a scripted executor.
func NewWithRoot(root string, opts Options) *Manager {
	if opts.Executor == nil {
		opts.Executor = NewCLICommandExecutor()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Prefix == "" {
		opts.Prefix = "taskloop"
	}
	if opts.WorktreeDir == "" {
		opts.WorktreeDir = filepath.Join(root, ".taskloop", "worktrees")
	}
	return &Manager{
		repoDir:     root,
		worktreeDir: opts.WorktreeDir,
		prefix:      opts.Prefix,
		executor:    opts.Executor,
		logger:      opts.Logger,
	}
}

// Root returns the repository root directory.
func (m *Manager) Root() string {
	return m.repoDir
}

// Prefix returns the branch name prefix.
func (m *Manager) Prefix() string {
	return m.prefix
}

// git runs a git command at the repository root.
func (m *Manager) git(args ...string) (string, error) {
	out, err := m.executor.Run(m.repoDir, "git", args...)
	return string(out), err
}

// gitAt runs a git command in dir.
func (m *Manager) gitAt(dir string, args ...string) (string, error) {
	out, err := m.executor.Run(dir, "git", args...)
	return string(out), err
}

// CurrentBranch returns the checked-out branch of the repository root.
// On failure it returns DefaultBranch together with the error, so callers
// that only need a best guess can ignore the error.
func (m *Manager) CurrentBranch() (string, error) {
	out, err := m.git("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return DefaultBranch, errors.NewGitError("failed to read current branch", err).WithGitOutput(out)
	}
	branch := strings.TrimSpace(out)
	if branch == "" || branch == "HEAD" {
		return DefaultBranch, errors.NewGitError("repository is in detached HEAD state", errors.ErrBranchNotFound)
	}
	return branch, nil
}

// ResolveBase returns base, or the current branch when base is empty.
func (m *Manager) ResolveBase(base string) string {
	if base != "" {
		return base
	}
	branch, err := m.CurrentBranch()
	if err != nil {
		m.logger.Warn("falling back to default base branch", "branch", branch, "error", err.Error())
	}
	return branch
}

func (m *Manager) branchExists(branch string) bool {
	_, err := m.git("rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// CreateTaskBranch switches the main checkout to a branch dedicated to task,
// created from base or reused if it already exists. Local changes are
// stashed around the switch and restored afterwards. Any failure means the
// caller should skip the task.
func (m *Manager) CreateTaskBranch(task, base string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := TaskBranchName(m.prefix, task)

	out, err := m.git("stash", "push", "--include-untracked", "-m", "taskloop: "+task)
	if err != nil {
		return "", errors.NewGitError("failed to stash local changes", err).WithBranch(branch).WithGitOutput(out)
	}
	stashed := !strings.Contains(out, "No local changes to save")

	restore := func() {
		if !stashed {
			return
		}
		if out, err := m.git("stash", "pop"); err != nil {
			m.logger.Warn("failed to restore stashed changes; they remain in the stash list",
				"branch", branch, "error", err.Error(), "output", strings.TrimSpace(out))
		}
	}

	if out, err := m.git("checkout", base); err != nil {
		restore()
		return "", errors.NewGitError("failed to checkout base branch", err).WithBranch(base).WithGitOutput(out)
	}

	if out, err := m.git("pull", "--ff-only"); err != nil {
		m.logger.Debug("pull skipped", "branch", base, "output", strings.TrimSpace(out))
	}

	if m.branchExists(branch) {
		out, err = m.git("checkout", branch)
	} else {
		out, err = m.git("checkout", "-b", branch)
	}
	if err != nil {
		restore()
		return "", errors.NewGitError("failed to switch to task branch", err).WithBranch(branch).WithGitOutput(out)
	}

	restore()
	return branch, nil
}

// CreateWorkspace materializes an isolated worktree for task in slot, bound
// to a fresh branch created from base. Leftovers from an earlier run that
// used the same slot number are discarded first.
func (m *Manager) CreateWorkspace(task string, slot int, base string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := SlotBranchName(m.prefix, slot, task)
	path := SlotPath(m.worktreeDir, slot)

	if out, err := m.git("worktree", "prune"); err != nil {
		return nil, errors.NewGitError("failed to prune worktrees", err).WithGitOutput(out)
	}

	if _, err := os.Stat(path); err == nil {
		if out, err := m.git("worktree", "remove", "--force", path); err != nil {
			m.logger.Debug("leftover path is not a registered worktree", "path", path, "output", strings.TrimSpace(out))
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, errors.NewGitError("failed to remove leftover workspace", err).WithWorktree(path)
		}
		_, _ = m.git("worktree", "prune")
	}

	if m.branchExists(branch) {
		if out, err := m.git("branch", "-D", branch); err != nil {
			return nil, errors.NewGitError("failed to delete stale branch", err).WithBranch(branch).WithGitOutput(out)
		}
	}

	if out, err := m.git("branch", branch, base); err != nil {
		return nil, errors.NewGitError("failed to create branch", err).WithBranch(branch).WithGitOutput(out)
	}

	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return nil, errors.NewGitError("failed to create worktree directory", err).WithWorktree(m.worktreeDir)
	}
	m.excludeWorktreeDir()

	if out, err := m.git("worktree", "add", path, branch); err != nil {
		_, _ = m.git("branch", "-D", branch)
		return nil, errors.NewGitError("failed to create worktree", err).
			WithBranch(branch).WithWorktree(path).WithGitOutput(out)
	}

	return &Handle{Path: path, Branch: branch, Slot: slot, Task: task}, nil
}

// StateDir creates the worktree directory and hides it from the main
// checkout. Run state such as the lock file lives there.
func (m *Manager) StateDir() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", errors.NewGitError("failed to create worktree directory", err).WithWorktree(m.worktreeDir)
	}
	m.excludeWorktreeDir()
	return m.worktreeDir, nil
}

// excludeWorktreeDir keeps nested slot workspaces out of the main checkout's
// status and stashes. Best-effort: failures only cost noisier git output.
func (m *Manager) excludeWorktreeDir() {
	rel, err := filepath.Rel(m.repoDir, m.worktreeDir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	info, err := os.Stat(filepath.Join(m.repoDir, ".git"))
	if err != nil || !info.IsDir() {
		return
	}

	pattern := "/" + filepath.ToSlash(rel) + "/"
	exclude := filepath.Join(m.repoDir, ".git", "info", "exclude")
	content, _ := os.ReadFile(exclude)
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == pattern {
			return
		}
	}

	if err := os.MkdirAll(filepath.Dir(exclude), 0755); err != nil {
		return
	}
	f, err := os.OpenFile(exclude, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		_, _ = f.WriteString("\n")
	}
	_, _ = f.WriteString(pattern + "\n")
}

// DirtyFiles returns the workspace paths with uncommitted changes, excluding
// the handle's scratch files.
func (m *Manager) DirtyFiles(h *Handle) ([]string, error) {
	out, err := m.gitAt(h.Path, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, errors.NewGitError("failed to check workspace status", err).
			WithWorktree(h.Path).WithGitOutput(out)
	}

	var dirty []string
	for _, path := range parsePorcelain(out) {
		if slices.Contains(h.Scratch, path) {
			continue
		}
		dirty = append(dirty, path)
	}
	return dirty, nil
}

// parsePorcelain extracts paths from `git status --porcelain` output.
// Renames report the destination path.
func parsePorcelain(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if _, to, ok := strings.Cut(path, " -> "); ok {
			path = to
		}
		paths = append(paths, strings.Trim(path, `"`))
	}
	return paths
}

// CleanupWorkspace removes the workspace unless it has uncommitted changes,
// in which case it is preserved for inspection. A workspace whose status
// cannot be read is also preserved.
func (m *Manager) CleanupWorkspace(h *Handle) (CleanupResult, error) {
	dirty, err := m.DirtyFiles(h)
	if err != nil {
		return CleanupPreserved, err
	}
	if len(dirty) > 0 {
		m.logger.Warn("preserving workspace with uncommitted changes",
			"path", h.Path, "branch", h.Branch, "files", len(dirty))
		return CleanupPreserved, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if out, err := m.git("worktree", "remove", "--force", h.Path); err != nil {
		_ = os.RemoveAll(h.Path)
		_, _ = m.git("worktree", "prune")
		return CleanupRemoved, errors.NewGitError("failed to remove worktree cleanly", err).
			WithWorktree(h.Path).WithGitOutput(out)
	}
	return CleanupRemoved, nil
}

// HasCommitsBeyond reports whether branch has commits that base does not.
func (m *Manager) HasCommitsBeyond(branch, base string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.git("rev-list", "--count", base+".."+branch)
	if err != nil {
		return false, errors.NewGitError("failed to count commits", err).WithBranch(branch).WithGitOutput(out)
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(out), "%d", &n); err != nil {
		return false, errors.NewGitError("failed to parse commit count", err).WithBranch(branch).WithGitOutput(out)
	}
	return n > 0, nil
}

// ChangedFiles lists files that differ between base and branch.
func (m *Manager) ChangedFiles(base, branch string) ([]string, error) {
	out, err := m.git("diff", "--name-only", base+"..."+branch)
	if err != nil {
		return nil, errors.NewGitError("failed to list changed files", err).WithBranch(branch).WithGitOutput(out)
	}
	return splitLines(out), nil
}

// Push publishes branch to origin from the workspace at path.
func (m *Manager) Push(path, branch string) error {
	out, err := m.gitAt(path, "push", "-u", "origin", branch)
	if err != nil {
		return errors.NewGitError("failed to push branch", err).
			WithBranch(branch).WithWorktree(path).WithGitOutput(out)
	}
	return nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
