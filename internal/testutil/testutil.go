// Package testutil provides git fixtures shared by taskloop tests.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

const (
	testName  = "Taskloop Test"
	testEmail = "test@taskloop.dev"
)

// SetupTestRepo creates a temporary git repository on branch main with one
// commit. The repository is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()
	SkipIfNoGit(t)

	dir := t.TempDir()
	Git(t, dir, "init")
	Git(t, dir, "config", "user.email", testEmail)
	Git(t, dir, "config", "user.name", testName)

	WriteFile(t, dir, "README.md", "# Test Repository\n")
	Git(t, dir, "add", ".")
	Git(t, dir, "commit", "-m", "Initial commit")

	// Some systems default to master
	Git(t, dir, "branch", "-M", "main")

	return dir
}

// SetupTestRepoWithRemote creates a test repository whose origin is a local
// bare repository, with main already pushed.
func SetupTestRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()

	remoteDir = t.TempDir()
	Git(t, remoteDir, "init", "--bare")

	repoDir = SetupTestRepo(t)
	Git(t, repoDir, "remote", "add", "origin", remoteDir)
	Git(t, repoDir, "push", "-u", "origin", "main")

	return repoDir, remoteDir
}

// WriteFile writes content to a repository-relative path, creating parents.
func WriteFile(t *testing.T, repoDir, path, content string) {
	t.Helper()

	fullPath := filepath.Join(repoDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// CommitFile writes a file and commits it on the current branch.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	WriteFile(t, repoDir, path, content)
	Git(t, repoDir, "add", path)
	Git(t, repoDir, "commit", "-m", message)
}

// CurrentBranch returns the checked-out branch.
func CurrentBranch(t *testing.T, repoDir string) string {
	t.Helper()
	return Git(t, repoDir, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func BranchExists(t *testing.T, repoDir, branch string) bool {
	t.Helper()
	_, err := run(repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// CommitCount returns the number of commits reachable from HEAD.
func CommitCount(t *testing.T, repoDir string) int {
	t.Helper()

	var count int
	out := Git(t, repoDir, "rev-list", "--count", "HEAD")
	if _, err := fmt.Sscanf(out, "%d", &count); err != nil {
		t.Fatalf("failed to parse commit count %q: %v", out, err)
	}
	return count
}

// FileAt returns the content of path at the tip of ref.
func FileAt(t *testing.T, repoDir, ref, path string) string {
	t.Helper()
	return Git(t, repoDir, "show", ref+":"+path)
}

// IsClean reports whether the working tree has no uncommitted changes.
func IsClean(t *testing.T, repoDir string) bool {
	t.Helper()
	return Git(t, repoDir, "status", "--porcelain") == ""
}

// ListWorktrees returns the paths of all worktrees, including the main one.
func ListWorktrees(t *testing.T, repoDir string) []string {
	t.Helper()

	var worktrees []string
	for _, line := range strings.Split(Git(t, repoDir, "worktree", "list", "--porcelain"), "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			worktrees = append(worktrees, path)
		}
	}
	return worktrees
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

// Git runs a git command in dir and returns its trimmed output, failing the
// test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()

	out, err := run(dir, args...)
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(out)
}

func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+testName,
		"GIT_AUTHOR_EMAIL="+testEmail,
		"GIT_COMMITTER_NAME="+testName,
		"GIT_COMMITTER_EMAIL="+testEmail,
	)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
