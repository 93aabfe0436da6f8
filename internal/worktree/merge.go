package worktree

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/taskloop/internal/errors"
)

// MergeConflictError reports a merge that stopped on conflicting files.
type MergeConflictError struct {
	Branch string
	Base   string
	Files  []string
}

func (e *MergeConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("merge of %s into %s conflicted", e.Branch, e.Base)
	}
	return fmt.Sprintf("merge of %s into %s conflicted in: %s", e.Branch, e.Base, strings.Join(e.Files, ", "))
}

func (e *MergeConflictError) Unwrap() error {
	return errors.ErrMergeConflict
}

// MergeBranch merges branch into base with a merge commit. On success the
// branch is deleted. On conflict the merge is aborted, leaving base clean,
// and a *MergeConflictError listing the conflicted files is returned.
func (m *Manager) MergeBranch(branch, base string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if out, err := m.git("checkout", base); err != nil {
		return errors.NewGitError("failed to checkout base branch", err).WithBranch(base).WithGitOutput(out)
	}

	out, err := m.git("merge", "--no-ff", "--no-edit", branch)
	if err != nil {
		files, _ := m.conflictedFiles()
		if _, abortErr := m.git("merge", "--abort"); abortErr != nil {
			m.logger.Warn("merge --abort failed", "branch", branch, "error", abortErr.Error())
		}
		if len(files) > 0 || strings.Contains(out, "CONFLICT") {
			return &MergeConflictError{Branch: branch, Base: base, Files: files}
		}
		return errors.NewGitError("failed to merge branch", err).WithBranch(branch).WithGitOutput(out)
	}

	m.deleteBranch(branch)
	return nil
}

// BeginMerge starts merging branch into base without committing and leaves
// any conflicts in the working tree for a resolver. It returns the
// conflicted files, which is empty when git merged on its own. Either way
// the merge stays in progress and the caller must follow with CommitMerge
// or AbortMerge.
func (m *Manager) BeginMerge(branch, base string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if out, err := m.git("checkout", base); err != nil {
		return nil, errors.NewGitError("failed to checkout base branch", err).WithBranch(base).WithGitOutput(out)
	}

	out, err := m.git("merge", "--no-ff", "--no-commit", branch)
	if err == nil {
		return nil, nil
	}

	files, ferr := m.conflictedFiles()
	if ferr != nil || len(files) == 0 {
		_, _ = m.git("merge", "--abort")
		return nil, errors.NewGitError("failed to merge branch", err).WithBranch(branch).WithGitOutput(out)
	}
	return files, nil
}

// ConflictedFiles lists files with unresolved conflicts in the repository root.
func (m *Manager) ConflictedFiles() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflictedFiles()
}

func (m *Manager) conflictedFiles() ([]string, error) {
	out, err := m.git("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, errors.NewGitError("failed to list conflicted files", err).WithGitOutput(out)
	}
	return splitLines(out), nil
}

// AbortMerge abandons an in-progress merge, restoring the base branch.
func (m *Manager) AbortMerge() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if out, err := m.git("merge", "--abort"); err != nil {
		return errors.NewGitError("failed to abort merge", err).WithGitOutput(out)
	}
	return nil
}

// CommitMerge concludes an in-progress merge of branch after its conflicts
// were resolved, then deletes branch. It refuses while conflicts remain.
func (m *Manager) CommitMerge(branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, err := m.conflictedFiles()
	if err != nil {
		return err
	}
	if len(files) > 0 {
		return &MergeConflictError{Branch: branch, Files: files}
	}

	if out, err := m.git("add", "-A"); err != nil {
		return errors.NewGitError("failed to stage resolution", err).WithBranch(branch).WithGitOutput(out)
	}
	if out, err := m.git("commit", "--no-edit"); err != nil {
		return errors.NewGitError("failed to commit merge", err).WithBranch(branch).WithGitOutput(out)
	}

	m.deleteBranch(branch)
	return nil
}

// DeleteBranch force-deletes a local branch.
func (m *Manager) DeleteBranch(branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if out, err := m.git("branch", "-D", branch); err != nil {
		return errors.NewGitError("failed to delete branch", err).WithBranch(branch).WithGitOutput(out)
	}
	return nil
}

func (m *Manager) deleteBranch(branch string) {
	if out, err := m.git("branch", "-D", branch); err != nil {
		m.logger.Warn("failed to delete merged branch",
			"branch", branch, "output", strings.TrimSpace(out))
	}
}
