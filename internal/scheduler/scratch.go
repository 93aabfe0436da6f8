package scheduler

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/taskloop/internal/logging"
	"github.com/Iron-Ham/taskloop/internal/worktree"
)

// skipDirs are never searched for copy_files matches.
var skipDirs = []string{".git", ".taskloop", "node_modules"}

// matchCopyFiles returns the repository-relative files under root matching
// any of patterns. Invalid patterns are logged and skipped.
func matchCopyFiles(root string, patterns []string, logger *logging.Logger) []string {
	if len(patterns) == 0 {
		return nil
	}

	var globs []glob.Glob
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			logger.Warn("invalid copy_files pattern", "pattern", p, "error", err.Error())
			continue
		}
		globs = append(globs, g)
	}
	if len(globs) == 0 {
		return nil
	}

	var matches []string
	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if path != root && slices.Contains(skipDirs, entry.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for _, g := range globs {
			if g.Match(rel) {
				matches = append(matches, rel)
				break
			}
		}
		return nil
	})
	return matches
}

// copyScratch copies the backlog document, the progress log and the
// copy_files matches into the workspace. Copying is best-effort; the
// returned list holds the workspace-relative paths actually copied.
func (s *Scheduler) copyScratch(h *worktree.Handle, copyFiles []string, logger *logging.Logger) []string {
	root := s.workspaces.Root()
	var scratch []string

	for _, abs := range []string{s.opts.BacklogFile, s.opts.ProgressFile} {
		if abs == "" {
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		rel := scratchRel(root, abs)
		if err := copyFile(abs, filepath.Join(h.Path, filepath.FromSlash(rel))); err != nil {
			logger.Warn("failed to copy file into workspace", "file", rel, "error", err.Error())
			continue
		}
		scratch = append(scratch, rel)
	}

	for _, rel := range copyFiles {
		if slices.Contains(scratch, rel) {
			continue
		}
		src := filepath.Join(root, filepath.FromSlash(rel))
		if err := copyFile(src, filepath.Join(h.Path, filepath.FromSlash(rel))); err != nil {
			logger.Warn("failed to copy file into workspace", "file", rel, "error", err.Error())
			continue
		}
		scratch = append(scratch, rel)
	}

	return scratch
}

// scratchRel places a file at the same relative location inside the
// workspace, or at the workspace root when it lives outside the repository.
func scratchRel(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Base(abs)
	}
	return filepath.ToSlash(rel)
}

// scratchName returns the workspace-relative name of abs if it was copied
// into h, or "".
func scratchName(h *worktree.Handle, root, abs string) string {
	if abs == "" {
		return ""
	}
	if rel := scratchRel(root, abs); slices.Contains(h.Scratch, rel) {
		return rel
	}
	return ""
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
