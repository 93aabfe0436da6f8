package worktree

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// maxSlugLength keeps branch names readable in git log output.
const maxSlugLength = 40

// Slugify converts task text to a slug suitable for branch names.
// It lowercases the text, turns whitespace and separators into dashes,
// drops everything else that is not a letter or digit, and limits the length.
func Slugify(text string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if r > unicode.MaxASCII {
				continue
			}
			b.WriteRune(r)
			lastDash = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '/' || r == '.' || r == ':':
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}

// TaskBranchName is the branch used for a task in sequential mode.
// Example: "taskloop/add-login-form"
func TaskBranchName(prefix, task string) string {
	return fmt.Sprintf("%s/%s", prefix, Slugify(task))
}

// SlotBranchName is the branch bound to a slot workspace. Slot numbers are
// never reused within a run, so names never collide across batches.
// Example: "taskloop/agent-3-add-login-form"
func SlotBranchName(prefix string, slot int, task string) string {
	return fmt.Sprintf("%s/agent-%d-%s", prefix, slot, Slugify(task))
}

// SlotPath is the directory of a slot workspace.
func SlotPath(worktreeDir string, slot int) string {
	return filepath.Join(worktreeDir, fmt.Sprintf("agent-%d", slot))
}
