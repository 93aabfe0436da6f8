package backlog

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"regexp"

	"github.com/Iron-Ham/taskloop/internal/errors"
)

// Whitespace classes shared by item parsing and marking.
const (
	itemIndent = `[ \t]*`
	itemSep    = `[ \t]+`
	itemTrail  = `[ \t\r]*`
)

// checklistLine matches "- [ ] title" and "- [x] title" lines.
var checklistLine = regexp.MustCompile(`^` + itemIndent + `- \[([ xX])\]` + itemSep + `(.*?)` + itemTrail + `$`)

// Checklist is a markdown task list. Lines that are not checklist items are
// preserved untouched.
type Checklist struct {
	path string
}

// NewChecklist returns a Checklist backed by the document at path.
func NewChecklist(path string) *Checklist {
	return &Checklist{path: path}
}

// Kind implements Source.
func (c *Checklist) Kind() Kind { return KindChecklist }

// File returns the backing document path.
func (c *Checklist) File() string { return c.path }

func (c *Checklist) read() ([]byte, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewBacklogError(c.path, errors.ErrBacklogMissing).WithSource(string(KindChecklist))
		}
		return nil, errors.NewBacklogError("read checklist", err).WithSource(string(KindChecklist))
	}
	return data, nil
}

// ParseChecklist extracts tasks from checklist content in document order.
func ParseChecklist(data []byte) []Task {
	var tasks []Task
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		m := checklistLine.FindStringSubmatch(scanner.Text())
		if m == nil || m[2] == "" {
			continue
		}
		tasks = append(tasks, Task{Title: m[2], Completed: m[1] != " "})
	}
	return tasks
}

// All implements Source.
func (c *Checklist) All(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := c.read()
	if err != nil {
		return nil, err
	}
	return ParseChecklist(data), nil
}

// Remaining implements Source.
func (c *Checklist) Remaining(ctx context.Context) ([]string, error) {
	tasks, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	return remainingTitles(tasks), nil
}

// CountRemaining implements Source.
func (c *Checklist) CountRemaining(ctx context.Context) (int, error) {
	titles, err := c.Remaining(ctx)
	return len(titles), err
}

// CountCompleted implements Source.
func (c *Checklist) CountCompleted(ctx context.Context) (int, error) {
	tasks, err := c.All(ctx)
	if err != nil {
		return 0, err
	}
	return countCompleted(tasks), nil
}

// MarkComplete ticks the first unchecked line whose text equals title.
func (c *Checklist) MarkComplete(ctx context.Context, title string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := c.read()
	if err != nil {
		return err
	}

	updated, ok := markChecklistItem(data, title)
	if !ok {
		return errors.NewBacklogError("mark complete", errors.ErrTaskNotFound).
			WithSource(string(KindChecklist)).WithTask(title)
	}

	info, err := os.Stat(c.path)
	if err != nil {
		return errors.NewBacklogError("stat checklist", err).WithSource(string(KindChecklist))
	}
	if err := os.WriteFile(c.path, updated, info.Mode().Perm()); err != nil {
		return errors.NewBacklogError("write checklist", err).WithSource(string(KindChecklist)).WithTask(title)
	}
	return nil
}

// markChecklistItem replaces the "[ ]" marker on the first pending line for
// title. The title is quoted so regexp metacharacters match literally.
func markChecklistItem(data []byte, title string) ([]byte, bool) {
	pattern := regexp.MustCompile(`(?m)^` + itemIndent + `- (\[ \])` + itemSep + regexp.QuoteMeta(title) + itemTrail + `$`)
	loc := pattern.FindSubmatchIndex(data)
	if loc == nil {
		return data, false
	}

	out := make([]byte, 0, len(data))
	out = append(out, data[:loc[2]]...)
	out = append(out, "[x]"...)
	out = append(out, data[loc[3]:]...)
	return out, true
}

// SupportsGroups implements Source. Checklists have no groups.
func (c *Checklist) SupportsGroups() bool { return false }

// ParallelGroups implements Source.
func (c *Checklist) ParallelGroups(context.Context) ([]int, error) {
	return nil, errors.ErrGroupsNotSupported
}

// TasksByGroup implements Source.
func (c *Checklist) TasksByGroup(context.Context, int) ([]string, error) {
	return nil, errors.ErrGroupsNotSupported
}

// TaskBody implements Source. Checklist items carry no body.
func (c *Checklist) TaskBody(context.Context, string) (string, error) {
	return "", nil
}

var _ Source = (*Checklist)(nil)
