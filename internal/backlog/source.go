package backlog

import (
	"context"
	"os/exec"
	"path/filepath"

	"github.com/Iron-Ham/taskloop/internal/config"
	"github.com/Iron-Ham/taskloop/internal/errors"
)

// Kind identifies a backlog storage variant.
type Kind string

// Supported backlog kinds.
const (
	KindChecklist   Kind = config.SourceChecklist
	KindStructured  Kind = config.SourceStructured
	KindRemoteIssue Kind = config.SourceRemoteIssue
)

// Task is one backlog entry. Title is the identity key.
type Task struct {
	Title     string
	Completed bool
	Group     int
	Body      string
}

// Source is the capability set shared by every backlog variant.
type Source interface {
	// Kind reports which storage variant backs this source.
	Kind() Kind
	// Remaining returns incomplete task titles in backlog order.
	Remaining(ctx context.Context) ([]string, error)
	// All returns every task, complete or not, in backlog order.
	All(ctx context.Context) ([]Task, error)
	CountRemaining(ctx context.Context) (int, error)
	CountCompleted(ctx context.Context) (int, error)
	// MarkComplete marks the first incomplete task matching title as done.
	MarkComplete(ctx context.Context, title string) error
	// SupportsGroups reports whether ParallelGroups and TasksByGroup are meaningful.
	SupportsGroups() bool
	// ParallelGroups returns sorted unique group ids of incomplete tasks.
	ParallelGroups(ctx context.Context) ([]int, error)
	// TasksByGroup returns incomplete task titles in group g, in backlog order.
	TasksByGroup(ctx context.Context, g int) ([]string, error)
	// TaskBody returns the long description of a task, or "" if the
	// variant does not store one.
	TaskBody(ctx context.Context, title string) (string, error)
}

// CommandExecutor runs an external command and returns its combined output.
// Tests substitute it to avoid invoking real CLIs.
type CommandExecutor func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultExecutor(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type options struct {
	root     string
	executor CommandExecutor
}

// Option configures New.
type Option func(*options)

// WithRoot resolves relative backlog paths against dir.
func WithRoot(dir string) Option {
	return func(o *options) { o.root = dir }
}

// WithExecutor overrides the command executor used by the remote-issue variant.
func WithExecutor(e CommandExecutor) Option {
	return func(o *options) { o.executor = e }
}

// New builds the Source selected by cfg.Source.
func New(cfg config.BacklogConfig, opts ...Option) (Source, error) {
	o := options{executor: defaultExecutor}
	for _, opt := range opts {
		opt(&o)
	}

	path := cfg.ResolveFile()
	if path != "" && o.root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(o.root, path)
	}

	switch Kind(cfg.Source) {
	case KindChecklist:
		return NewChecklist(path), nil
	case KindStructured:
		return NewStructured(path), nil
	case KindRemoteIssue:
		return NewRemoteIssues(RemoteOptions{
			Repo:     cfg.RemoteRepo,
			Label:    cfg.RemoteLabel,
			Limit:    cfg.RemoteLimit,
			Executor: o.executor,
		}), nil
	default:
		return nil, errors.NewBacklogError("cannot build backlog", errors.ErrUnknownSource).WithSource(cfg.Source)
	}
}

// Path returns the backing document of a file-based source, or "" for
// sources that are not stored in the working tree.
func Path(s Source) string {
	if f, ok := s.(interface{ File() string }); ok {
		return f.File()
	}
	return ""
}

// NextTask returns the first incomplete task title and whether one exists.
func NextTask(ctx context.Context, s Source) (string, bool, error) {
	remaining, err := s.Remaining(ctx)
	if err != nil {
		return "", false, err
	}
	if len(remaining) == 0 {
		return "", false, nil
	}
	return remaining[0], true, nil
}

func remainingTitles(tasks []Task) []string {
	titles := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if !t.Completed {
			titles = append(titles, t.Title)
		}
	}
	return titles
}

func countCompleted(tasks []Task) int {
	n := 0
	for _, t := range tasks {
		if t.Completed {
			n++
		}
	}
	return n
}
