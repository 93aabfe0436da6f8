package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/Iron-Ham/taskloop/internal/errors"
)

// RemoteOptions configures a RemoteIssues source.
type RemoteOptions struct {
	// Repo is owner/name; empty uses the repository gh infers from the cwd.
	Repo string
	// Label restricts listings to issues carrying this label.
	Label string
	// Limit caps the number of issues per listing.
	Limit int
	// Executor runs gh. Nil uses os/exec.
	Executor CommandExecutor
}

// RemoteIssues is a backlog of GitHub issues accessed through the gh CLI.
// Open issues are remaining tasks and closed issues are completed tasks.
// A task's identity is "<number>:<title>".
type RemoteIssues struct {
	repo     string
	label    string
	limit    int
	executor CommandExecutor
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// NewRemoteIssues returns a RemoteIssues source.
func NewRemoteIssues(opts RemoteOptions) *RemoteIssues {
	if opts.Executor == nil {
		opts.Executor = defaultExecutor
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	return &RemoteIssues{
		repo:     opts.Repo,
		label:    opts.Label,
		limit:    opts.Limit,
		executor: opts.Executor,
	}
}

// Kind implements Source.
func (r *RemoteIssues) Kind() Kind { return KindRemoteIssue }

// IssueIdentity formats the task identity of an issue.
func IssueIdentity(number int, title string) string {
	return fmt.Sprintf("%d:%s", number, title)
}

// ParseIssueIdentity extracts the issue number from a task identity.
func ParseIssueIdentity(identity string) (int, error) {
	num, _, ok := strings.Cut(identity, ":")
	if !ok {
		return 0, errors.NewBacklogError("parse issue identity", errors.ErrTaskNotFound).
			WithSource(string(KindRemoteIssue)).WithTask(identity)
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil || n <= 0 {
		return 0, errors.NewBacklogError("parse issue identity", errors.ErrTaskNotFound).
			WithSource(string(KindRemoteIssue)).WithTask(identity)
	}
	return n, nil
}

func (r *RemoteIssues) withRepo(args []string) []string {
	if r.repo != "" {
		args = append(args, "--repo", r.repo)
	}
	return args
}

// list returns issues in the given state, oldest first.
func (r *RemoteIssues) list(ctx context.Context, state string) ([]ghIssue, error) {
	args := []string{"issue", "list",
		"--state", state,
		"--json", "number,title",
		"--limit", strconv.Itoa(r.limit),
	}
	if r.label != "" {
		args = append(args, "--label", r.label)
	}
	args = r.withRepo(args)

	output, err := r.executor(ctx, "gh", args...)
	if err != nil {
		return nil, r.classifyError("list issues", err, output)
	}

	var issues []ghIssue
	if err := json.Unmarshal(output, &issues); err != nil {
		return nil, errors.NewBacklogError("parse issue list", errors.Join(errors.ErrTrackerUnavailable, err)).
			WithSource(string(KindRemoteIssue))
	}
	slices.SortFunc(issues, func(a, b ghIssue) int { return a.Number - b.Number })
	return issues, nil
}

// All implements Source. Open issues come first, then closed ones.
func (r *RemoteIssues) All(ctx context.Context) ([]Task, error) {
	open, err := r.list(ctx, "open")
	if err != nil {
		return nil, err
	}
	closed, err := r.list(ctx, "closed")
	if err != nil {
		return nil, err
	}

	tasks := make([]Task, 0, len(open)+len(closed))
	for _, is := range open {
		tasks = append(tasks, Task{Title: IssueIdentity(is.Number, is.Title)})
	}
	for _, is := range closed {
		tasks = append(tasks, Task{Title: IssueIdentity(is.Number, is.Title), Completed: true})
	}
	return tasks, nil
}

// Remaining implements Source.
func (r *RemoteIssues) Remaining(ctx context.Context) ([]string, error) {
	open, err := r.list(ctx, "open")
	if err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(open))
	for _, is := range open {
		titles = append(titles, IssueIdentity(is.Number, is.Title))
	}
	return titles, nil
}

// CountRemaining implements Source.
func (r *RemoteIssues) CountRemaining(ctx context.Context) (int, error) {
	open, err := r.list(ctx, "open")
	return len(open), err
}

// CountCompleted implements Source. The count is capped by the listing limit.
func (r *RemoteIssues) CountCompleted(ctx context.Context) (int, error) {
	closed, err := r.list(ctx, "closed")
	return len(closed), err
}

// MarkComplete closes the issue named by the task identity.
func (r *RemoteIssues) MarkComplete(ctx context.Context, title string) error {
	n, err := ParseIssueIdentity(title)
	if err != nil {
		return err
	}
	args := r.withRepo([]string{"issue", "close", strconv.Itoa(n)})
	output, err := r.executor(ctx, "gh", args...)
	if err != nil {
		return r.classifyError("close issue", err, output)
	}
	return nil
}

// SupportsGroups implements Source. Issues carry no parallel groups.
func (r *RemoteIssues) SupportsGroups() bool { return false }

// ParallelGroups implements Source.
func (r *RemoteIssues) ParallelGroups(context.Context) ([]int, error) {
	return nil, errors.ErrGroupsNotSupported
}

// TasksByGroup implements Source.
func (r *RemoteIssues) TasksByGroup(context.Context, int) ([]string, error) {
	return nil, errors.ErrGroupsNotSupported
}

// TaskBody fetches the issue description.
func (r *RemoteIssues) TaskBody(ctx context.Context, title string) (string, error) {
	n, err := ParseIssueIdentity(title)
	if err != nil {
		return "", err
	}
	args := r.withRepo([]string{"issue", "view", strconv.Itoa(n), "--json", "body"})
	output, err := r.executor(ctx, "gh", args...)
	if err != nil {
		return "", r.classifyError("view issue", err, output)
	}

	var is ghIssue
	if err := json.Unmarshal(output, &is); err != nil {
		return "", errors.NewBacklogError("parse issue", errors.Join(errors.ErrTrackerUnavailable, err)).
			WithSource(string(KindRemoteIssue)).WithTask(title)
	}
	return is.Body, nil
}

// classifyError maps gh failures onto backlog sentinels. Anything that is
// not a missing issue is reported as an unavailable tracker so callers never
// confuse a failed listing with an empty backlog.
func (r *RemoteIssues) classifyError(op string, err error, output []byte) error {
	outStr := strings.ToLower(string(output))
	trimmed := strings.TrimSpace(string(output))

	var cause error
	var execErr *exec.Error
	switch {
	case errors.As(err, &execErr):
		cause = fmt.Errorf("%w: %v", errors.ErrTrackerUnavailable, execErr)
	case strings.Contains(outStr, "not logged in") ||
		strings.Contains(outStr, "authentication required") ||
		strings.Contains(outStr, "gh auth login"):
		cause = fmt.Errorf("%w: %s", errors.ErrAuthRequired, trimmed)
	case strings.Contains(outStr, "could not find issue") ||
		strings.Contains(outStr, "issue not found"):
		cause = fmt.Errorf("%w: %s", errors.ErrTaskNotFound, trimmed)
	default:
		cause = fmt.Errorf("%w: %v: %s", errors.ErrTrackerUnavailable, err, trimmed)
	}

	return errors.NewBacklogError(op, cause).WithSource(string(KindRemoteIssue))
}

var _ Source = (*RemoteIssues)(nil)
