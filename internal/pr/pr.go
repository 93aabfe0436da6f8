// Package pr opens pull requests for finished task branches through the
// gh CLI.
package pr

import (
	"context"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/taskloop/internal/config"
	"github.com/Iron-Ham/taskloop/internal/errors"
)

// Options contains options for PR creation.
type Options struct {
	Base      string
	Head      string
	Title     string
	Body      string
	Draft     bool
	Reviewers []string
	Labels    []string
}

// Args builds the gh argument list for opts.
func (o Options) Args() []string {
	args := []string{"pr", "create",
		"--base", o.Base,
		"--head", o.Head,
		"--title", o.Title,
		"--body", o.Body,
	}
	if o.Draft {
		args = append(args, "--draft")
	}
	for _, label := range o.Labels {
		args = append(args, "--label", label)
	}
	for _, reviewer := range o.Reviewers {
		args = append(args, "--reviewer", reviewer)
	}
	return args
}

// Executor runs a command in dir and returns its combined output.
type Executor func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func defaultExecutor(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Creator opens pull requests from a repository directory.
type Creator struct {
	dir      string
	cfg      config.PRConfig
	executor Executor
}

// NewCreator creates a Creator that runs gh in dir. A nil executor uses os/exec.
func NewCreator(dir string, cfg config.PRConfig, executor Executor) *Creator {
	if executor == nil {
		executor = defaultExecutor
	}
	return &Creator{dir: dir, cfg: cfg, executor: executor}
}

// Request describes the branch a PR is opened for.
type Request struct {
	Task         string
	Base         string
	Head         string
	ChangedFiles []string
	// Summary is the agent's final output, if any.
	Summary string
}

// Create opens a PR for req and returns its URL. Title, body, labels,
// reviewers and draft state come from the configuration.
func (c *Creator) Create(ctx context.Context, req Request) (string, error) {
	body, err := BuildBody(c.cfg.Template, TemplateData{
		Task:         req.Task,
		Branch:       req.Head,
		Base:         req.Base,
		ChangedFiles: req.ChangedFiles,
		Summary:      req.Summary,
		LinkedIssue:  ExtractIssueReference(req.Task),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to render PR body")
	}

	return c.Open(ctx, Options{
		Base:      req.Base,
		Head:      req.Head,
		Title:     Title(req.Task),
		Body:      body,
		Draft:     c.cfg.Draft,
		Labels:    c.cfg.Labels,
		Reviewers: ResolveReviewers(req.ChangedFiles, c.cfg.Reviewers.Default, c.cfg.Reviewers.ByPath),
	})
}

// Open runs gh pr create with opts and returns the PR URL.
func (c *Creator) Open(ctx context.Context, opts Options) (string, error) {
	out, err := c.executor(ctx, c.dir, "gh", opts.Args()...)
	if err != nil {
		return "", errors.NewGitError("failed to create pull request", err).
			WithBranch(opts.Head).WithGitOutput(string(out))
	}
	return parseURL(string(out)), nil
}

// parseURL returns the PR URL gh prints as its last line.
func parseURL(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line
		}
	}
	return strings.TrimSpace(out)
}

// Title derives a PR title from a task identity. Remote issue identities
// ("12:Fix login") lose their number prefix.
func Title(task string) string {
	if n, title, ok := strings.Cut(task, ":"); ok && n != "" && isDigits(n) {
		task = title
	}
	task = strings.TrimSpace(task)
	const maxTitle = 72
	if len(task) > maxTitle {
		task = strings.TrimSpace(task[:maxTitle-3]) + "..."
	}
	return task
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
