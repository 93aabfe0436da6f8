// Package controller is the entry point for driving a backlog. It wires the
// backlog source, the workspace manager, the agent runner and the ledger
// together and exposes the sequential one-task step, the self-driven loop
// directive, the batch run and a status query.
//
// The sequential mode never loops: each RunOnce handles exactly one task.
// Progress across many tasks comes from repeated invocations or from
// RunParallel.
package controller

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/taskloop/internal/agent"
	"github.com/Iron-Ham/taskloop/internal/backlog"
	"github.com/Iron-Ham/taskloop/internal/config"
	"github.com/Iron-Ham/taskloop/internal/errors"
	"github.com/Iron-Ham/taskloop/internal/event"
	"github.com/Iron-Ham/taskloop/internal/ledger"
	"github.com/Iron-Ham/taskloop/internal/logging"
	"github.com/Iron-Ham/taskloop/internal/pr"
	"github.com/Iron-Ham/taskloop/internal/scheduler"
	"github.com/Iron-Ham/taskloop/internal/session"
	"github.com/Iron-Ham/taskloop/internal/worktree"
)

// Controller drives one repository's backlog.
type Controller struct {
	root   string
	cfg    *config.Config
	wt     *worktree.Manager
	runner agent.Runner
	ledger *ledger.Ledger
	logger *logging.Logger
	events *event.Bus

	// source is rebuilt from cfg by Configure unless it was injected.
	source      backlog.Source
	fixedSource bool
	executor    backlog.CommandExecutor
	prs         scheduler.PRCreator

	// sleep waits between delegation attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error

	mu sync.RWMutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithRunner replaces the agent runner built from the agent configuration.
func WithRunner(r agent.Runner) Option {
	return func(c *Controller) { c.runner = r }
}

// WithSource replaces the backlog source built from the backlog configuration.
func WithSource(s backlog.Source) Option {
	return func(c *Controller) {
		c.source = s
		c.fixedSource = true
	}
}

// WithBacklogExecutor sets the command executor used by the remote-issue source.
func WithBacklogExecutor(e backlog.CommandExecutor) Option {
	return func(c *Controller) { c.executor = e }
}

// WithPRCreator replaces the gh-backed pull request creator.
func WithPRCreator(p scheduler.PRCreator) Option {
	return func(c *Controller) { c.prs = p }
}

// WithLedger shares a ledger with the caller.
func WithLedger(l *ledger.Ledger) Option {
	return func(c *Controller) { c.ledger = l }
}

// WithEvents shares an event bus with the caller.
func WithEvents(b *event.Bus) Option {
	return func(c *Controller) { c.events = b }
}

// WithLogger sets the logger. Nil discards output.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a Controller for the git repository containing dir.
func New(dir string, cfg *config.Config, opts ...Option) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	c := &Controller{cfg: cfg, sleep: sleepContext}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.NopLogger()
	}
	if c.ledger == nil {
		c.ledger = ledger.New()
	}
	if c.events == nil {
		c.events = event.NewBus(c.logger)
	}

	root, err := worktree.FindGitRoot(dir)
	if err != nil {
		return nil, err
	}
	c.root = root

	c.wt = worktree.NewWithRoot(root, worktree.Options{
		WorktreeDir: cfg.Paths.ResolveWorktreeDir(root),
		Prefix:      cfg.Branch.Prefix,
		Logger:      c.logger,
	})

	if c.runner == nil {
		c.runner = agent.NewCLIRunner(cfg.Agent, agent.WithLogger(c.logger))
	}
	if !c.fixedSource {
		if c.source, err = c.buildSource(cfg); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Controller) buildSource(cfg *config.Config) (backlog.Source, error) {
	opts := []backlog.Option{backlog.WithRoot(c.root)}
	if c.executor != nil {
		opts = append(opts, backlog.WithExecutor(c.executor))
	}
	return backlog.New(cfg.Backlog, opts...)
}

// Root returns the repository root.
func (c *Controller) Root() string { return c.root }

// Ledger returns the run ledger.
func (c *Controller) Ledger() *ledger.Ledger { return c.ledger }

// Events returns the bus batch runs publish progress on.
func (c *Controller) Events() *event.Bus { return c.events }

// Config returns the active configuration.
func (c *Controller) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Source returns the active backlog source.
func (c *Controller) Source() backlog.Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}

// Workspaces returns the workspace manager.
func (c *Controller) Workspaces() *worktree.Manager { return c.wt }

// Configure applies free-form flag tokens on top of the active
// configuration. Unknown tokens are ignored. The new configuration is
// validated before it replaces the old one; on error nothing changes.
// Positional words among the tokens are returned.
func (c *Controller) Configure(tokens []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := *c.cfg
	args, err := config.ApplyTokens(&next, tokens)
	if err != nil {
		return nil, errors.NewValidationError(err.Error())
	}
	if errs := next.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}

	if !c.fixedSource && next.Backlog != c.cfg.Backlog {
		source, err := c.buildSource(&next)
		if err != nil {
			return nil, err
		}
		c.source = source
	}
	c.cfg = &next
	return args, nil
}

// backlogFile returns the absolute path of a file-backed backlog, or "".
func (c *Controller) backlogFile() string {
	path := backlog.Path(c.Source())
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(c.root, path)
	}
	return path
}

// progressFile returns the absolute path of the progress log, or "".
func (c *Controller) progressFile() string {
	path := c.Config().Backlog.ProgressFile
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(c.root, path)
	}
	return path
}

// relative returns path relative to the repository root when it lies inside it.
func (c *Controller) relative(path string) string {
	if path == "" {
		return ""
	}
	rel, err := filepath.Rel(c.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}

// RunParallel drains the backlog in concurrent batches.
func (c *Controller) RunParallel(ctx context.Context, sess *session.Session) (*scheduler.Report, error) {
	cfg := c.Config()
	base := c.wt.ResolveBase(cfg.Branch.Base)

	prs := c.prs
	if prs == nil && cfg.PR.Create {
		prs = pr.NewCreator(c.root, cfg.PR, nil)
	}

	s := scheduler.New(scheduler.Deps{
		Source:     c.Source(),
		Workspaces: c.wt,
		Runner:     c.runner,
		PRs:        prs,
		Ledger:     c.ledger,
		Logger:     c.logger,
		Events:     c.events,
	}, scheduler.Options{
		MaxParallel:    cfg.Parallel.MaxParallel,
		MaxTasks:       cfg.Loop.MaxIterations,
		Base:           base,
		DryRun:         cfg.Loop.DryRun,
		CreatePR:       cfg.PR.Create,
		CommitResolved: cfg.Merge.CommitResolved,
		DetectOverlap:  cfg.Parallel.DetectOverlap,
		BacklogFile:    c.backlogFile(),
		ProgressFile:   c.progressFile(),
		CopyFiles:      cfg.Workspace.CopyFiles,
		SkipTests:      cfg.Loop.SkipTests,
		SkipLint:       cfg.Loop.SkipLint,
	})

	c.logger.Info("starting batch run", "base", base, "max_parallel", cfg.Parallel.MaxParallel)
	return s.Run(ctx, sess)
}

// LoopDirective builds one directive describing the whole backlog, for an
// agent that works through it on its own.
func (c *Controller) LoopDirective(ctx context.Context) (string, error) {
	cfg := c.Config()
	source := c.Source()

	remaining, err := source.Remaining(ctx)
	if err != nil {
		return "", err
	}

	repo := ""
	if source.Kind() == backlog.KindRemoteIssue {
		repo = cfg.Backlog.RemoteRepo
		if repo == "" {
			repo = "the current repository"
		}
	}

	return agent.LoopDirective(agent.LoopContext{
		SourceKind:   string(source.Kind()),
		BacklogFile:  c.relative(c.backlogFile()),
		RemoteRepo:   repo,
		ProgressFile: c.relative(c.progressFile()),
		Remaining:    remaining,
		SkipTests:    cfg.Loop.SkipTests,
		SkipLint:     cfg.Loop.SkipLint,
		MaxTasks:     cfg.Loop.MaxIterations,
	}), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
