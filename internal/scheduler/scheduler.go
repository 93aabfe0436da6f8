// Package scheduler drains a backlog in concurrency-bounded batches. Each
// task runs in its own slot: a disposable worktree bound to a fresh branch
// where the agent works in isolation. Batches are joined before the next
// one starts, and finished branches are reconciled into the base branch.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/taskloop/internal/agent"
	"github.com/Iron-Ham/taskloop/internal/backlog"
	"github.com/Iron-Ham/taskloop/internal/conflict"
	"github.com/Iron-Ham/taskloop/internal/errors"
	"github.com/Iron-Ham/taskloop/internal/event"
	"github.com/Iron-Ham/taskloop/internal/ledger"
	"github.com/Iron-Ham/taskloop/internal/logging"
	"github.com/Iron-Ham/taskloop/internal/pr"
	"github.com/Iron-Ham/taskloop/internal/session"
	"github.com/Iron-Ham/taskloop/internal/worktree"
)

// Workspaces is the subset of *worktree.Manager the scheduler uses.
type Workspaces interface {
	Root() string
	CreateWorkspace(task string, slot int, base string) (*worktree.Handle, error)
	CleanupWorkspace(h *worktree.Handle) (worktree.CleanupResult, error)
	MergeBranch(branch, base string) error
	BeginMerge(branch, base string) ([]string, error)
	ConflictedFiles() ([]string, error)
	AbortMerge() error
	CommitMerge(branch string) error
	DeleteBranch(branch string) error
	HasCommitsBeyond(branch, base string) (bool, error)
	Push(path, branch string) error
	ChangedFiles(base, branch string) ([]string, error)
}

// PRCreator opens pull requests; satisfied by *pr.Creator.
type PRCreator interface {
	Create(ctx context.Context, req pr.Request) (string, error)
}

// Options controls a run.
type Options struct {
	// MaxParallel bounds the slots of one batch.
	MaxParallel int
	// MaxTasks stops dispatching new batches once this many tasks completed.
	// Zero means no cap.
	MaxTasks int
	// Base is the branch workspaces start from and branches merge into.
	Base   string
	DryRun bool
	// CreatePR opens a pull request per successful slot instead of merging.
	CreatePR bool
	// CommitResolved commits a merge the agent resolved; otherwise every
	// conflicted branch is left unmerged.
	CommitResolved bool
	DetectOverlap  bool
	// BacklogFile and ProgressFile are absolute paths copied into each
	// workspace when they exist. BacklogFile is empty for remote backlogs.
	BacklogFile  string
	ProgressFile string
	// CopyFiles are repository-relative glob patterns of extra files to copy.
	CopyFiles []string
	SkipTests bool
	SkipLint  bool
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Source     backlog.Source
	Workspaces Workspaces
	Runner     agent.Runner
	// PRs is required when Options.CreatePR is set.
	PRs    PRCreator
	Ledger *ledger.Ledger
	Logger *logging.Logger
	// Events receives progress events; nil disables them.
	Events *event.Bus
}

// Scheduler runs batches of slots.
type Scheduler struct {
	source     backlog.Source
	workspaces Workspaces
	runner     agent.Runner
	prs        PRCreator
	ledger     *ledger.Ledger
	logger     *logging.Logger
	events     *event.Bus
	opts       Options

	// markMu serializes writes to the backlog.
	markMu sync.Mutex
}

// New creates a Scheduler.
func New(deps Deps, opts Options) *Scheduler {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.New()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NopLogger()
	}
	return &Scheduler{
		source:     deps.Source,
		workspaces: deps.Workspaces,
		runner:     deps.Runner,
		prs:        deps.PRs,
		ledger:     deps.Ledger,
		logger:     deps.Logger.WithPhase("batch"),
		events:     deps.Events,
		opts:       opts,
	}
}

// unit is a set of tasks that may run together; reconciliation happens
// after each unit.
type unit struct {
	group  int
	titles []string
}

// Stop reasons reported in Report.Stopped.
const (
	StoppedRequested = "stop requested"
	StoppedCanceled  = "canceled"
	StoppedMaxTasks  = "max tasks reached"
)

// Run drains the backlog. The backlog is read once; tasks added while the
// run is in progress are picked up by the next run. Slot failures never
// fail the run; they are reported. A backlog that cannot be read is
// reported in Report.SourceError.
func (s *Scheduler) Run(ctx context.Context, sess *session.Session) (*Report, error) {
	report := &Report{SessionID: sess.ID, DryRun: s.opts.DryRun}
	logger := s.logger.WithSession(sess.ID)

	tasks, err := s.source.All(ctx)
	if err != nil {
		report.SourceError = err
		logger.Error("backlog unavailable", "error", err.Error())
		return report, nil
	}

	units := s.plan(tasks)
	if len(units) == 0 {
		logger.Info("no tasks remain")
		return report, nil
	}

	var copyFiles []string
	if !s.opts.DryRun {
		copyFiles = matchCopyFiles(s.workspaces.Root(), s.opts.CopyFiles, logger)
	}

	nextSlot := 1
	completed := 0

units:
	for _, u := range units {
		var toMerge []string

		for _, titles := range PlanBatches(u.titles, s.opts.MaxParallel) {
			if reason := s.stopReason(ctx, sess, completed); reason != "" {
				report.Stopped = reason
				logger.Info("stopping before next batch", "reason", reason)
				s.reconcile(ctx, toMerge, report, logger)
				break units
			}

			batch := BatchReport{Group: u.group, Tasks: titles}
			for range titles {
				batch.Slots = append(batch.Slots, nextSlot)
				nextSlot++
			}
			report.Batches = append(report.Batches, batch)

			if s.opts.DryRun {
				logger.Info("planned batch", "group", u.group, "slots", fmt.Sprint(batch.Slots), "tasks", len(titles))
				continue
			}

			results := s.runBatch(ctx, sess, batch, copyFiles, report, logger)
			for _, r := range results {
				report.Slots = append(report.Slots, r)
				if r.State != SlotSucceeded {
					continue
				}
				completed++
				if r.NoChanges {
					report.Empty = append(report.Empty, r.Branch)
					s.dropBranch(r, logger)
					continue
				}
				if r.PRURL != "" {
					report.PRs = append(report.PRs, r.PRURL)
				} else if !s.opts.CreatePR {
					toMerge = append(toMerge, r.Branch)
				}
			}
		}

		s.reconcile(ctx, toMerge, report, logger)
	}

	return report, nil
}

// plan turns the backlog snapshot into units: one per group in ascending
// order for grouped sources, otherwise a single unit.
func (s *Scheduler) plan(tasks []backlog.Task) []unit {
	if !s.source.SupportsGroups() {
		var titles []string
		for _, t := range tasks {
			if !t.Completed {
				titles = append(titles, t.Title)
			}
		}
		if len(titles) == 0 {
			return nil
		}
		return []unit{{group: -1, titles: titles}}
	}

	var units []unit
	for _, g := range backlog.GroupsOf(tasks) {
		units = append(units, unit{group: g, titles: backlog.TitlesInGroup(tasks, g)})
	}
	return units
}

func (s *Scheduler) stopReason(ctx context.Context, sess *session.Session, completed int) string {
	switch {
	case sess.StopRequested():
		return StoppedRequested
	case ctx.Err() != nil:
		return StoppedCanceled
	case s.opts.MaxTasks > 0 && completed >= s.opts.MaxTasks:
		return StoppedMaxTasks
	}
	return ""
}

// runBatch runs every slot of batch concurrently and waits for all of them.
func (s *Scheduler) runBatch(ctx context.Context, sess *session.Session, batch BatchReport, copyFiles []string, report *Report, logger *logging.Logger) []SlotResult {
	logger.Info("starting batch", "group", batch.Group, "slots", fmt.Sprint(batch.Slots))
	s.events.Publish(event.NewBatchStartedEvent(batch.Group, batch.Slots, batch.Tasks))

	results := make([]SlotResult, len(batch.Tasks))
	handles := make([]*worktree.Handle, len(batch.Tasks))

	// Workspaces are created one at a time; they all touch the shared repository.
	for i, task := range batch.Tasks {
		slot := batch.Slots[i]
		results[i] = SlotResult{Slot: slot, Task: task}
		s.setState(&results[i], SlotPending)
	}
	for i, task := range batch.Tasks {
		slot := batch.Slots[i]
		s.setState(&results[i], SlotWorkspaceCreating)
		h, err := s.workspaces.CreateWorkspace(task, slot, s.opts.Base)
		if err != nil {
			logger.WithSlot(slot).Error("failed to create workspace", "task", task, "error", err.Error())
			results[i].Err = err
			s.setState(&results[i], SlotFailed)
			continue
		}
		h.Scratch = s.copyScratch(h, copyFiles, logger.WithSlot(slot))
		handles[i] = h
		results[i].Branch = h.Branch
		results[i].Workspace = h.Path
	}

	var detector *conflict.Detector
	if s.opts.DetectOverlap {
		detector = s.startDetector(handles, logger)
	}

	wg := conc.NewWaitGroup()
	for i := range batch.Tasks {
		if handles[i] == nil {
			continue
		}
		wg.Go(func() {
			s.runSlot(ctx, sess, handles[i], &results[i])
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		logger.Error("slot panicked", "panic", fmt.Sprint(r.Value))
	}

	if detector != nil {
		detector.Stop()
		report.Overlaps = append(report.Overlaps, detector.Overlaps()...)
	}

	for i, h := range handles {
		if h == nil {
			continue
		}
		if results[i].State != SlotSucceeded && results[i].State != SlotFailed {
			s.setState(&results[i], SlotFailed)
		}
		cleanup, err := s.workspaces.CleanupWorkspace(h)
		results[i].Cleanup = cleanup
		if err != nil {
			logger.WithSlot(h.Slot).Warn("workspace cleanup failed", "path", h.Path, "error", err.Error())
		}
	}

	return results
}

func (s *Scheduler) startDetector(handles []*worktree.Handle, logger *logging.Logger) *conflict.Detector {
	var ignore []string
	for _, h := range handles {
		if h != nil {
			ignore = append(ignore, h.Scratch...)
		}
	}
	detector, err := conflict.New(logger, ignore...)
	if err != nil {
		logger.Warn("overlap detection unavailable", "error", err.Error())
		return nil
	}
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := detector.Watch(h.Slot, h.Path); err != nil {
			logger.WithSlot(h.Slot).Warn("cannot watch workspace", "error", err.Error())
		}
	}
	detector.Start()
	return detector
}

// runSlot delegates one task and records its outcome in res.
func (s *Scheduler) runSlot(ctx context.Context, sess *session.Session, h *worktree.Handle, res *SlotResult) {
	logger := s.logger.WithSession(sess.ID).WithSlot(h.Slot).WithTask(h.Task)

	body, err := s.source.TaskBody(ctx, h.Task)
	if err != nil {
		logger.Warn("task body unavailable", "error", err.Error())
	}

	directive := agent.TaskDirective(agent.TaskContext{
		Title:        h.Task,
		Body:         body,
		SourceKind:   string(s.source.Kind()),
		BacklogFile:  scratchName(h, s.workspaces.Root(), s.opts.BacklogFile),
		ProgressFile: scratchName(h, s.workspaces.Root(), s.opts.ProgressFile),
		SkipTests:    s.opts.SkipTests,
		SkipLint:     s.opts.SkipLint,
		Parallel:     true,
	})

	s.setState(res, SlotDelegated)
	sess.Begin(h.Task)
	defer sess.Finish()
	result, err := s.runner.Run(ctx, agent.Request{Directive: directive, Dir: h.Path, Task: h.Task})
	res.Result = result

	entry := ledger.Entry{Task: h.Task, Branch: h.Branch}
	if result != nil {
		entry.InputTokens = result.InputTokens
		entry.OutputTokens = result.OutputTokens
		entry.ActualCost = result.Cost
	}

	if err != nil || !result.Succeeded() {
		if err == nil {
			err = errors.NewAgentError("agent did not report success", errors.ErrAgentFailed).
				WithTask(h.Task).WithSlot(h.Slot)
		}
		res.Err = err
		s.setState(res, SlotFailed)
		s.ledger.Record(entry)
		logger.Warn("task failed", "error", err.Error())
		return
	}

	if err := s.markComplete(ctx, h.Task); err != nil {
		logger.Error("failed to mark task complete", "error", err.Error())
	}

	entry.Success = true
	s.ledger.Record(entry)
	s.setState(res, SlotSucceeded)
	logger.Info("task completed", "branch", h.Branch)

	changed, err := s.workspaces.HasCommitsBeyond(h.Branch, s.opts.Base)
	if err != nil {
		logger.Warn("cannot inspect slot branch", "branch", h.Branch, "error", err.Error())
		changed = true
	}
	if !changed {
		res.NoChanges = true
		logger.Info("agent committed nothing", "branch", h.Branch)
		return
	}
	sess.AddBranch(h.Branch)

	if s.opts.CreatePR {
		res.PRURL = s.openPR(ctx, h, result, logger)
	}
}

// dropBranch deletes the branch of a slot that committed nothing. A
// preserved workspace still has the branch checked out and keeps it.
func (s *Scheduler) dropBranch(r SlotResult, logger *logging.Logger) {
	if r.Cleanup != worktree.CleanupRemoved {
		return
	}
	if err := s.workspaces.DeleteBranch(r.Branch); err != nil {
		logger.WithSlot(r.Slot).Warn("failed to delete empty branch", "branch", r.Branch, "error", err.Error())
	}
}

// setState moves res to state and publishes the transition.
func (s *Scheduler) setState(res *SlotResult, state SlotState) {
	res.State = state
	s.events.Publish(event.NewSlotStateEvent(res.Slot, res.Task, res.Branch, string(state), res.Err))
}

func (s *Scheduler) markComplete(ctx context.Context, task string) error {
	s.markMu.Lock()
	defer s.markMu.Unlock()
	return s.source.MarkComplete(ctx, task)
}

// openPR pushes the slot branch and opens a pull request. Failures are
// logged; the task stays complete and the branch stays on the remote.
func (s *Scheduler) openPR(ctx context.Context, h *worktree.Handle, result *agent.Result, logger *logging.Logger) string {
	if s.prs == nil {
		logger.Warn("pull request requested but no PR creator configured")
		return ""
	}
	if err := s.workspaces.Push(h.Path, h.Branch); err != nil {
		logger.Error("failed to push branch", "branch", h.Branch, "error", err.Error())
		return ""
	}

	changed, err := s.workspaces.ChangedFiles(s.opts.Base, h.Branch)
	if err != nil {
		logger.Warn("failed to list changed files", "error", err.Error())
	}

	url, err := s.prs.Create(ctx, pr.Request{
		Task:         h.Task,
		Base:         s.opts.Base,
		Head:         h.Branch,
		ChangedFiles: changed,
		Summary:      result.Output,
	})
	if err != nil {
		logger.Error("failed to create pull request", "branch", h.Branch, "error", err.Error())
		return ""
	}
	logger.Info("pull request created", "url", url)
	return url
}
