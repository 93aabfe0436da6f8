package scheduler

import (
	"context"

	"github.com/Iron-Ham/taskloop/internal/agent"
	"github.com/Iron-Ham/taskloop/internal/errors"
	"github.com/Iron-Ham/taskloop/internal/event"
	"github.com/Iron-Ham/taskloop/internal/logging"
)

// reconcile merges branches into the base one after another. Branches that
// conflict get one agent resolution attempt each once the clean merges are
// done.
func (s *Scheduler) reconcile(ctx context.Context, branches []string, report *Report, logger *logging.Logger) {
	if len(branches) == 0 {
		return
	}
	logger = logger.WithPhase("reconcile")

	var conflicted []string
	for _, branch := range branches {
		err := s.workspaces.MergeBranch(branch, s.opts.Base)
		switch {
		case err == nil:
			report.Merged = append(report.Merged, branch)
			s.publishReconciled(branch, event.OutcomeMerged)
			logger.Info("merged branch", "branch", branch)
		case errors.Is(err, errors.ErrMergeConflict):
			conflicted = append(conflicted, branch)
			s.publishReconciled(branch, event.OutcomeConflicted)
			logger.Warn("merge conflict", "branch", branch, "error", err.Error())
		default:
			report.Unresolved = append(report.Unresolved, branch)
			s.publishReconciled(branch, event.OutcomeUnresolved)
			logger.Error("merge failed", "branch", branch, "error", err.Error())
		}
	}

	for _, branch := range conflicted {
		if s.resolve(ctx, branch, logger) {
			report.Resolved = append(report.Resolved, branch)
			s.publishReconciled(branch, event.OutcomeResolved)
		} else {
			report.Unresolved = append(report.Unresolved, branch)
			s.publishReconciled(branch, event.OutcomeUnresolved)
		}
	}
}

func (s *Scheduler) publishReconciled(branch, outcome string) {
	s.events.Publish(event.NewBranchReconciledEvent(branch, s.opts.Base, outcome))
}

// resolve reopens the conflicted merge of branch and, when conflicts show
// up again, lets the agent work on it in the repository root. The merge is
// committed only when CommitResolved is set, the agent (if it ran)
// succeeded and no conflicts remain; otherwise it is aborted and the base
// is left as it was.
func (s *Scheduler) resolve(ctx context.Context, branch string, logger *logging.Logger) bool {
	files, err := s.workspaces.BeginMerge(branch, s.opts.Base)
	if err != nil {
		logger.Error("cannot reopen merge", "branch", branch, "error", err.Error())
		return false
	}

	succeeded := true
	if len(files) == 0 {
		logger.Info("branch merges cleanly on retry", "branch", branch)
	} else {
		result, err := agent.ResolveConflict(ctx, s.runner, s.workspaces.Root(), agent.ConflictContext{
			Branch: branch,
			Base:   s.opts.Base,
			Files:  files,
		})
		if result != nil {
			s.ledger.AddUsage(result.InputTokens, result.OutputTokens, result.Cost)
		}
		if err != nil {
			logger.Warn("conflict resolution failed", "branch", branch, "error", err.Error())
		}
		succeeded = err == nil && result.Succeeded()
	}

	if s.opts.CommitResolved && succeeded {
		remaining, cerr := s.workspaces.ConflictedFiles()
		if cerr == nil && len(remaining) == 0 {
			if cerr = s.workspaces.CommitMerge(branch); cerr == nil {
				logger.Info("conflict resolved", "branch", branch)
				return true
			}
		}
		if cerr != nil {
			logger.Warn("cannot commit resolution", "branch", branch, "error", cerr.Error())
		} else {
			logger.Warn("conflicts remain after resolution", "branch", branch, "files", len(remaining))
		}
	}

	if err := s.workspaces.AbortMerge(); err != nil {
		logger.Error("failed to abort merge", "branch", branch, "error", err.Error())
	}
	logger.Warn("branch left unmerged", "branch", branch)
	return false
}
