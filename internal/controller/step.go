package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/taskloop/internal/agent"
	"github.com/Iron-Ham/taskloop/internal/backlog"
	"github.com/Iron-Ham/taskloop/internal/errors"
	"github.com/Iron-Ham/taskloop/internal/ledger"
	"github.com/Iron-Ham/taskloop/internal/logging"
	"github.com/Iron-Ham/taskloop/internal/session"
)

// StepOutcome is what a sequential step did.
type StepOutcome string

const (
	// OutcomeCompleted means the agent finished the task and it was marked complete.
	OutcomeCompleted StepOutcome = "completed"
	// OutcomeFailed means every delegation attempt failed.
	OutcomeFailed StepOutcome = "failed"
	// OutcomeSkipped means the task branch could not be prepared.
	OutcomeSkipped StepOutcome = "skipped"
	// OutcomePlanned is a dry run: the task was picked but not delegated.
	OutcomePlanned StepOutcome = "planned"
	// OutcomeNoTasks means the backlog has nothing left.
	OutcomeNoTasks StepOutcome = "no-tasks"
	// OutcomeStopped means the session asked to stop or hit its task cap.
	OutcomeStopped StepOutcome = "stopped"
)

// StepResult reports one sequential step.
type StepResult struct {
	Outcome StepOutcome
	Task    string
	// Branch is the task branch, empty when branch-per-task is off.
	Branch   string
	Attempts int
	Result   *agent.Result
	// Err is the last delegation or branch error.
	Err error
	// Remaining is the number of incomplete tasks after the step, -1 if unknown.
	Remaining int
}

// String renders a one-line summary.
func (r *StepResult) String() string {
	var sb strings.Builder
	switch r.Outcome {
	case OutcomeNoTasks:
		return "No tasks remain."
	case OutcomeStopped:
		return "Stopped before picking a task."
	case OutcomePlanned:
		fmt.Fprintf(&sb, "Next task: %s (dry run)", r.Task)
	case OutcomeCompleted:
		fmt.Fprintf(&sb, "Completed: %s", r.Task)
	case OutcomeSkipped:
		fmt.Fprintf(&sb, "Skipped: %s: %v", r.Task, r.Err)
	default:
		fmt.Fprintf(&sb, "Failed after %d attempt(s): %s", r.Attempts, r.Task)
		if r.Err != nil {
			fmt.Fprintf(&sb, ": %v", r.Err)
		}
	}
	if r.Branch != "" {
		fmt.Fprintf(&sb, " [%s]", r.Branch)
	}
	if r.Remaining >= 0 && r.Outcome != OutcomePlanned {
		fmt.Fprintf(&sb, ", %d remaining", r.Remaining)
	}
	return sb.String()
}

// RunOnce handles exactly one task: it picks the next incomplete task,
// optionally switches the main checkout to a task branch, delegates to the
// agent (retrying up to loop.max_retries times) and marks the task
// complete on success. A backlog that cannot be read is returned as an
// error so it is never mistaken for an empty one.
func (c *Controller) RunOnce(ctx context.Context, sess *session.Session) (*StepResult, error) {
	cfg := c.Config()
	source := c.Source()
	logger := c.logger.WithSession(sess.ID).WithPhase("step")

	if sess.StopRequested() {
		return &StepResult{Outcome: OutcomeStopped, Remaining: -1}, nil
	}
	if cfg.Loop.MaxIterations > 0 && sess.Iteration() >= cfg.Loop.MaxIterations {
		logger.Info("task cap reached", "max_iterations", cfg.Loop.MaxIterations)
		return &StepResult{Outcome: OutcomeStopped, Remaining: -1}, nil
	}

	task, ok, err := backlog.NextTask(ctx, source)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &StepResult{Outcome: OutcomeNoTasks, Remaining: 0}, nil
	}

	res := &StepResult{Task: task, Remaining: -1}
	logger = logger.WithTask(task)

	if cfg.Loop.DryRun {
		logger.Info("dry run, not delegating")
		res.Outcome = OutcomePlanned
		return res, nil
	}

	if cfg.Branch.PerTask {
		base := c.wt.ResolveBase(cfg.Branch.Base)
		branch, err := c.wt.CreateTaskBranch(task, base)
		if err != nil {
			logger.Warn("skipping task, branch not prepared", "error", err.Error())
			res.Outcome = OutcomeSkipped
			res.Err = err
			res.Remaining = c.countRemaining(ctx)
			return res, nil
		}
		res.Branch = branch
	}

	body, err := source.TaskBody(ctx, task)
	if err != nil {
		logger.Warn("task body unavailable", "error", err.Error())
	}
	directive := agent.TaskDirective(agent.TaskContext{
		Title:        task,
		Body:         body,
		SourceKind:   string(source.Kind()),
		BacklogFile:  c.relative(c.backlogFile()),
		ProgressFile: c.relative(c.progressFile()),
		SkipTests:    cfg.Loop.SkipTests,
		SkipLint:     cfg.Loop.SkipLint,
	})

	sess.Begin(task)
	defer sess.Finish()

	result, attempts, err := c.delegate(ctx, agent.Request{Directive: directive, Dir: c.root, Task: task}, logger)
	res.Attempts = attempts
	res.Result = result

	entry := ledger.Entry{Task: task, Branch: res.Branch}
	if result != nil {
		entry.InputTokens = result.InputTokens
		entry.OutputTokens = result.OutputTokens
		entry.ActualCost = result.Cost
	}

	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		c.ledger.Record(entry)
		logger.Warn("task failed", "attempts", attempts, "error", err.Error())
		res.Remaining = c.countRemaining(ctx)
		return res, nil
	}

	if err := source.MarkComplete(ctx, task); err != nil {
		logger.Error("failed to mark task complete", "error", err.Error())
		res.Err = err
	}
	entry.Success = true
	c.ledger.Record(entry)
	sess.AddBranch(res.Branch)
	res.Outcome = OutcomeCompleted
	res.Remaining = c.countRemaining(ctx)
	logger.Info("task completed", "attempts", attempts)
	return res, nil
}

// delegate runs the agent up to 1+max_retries times. Usage of failed
// attempts other than the last is added to the ledger directly; the caller
// records the last one.
func (c *Controller) delegate(ctx context.Context, req agent.Request, logger *logging.Logger) (*agent.Result, int, error) {
	cfg := c.Config()
	maxAttempts := 1 + max(cfg.Loop.MaxRetries, 0)

	var (
		result *agent.Result
		err    error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if result != nil {
				c.ledger.AddUsage(result.InputTokens, result.OutputTokens, result.Cost)
			}
			if serr := c.sleep(ctx, cfg.Loop.RetryDelay()); serr != nil {
				return nil, attempt - 1, errors.NewAgentError("delegation canceled", errors.Join(errors.ErrCanceled, serr)).
					WithTask(req.Task)
			}
		}

		result, err = c.runner.Run(ctx, req)
		if err == nil && !result.Succeeded() {
			err = errors.NewAgentError("agent did not report success", errors.ErrAgentFailed).WithTask(req.Task)
		}
		if err == nil {
			return result, attempt, nil
		}
		var agentErr *errors.AgentError
		if !errors.As(err, &agentErr) {
			err = errors.NewAgentError("delegation failed", err).WithTask(req.Task)
		}

		logger.Warn("delegation attempt failed", "attempt", attempt, "max_attempts", maxAttempts, "error", err.Error())
		if !errors.IsRetryable(err) || ctx.Err() != nil {
			return result, attempt, err
		}
	}
	return result, maxAttempts, err
}

func (c *Controller) countRemaining(ctx context.Context) int {
	n, err := c.Source().CountRemaining(ctx)
	if err != nil {
		return -1
	}
	return n
}
