package controller

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/taskloop/internal/agent"
	"github.com/Iron-Ham/taskloop/internal/backlog"
	"github.com/Iron-Ham/taskloop/internal/config"
	"github.com/Iron-Ham/taskloop/internal/errors"
	"github.com/Iron-Ham/taskloop/internal/event"
	"github.com/Iron-Ham/taskloop/internal/session"
	"github.com/Iron-Ham/taskloop/internal/testutil"
)

// scriptedRunner returns the queued outcomes in order and repeats the last one.
type scriptedRunner struct {
	outcomes []error
	calls    atomic.Int32
	requests []agent.Request
}

func (r *scriptedRunner) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	n := int(r.calls.Add(1))
	r.requests = append(r.requests, req)
	err := r.outcomes[min(n, len(r.outcomes))-1]
	if err != nil {
		return &agent.Result{Status: agent.StatusFailed, InputTokens: 10}, err
	}
	return &agent.Result{Status: agent.StatusSuccess, InputTokens: 100, OutputTokens: 20}, nil
}

func succeed() *scriptedRunner { return &scriptedRunner{outcomes: []error{nil}} }

func failure() error {
	return errors.NewAgentError("exit status 1", errors.ErrAgentFailed)
}

func setupRepo(t *testing.T, backlogContent string) string {
	t.Helper()
	repo := testutil.SetupTestRepo(t)
	testutil.CommitFile(t, repo, "TODO.md", backlogContent, "Add backlog")
	return repo
}

func newController(t *testing.T, repo string, cfg *config.Config, runner agent.Runner) *Controller {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	c, err := New(repo, cfg, WithRunner(runner))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestNew_NotARepository(t *testing.T) {
	_, err := New(t.TempDir(), config.Default(), WithRunner(succeed()))
	if !errors.Is(err, errors.ErrNotGitRepository) {
		t.Errorf("New() error = %v, want ErrNotGitRepository", err)
	}
}

func TestNew_FindsRootFromSubdirectory(t *testing.T) {
	repo := setupRepo(t, "- [ ] A\n")
	sub := filepath.Join(repo, "pkg", "deep")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	c := newController(t, sub, nil, succeed())
	if c.Root() != repo {
		t.Errorf("Root() = %q, want %q", c.Root(), repo)
	}
	if got := backlog.Path(c.Source()); got != filepath.Join(repo, "TODO.md") {
		t.Errorf("backlog path = %q", got)
	}
}

func TestRunOnce_CompletesNextTask(t *testing.T) {
	repo := setupRepo(t, "- [x] Done\n- [ ] A\n- [ ] B\n")
	runner := succeed()
	c := newController(t, repo, nil, runner)
	sess := session.New()

	res, err := c.RunOnce(context.Background(), sess)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if res.Outcome != OutcomeCompleted || res.Task != "A" || res.Attempts != 1 || res.Remaining != 1 {
		t.Errorf("result = %+v", res)
	}
	if runner.calls.Load() != 1 {
		t.Errorf("agent called %d times; a step handles exactly one task", runner.calls.Load())
	}

	req := runner.requests[0]
	if req.Dir != repo {
		t.Errorf("agent dir = %q, want the main checkout", req.Dir)
	}
	if !strings.Contains(req.Directive, "# Task: A") || !strings.Contains(req.Directive, "TODO.md") {
		t.Errorf("directive:\n%s", req.Directive)
	}

	remaining, _ := c.Source().Remaining(context.Background())
	if !slices.Equal(remaining, []string{"B"}) {
		t.Errorf("remaining = %v", remaining)
	}
	if m := c.Ledger().Snapshot(); m.Completed != 1 || m.InputTokens != 100 {
		t.Errorf("ledger = %+v", m)
	}
	if sess.Iteration() != 1 || sess.CurrentTask() != "" {
		t.Errorf("session iteration = %d, current = %q", sess.Iteration(), sess.CurrentTask())
	}
}

func TestRunOnce_NoTasks(t *testing.T) {
	repo := setupRepo(t, "- [x] A\n")
	runner := succeed()
	c := newController(t, repo, nil, runner)

	res, err := c.RunOnce(context.Background(), session.New())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Outcome != OutcomeNoTasks || res.String() != "No tasks remain." {
		t.Errorf("result = %+v", res)
	}
	if runner.calls.Load() != 0 {
		t.Error("agent should not be called")
	}
}

func TestRunOnce_MissingBacklogIsNotEmpty(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	c := newController(t, repo, nil, succeed())

	res, err := c.RunOnce(context.Background(), session.New())
	if err == nil || !errors.IsUnknownState(err) {
		t.Errorf("RunOnce() = %+v, %v; want unknown-state error", res, err)
	}
}

func TestRunOnce_Retries(t *testing.T) {
	tests := []struct {
		name         string
		maxRetries   int
		outcomes     []error
		wantOutcome  StepOutcome
		wantAttempts int
		wantSleeps   int
	}{
		{
			name:         "succeeds on third attempt",
			maxRetries:   2,
			outcomes:     []error{failure(), failure(), nil},
			wantOutcome:  OutcomeCompleted,
			wantAttempts: 3,
			wantSleeps:   2,
		},
		{
			name:         "exhausts retries",
			maxRetries:   1,
			outcomes:     []error{failure()},
			wantOutcome:  OutcomeFailed,
			wantAttempts: 2,
			wantSleeps:   1,
		},
		{
			name:         "no retries configured",
			maxRetries:   0,
			outcomes:     []error{failure()},
			wantOutcome:  OutcomeFailed,
			wantAttempts: 1,
			wantSleeps:   0,
		},
		{
			name:         "agent unavailable is not retried",
			maxRetries:   3,
			outcomes:     []error{errors.NewAgentError("not found", errors.ErrAgentUnavailable)},
			wantOutcome:  OutcomeFailed,
			wantAttempts: 1,
			wantSleeps:   0,
		},
		{
			name:         "interrupted agent is not retried",
			maxRetries:   3,
			outcomes:     []error{errors.NewAgentError("agent interrupted", errors.Join(errors.ErrCanceled, context.Canceled))},
			wantOutcome:  OutcomeFailed,
			wantAttempts: 1,
			wantSleeps:   0,
		},
		{
			name:         "untyped runner error is retried",
			maxRetries:   1,
			outcomes:     []error{fmt.Errorf("pipe closed"), nil},
			wantOutcome:  OutcomeCompleted,
			wantAttempts: 2,
			wantSleeps:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := setupRepo(t, "- [ ] A\n")
			cfg := config.Default()
			cfg.Loop.MaxRetries = tt.maxRetries
			cfg.Loop.RetryDelaySeconds = 7
			runner := &scriptedRunner{outcomes: tt.outcomes}
			c := newController(t, repo, cfg, runner)

			var sleeps []time.Duration
			c.sleep = func(_ context.Context, d time.Duration) error {
				sleeps = append(sleeps, d)
				return nil
			}

			res, err := c.RunOnce(context.Background(), session.New())
			if err != nil {
				t.Fatalf("RunOnce() error = %v", err)
			}
			if res.Outcome != tt.wantOutcome || res.Attempts != tt.wantAttempts {
				t.Errorf("outcome = %s after %d attempts, want %s after %d", res.Outcome, res.Attempts, tt.wantOutcome, tt.wantAttempts)
			}
			if len(sleeps) != tt.wantSleeps {
				t.Errorf("sleeps = %v, want %d", sleeps, tt.wantSleeps)
			}
			for _, d := range sleeps {
				if d != 7*time.Second {
					t.Errorf("retry delay = %v", d)
				}
			}

			remaining, _ := c.Source().CountRemaining(context.Background())
			if wantRemaining := map[bool]int{true: 0, false: 1}[tt.wantOutcome == OutcomeCompleted]; remaining != wantRemaining {
				t.Errorf("remaining = %d, want %d", remaining, wantRemaining)
			}
		})
	}
}

func TestRunOnce_RetryCanceled(t *testing.T) {
	repo := setupRepo(t, "- [ ] A\n")
	cfg := config.Default()
	cfg.Loop.MaxRetries = 3
	c := newController(t, repo, cfg, &scriptedRunner{outcomes: []error{failure()}})
	c.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	res, err := c.RunOnce(context.Background(), session.New())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Outcome != OutcomeFailed || res.Attempts != 1 || !errors.Is(res.Err, errors.ErrCanceled) {
		t.Errorf("result = %+v", res)
	}
	if m := c.Ledger().Snapshot(); m.InputTokens != 10 {
		t.Errorf("failed attempt usage counted %d times over", m.InputTokens/10)
	}
}

func TestRunOnce_DryRun(t *testing.T) {
	repo := setupRepo(t, "- [ ] A\n")
	cfg := config.Default()
	cfg.Loop.DryRun = true
	runner := succeed()
	c := newController(t, repo, cfg, runner)

	res, err := c.RunOnce(context.Background(), session.New())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Outcome != OutcomePlanned || res.Task != "A" || runner.calls.Load() != 0 {
		t.Errorf("result = %+v, calls = %d", res, runner.calls.Load())
	}
	if n, _ := c.Source().CountRemaining(context.Background()); n != 1 {
		t.Error("dry run must not change the backlog")
	}
}

func TestRunOnce_BranchPerTask(t *testing.T) {
	repo := setupRepo(t, "- [ ] Add login form\n")
	cfg := config.Default()
	cfg.Branch.PerTask = true
	c := newController(t, repo, cfg, succeed())
	sess := session.New()

	res, err := c.RunOnce(context.Background(), sess)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Branch != "taskloop/add-login-form" {
		t.Errorf("Branch = %q", res.Branch)
	}
	if got := testutil.CurrentBranch(t, repo); got != res.Branch {
		t.Errorf("checkout is on %q, want the task branch", got)
	}
	if !slices.Equal(sess.Branches(), []string{res.Branch}) {
		t.Errorf("session branches = %v", sess.Branches())
	}
}

func TestRunOnce_SkipsWhenBranchCannotBeCreated(t *testing.T) {
	repo := setupRepo(t, "- [ ] A\n")
	cfg := config.Default()
	cfg.Branch.PerTask = true
	cfg.Branch.Base = "does-not-exist"
	runner := succeed()
	c := newController(t, repo, cfg, runner)

	res, err := c.RunOnce(context.Background(), session.New())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Outcome != OutcomeSkipped || res.Err == nil || runner.calls.Load() != 0 {
		t.Errorf("result = %+v", res)
	}
	if got := testutil.CurrentBranch(t, repo); got != "main" {
		t.Errorf("current branch = %q", got)
	}
}

func TestRunOnce_StopConditions(t *testing.T) {
	t.Run("max iterations", func(t *testing.T) {
		repo := setupRepo(t, "- [ ] A\n- [ ] B\n")
		cfg := config.Default()
		cfg.Loop.MaxIterations = 1
		c := newController(t, repo, cfg, succeed())
		sess := session.New()

		if res, err := c.RunOnce(context.Background(), sess); err != nil || res.Outcome != OutcomeCompleted {
			t.Fatalf("first step = %+v, %v", res, err)
		}
		res, err := c.RunOnce(context.Background(), sess)
		if err != nil || res.Outcome != OutcomeStopped {
			t.Errorf("second step = %+v, %v", res, err)
		}
	})

	t.Run("stop requested", func(t *testing.T) {
		repo := setupRepo(t, "- [ ] A\n")
		runner := succeed()
		c := newController(t, repo, nil, runner)
		sess := session.New()
		sess.RequestStop()

		res, err := c.RunOnce(context.Background(), sess)
		if err != nil || res.Outcome != OutcomeStopped || runner.calls.Load() != 0 {
			t.Errorf("step = %+v, %v", res, err)
		}
	})
}

func TestLoopDirective(t *testing.T) {
	repo := setupRepo(t, "- [ ] A\n- [x] B\n- [ ] C\n")
	cfg := config.Default()
	cfg.Loop.SkipLint = true
	cfg.Loop.MaxIterations = 2
	runner := succeed()
	c := newController(t, repo, cfg, runner)

	directive, err := c.LoopDirective(context.Background())
	if err != nil {
		t.Fatalf("LoopDirective() error = %v", err)
	}

	for _, want := range []string{"checklist document TODO.md", "- A\n", "- C\n", "progress.txt", "or 2 tasks are done"} {
		if !strings.Contains(directive, want) {
			t.Errorf("directive missing %q:\n%s", want, directive)
		}
	}
	if strings.Contains(directive, "- B\n") || strings.Contains(directive, "linters") {
		t.Errorf("directive lists completed tasks or lint step:\n%s", directive)
	}
	if runner.calls.Load() != 0 {
		t.Error("LoopDirective must not delegate")
	}
}

func TestStatus(t *testing.T) {
	t.Run("known", func(t *testing.T) {
		repo := setupRepo(t, "- [ ] A\n- [ ] B\n- [ ] C\n- [x] D\n")
		c := newController(t, repo, nil, succeed())

		st, err := c.Status(context.Background())
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if !st.Known || st.Remaining != 3 || st.Completed != 1 || st.Next != "A" || st.Branch != "main" {
			t.Errorf("status = %+v", st)
		}
		out := st.Render(false)
		if !strings.Contains(out, "Remaining: 3") || !strings.Contains(out, "Next:      A") {
			t.Errorf("Render:\n%s", out)
		}
	})

	t.Run("missing backlog is unknown", func(t *testing.T) {
		repo := testutil.SetupTestRepo(t)
		c := newController(t, repo, nil, succeed())

		st, err := c.Status(context.Background())
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if st.Known || !errors.Is(st.Err, errors.ErrBacklogMissing) {
			t.Errorf("status = %+v", st)
		}
		if !strings.Contains(st.Render(false), "unknown") {
			t.Errorf("Render:\n%s", st.Render(false))
		}
	})

	t.Run("grouped backlog", func(t *testing.T) {
		repo := testutil.SetupTestRepo(t)
		testutil.WriteFile(t, repo, "tasks.yaml", `tasks:
  - title: A
    parallel_group: 2
  - title: B
    parallel_group: 1
`)
		cfg := config.Default()
		cfg.Backlog.Source = config.SourceStructured
		c := newController(t, repo, cfg, succeed())

		st, err := c.Status(context.Background())
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if !slices.Equal(st.Groups, []int{1, 2}) || st.Kind != backlog.KindStructured {
			t.Errorf("status = %+v", st)
		}
	})
}

func TestConfigure(t *testing.T) {
	repo := setupRepo(t, "- [ ] A\n")
	c := newController(t, repo, nil, succeed())

	args, err := c.Configure([]string{"--parallel", "--max-parallel", "4", "extra", "--skip-tests", "--no-such-flag"})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if !slices.Equal(args, []string{"extra"}) {
		t.Errorf("args = %v", args)
	}
	cfg := c.Config()
	if !cfg.Parallel.Enabled || cfg.Parallel.MaxParallel != 4 || !cfg.Loop.SkipTests {
		t.Errorf("config not applied: %+v", cfg.Parallel)
	}

	if _, err := c.Configure([]string{"--max-parallel", "0"}); err == nil {
		t.Error("Configure() should reject an invalid configuration")
	}
	if c.Config().Parallel.MaxParallel != 4 {
		t.Error("rejected configuration must not replace the active one")
	}

	if _, err := c.Configure([]string{"--backlog-source", "structured", "--backlog-file", "plan.yaml"}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if c.Source().Kind() != backlog.KindStructured || backlog.Path(c.Source()) != filepath.Join(repo, "plan.yaml") {
		t.Errorf("source = %s at %s", c.Source().Kind(), backlog.Path(c.Source()))
	}
}

func TestRunParallel(t *testing.T) {
	repo := setupRepo(t, "- [ ] A\n- [ ] B\n- [ ] C\n")
	cfg := config.Default()
	cfg.Parallel.MaxParallel = 2

	runner := agent.RunnerFunc(func(_ context.Context, req agent.Request) (*agent.Result, error) {
		name := strings.ToLower(req.Task) + ".txt"
		if err := os.WriteFile(filepath.Join(req.Dir, name), []byte(req.Task+"\n"), 0644); err != nil {
			return nil, err
		}
		for _, args := range [][]string{{"add", name}, {"commit", "-m", "add " + name}} {
			cmd := exec.Command("git", args...)
			cmd.Dir = req.Dir
			if out, err := cmd.CombinedOutput(); err != nil {
				return nil, fmt.Errorf("git %v: %w: %s", args, err, out)
			}
		}
		return &agent.Result{Status: agent.StatusSuccess}, nil
	})
	c := newController(t, repo, cfg, runner)

	var merged []string
	c.Events().Subscribe(event.TypeBranchReconciled, func(e event.Event) {
		if ev := e.(event.BranchReconciledEvent); ev.Outcome == event.OutcomeMerged {
			merged = append(merged, ev.Branch)
		}
	})

	report, err := c.RunParallel(context.Background(), session.New())
	if err != nil {
		t.Fatalf("RunParallel() error = %v", err)
	}
	if !slices.Equal(report.BatchSizes(), []int{2, 1}) || len(report.Merged) != 3 {
		t.Fatalf("report:\n%s", report)
	}
	if !slices.Equal(merged, report.Merged) {
		t.Errorf("merged events = %v, want %v", merged, report.Merged)
	}
	for _, f := range []string{"a.txt", "b.txt", "c.txt"} {
		if _, err := os.Stat(filepath.Join(repo, f)); err != nil {
			t.Errorf("%s not merged into main: %v", f, err)
		}
	}
	if n, _ := c.Source().CountRemaining(context.Background()); n != 0 {
		t.Errorf("remaining = %d", n)
	}
}
