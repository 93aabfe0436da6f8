package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/taskloop/internal/agent"
	"github.com/Iron-Ham/taskloop/internal/backlog"
	"github.com/Iron-Ham/taskloop/internal/errors"
	"github.com/Iron-Ham/taskloop/internal/event"
	"github.com/Iron-Ham/taskloop/internal/ledger"
	"github.com/Iron-Ham/taskloop/internal/pr"
	"github.com/Iron-Ham/taskloop/internal/session"
	"github.com/Iron-Ham/taskloop/internal/worktree"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

// events is a shared, ordered log of what the fakes observed.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.log)
}

func (e *events) index(entry string) int {
	return slices.Index(e.snapshot(), entry)
}

type fakeWorkspaces struct {
	root   string
	events *events

	mu         sync.Mutex
	handles    []*worktree.Handle
	createErr  map[int]error
	conflicts  map[string]bool
	cleanRetry map[string]bool
	empty      map[string]bool
	resolved   bool
	aborted    int
	committed  []string
	pushed     []string
	deleted    []string
	inProgress bool
}

func newFakeWorkspaces(t *testing.T, ev *events) *fakeWorkspaces {
	return &fakeWorkspaces{
		root:       t.TempDir(),
		events:     ev,
		createErr:  map[int]error{},
		conflicts:  map[string]bool{},
		cleanRetry: map[string]bool{},
		empty:      map[string]bool{},
	}
}

func (f *fakeWorkspaces) Root() string { return f.root }

func (f *fakeWorkspaces) CreateWorkspace(task string, slot int, base string) (*worktree.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[slot]; err != nil {
		return nil, err
	}
	path := worktree.SlotPath(filepath.Join(f.root, ".taskloop", "worktrees"), slot)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	h := &worktree.Handle{Path: path, Branch: worktree.SlotBranchName("taskloop", slot, task), Slot: slot, Task: task}
	f.handles = append(f.handles, h)
	f.events.add("create %d", slot)
	return h, nil
}

func (f *fakeWorkspaces) CleanupWorkspace(h *worktree.Handle) (worktree.CleanupResult, error) {
	f.events.add("cleanup %d", h.Slot)
	return worktree.CleanupRemoved, nil
}

func (f *fakeWorkspaces) MergeBranch(branch, base string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts[branch] {
		f.events.add("conflict %s", branch)
		return &worktree.MergeConflictError{Branch: branch, Base: base, Files: []string{"shared.go"}}
	}
	f.events.add("merge %s", branch)
	return nil
}

func (f *fakeWorkspaces) BeginMerge(branch, base string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inProgress = true
	if f.cleanRetry[branch] {
		return nil, nil
	}
	return []string{"shared.go"}, nil
}

func (f *fakeWorkspaces) ConflictedFiles() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return nil, nil
	}
	return []string{"shared.go"}, nil
}

func (f *fakeWorkspaces) AbortMerge() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
	f.inProgress = false
	return nil
}

func (f *fakeWorkspaces) CommitMerge(branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, branch)
	f.inProgress = false
	return nil
}

func (f *fakeWorkspaces) DeleteBranch(branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, branch)
	return nil
}

func (f *fakeWorkspaces) HasCommitsBeyond(branch, base string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.empty[branch], nil
}

func (f *fakeWorkspaces) Push(path, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, branch)
	return nil
}

func (f *fakeWorkspaces) ChangedFiles(base, branch string) ([]string, error) {
	return []string{"main.go"}, nil
}

// recordingRunner succeeds unless the task is listed in fail, and tracks
// how many delegations are in flight.
type recordingRunner struct {
	events   *events
	fail     map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
	hook     func(req agent.Request)
}

func (r *recordingRunner) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.hook != nil {
		r.hook(req)
	}
	time.Sleep(5 * time.Millisecond)

	r.events.add("run %s", req.Task)
	if r.fail[req.Task] {
		return &agent.Result{Status: agent.StatusFailed, InputTokens: 10}, errors.NewAgentError("boom", errors.ErrAgentFailed)
	}
	return &agent.Result{Status: agent.StatusSuccess, InputTokens: 100, OutputTokens: 10, Output: "done"}, nil
}

type fakePRs struct {
	mu       sync.Mutex
	requests []pr.Request
}

func (f *fakePRs) Create(_ context.Context, req pr.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return fmt.Sprintf("https://github.com/acme/app/pull/%d", len(f.requests)), nil
}

func writeChecklist(t *testing.T, dir string, titles ...string) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("# Backlog\n\n")
	for _, title := range titles {
		fmt.Fprintf(&sb, "- [ ] %s\n", title)
	}
	path := filepath.Join(dir, "TODO.md")
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

type fixture struct {
	ev      *events
	ws      *fakeWorkspaces
	runner  *recordingRunner
	source  backlog.Source
	ledger  *ledger.Ledger
	backlog string
}

func newFixture(t *testing.T, titles ...string) *fixture {
	t.Helper()
	ev := &events{}
	ws := newFakeWorkspaces(t, ev)
	path := writeChecklist(t, ws.root, titles...)
	return &fixture{
		ev:      ev,
		ws:      ws,
		runner:  &recordingRunner{events: ev, fail: map[string]bool{}},
		source:  backlog.NewChecklist(path),
		ledger:  ledger.New(),
		backlog: path,
	}
}

func (f *fixture) scheduler(opts Options) *Scheduler {
	if opts.Base == "" {
		opts.Base = "main"
	}
	return New(Deps{Source: f.source, Workspaces: f.ws, Runner: f.runner, Ledger: f.ledger}, opts)
}

func (f *fixture) remaining(t *testing.T) []string {
	t.Helper()
	r, err := f.source.Remaining(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestPlanBatches(t *testing.T) {
	tests := []struct {
		name        string
		n           int
		maxParallel int
		want        []int
	}{
		{"five by two", 5, 2, []int{2, 2, 1}},
		{"exact multiple", 4, 2, []int{2, 2}},
		{"fewer than max", 2, 5, []int{2}},
		{"none", 0, 3, nil},
		{"non-positive max", 3, 0, []int{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var titles []string
			for i := 0; i < tt.n; i++ {
				titles = append(titles, fmt.Sprintf("t%d", i))
			}
			batches := PlanBatches(titles, tt.maxParallel)

			var sizes []int
			var flat []string
			for _, b := range batches {
				sizes = append(sizes, len(b))
				flat = append(flat, b...)
			}
			if !slices.Equal(sizes, tt.want) {
				t.Errorf("sizes = %v, want %v", sizes, tt.want)
			}
			if !slices.Equal(flat, titles) {
				t.Errorf("order not preserved: %v", flat)
			}
		})
	}
}

func TestRun_UngroupedBatches(t *testing.T) {
	f := newFixture(t, "A", "B", "C", "D", "E")

	report, err := f.scheduler(Options{MaxParallel: 2}).Run(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := report.BatchSizes(); !slices.Equal(got, []int{2, 2, 1}) {
		t.Errorf("BatchSizes() = %v, want [2 2 1]", got)
	}

	var slots []int
	for _, b := range report.Batches {
		slots = append(slots, b.Slots...)
	}
	if !slices.Equal(slots, []int{1, 2, 3, 4, 5}) {
		t.Errorf("slots = %v, want 1..5", slots)
	}

	if peak := f.runner.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, exceeds max parallel", peak)
	}
	if report.Succeeded() != 5 || len(report.Merged) != 5 {
		t.Errorf("succeeded/merged = %d/%d, want 5/5", report.Succeeded(), len(report.Merged))
	}
	if r := f.remaining(t); len(r) != 0 {
		t.Errorf("remaining = %v, want none", r)
	}

	m := f.ledger.Snapshot()
	if m.Completed != 5 || m.InputTokens != 500 || len(m.Branches) != 5 {
		t.Errorf("ledger = %+v", m)
	}

	// every batch is joined before the next starts
	if f.ev.index("run C") < f.ev.index("cleanup 2") {
		t.Error("batch 2 started before batch 1 was cleaned up")
	}
	// ungrouped backlogs reconcile once, after all batches
	if f.ev.index("merge taskloop/agent-1-a") < f.ev.index("run E") {
		t.Error("merging started before the last batch finished")
	}
}

func TestRun_FailedSlot(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	f.runner.fail["B"] = true

	report, err := f.scheduler(Options{MaxParallel: 3}).Run(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Succeeded() != 2 || report.Failed() != 1 {
		t.Errorf("succeeded/failed = %d/%d", report.Succeeded(), report.Failed())
	}
	if !slices.Equal(f.remaining(t), []string{"B"}) {
		t.Errorf("remaining = %v, want [B]", f.remaining(t))
	}
	if slices.Contains(report.Merged, "taskloop/agent-2-b") {
		t.Error("failed branch must not be merged")
	}
	for _, s := range report.Slots {
		if s.Task == "B" && (s.State != SlotFailed || !errors.Is(s.Err, errors.ErrAgentFailed)) {
			t.Errorf("slot B = %+v", s)
		}
	}
	if m := f.ledger.Snapshot(); m.Failed != 1 || m.InputTokens != 210 {
		t.Errorf("ledger = %+v", m)
	}
}

func TestRun_WorkspaceCreationFailure(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.ws.createErr[1] = errors.NewGitError("boom", nil)

	report, err := f.scheduler(Options{MaxParallel: 2}).Run(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Slots[0].State != SlotFailed || report.Slots[1].State != SlotSucceeded {
		t.Errorf("slot states = %s/%s", report.Slots[0].State, report.Slots[1].State)
	}
	if f.ev.index("run A") >= 0 {
		t.Error("task without workspace must not be delegated")
	}
}

func TestRun_ConflictLeftUnresolved(t *testing.T) {
	f := newFixture(t, "A", "X")
	f.ws.conflicts["taskloop/agent-2-x"] = true

	report, err := f.scheduler(Options{MaxParallel: 2}).Run(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !slices.Equal(report.Merged, []string{"taskloop/agent-1-a"}) {
		t.Errorf("Merged = %v", report.Merged)
	}
	if !slices.Equal(report.Unresolved, []string{"taskloop/agent-2-x"}) {
		t.Errorf("Unresolved = %v", report.Unresolved)
	}
	if f.ws.aborted != 1 || len(f.ws.committed) != 0 {
		t.Errorf("aborted/committed = %d/%v; conflicted merges must never be committed", f.ws.aborted, f.ws.committed)
	}
	if f.ev.index("run resolve taskloop/agent-2-x") < 0 {
		t.Error("expected one resolution attempt")
	}
}

func TestRun_CleanRetryStaysUnmergedByDefault(t *testing.T) {
	tests := []struct {
		name           string
		commitResolved bool
		wantResolved   bool
	}{
		{"default leaves branch unmerged", false, false},
		{"commit resolved merges it", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "A")
			f.ws.conflicts["taskloop/agent-1-a"] = true
			f.ws.cleanRetry["taskloop/agent-1-a"] = true
			f.ws.resolved = true

			report, err := f.scheduler(Options{MaxParallel: 1, CommitResolved: tt.commitResolved}).Run(context.Background(), session.New())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(report.Merged) != 0 {
				t.Errorf("Merged = %v, want none", report.Merged)
			}
			if f.ev.index("run resolve taskloop/agent-1-a") >= 0 {
				t.Error("agent should not run when the retry has no conflicts")
			}

			if tt.wantResolved {
				if !slices.Equal(report.Resolved, []string{"taskloop/agent-1-a"}) || len(f.ws.committed) != 1 {
					t.Errorf("Resolved = %v, committed = %v", report.Resolved, f.ws.committed)
				}
				return
			}
			if len(report.Resolved) != 0 || !slices.Equal(report.Unresolved, []string{"taskloop/agent-1-a"}) {
				t.Errorf("Resolved = %v, Unresolved = %v", report.Resolved, report.Unresolved)
			}
			if len(f.ws.committed) != 0 || f.ws.aborted != 1 {
				t.Errorf("committed = %v, aborted = %d; the retried merge must be aborted", f.ws.committed, f.ws.aborted)
			}
		})
	}
}

func TestRun_CommitResolved(t *testing.T) {
	tests := []struct {
		name         string
		resolved     bool
		wantResolved bool
	}{
		{"agent cleared conflicts", true, true},
		{"conflicts remain", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "X")
			f.ws.conflicts["taskloop/agent-1-x"] = true
			f.ws.resolved = tt.resolved

			report, err := f.scheduler(Options{MaxParallel: 1, CommitResolved: true}).Run(context.Background(), session.New())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got := len(report.Resolved) == 1; got != tt.wantResolved {
				t.Errorf("Resolved = %v, want resolved %v", report.Resolved, tt.wantResolved)
			}
			if tt.wantResolved && f.ws.aborted != 0 {
				t.Error("resolved merge should not be aborted")
			}
			if !tt.wantResolved && (f.ws.aborted != 1 || len(report.Unresolved) != 1) {
				t.Errorf("aborted = %d, unresolved = %v", f.ws.aborted, report.Unresolved)
			}
		})
	}
}

func TestRun_MaxTasks(t *testing.T) {
	f := newFixture(t, "A", "B", "C", "D", "E")

	report, err := f.scheduler(Options{MaxParallel: 2, MaxTasks: 3}).Run(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// the cap is checked between batches; the second batch is not cut short
	if got := report.BatchSizes(); !slices.Equal(got, []int{2, 2}) {
		t.Errorf("BatchSizes() = %v, want [2 2]", got)
	}
	if report.Stopped != StoppedMaxTasks {
		t.Errorf("Stopped = %q", report.Stopped)
	}
	if len(report.Merged) != 4 {
		t.Errorf("finished branches should still be merged, got %v", report.Merged)
	}
}

func TestRun_StopRequested(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	sess := session.New()
	f.runner.hook = func(agent.Request) { sess.RequestStop() }

	report, err := f.scheduler(Options{MaxParallel: 1}).Run(context.Background(), sess)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Batches) != 1 || report.Stopped != StoppedRequested {
		t.Errorf("batches = %d, stopped = %q", len(report.Batches), report.Stopped)
	}
	if !slices.Equal(report.Merged, []string{"taskloop/agent-1-a"}) {
		t.Errorf("completed work should be reconciled before stopping, merged = %v", report.Merged)
	}
}

func TestRun_DryRun(t *testing.T) {
	f := newFixture(t, "A", "B", "C")

	report, err := f.scheduler(Options{MaxParallel: 2, DryRun: true}).Run(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := report.BatchSizes(); !slices.Equal(got, []int{2, 1}) {
		t.Errorf("BatchSizes() = %v", got)
	}
	if len(f.ev.snapshot()) != 0 {
		t.Errorf("dry run executed work: %v", f.ev.snapshot())
	}
	if len(f.remaining(t)) != 3 {
		t.Error("dry run must not modify the backlog")
	}
	if !strings.Contains(report.String(), "Dry run") {
		t.Errorf("report:\n%s", report)
	}
}

func TestRun_SourceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.source = backlog.NewChecklist(filepath.Join(t.TempDir(), "missing.md"))

	report, err := f.scheduler(Options{MaxParallel: 2}).Run(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !errors.IsUnknownState(report.SourceError) {
		t.Errorf("SourceError = %v, want unknown state", report.SourceError)
	}
	if !strings.Contains(report.String(), "remaining work unknown") {
		t.Errorf("report:\n%s", report)
	}
}

func TestRun_EmptyBacklog(t *testing.T) {
	f := newFixture(t)

	report, err := f.scheduler(Options{MaxParallel: 2}).Run(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Batches) != 0 || report.SourceError != nil {
		t.Errorf("report = %+v", report)
	}
	if report.String() != "No tasks remain.\n" {
		t.Errorf("String() = %q", report.String())
	}
}

func TestRun_GroupBarrier(t *testing.T) {
	ev := &events{}
	ws := newFakeWorkspaces(t, ev)
	path := filepath.Join(ws.root, "tasks.yaml")
	doc := `tasks:
  - title: A
    parallel_group: 1
  - title: B
    parallel_group: 2
  - title: C
    parallel_group: 1
  - title: Done
    parallel_group: 3
    completed: true
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	runner := &recordingRunner{events: ev, fail: map[string]bool{}}
	s := New(Deps{Source: backlog.NewStructured(path), Workspaces: ws, Runner: runner}, Options{MaxParallel: 4, Base: "main"})

	report, err := s.Run(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(report.Batches) != 2 {
		t.Fatalf("batches = %+v, want one per incomplete group", report.Batches)
	}
	if report.Batches[0].Group != 1 || !slices.Equal(report.Batches[0].Tasks, []string{"A", "C"}) {
		t.Errorf("first batch = %+v", report.Batches[0])
	}
	if report.Batches[1].Group != 2 || !slices.Equal(report.Batches[1].Slots, []int{3}) {
		t.Errorf("second batch = %+v", report.Batches[1])
	}

	// group 1 is reconciled before group 2 starts
	if ev.index("merge taskloop/agent-2-c") > ev.index("create 3") {
		t.Errorf("group 2 started before group 1 was merged: %v", ev.snapshot())
	}
}

func TestRun_PullRequestMode(t *testing.T) {
	f := newFixture(t, "A", "B")
	prs := &fakePRs{}
	s := New(Deps{Source: f.source, Workspaces: f.ws, Runner: f.runner, PRs: prs},
		Options{MaxParallel: 2, Base: "main", CreatePR: true})

	report, err := s.Run(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.PRs) != 2 || len(report.Merged) != 0 {
		t.Errorf("PRs = %v, merged = %v", report.PRs, report.Merged)
	}
	if len(f.ws.pushed) != 2 {
		t.Errorf("pushed = %v", f.ws.pushed)
	}
	for _, req := range prs.requests {
		if req.Base != "main" || req.Summary != "done" || !slices.Equal(req.ChangedFiles, []string{"main.go"}) {
			t.Errorf("PR request = %+v", req)
		}
	}
}

func TestRun_CopiesScratchFiles(t *testing.T) {
	f := newFixture(t, "A")
	progress := filepath.Join(f.ws.root, "progress.txt")
	if err := os.WriteFile(progress, []byte("log\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(f.ws.root, "config"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.ws.root, "config", "local.env"), []byte("X=1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var directive string
	f.runner.hook = func(req agent.Request) { directive = req.Directive }

	_, err := f.scheduler(Options{
		MaxParallel:  1,
		BacklogFile:  f.backlog,
		ProgressFile: progress,
		CopyFiles:    []string{"config/*.env"},
	}).Run(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	h := f.ws.handles[0]
	if !slices.Equal(h.Scratch, []string{"TODO.md", "progress.txt", "config/local.env"}) {
		t.Errorf("Scratch = %v", h.Scratch)
	}
	if data, err := os.ReadFile(filepath.Join(h.Path, "config", "local.env")); err != nil || string(data) != "X=1\n" {
		t.Errorf("copied file = %q, %v", data, err)
	}
	if !strings.Contains(directive, "backlog in TODO.md") || !strings.Contains(directive, "progress.txt") {
		t.Errorf("directive should reference the copied files:\n%s", directive)
	}
}

func TestRun_PublishesProgressEvents(t *testing.T) {
	f := newFixture(t, "A", "X")
	f.ws.conflicts["taskloop/agent-2-x"] = true

	bus := event.NewBus(nil)
	var mu sync.Mutex
	states := map[int][]string{}
	var batches []event.BatchStartedEvent
	var reconciled []string
	bus.Subscribe(event.TypeSlotState, func(e event.Event) {
		ev := e.(event.SlotStateEvent)
		mu.Lock()
		states[ev.Slot] = append(states[ev.Slot], ev.State)
		mu.Unlock()
	})
	bus.Subscribe(event.TypeBatchStarted, func(e event.Event) {
		batches = append(batches, e.(event.BatchStartedEvent))
	})
	bus.Subscribe(event.TypeBranchReconciled, func(e event.Event) {
		ev := e.(event.BranchReconciledEvent)
		reconciled = append(reconciled, ev.Outcome+" "+ev.Branch)
	})

	s := New(Deps{Source: f.source, Workspaces: f.ws, Runner: f.runner, Ledger: f.ledger, Events: bus},
		Options{MaxParallel: 2, Base: "main"})
	if _, err := s.Run(context.Background(), session.New()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(batches) != 1 || !slices.Equal(batches[0].Slots, []int{1, 2}) || batches[0].Group != -1 {
		t.Errorf("batches = %+v", batches)
	}
	want := []string{"pending", "workspace-creating", "delegated", "succeeded"}
	for slot := 1; slot <= 2; slot++ {
		if !slices.Equal(states[slot], want) {
			t.Errorf("slot %d states = %v, want %v", slot, states[slot], want)
		}
	}
	wantReconciled := []string{
		"merged taskloop/agent-1-a",
		"conflicted taskloop/agent-2-x",
		"unresolved taskloop/agent-2-x",
	}
	if !slices.Equal(reconciled, wantReconciled) {
		t.Errorf("reconciled = %v, want %v", reconciled, wantReconciled)
	}
}

func TestRun_PublishesWorkspaceFailure(t *testing.T) {
	f := newFixture(t, "A")
	f.ws.createErr[1] = fmt.Errorf("disk full")

	bus := event.NewBus(nil)
	var got []event.SlotStateEvent
	bus.Subscribe(event.TypeSlotState, func(e event.Event) {
		got = append(got, e.(event.SlotStateEvent))
	})

	s := New(Deps{Source: f.source, Workspaces: f.ws, Runner: f.runner, Ledger: f.ledger, Events: bus},
		Options{MaxParallel: 1, Base: "main"})
	if _, err := s.Run(context.Background(), session.New()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(got), got)
	}
	last := got[2]
	if last.State != string(SlotFailed) || last.Err == nil || last.Branch != "" {
		t.Errorf("last event = %+v", last)
	}
}

func TestRun_EmptyBranchIsNotMerged(t *testing.T) {
	tests := []struct {
		name     string
		createPR bool
	}{
		{"merge mode", false},
		{"pull request mode", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "A", "B")
			f.ws.empty["taskloop/agent-2-b"] = true
			prs := &fakePRs{}

			s := New(Deps{Source: f.source, Workspaces: f.ws, Runner: f.runner, PRs: prs, Ledger: f.ledger},
				Options{MaxParallel: 2, Base: "main", CreatePR: tt.createPR})
			sess := session.New()
			report, err := s.Run(context.Background(), sess)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if !slices.Equal(sess.Branches(), []string{"taskloop/agent-1-a"}) {
				t.Errorf("session branches = %v", sess.Branches())
			}
			if report.Succeeded() != 2 {
				t.Errorf("Succeeded() = %d, want 2", report.Succeeded())
			}
			if !slices.Equal(report.Empty, []string{"taskloop/agent-2-b"}) {
				t.Errorf("Empty = %v", report.Empty)
			}
			if !slices.Equal(f.ws.deleted, []string{"taskloop/agent-2-b"}) {
				t.Errorf("deleted = %v", f.ws.deleted)
			}
			if slices.Contains(report.Merged, "taskloop/agent-2-b") || slices.Contains(f.ws.pushed, "taskloop/agent-2-b") {
				t.Errorf("empty branch must not be merged or pushed: merged=%v pushed=%v", report.Merged, f.ws.pushed)
			}
			if got := f.remaining(t); len(got) != 0 {
				t.Errorf("remaining = %v, both tasks should be complete", got)
			}
			if !strings.Contains(report.String(), "No changes:\n  taskloop/agent-2-b\n") {
				t.Errorf("report should list the empty branch:\n%s", report)
			}
		})
	}
}

func TestRun_SessionTaskClearedAfterSlots(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	f.runner.fail["B"] = true
	sess := session.New()

	if _, err := f.scheduler(Options{MaxParallel: 3}).Run(context.Background(), sess); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sess.Iteration() != 3 {
		t.Errorf("Iteration() = %d, want 3", sess.Iteration())
	}
	if got := sess.CurrentTask(); got != "" {
		t.Errorf("CurrentTask() = %q after run, want empty", got)
	}
}
