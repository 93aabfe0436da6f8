package scheduler

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/taskloop/internal/agent"
	"github.com/Iron-Ham/taskloop/internal/conflict"
	"github.com/Iron-Ham/taskloop/internal/worktree"
)

// SlotState tracks a slot through its lifecycle:
// pending, workspace-creating, delegated, then succeeded or failed.
type SlotState string

const (
	SlotPending           SlotState = "pending"
	SlotWorkspaceCreating SlotState = "workspace-creating"
	SlotDelegated         SlotState = "delegated"
	SlotSucceeded         SlotState = "succeeded"
	SlotFailed            SlotState = "failed"
)

// SlotResult is the outcome of one slot.
type SlotResult struct {
	Slot      int
	Task      string
	Branch    string
	Workspace string
	State     SlotState
	Err       error
	Cleanup   worktree.CleanupResult
	PRURL     string
	Result    *agent.Result
	// NoChanges is set when the task succeeded without any commit on Branch.
	NoChanges bool
}

// BatchReport describes one dispatched (or, in a dry run, planned) batch.
type BatchReport struct {
	// Group is the parallel group, -1 for ungrouped backlogs.
	Group int
	Slots []int
	Tasks []string
}

// Report summarizes a run.
type Report struct {
	SessionID string
	DryRun    bool
	Batches   []BatchReport
	Slots     []SlotResult
	// Merged branches were merged into the base cleanly.
	Merged []string
	// Resolved branches merged after the agent resolved their conflicts.
	Resolved []string
	// Unresolved branches conflicted and were left unmerged.
	Unresolved []string
	// Empty branches had no commits; they are neither merged nor proposed.
	Empty    []string
	PRs      []string
	Overlaps []conflict.Overlap
	// SourceError is set when the backlog could not be read; the number of
	// remaining tasks is then unknown.
	SourceError error
	// Stopped is why dispatch ended early, or "".
	Stopped string
}

// BatchSizes returns the number of slots in each batch.
func (r *Report) BatchSizes() []int {
	sizes := make([]int, len(r.Batches))
	for i, b := range r.Batches {
		sizes[i] = len(b.Slots)
	}
	return sizes
}

// Succeeded returns the number of slots that completed their task.
func (r *Report) Succeeded() int {
	n := 0
	for _, s := range r.Slots {
		if s.State == SlotSucceeded {
			n++
		}
	}
	return n
}

// Failed returns the number of slots that did not complete their task.
func (r *Report) Failed() int {
	return len(r.Slots) - r.Succeeded()
}

// Preserved returns the workspaces kept because they had uncommitted work.
func (r *Report) Preserved() []string {
	var paths []string
	for _, s := range r.Slots {
		if s.Workspace != "" && s.Cleanup == worktree.CleanupPreserved {
			paths = append(paths, s.Workspace)
		}
	}
	return paths
}

// String renders a plain-text summary.
func (r *Report) String() string {
	var sb strings.Builder

	if r.SourceError != nil {
		fmt.Fprintf(&sb, "Backlog unavailable, remaining work unknown: %v\n", r.SourceError)
		return sb.String()
	}
	if len(r.Batches) == 0 {
		sb.WriteString("No tasks remain.\n")
		return sb.String()
	}

	if r.DryRun {
		sb.WriteString("Dry run, nothing executed.\n")
	}
	for i, b := range r.Batches {
		label := fmt.Sprintf("Batch %d", i+1)
		if b.Group >= 0 {
			label += fmt.Sprintf(" (group %d)", b.Group)
		}
		fmt.Fprintf(&sb, "%s:\n", label)
		for j, task := range b.Tasks {
			fmt.Fprintf(&sb, "  [agent-%d] %s\n", b.Slots[j], task)
		}
	}
	if r.DryRun {
		return sb.String()
	}

	fmt.Fprintf(&sb, "Succeeded: %d, failed: %d\n", r.Succeeded(), r.Failed())
	for _, s := range r.Slots {
		if s.State == SlotFailed && s.Err != nil {
			fmt.Fprintf(&sb, "  failed [agent-%d] %s: %v\n", s.Slot, s.Task, s.Err)
		}
	}
	writeList(&sb, "Merged", r.Merged)
	writeList(&sb, "Resolved", r.Resolved)
	writeList(&sb, "Unresolved (merge manually)", r.Unresolved)
	writeList(&sb, "No changes", r.Empty)
	writeList(&sb, "Pull requests", r.PRs)
	writeList(&sb, "Preserved workspaces", r.Preserved())
	for _, o := range r.Overlaps {
		fmt.Fprintf(&sb, "Overlap: %s touched by slots %v\n", o.Path, o.Slots)
	}
	if r.Stopped != "" {
		fmt.Fprintf(&sb, "Stopped: %s\n", r.Stopped)
	}
	return sb.String()
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(sb, "  %s\n", item)
	}
}
