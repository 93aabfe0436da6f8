package agent

import (
	"fmt"
	"strings"
)

// TaskContext describes the task a directive is built for.
type TaskContext struct {
	Title string
	// Body is the task's long description, if the backlog has one.
	Body string
	// SourceKind names the backlog variant ("checklist", "structured", "remote-issue").
	SourceKind string
	// BacklogFile is the backlog document visible to the agent, empty for remote backlogs.
	BacklogFile string
	// ProgressFile is where the agent appends progress notes.
	ProgressFile string
	SkipTests    bool
	SkipLint     bool
	// Parallel is set when the agent runs in an isolated slot workspace.
	Parallel bool
}

// TaskDirective builds the instruction for completing a single task.
func TaskDirective(tc TaskContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Task: %s\n\n", tc.Title)

	if tc.Body != "" {
		sb.WriteString("## Details\n\n")
		sb.WriteString(strings.TrimSpace(tc.Body))
		sb.WriteString("\n\n")
	}

	if tc.BacklogFile != "" {
		fmt.Fprintf(&sb, "This task comes from the %s backlog in %s. ", tc.SourceKind, tc.BacklogFile)
		sb.WriteString("Read it for context, but do not edit it; the orchestrator marks tasks complete.\n\n")
	}

	sb.WriteString("## Guidelines\n\n")
	sb.WriteString("- Work on this task only\n")
	if tc.Parallel {
		sb.WriteString("- Other agents are working on other tasks in separate checkouts; keep changes focused\n")
	}
	writeVerification(&sb, tc.SkipTests, tc.SkipLint)
	sb.WriteString("- Commit your changes with a descriptive message when done\n")
	if tc.ProgressFile != "" {
		fmt.Fprintf(&sb, "- Append a short note about what you did to %s\n", tc.ProgressFile)
	}

	return sb.String()
}

// LoopContext describes a whole backlog for a self-driven run.
type LoopContext struct {
	SourceKind   string
	BacklogFile  string
	RemoteRepo   string
	ProgressFile string
	Remaining    []string
	SkipTests    bool
	SkipLint     bool
	// MaxTasks caps how many tasks the agent may complete, zero for no cap.
	MaxTasks int
}

// LoopDirective builds the instruction for an agent that drains the backlog
// on its own, one task at a time.
func LoopDirective(lc LoopContext) string {
	var sb strings.Builder

	sb.WriteString("# Work through the backlog\n\n")

	switch {
	case lc.BacklogFile != "":
		fmt.Fprintf(&sb, "The backlog is the %s document %s.\n\n", lc.SourceKind, lc.BacklogFile)
	case lc.RemoteRepo != "":
		fmt.Fprintf(&sb, "The backlog is the open issues of %s (use the gh CLI).\n\n", lc.RemoteRepo)
	default:
		sb.WriteString("The backlog is the open issues of this repository (use the gh CLI).\n\n")
	}

	if len(lc.Remaining) > 0 {
		sb.WriteString("## Remaining tasks\n\n")
		for _, t := range lc.Remaining {
			fmt.Fprintf(&sb, "- %s\n", t)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Loop\n\n")
	sb.WriteString("1. Pick the first incomplete task\n")
	sb.WriteString("2. Implement it\n")
	step := 3
	if !lc.SkipTests {
		fmt.Fprintf(&sb, "%d. Run the tests and fix failures\n", step)
		step++
	}
	if !lc.SkipLint {
		fmt.Fprintf(&sb, "%d. Run the linters and fix findings\n", step)
		step++
	}
	fmt.Fprintf(&sb, "%d. Commit, then mark the task complete", step)
	switch lc.SourceKind {
	case "checklist":
		sb.WriteString(" by changing its `- [ ]` to `- [x]`")
	case "structured":
		sb.WriteString(" by setting `completed: true`")
	case "remote-issue":
		sb.WriteString(" by closing the issue")
	}
	sb.WriteString("\n")
	step++
	if lc.ProgressFile != "" {
		fmt.Fprintf(&sb, "%d. Append a note to %s\n", step, lc.ProgressFile)
		step++
	}
	fmt.Fprintf(&sb, "%d. Repeat until no tasks remain", step)
	if lc.MaxTasks > 0 {
		fmt.Fprintf(&sb, " or %d tasks are done", lc.MaxTasks)
	}
	sb.WriteString("\n")

	return sb.String()
}

// ConflictContext describes a merge left in conflict.
type ConflictContext struct {
	Branch string
	Base   string
	Files  []string
}

// ConflictDirective builds the instruction for resolving a merge conflict
// in place. The agent must not commit or abort the merge.
func ConflictDirective(cc ConflictContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Resolve merge conflicts: %s into %s\n\n", cc.Branch, cc.Base)
	sb.WriteString("A merge is in progress in this directory and stopped on conflicts in:\n")
	for _, f := range cc.Files {
		fmt.Fprintf(&sb, "- %s\n", f)
	}
	sb.WriteString("\n## Guidelines\n\n")
	sb.WriteString("- Keep the intent of both sides\n")
	sb.WriteString("- Remove every conflict marker\n")
	sb.WriteString("- Stage each resolved file with `git add`\n")
	sb.WriteString("- Do not commit and do not abort the merge\n")

	return sb.String()
}

func writeVerification(sb *strings.Builder, skipTests, skipLint bool) {
	if skipTests {
		sb.WriteString("- Do not run the test suite\n")
	} else {
		sb.WriteString("- Run the relevant tests and make sure they pass\n")
	}
	if skipLint {
		sb.WriteString("- Do not run linters\n")
	} else {
		sb.WriteString("- Run the linters and fix what they report\n")
	}
}
