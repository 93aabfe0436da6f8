// Package agent is the boundary to the external execution agent that does
// the actual work on a task. The orchestrator hands it a directive and a
// working directory and gets back an explicit [Result].
package agent

import "context"

// Status is the outcome reported by an agent run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Request describes one delegation.
type Request struct {
	// Directive is the instruction text handed to the agent.
	Directive string
	// Dir is the working directory the agent runs in.
	Dir string
	// Task is the backlog identity of the task, for logging only.
	Task string
}

// Result is what the agent reports back.
type Result struct {
	Status       Status
	InputTokens  int64
	OutputTokens int64
	// Cost is the agent-reported cost in USD, zero when unknown.
	Cost   float64
	Output string
	// Artifacts lists files the agent reported producing, if any.
	Artifacts []string
}

// Succeeded reports whether the run completed successfully.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// Runner executes directives.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request) (*Result, error)

// Run calls f(ctx, req).
func (f RunnerFunc) Run(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// ResolveConflict asks r to resolve the in-progress merge in dir.
func ResolveConflict(ctx context.Context, r Runner, dir string, cc ConflictContext) (*Result, error) {
	return r.Run(ctx, Request{
		Directive: ConflictDirective(cc),
		Dir:       dir,
		Task:      "resolve " + cc.Branch,
	})
}
