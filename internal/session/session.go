// Package session holds the in-memory state of one orchestration run and the
// lock file that keeps two runs from driving the same repository at once.
package session

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the explicit run state shared by the controller, the scheduler
// and the CLI's signal handling. It lives in process memory only.
type Session struct {
	ID        string
	StartedAt time.Time

	mu            sync.Mutex
	iteration     int
	currentTask   string
	branches      []string
	running       bool
	stopRequested bool
}

// New creates a session with a fresh id, marked running.
func New() *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		running:   true,
	}
}

// Begin records that task is being worked on and advances the iteration count.
func (s *Session) Begin(task string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration++
	s.currentTask = task
	return s.iteration
}

// Finish clears the current task.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTask = ""
}

// Iteration returns how many tasks have been started.
func (s *Session) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// CurrentTask returns the task in progress, or "".
func (s *Session) CurrentTask() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTask
}

// AddBranch records a branch produced by the run.
func (s *Session) AddBranch(branch string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if branch != "" && !slices.Contains(s.branches, branch) {
		s.branches = append(s.branches, branch)
	}
}

// Branches returns the branches produced so far.
func (s *Session) Branches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.branches)
}

// RequestStop asks the run to stop at the next task or batch boundary.
func (s *Session) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRequested = true
}

// StopRequested reports whether RequestStop was called.
func (s *Session) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// Running reports whether the session is still active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close marks the session finished.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.currentTask = ""
}
