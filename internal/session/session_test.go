package session

import (
	"slices"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestNew(t *testing.T) {
	s := New()
	if _, err := uuid.Parse(s.ID); err != nil {
		t.Errorf("ID %q is not a uuid: %v", s.ID, err)
	}
	if !s.Running() {
		t.Error("new session should be running")
	}
	if s.StopRequested() {
		t.Error("new session should not have a stop request")
	}
	if New().ID == s.ID {
		t.Error("session ids should be unique")
	}
}

func TestBeginFinish(t *testing.T) {
	s := New()

	if got := s.Begin("A"); got != 1 {
		t.Errorf("Begin() = %d, want 1", got)
	}
	if got := s.CurrentTask(); got != "A" {
		t.Errorf("CurrentTask() = %q", got)
	}
	s.Finish()
	s.Begin("B")

	if s.Iteration() != 2 || s.CurrentTask() != "B" {
		t.Errorf("iteration/current = %d/%q", s.Iteration(), s.CurrentTask())
	}

	s.Close()
	if s.Running() || s.CurrentTask() != "" {
		t.Error("Close should stop the session and clear the current task")
	}
}

func TestBranches(t *testing.T) {
	s := New()
	s.AddBranch("a")
	s.AddBranch("a")
	s.AddBranch("")
	s.AddBranch("b")

	got := s.Branches()
	if !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Branches() = %v", got)
	}
	got[0] = "mutated"
	if s.Branches()[0] != "a" {
		t.Error("Branches should return a copy")
	}
}

func TestRequestStop_Concurrent(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); s.RequestStop() }()
		go func() { defer wg.Done(); _ = s.StopRequested() }()
	}
	wg.Wait()

	if !s.StopRequested() {
		t.Error("stop should be requested")
	}
}
