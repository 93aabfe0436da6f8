package event

import (
	"fmt"
	"time"
)

// Event is implemented by everything published on a Bus.
type Event interface {
	// EventType identifies the event as "category.action".
	EventType() string
	Timestamp() time.Time
}

// Event types.
const (
	TypeBatchStarted     = "batch.started"
	TypeSlotState        = "slot.state"
	TypeBranchReconciled = "branch.reconciled"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// BatchStartedEvent is published before the workspaces of a batch are created.
type BatchStartedEvent struct {
	baseEvent
	Group int // -1 for ungrouped backlogs
	Slots []int
	Tasks []string
}

// NewBatchStartedEvent creates a BatchStartedEvent.
func NewBatchStartedEvent(group int, slots []int, tasks []string) BatchStartedEvent {
	return BatchStartedEvent{
		baseEvent: newBaseEvent(TypeBatchStarted),
		Group:     group,
		Slots:     slots,
		Tasks:     tasks,
	}
}

func (e BatchStartedEvent) String() string {
	if e.Group >= 0 {
		return fmt.Sprintf("group %d: starting %d slot(s)", e.Group, len(e.Slots))
	}
	return fmt.Sprintf("starting %d slot(s)", len(e.Slots))
}

// SlotStateEvent is published whenever a slot moves to a new state.
type SlotStateEvent struct {
	baseEvent
	Slot   int
	Task   string
	Branch string
	State  string
	Err    error
}

// NewSlotStateEvent creates a SlotStateEvent.
func NewSlotStateEvent(slot int, task, branch, state string, err error) SlotStateEvent {
	return SlotStateEvent{
		baseEvent: newBaseEvent(TypeSlotState),
		Slot:      slot,
		Task:      task,
		Branch:    branch,
		State:     state,
		Err:       err,
	}
}

func (e SlotStateEvent) String() string {
	s := fmt.Sprintf("[agent-%d] %s: %s", e.Slot, e.State, e.Task)
	if e.Err != nil {
		s += fmt.Sprintf(" (%v)", e.Err)
	}
	return s
}

// Reconcile outcomes carried by BranchReconciledEvent.
const (
	OutcomeMerged     = "merged"
	OutcomeConflicted = "conflicted"
	OutcomeResolved   = "resolved"
	OutcomeUnresolved = "unresolved"
)

// BranchReconciledEvent is published for each merge attempt of a slot branch.
// A conflicted branch is followed by a second event once resolution ends.
type BranchReconciledEvent struct {
	baseEvent
	Branch  string
	Base    string
	Outcome string
}

// NewBranchReconciledEvent creates a BranchReconciledEvent.
func NewBranchReconciledEvent(branch, base, outcome string) BranchReconciledEvent {
	return BranchReconciledEvent{
		baseEvent: newBaseEvent(TypeBranchReconciled),
		Branch:    branch,
		Base:      base,
		Outcome:   outcome,
	}
}

func (e BranchReconciledEvent) String() string {
	return fmt.Sprintf("%s %s into %s", e.Outcome, e.Branch, e.Base)
}
