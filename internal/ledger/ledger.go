// Package ledger accumulates per-run resource metrics: token usage, cost,
// elapsed time and the branches produced. It is safe for concurrent use by
// the slots of a batch.
package ledger

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Entry is the outcome of one delegation.
type Entry struct {
	Task         string
	Branch       string
	InputTokens  int64
	OutputTokens int64
	// ActualCost is the cost reported by the agent, zero when unknown.
	ActualCost float64
	Success    bool
}

// Metrics is a point-in-time copy of the ledger.
type Metrics struct {
	InputTokens   int64
	OutputTokens  int64
	EstimatedCost float64
	ActualCost    float64
	Started       time.Time
	Elapsed       time.Duration
	Branches      []string
	Completed     int
	Failed        int
}

// TotalTokens returns input plus output tokens.
func (m Metrics) TotalTokens() int64 {
	return m.InputTokens + m.OutputTokens
}

// Cost returns the agent-reported cost when any was reported, otherwise the
// token-based estimate.
func (m Metrics) Cost() float64 {
	if m.ActualCost > 0 {
		return m.ActualCost
	}
	return m.EstimatedCost
}

// Ledger is the additive metrics store of a session.
type Ledger struct {
	mu      sync.Mutex
	now     func() time.Time
	metrics Metrics
}

// New creates a ledger started at the current time.
func New() *Ledger {
	l := &Ledger{now: time.Now}
	l.Reset(l.now())
	return l
}

// NewWithClock creates a ledger that reads time from now.
func NewWithClock(now func() time.Time) *Ledger {
	l := &Ledger{now: now}
	l.Reset(now())
	return l
}

// Reset clears all metrics and restarts the elapsed clock at start.
func (l *Ledger) Reset(start time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = Metrics{Started: start}
}

// Record adds the outcome of one delegation. Tokens and cost are counted
// for failed delegations too; only successful ones contribute a branch.
func (l *Ledger) Record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.metrics.InputTokens += e.InputTokens
	l.metrics.OutputTokens += e.OutputTokens
	l.metrics.EstimatedCost += CalculateCost(e.InputTokens, e.OutputTokens)
	l.metrics.ActualCost += e.ActualCost

	if e.Success {
		l.metrics.Completed++
		l.addBranch(e.Branch)
	} else {
		l.metrics.Failed++
	}
}

// AddUsage adds token usage that is not tied to a task outcome, such as a
// conflict-resolution attempt.
func (l *Ledger) AddUsage(inputTokens, outputTokens int64, actualCost float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.metrics.InputTokens += inputTokens
	l.metrics.OutputTokens += outputTokens
	l.metrics.EstimatedCost += CalculateCost(inputTokens, outputTokens)
	l.metrics.ActualCost += actualCost
}

// AddBranch records a produced branch. Empty and duplicate names are ignored.
func (l *Ledger) AddBranch(branch string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addBranch(branch)
}

func (l *Ledger) addBranch(branch string) {
	if branch == "" || slices.Contains(l.metrics.Branches, branch) {
		return
	}
	l.metrics.Branches = append(l.metrics.Branches, branch)
}

// Snapshot returns a copy of the current metrics with Elapsed filled in.
func (l *Ledger) Snapshot() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.metrics
	m.Branches = slices.Clone(l.metrics.Branches)
	m.Elapsed = l.now().Sub(m.Started)
	return m
}

// CalculateCost estimates the cost of a token count using Claude Sonnet
// pricing: $3.00 per 1M input tokens and $15.00 per 1M output tokens.
func CalculateCost(inputTokens, outputTokens int64) float64 {
	const (
		inputPricePerMillion  = 3.00
		outputPricePerMillion = 15.00
	)

	inputCost := float64(inputTokens) / 1000000.0 * inputPricePerMillion
	outputCost := float64(outputTokens) / 1000000.0 * outputPricePerMillion
	return inputCost + outputCost
}

// FormatTokens formats a token count for display (e.g., "45.2K", "1.2M").
func FormatTokens(tokens int64) string {
	switch {
	case tokens >= 1000000:
		return fmt.Sprintf("%.1fM", float64(tokens)/1000000)
	case tokens >= 1000:
		return fmt.Sprintf("%.1fK", float64(tokens)/1000)
	default:
		return fmt.Sprintf("%d", tokens)
	}
}

// FormatCost formats a cost for display (e.g., "$0.42").
func FormatCost(cost float64) string {
	if cost < 0.01 && cost > 0 {
		return "<$0.01"
	}
	return fmt.Sprintf("$%.2f", cost)
}

// FormatDuration formats an elapsed duration as "1h2m3s" rounded to seconds.
func FormatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
