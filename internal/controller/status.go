package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/taskloop/internal/backlog"
	"github.com/Iron-Ham/taskloop/internal/errors"
)

var (
	statusKeyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")).Width(11)
	statusUnknownStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
)

// Status describes the backlog and repository at one point in time.
type Status struct {
	Kind   backlog.Kind
	Branch string
	// Known is false when the backlog could not be read; counts are then
	// meaningless and Err says why.
	Known     bool
	Err       error
	Remaining int
	Completed int
	Next      string
	// Groups lists incomplete parallel groups for grouped backlogs.
	Groups []int
}

// Status reads the backlog. A backlog that is missing or whose tracker is
// unreachable yields a Status with Known=false; a malformed document is an
// error.
func (c *Controller) Status(ctx context.Context) (*Status, error) {
	source := c.Source()
	st := &Status{Kind: source.Kind()}
	st.Branch, _ = c.wt.CurrentBranch()

	tasks, err := source.All(ctx)
	if err != nil {
		if errors.IsUnknownState(err) {
			st.Err = err
			return st, nil
		}
		return nil, err
	}

	st.Known = true
	for _, t := range tasks {
		if t.Completed {
			st.Completed++
			continue
		}
		st.Remaining++
		if st.Next == "" {
			st.Next = t.Title
		}
	}
	if source.SupportsGroups() {
		st.Groups = backlog.GroupsOf(tasks)
	}
	return st, nil
}

// Render formats the status, styled for terminals.
func (s *Status) Render(styled bool) string {
	type row struct{ key, value string }
	rows := []row{{"Backlog", string(s.Kind)}, {"Branch", s.Branch}}

	if !s.Known {
		msg := "unknown"
		if s.Err != nil {
			msg = fmt.Sprintf("unknown (%v)", s.Err)
		}
		if styled {
			msg = statusUnknownStyle.Render(msg)
		}
		rows = append(rows, row{"Tasks", msg})
	} else {
		rows = append(rows, row{"Remaining", fmt.Sprint(s.Remaining)}, row{"Completed", fmt.Sprint(s.Completed)})
		if s.Next != "" {
			rows = append(rows, row{"Next", s.Next})
		}
		if len(s.Groups) > 0 {
			rows = append(rows, row{"Groups", strings.Trim(fmt.Sprint(s.Groups), "[]")})
		}
	}

	var sb strings.Builder
	for _, r := range rows {
		if styled {
			sb.WriteString(statusKeyStyle.Render(r.key) + r.value + "\n")
		} else {
			fmt.Fprintf(&sb, "%-10s %s\n", r.key+":", r.value)
		}
	}
	return sb.String()
}
