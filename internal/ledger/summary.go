package ledger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")).Width(12)
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F9FAFB"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#6B7280")).
			Padding(0, 1)
)

// SummaryOptions controls Render output.
type SummaryOptions struct {
	Styled bool
	// CostWarning highlights the cost line when it exceeds this amount. Zero disables.
	CostWarning float64
}

// Summary returns a plain-text summary of the ledger.
func (l *Ledger) Summary() string {
	return Render(l.Snapshot(), SummaryOptions{})
}

// Render formats metrics as a summary block.
func Render(m Metrics, opts SummaryOptions) string {
	type row struct{ label, value string }
	rows := []row{
		{"Completed", fmt.Sprintf("%d", m.Completed)},
		{"Failed", fmt.Sprintf("%d", m.Failed)},
		{"Tokens", fmt.Sprintf("%s in / %s out", FormatTokens(m.InputTokens), FormatTokens(m.OutputTokens))},
		{"Cost", costLine(m)},
		{"Elapsed", FormatDuration(m.Elapsed)},
	}
	if len(m.Branches) > 0 {
		rows = append(rows, row{"Branches", strings.Join(m.Branches, ", ")})
	}

	overBudget := opts.CostWarning > 0 && m.Cost() > opts.CostWarning

	if !opts.Styled {
		var sb strings.Builder
		sb.WriteString("Run summary\n")
		for _, r := range rows {
			fmt.Fprintf(&sb, "  %-10s %s\n", r.label+":", r.value)
		}
		if overBudget {
			fmt.Fprintf(&sb, "  warning: cost exceeds %s\n", FormatCost(opts.CostWarning))
		}
		return sb.String()
	}

	lines := []string{titleStyle.Render("Run summary")}
	for _, r := range rows {
		value := valueStyle.Render(r.value)
		if r.label == "Cost" && overBudget {
			value = warningStyle.Render(r.value)
		}
		lines = append(lines, labelStyle.Render(r.label)+value)
	}
	if overBudget {
		lines = append(lines, warningStyle.Render("cost exceeds "+FormatCost(opts.CostWarning)))
	}
	return boxStyle.Render(strings.Join(lines, "\n")) + "\n"
}

func costLine(m Metrics) string {
	if m.ActualCost > 0 {
		return fmt.Sprintf("%s (estimated %s)", FormatCost(m.ActualCost), FormatCost(m.EstimatedCost))
	}
	return FormatCost(m.EstimatedCost) + " (estimated)"
}

// WriteSummary renders the ledger to w, styled when w is a terminal.
func (l *Ledger) WriteSummary(w io.Writer, costWarning float64) error {
	_, err := io.WriteString(w, Render(l.Snapshot(), SummaryOptions{
		Styled:      IsTerminal(w),
		CostWarning: costWarning,
	}))
	return err
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
