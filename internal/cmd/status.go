package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/taskloop/internal/ledger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog status",
	Long: `Display the backlog kind, remaining and completed task counts and the
next task. A backlog that cannot be read is reported as unknown rather
than empty.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, args)
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.ctrl.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("cannot read backlog: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, st.Render(ledger.IsTerminal(out)))
	return nil
}
