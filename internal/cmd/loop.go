package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loopCmd = &cobra.Command{
	Use:   "loop [flags] [tokens...]",
	Short: "Print a directive for working through the whole backlog",
	Long: `Print one directive describing the whole backlog, for an agent that
works through it on its own. Taskloop itself does not loop; the agent
drives the iteration.`,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE:               runLoop,
}

func init() {
	rootCmd.AddCommand(loopCmd)
}

func runLoop(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, args)
	if err != nil {
		return err
	}
	defer a.close()

	directive, err := a.ctrl.LoopDirective(cmd.Context())
	if err != nil {
		return fmt.Errorf("cannot read backlog: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), directive)
	return nil
}
