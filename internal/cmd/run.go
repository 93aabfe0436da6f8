package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/taskloop/internal/ledger"
	"github.com/Iron-Ham/taskloop/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] [tokens...]",
	Short: "Work on the backlog",
	Long: `Work on the backlog.

Without --parallel, run handles exactly one task in the current checkout:
it picks the next incomplete task, optionally switches to a branch for it,
hands it to the agent and marks it complete on success. Invoke it again
(or use "taskloop loop") to continue.

With --parallel, run drains the backlog in batches of at most
--max-parallel tasks, each in its own git worktree, and merges the
resulting branches into the base branch (or opens pull requests with
--create-pr).

Interrupt once to stop after the current task or batch; interrupt again
to abort.`,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE:               runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, args)
	if err != nil {
		return err
	}
	defer a.close()

	sess := session.New()
	defer sess.Close()

	stateDir, err := a.ctrl.Workspaces().StateDir()
	if err != nil {
		return err
	}
	lock, err := session.AcquireLock(stateDir, sess.ID, a.logger)
	if err != nil {
		return fmt.Errorf("another taskloop run is active in this repository: %w", err)
	}
	defer func() { _ = lock.Release() }()

	a.ctrl.Ledger().Reset(time.Now())
	out := cmd.OutOrStdout()

	var g run.Group

	// Work.
	{
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		g.Add(
			func() error {
				return a.execute(ctx, sess, out)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// OS signals. The first one asks for a stop at the next boundary; a
	// second one aborts in-flight work.
	{
		sigs := make(chan os.Signal, 2)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		done := make(chan struct{})

		g.Add(
			func() error {
				defer signal.Stop(sigs)
				for {
					select {
					case <-done:
						return nil
					case s := <-sigs:
						if sess.StopRequested() {
							return fmt.Errorf("aborted by %s", s)
						}
						sess.RequestStop()
						a.logger.Info("stop requested", "signal", s.String())
						fmt.Fprintln(cmd.ErrOrStderr(), "Stopping after the current work; interrupt again to abort.")
					}
				}
			},
			func(_ error) {
				close(done)
			},
		)
	}

	return g.Run()
}

// execute runs one sequential step or a whole batch run and prints the
// outcome followed by the ledger summary.
func (a *app) execute(ctx context.Context, sess *session.Session, out io.Writer) error {
	if a.cfg.Parallel.Enabled {
		if !a.cfg.Loop.DryRun {
			defer watchProgress(a.ctrl.Events(), a.progress)()
		}
		report, err := a.ctrl.RunParallel(ctx, sess)
		if err != nil {
			return err
		}
		fmt.Fprint(out, report.String())
		if report.DryRun || report.SourceError != nil {
			return nil
		}
	} else {
		res, err := a.ctrl.RunOnce(ctx, sess)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, res.String())
		if res.Result == nil {
			return nil
		}
	}

	m := a.ctrl.Ledger().Snapshot()
	if threshold := a.cfg.Resources.CostWarningThreshold; threshold > 0 && m.Cost() > threshold {
		a.logger.Warn("cost threshold exceeded",
			"cost", ledger.FormatCost(m.Cost()), "threshold", ledger.FormatCost(threshold))
	}
	fmt.Fprintln(out)
	return a.ctrl.Ledger().WriteSummary(out, a.cfg.Resources.CostWarningThreshold)
}
