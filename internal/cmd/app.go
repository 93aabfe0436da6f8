package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/taskloop/internal/config"
	"github.com/Iron-Ham/taskloop/internal/controller"
	"github.com/Iron-Ham/taskloop/internal/logging"
)

// app bundles what a command needs to act on the repository in the
// working directory.
type app struct {
	cfg      *config.Config
	ctrl     *controller.Controller
	logger   *logging.Logger
	progress io.Writer
}

// newApp loads the configuration, applies free-form tokens left over from
// flag parsing and builds the controller.
func newApp(cmd *cobra.Command, tokens []string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.EffectiveLevel())
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	ctrl, err := controller.New(cwd, cfg, controller.WithLogger(logger))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	if len(tokens) > 0 {
		rest, err := ctrl.Configure(tokens)
		if err != nil {
			_ = logger.Close()
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		if len(rest) > 0 {
			logger.Debug("ignoring arguments", "args", fmt.Sprint(rest))
		}
		cfg = ctrl.Config()
	}

	return &app{cfg: cfg, ctrl: ctrl, logger: logger, progress: cmd.ErrOrStderr()}, nil
}

func (a *app) close() {
	_ = a.logger.Close()
}
