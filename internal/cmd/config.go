package cmd

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/taskloop/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify taskloop configuration",
	Long: `View or modify taskloop configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  taskloop config set parallel.max_parallel 4
  taskloop config set backlog.source structured
  taskloop config set merge.commit_resolved true

The resulting configuration is validated before it is written.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/taskloop/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "# Config file: (none - using defaults)\n")
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	if key == "config" || !slices.Contains(viper.AllKeys(), key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'taskloop config show' to see valid keys", key)
	}

	previous := viper.Get(key)
	viper.Set(key, value)
	if _, err := config.Load(); err != nil {
		viper.Set(key, previous)
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	// Ensure config directory exists
	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, value)
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'taskloop config set' to modify values", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	fmt.Fprintln(cmd.OutOrStdout(), config.ConfigFile())
	return nil
}

const defaultConfigFile = `# Taskloop Configuration

loop:
  # Tell the agent not to run tests / linters
  skip_tests: false
  skip_lint: false
  # Stop after this many completed tasks (0 = unlimited)
  max_iterations: 0
  # Extra delegation attempts per task in sequential mode
  max_retries: 3
  # Seconds between attempts
  retry_delay: 5
  dry_run: false

parallel:
  # Run tasks in concurrent batches of isolated worktrees
  enabled: false
  max_parallel: 3
  # Report files touched by more than one slot of a batch
  detect_overlap: false

branch:
  # Create a branch per task in sequential mode
  per_task: false
  # Base branch (empty = current branch)
  base: ""
  prefix: taskloop

pr:
  # Open a pull request per task instead of merging locally
  create: false
  draft: false
  # Custom body template (Go text/template)
  template: ""
  labels: []
  reviewers:
    default: []
    # Glob pattern -> reviewers, e.g. "internal/api/**": [alice]
    by_path: {}

backlog:
  # checklist, structured or remote-issue
  source: checklist
  # Backlog document (default TODO.md, or tasks.yaml for structured)
  file: ""
  progress_file: progress.txt
  # owner/name for remote-issue (empty = current repository)
  remote_repo: ""
  remote_label: ""
  remote_limit: 100

merge:
  # Commit a merge after the agent resolved all conflicts; otherwise
  # conflicted branches are always left unmerged
  commit_resolved: false

workspace:
  # Untracked files copied into each worktree, e.g. ".env*"
  copy_files: []

agent:
  command: claude
  args: ["-p", "{directive}", "--output-format", "json"]

resources:
  # Warn when the run cost exceeds this many USD (0 = disabled)
  cost_warning_threshold: 5.0

logging:
  verbose: false
  level: info
  # Directory for taskloop.log (empty = stderr)
  dir: ""

paths:
  # Where slot worktrees are created (default .taskloop/worktrees)
  worktree_dir: ""
`
