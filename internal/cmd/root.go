// Package cmd implements the taskloop command line.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/taskloop/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "taskloop",
	Short: "Drain a task backlog through an autonomous coding agent",
	Long: `Taskloop works through a backlog of tasks (a markdown checklist, a YAML
task list or open issues) by handing each task to an external coding agent.

Tasks run one at a time in the current checkout, or in concurrent batches
of isolated git worktrees whose branches are merged back afterwards.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/taskloop/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	// Run flags write into a throwaway config; viper picks up the values
	// through the bindings, so precedence is flag > env > file > default.
	config.RegisterFlags(rootCmd.PersistentFlags(), config.Default())
	_ = config.BindFlags(viper.GetViper(), rootCmd.PersistentFlags())
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".taskloop")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TASKLOOP")
	// Replace dots with underscores for nested keys in env vars
	// e.g., TASKLOOP_PARALLEL_MAX_PARALLEL for parallel.max_parallel
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
