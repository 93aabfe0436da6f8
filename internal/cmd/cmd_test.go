package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/taskloop/internal/testutil"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// setupTestEnvironment creates a repository with a checklist backlog, makes
// it the working directory and isolates the user config directory.
func setupTestEnvironment(t *testing.T, backlog string) string {
	t.Helper()

	repo := testutil.SetupTestRepo(t)
	testutil.CommitFile(t, repo, "TODO.md", backlog, "Add backlog")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(repo)
	return repo
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "taskloop" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "taskloop")
	}

	expectedCmds := []string{"run", "loop", "status", "config"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, name := range expectedCmds {
		if !cmdMap[name] {
			t.Errorf("expected subcommand %q not found", name)
		}
	}
}

func TestRunFlagsAreRegistered(t *testing.T) {
	for _, name := range []string{
		"skip-tests", "skip-lint", "max-iterations", "max-retries", "retry-delay", "dry-run",
		"parallel", "max-parallel", "branch-per-task", "base-branch", "create-pr", "draft-pr",
		"backlog-source", "backlog-file", "remote-repo", "remote-label", "verbose",
	} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("flag --%s not registered", name)
		}
	}
}

func TestStatusCommand(t *testing.T) {
	setupTestEnvironment(t, "- [ ] A\n- [ ] B\n- [x] C\n")

	out, err := executeCommand(rootCmd, "status")
	if err != nil {
		t.Fatalf("status error = %v\n%s", err, out)
	}
	for _, want := range []string{"checklist", "Remaining: 2", "Completed: 1", "A"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestLoopCommand(t *testing.T) {
	setupTestEnvironment(t, "- [ ] Write docs\n")

	out, err := executeCommand(rootCmd, "loop")
	if err != nil {
		t.Fatalf("loop error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "# Work through the backlog") || !strings.Contains(out, "- Write docs") {
		t.Errorf("loop output:\n%s", out)
	}
}

func TestRunCommand_DryRun(t *testing.T) {
	setupTestEnvironment(t, "- [ ] A\n- [ ] B\n")
	t.Cleanup(func() { _ = rootCmd.PersistentFlags().Set("dry-run", "false") })

	out, err := executeCommand(rootCmd, "run", "--dry-run")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "Next task: A (dry run)") {
		t.Errorf("run output:\n%s", out)
	}
}

func TestConfigPathCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	out, err := executeCommand(rootCmd, "config", "path")
	if err != nil {
		t.Fatalf("config path error = %v", err)
	}
	if strings.TrimSpace(out) != filepath.Join(dir, "taskloop", "config.yaml") {
		t.Errorf("config path = %q", out)
	}
}
