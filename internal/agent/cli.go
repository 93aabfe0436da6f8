package agent

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/taskloop/internal/config"
	"github.com/Iron-Ham/taskloop/internal/errors"
	"github.com/Iron-Ham/taskloop/internal/logging"
)

// DirectivePlaceholder is replaced by the directive in configured arguments.
const DirectivePlaceholder = "{directive}"

// Executor runs a command in dir and returns its combined output.
type Executor func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func defaultExecutor(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// CLIRunner runs the agent as a child process.
type CLIRunner struct {
	command  string
	args     []string
	executor Executor
	parser   *MetricsParser
	logger   *logging.Logger
}

// CLIOption configures a CLIRunner.
type CLIOption func(*CLIRunner)

// WithExecutor replaces process execution, for tests.
func WithExecutor(e Executor) CLIOption {
	return func(r *CLIRunner) { r.executor = e }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) CLIOption {
	return func(r *CLIRunner) { r.logger = l }
}

// NewCLIRunner creates a runner from agent configuration.
func NewCLIRunner(cfg config.AgentConfig, opts ...CLIOption) *CLIRunner {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}
	r := &CLIRunner{
		command:  command,
		args:     cfg.Args,
		executor: defaultExecutor,
		parser:   NewMetricsParser(),
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Args builds the argument list for directive. When no argument contains
// the placeholder the directive is appended as the last argument.
func (r *CLIRunner) Args(directive string) []string {
	args := make([]string, 0, len(r.args)+1)
	substituted := false
	for _, a := range r.args {
		if strings.Contains(a, DirectivePlaceholder) {
			a = strings.ReplaceAll(a, DirectivePlaceholder, directive)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, directive)
	}
	return args
}

// Run executes the agent. A non-zero exit is reported as a failed Result
// together with an *errors.AgentError; an agent that cannot be started
// returns ErrAgentUnavailable.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Result, error) {
	args := r.Args(req.Directive)
	r.logger.Debug("starting agent", "command", r.command, "dir", req.Dir, "task", req.Task)

	out, err := r.executor(ctx, req.Dir, r.command, args...)
	result := r.parse(out)

	if err != nil {
		result.Status = StatusFailed
		if ctx.Err() != nil {
			return result, errors.NewAgentError("agent interrupted", errors.Join(errors.ErrCanceled, ctx.Err())).
				WithTask(req.Task)
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return result, errors.NewAgentError("agent command not available: "+r.command,
				errors.Join(errors.ErrAgentUnavailable, err)).WithTask(req.Task)
		}
		agentErr := errors.NewAgentError("agent exited with an error", errors.Join(errors.ErrAgentFailed, err)).
			WithTask(req.Task)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			agentErr = agentErr.WithExitCode(exitErr.ExitCode())
		}
		return result, agentErr
	}

	if result.Status == StatusFailed {
		return result, errors.NewAgentError("agent reported failure", errors.ErrAgentFailed).WithTask(req.Task)
	}
	return result, nil
}

// jsonResult is the subset of the agent's --output-format json result we read.
type jsonResult struct {
	Type         string   `json:"type"`
	Subtype      string   `json:"subtype"`
	IsError      bool     `json:"is_error"`
	Result       string   `json:"result"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	Artifacts    []string `json:"artifacts"`
	Usage        struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// parse decodes structured output when present and otherwise scrapes
// metrics from plain text. The returned status is success unless the output
// says otherwise.
func (r *CLIRunner) parse(out []byte) *Result {
	result := &Result{Status: StatusSuccess, Output: string(out)}

	if jr, ok := decodeJSONResult(out); ok {
		if jr.IsError || (jr.Subtype != "" && jr.Subtype != "success") {
			result.Status = StatusFailed
		}
		result.Output = jr.Result
		result.Cost = jr.TotalCostUSD
		result.InputTokens = jr.Usage.InputTokens + jr.Usage.CacheCreationInputTokens + jr.Usage.CacheReadInputTokens
		result.OutputTokens = jr.Usage.OutputTokens
		result.Artifacts = jr.Artifacts
		return result
	}

	if m := r.parser.Parse(out); m != nil {
		result.InputTokens = m.InputTokens
		result.OutputTokens = m.OutputTokens
		result.Cost = m.Cost
	}
	return result
}

// decodeJSONResult finds the result object in agent output. Streamed output
// may contain several JSON lines; the last "result" object wins.
func decodeJSONResult(out []byte) (jsonResult, bool) {
	text := strings.TrimSpace(string(out))
	if text == "" {
		return jsonResult{}, false
	}

	var jr jsonResult
	if strings.HasPrefix(text, "{") && json.Unmarshal([]byte(text), &jr) == nil {
		return jr, true
	}

	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var candidate jsonResult
		if json.Unmarshal([]byte(line), &candidate) == nil && candidate.Type == "result" {
			return candidate, true
		}
	}
	return jsonResult{}, false
}
