package handler

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/executor"
	"github.com/t77yq/taskscheduler/internal/model"
)

// ShellCommandPayload represents the params of a shell command task
type ShellCommandPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
}

// ShellCommandResult is reported when the command exits zero
type ShellCommandResult struct {
	ExitCode int `json:"exit_code"`
}

// ShellCommandHandler runs a command and captures its output as task logs
type ShellCommandHandler struct {
	logger *zap.Logger
}

// NewShellCommandHandler creates a new shell command handler
func NewShellCommandHandler(logger *zap.Logger) *ShellCommandHandler {
	return &ShellCommandHandler{
		logger: logger.Named(ShellCommand),
	}
}

// Execute runs the command. A non-zero exit is retryable; a missing
// binary is not.
func (h *ShellCommandHandler) Execute(ctx context.Context, task *executor.Task) (json.RawMessage, error) {
	var payload ShellCommandPayload
	if err := decodeParams(task.Params, &payload); err != nil {
		return nil, err
	}
	if payload.Command == "" {
		return nil, executor.NoRetry(errors.New("command is required"))
	}

	cmd := exec.CommandContext(ctx, payload.Command, payload.Args...)
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}
	if len(payload.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range payload.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdout := task.Log.Writer(model.LogInfo)
	stderr := task.Log.Writer(model.LogWarning)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	h.logger.Info("Executing shell command",
		zap.String("execution_id", task.ExecutionID),
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, executor.NoRetry(errors.Wrapf(err, "command %q not found", payload.Command))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, errors.Newf("command exited with code %d", exitErr.ExitCode())
		}
		return nil, errors.Wrap(err, "command failed")
	}

	return json.Marshal(ShellCommandResult{ExitCode: 0})
}
