// Package handler holds the built-in task bodies a worker can run.
package handler

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/executor"
	"github.com/t77yq/taskscheduler/internal/model"
)

// Runner names of the built-in handlers
const (
	ShellCommand = "shell_command"
	HTTPRequest  = "http_request"
	FileCleanup  = "file_cleanup"
)

// Builtins returns every built-in handler keyed by runner name. File
// operations are confined to baseDir.
func Builtins(baseDir string, logger *zap.Logger) map[string]executor.Handler {
	return map[string]executor.Handler{
		ShellCommand: NewShellCommandHandler(logger),
		HTTPRequest:  NewHTTPRequestHandler(logger),
		FileCleanup:  NewFileCleanupHandler(logger, baseDir),
	}
}

// decodeParams converts a resolved parameter snapshot into a payload
// struct. Malformed params are never retried.
func decodeParams(params model.Params, dst any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return executor.NoRetry(errors.Wrap(err, "failed to marshal params"))
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return executor.NoRetry(errors.Wrap(err, "failed to decode params"))
	}
	return nil
}
