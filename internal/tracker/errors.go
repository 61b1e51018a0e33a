package tracker

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/t77yq/taskscheduler/internal/model"
)

// TransportError is returned when the task runner cannot be reached. The
// execution fails immediately and stays eligible for retry.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TaskRunnerError is a failure of the task body as reported by a worker
type TaskRunnerError struct {
	Reason    string
	Message   string
	Retryable bool
}

func (e *TaskRunnerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// ExecutionError converts the error into the payload stored on the execution
func (e *TaskRunnerError) ExecutionError() *model.ExecutionError {
	reason := e.Reason
	if reason == "" {
		reason = model.ReasonTaskFailed
	}
	return &model.ExecutionError{Reason: reason, Message: e.Message, Retryable: e.Retryable}
}

// classify turns any failure into an execution error payload. Unknown
// errors are task failures and may be retried.
func classify(err error) *model.ExecutionError {
	var transport *TransportError
	if errors.As(err, &transport) {
		return &model.ExecutionError{Reason: model.ReasonTransport, Message: transport.Err.Error(), Retryable: true}
	}
	var runnerErr *TaskRunnerError
	if errors.As(err, &runnerErr) {
		return runnerErr.ExecutionError()
	}
	return &model.ExecutionError{Reason: model.ReasonTaskFailed, Message: err.Error(), Retryable: true}
}

// IsInvalidTransition reports whether err rejects a state machine edge
func IsInvalidTransition(err error) bool {
	var target *model.InvalidTransitionError
	return errors.As(err, &target)
}
