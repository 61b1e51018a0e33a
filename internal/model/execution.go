package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionState represents the lifecycle state of a task execution
type ExecutionState string

const (
	ExecutionQueued         ExecutionState = "queued"
	ExecutionRunning        ExecutionState = "running"
	ExecutionSucceeded      ExecutionState = "succeeded"
	ExecutionFailed         ExecutionState = "failed"
	ExecutionCancelled      ExecutionState = "cancelled"
	ExecutionRetryScheduled ExecutionState = "retry_scheduled"
	ExecutionFailedFinal    ExecutionState = "failed_final"
)

// ExecutionTrigger records what created an execution
type ExecutionTrigger string

const (
	TriggerSchedule ExecutionTrigger = "schedule"
	TriggerManual   ExecutionTrigger = "manual"
	TriggerRetry    ExecutionTrigger = "retry"
)

var transitions = map[ExecutionState][]ExecutionState{
	ExecutionQueued:         {ExecutionRunning, ExecutionCancelled, ExecutionFailed},
	ExecutionRunning:        {ExecutionSucceeded, ExecutionFailed, ExecutionCancelled},
	ExecutionFailed:         {ExecutionFailedFinal},
	ExecutionRetryScheduled: {ExecutionQueued, ExecutionCancelled},
}

// IsTerminal returns true if no transition leaves the state
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionSucceeded || s == ExecutionCancelled || s == ExecutionFailedFinal
}

// Active returns true for states that count against a schedule's concurrency limit
func (s ExecutionState) Active() bool {
	return s == ExecutionQueued || s == ExecutionRunning || s == ExecutionRetryScheduled
}

// Valid reports whether s is a known state
func (s ExecutionState) Valid() bool {
	switch s {
	case ExecutionQueued, ExecutionRunning, ExecutionSucceeded, ExecutionFailed,
		ExecutionCancelled, ExecutionRetryScheduled, ExecutionFailedFinal:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to ExecutionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a state machine edge does not exist
type InvalidTransitionError struct {
	ExecutionID string
	From        ExecutionState
	To          ExecutionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for execution %s: %s -> %s", e.ExecutionID, e.From, e.To)
}

// TaskExecution represents one dispatched attempt
type TaskExecution struct {
	ID             string           `json:"id"`
	ScheduleID     *string          `json:"schedule_id,omitempty"`
	DefinitionName string           `json:"definition_name"`
	Runner         string           `json:"runner"`
	Lane           string           `json:"lane"`
	Trigger        ExecutionTrigger `json:"trigger"`

	ChainID      string `json:"chain_id"`
	Attempt      int    `json:"attempt"`
	MaxRetries   int    `json:"max_retries"`
	SupersededBy string `json:"superseded_by,omitempty"`

	// Resolved backoff of the chain. Zero uses the engine default.
	RetryBaseDelay time.Duration `json:"retry_base_delay,omitempty"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay,omitempty"`

	State ExecutionState `json:"state"`

	// ScheduledFor is the fire time this execution consumed.
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	QueuedAt     time.Time  `json:"queued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	RetryAt      *time.Time `json:"retry_at,omitempty"`

	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`

	Params  Params          `json:"params"`
	Timeout time.Duration   `json:"timeout"`
	Handle  string          `json:"handle,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ExecutionError `json:"error,omitempty"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionError is the error payload captured on a failed attempt
type ExecutionError struct {
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Duration returns the run time of a finished execution
func (e *TaskExecution) Duration() (time.Duration, bool) {
	if e.StartedAt == nil || e.FinishedAt == nil {
		return 0, false
	}
	return e.FinishedAt.Sub(*e.StartedAt), true
}

// Settled reports whether the record can no longer change
func (e *TaskExecution) Settled() bool {
	return e.State.IsTerminal() || (e.State == ExecutionFailed && e.SupersededBy != "")
}

// ScheduleRef returns the schedule id or an empty string for ad-hoc runs
func (e *TaskExecution) ScheduleRef() string {
	if e.ScheduleID == nil {
		return ""
	}
	return *e.ScheduleID
}

// Error reasons recorded by the engine and its workers
const (
	ReasonTransport         = "transport_error"
	ReasonTaskFailed        = "task_failed"
	ReasonTimeout           = "timeout"
	ReasonCancelTimeout     = "cancellation_timeout"
	ReasonUnknownDefinition = "unknown_definition"
	ReasonUnknownRunner     = "unknown_runner"
	ReasonWorkerStopped     = "worker_stopped"
)
