// Package storage holds the durable store used by the scheduling engine.
package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/t77yq/taskscheduler/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a unique key is taken
	ErrAlreadyExists = errors.New("already exists")
	// ErrConcurrencyConflict is returned when an optimistic version check loses a race
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrConcurrencyLimit is returned when a schedule already has its maximum of active executions
	ErrConcurrencyLimit = errors.New("concurrency limit reached")
	// ErrDuplicateAlert is returned when an active alert of the same kind exists for the subject
	ErrDuplicateAlert = errors.New("active alert already exists")
	// ErrImmutable is returned when updating a settled execution
	ErrImmutable = errors.New("record is immutable")
)

// ExecutionFilter narrows ListExecutions. Zero fields do not filter.
type ExecutionFilter struct {
	ScheduleID     string
	DefinitionName string
	ChainID        string
	States         []model.ExecutionState

	// ScheduledFrom keeps executions with scheduled_for >= the value.
	ScheduledFrom *time.Time
	// FinishedFrom and FinishedTo bound finished_at as [from, to).
	FinishedFrom *time.Time
	FinishedTo   *time.Time
	// RetryDueBy keeps executions with retry_at <= the value.
	RetryDueBy *time.Time
	// CancelRequestedBy keeps executions with cancel_requested_at <= the value.
	CancelRequestedBy *time.Time

	Limit int
}

// AlertFilter narrows ListAlerts. Zero fields do not filter.
type AlertFilter struct {
	State     model.AlertState
	Kind      model.AlertKind
	SubjectID string
	Limit     int
}

// PruneResult reports how many rows a retention pass removed
type PruneResult struct {
	Logs       int64 `json:"logs"`
	Executions int64 `json:"executions"`
}

// Store is the durable store of the engine. Every update of a schedule,
// execution or alert is version checked and fails with
// ErrConcurrencyConflict when the stored version moved on; a successful
// update increments the version on the passed record.
type Store interface {
	CreateDefinition(ctx context.Context, def *model.TaskDefinition) error
	GetDefinition(ctx context.Context, name string) (*model.TaskDefinition, error)
	ListDefinitions(ctx context.Context) ([]*model.TaskDefinition, error)

	CreateSchedule(ctx context.Context, s *model.ScheduledTask) error
	GetSchedule(ctx context.Context, id string) (*model.ScheduledTask, error)
	ListSchedules(ctx context.Context) ([]*model.ScheduledTask, error)
	// ListDueSchedules returns enabled schedules with next_fire_at <= now or
	// a pending re-evaluation, ordered by priority then name.
	ListDueSchedules(ctx context.Context, now time.Time) ([]*model.ScheduledTask, error)
	UpdateSchedule(ctx context.Context, s *model.ScheduledTask) error
	// ConsumeFire persists s, which already carries its new next fire time,
	// and inserts e when the schedule is below its concurrency limit. When e
	// is inserted s.LastFireAt becomes e.ScheduledFor; otherwise s.SkipCount
	// is incremented. Both writes share one transaction and the schedule
	// update is version checked. It reports whether e was inserted.
	ConsumeFire(ctx context.Context, s *model.ScheduledTask, e *model.TaskExecution) (bool, error)

	CreateExecution(ctx context.Context, e *model.TaskExecution) error
	// CreateExecutionIfBelowLimit inserts e only if its schedule has fewer
	// than limit active executions. The count and insert are atomic.
	CreateExecutionIfBelowLimit(ctx context.Context, e *model.TaskExecution, limit int) error
	// RecordFailure persists e, which carries its failed or failed_final
	// state, and inserts retry when it is not nil, setting e.SupersededBy to
	// the retry's id. Both writes share one transaction and e is version
	// checked, so a failure is never stored without its settlement.
	RecordFailure(ctx context.Context, e, retry *model.TaskExecution) error
	GetExecution(ctx context.Context, id string) (*model.TaskExecution, error)
	UpdateExecution(ctx context.Context, e *model.TaskExecution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*model.TaskExecution, error)
	CountActiveExecutions(ctx context.Context, scheduleID string) (int, error)

	AppendLog(ctx context.Context, l *model.TaskLog) error
	ListLogs(ctx context.Context, executionID string) ([]*model.TaskLog, error)

	CreateAlert(ctx context.Context, a *model.TaskAlert) error
	GetAlert(ctx context.Context, id string) (*model.TaskAlert, error)
	UpdateAlert(ctx context.Context, a *model.TaskAlert) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*model.TaskAlert, error)
	// FindActiveAlert returns the open or acknowledged alert of kind for the subject.
	FindActiveAlert(ctx context.Context, kind model.AlertKind, subjectID string) (*model.TaskAlert, error)

	// Prune removes logs older than logsBefore and settled executions (with
	// their logs) finished before executionsBefore.
	Prune(ctx context.Context, logsBefore, executionsBefore time.Time) (PruneResult, error)

	Close() error
}

// IsNotFound reports whether err is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
