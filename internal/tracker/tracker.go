// Package tracker enforces the execution state machine. Every transition is
// version checked against the store and leaves a TaskLog entry behind.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/clock"
	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/retry"
	"github.com/t77yq/taskscheduler/internal/runner"
	"github.com/t77yq/taskscheduler/internal/storage"
)

const maxConflictRetries = 3

// Runner is the capability that moves executions to workers
type Runner interface {
	Dispatch(ctx context.Context, req runner.DispatchRequest) (string, error)
	Cancel(ctx context.Context, executionID, handle string) error
}

// Config tunes the tracker's sweeps
type Config struct {
	// CancelTimeout bounds how long a running execution may ignore a cancel request.
	CancelTimeout time.Duration
	// TimeoutGrace is added to an execution's timeout before it counts as expired.
	TimeoutGrace time.Duration
	// RedispatchAfter resends queued executions that never got a handle.
	RedispatchAfter time.Duration
	// StoreTimeout bounds each operation's store and runner calls.
	StoreTimeout time.Duration
}

// Tracker owns every state change of an execution
type Tracker struct {
	logger *zap.Logger
	store  storage.Store
	runner Runner
	retry  *retry.Controller
	clock  clock.Clock
	cfg    Config
}

// New creates a tracker
func New(logger *zap.Logger, store storage.Store, r Runner, rc *retry.Controller, clk clock.Clock, cfg Config) *Tracker {
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 2 * time.Minute
	}
	if cfg.TimeoutGrace <= 0 {
		cfg.TimeoutGrace = 30 * time.Second
	}
	if cfg.RedispatchAfter <= 0 {
		cfg.RedispatchAfter = 5 * time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Tracker{
		logger: logger.Named("tracker"),
		store:  store,
		runner: r,
		retry:  rc,
		clock:  clk,
		cfg:    cfg,
	}
}

func (t *Tracker) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.cfg.StoreTimeout)
}

// Dispatch hands a queued execution to the runner and records its handle.
// A transport failure fails the execution, which may spawn a retry, and the
// TransportError is returned after it has been recorded.
func (t *Tracker) Dispatch(ctx context.Context, e *model.TaskExecution) error {
	ctx, cancel := t.opContext(ctx)
	defer cancel()

	req := runner.DispatchRequest{
		ExecutionID:  e.ID,
		ChainID:      e.ChainID,
		Attempt:      e.Attempt,
		Definition:   e.DefinitionName,
		Runner:       e.Runner,
		Lane:         e.Lane,
		Params:       e.Params,
		Timeout:      e.Timeout,
		DispatchedAt: t.clock.Now(),
	}

	handle, err := t.runner.Dispatch(ctx, req)
	if err != nil {
		transportErr := &TransportError{Err: err}
		t.logger.Warn("Dispatch failed",
			zap.String("execution_id", e.ID),
			zap.String("lane", e.Lane),
			zap.Error(err))
		if _, ferr := t.fail(ctx, e.ID, transportErr, time.Time{}, model.ExecutionQueued); ferr != nil && !IsInvalidTransition(ferr) {
			return errors.CombineErrors(transportErr, ferr)
		}
		return transportErr
	}

	_, err = t.modify(ctx, e.ID, func(rec *model.TaskExecution) { rec.Handle = handle },
		model.ExecutionQueued, model.ExecutionRunning)
	if err != nil && !IsInvalidTransition(err) {
		return errors.Wrapf(err, "record handle of %s", e.ID)
	}

	t.appendLog(ctx, e.ID, time.Time{}, model.LogInfo,
		fmt.Sprintf("Dispatched to lane %s (attempt %d, handle %s)", e.Lane, e.Attempt, handle))
	t.logger.Info("Execution dispatched",
		zap.String("execution_id", e.ID),
		zap.String("definition", e.DefinitionName),
		zap.String("lane", e.Lane),
		zap.Int("attempt", e.Attempt))
	return nil
}

// Start moves a queued execution to running
func (t *Tracker) Start(ctx context.Context, id string, at time.Time) (*model.TaskExecution, error) {
	return t.transition(ctx, id, model.ExecutionRunning, "", func(e *model.TaskExecution, now time.Time) {
		started := orNow(at, now)
		e.StartedAt = &started
	}, model.ExecutionQueued)
}

// Succeed records a successful run. A queued execution whose start report
// was missed passes through running first.
func (t *Tracker) Succeed(ctx context.Context, id string, result json.RawMessage, at time.Time) (*model.TaskExecution, error) {
	e, err := t.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.State == model.ExecutionQueued {
		if _, err := t.Start(ctx, id, at); err != nil && !IsInvalidTransition(err) {
			return nil, err
		}
	}

	return t.transition(ctx, id, model.ExecutionSucceeded, "", func(e *model.TaskExecution, now time.Time) {
		finished := orNow(at, now)
		e.FinishedAt = &finished
		e.Result = result
	}, model.ExecutionRunning)
}

// Fail records a failed queued or running execution and settles it: either
// a retry is scheduled in the same chain or the execution becomes
// failed_final. The failure and its settlement are stored in one write, so
// the chain never holds an unsettled failure. It returns the record that
// ends the operation, the new retry attempt or the final failure.
func (t *Tracker) Fail(ctx context.Context, id string, cause error, at time.Time) (*model.TaskExecution, error) {
	return t.fail(ctx, id, cause, at, model.ExecutionQueued, model.ExecutionRunning)
}

func (t *Tracker) fail(ctx context.Context, id string, cause error, at time.Time, from ...model.ExecutionState) (*model.TaskExecution, error) {
	execErr := classify(cause)

	for i := 0; i < maxConflictRetries; i++ {
		e, err := t.store.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}

		prev := e.State
		if e.Settled() || !model.CanTransition(prev, model.ExecutionFailed) || !stateIn(prev, from) {
			return nil, &model.InvalidTransitionError{ExecutionID: id, From: prev, To: model.ExecutionFailed}
		}

		now := t.clock.Now()
		finished := orNow(at, now)
		e.State = model.ExecutionFailed
		e.FinishedAt = &finished
		e.Error = execErr
		e.UpdatedAt = now

		decision := t.retry.Decide(e, t.retry.PolicyFor(e))
		var next *model.TaskExecution
		if decision.Retry {
			next = retryOf(e, now, now.Add(decision.After))
		} else {
			e.State = model.ExecutionFailedFinal
		}

		err = t.store.RecordFailure(ctx, e, next)
		if err == nil {
			t.appendLog(ctx, id, now, model.LogError,
				fmt.Sprintf("%s -> %s: %s: %s", prev, model.ExecutionFailed, execErr.Reason, execErr.Message))
			t.logger.Warn("Execution failed",
				zap.String("execution_id", id),
				zap.String("reason", execErr.Reason),
				zap.Bool("retryable", execErr.Retryable),
				zap.Int("attempt", e.Attempt))

			if next == nil {
				t.appendLog(ctx, id, now, model.LogError,
					fmt.Sprintf("%s -> %s: %s", model.ExecutionFailed, model.ExecutionFailedFinal, decision.Reason))
				t.logger.Warn("Execution failed permanently",
					zap.String("execution_id", id),
					zap.String("chain_id", e.ChainID),
					zap.String("reason", decision.Reason))
				return e, nil
			}

			t.appendLog(ctx, id, now, model.LogInfo,
				fmt.Sprintf("Retry %s scheduled for %s", next.ID, next.RetryAt.Format(time.RFC3339)))
			t.appendLog(ctx, next.ID, now, model.LogInfo,
				fmt.Sprintf("Attempt %d of chain %s retries %s", next.Attempt, next.ChainID, id))
			t.logger.Info("Retry scheduled",
				zap.String("execution_id", next.ID),
				zap.String("chain_id", next.ChainID),
				zap.Int("attempt", next.Attempt),
				zap.Duration("after", decision.After))
			return next, nil
		}
		if !errors.Is(err, storage.ErrConcurrencyConflict) && !errors.Is(err, storage.ErrImmutable) {
			return nil, errors.Wrapf(err, "record failure of %s", id)
		}
	}
	return nil, errors.Wrapf(storage.ErrConcurrencyConflict, "record failure of %s", id)
}

// retryOf builds the next attempt of e's chain, due at retryAt
func retryOf(e *model.TaskExecution, now, retryAt time.Time) *model.TaskExecution {
	return &model.TaskExecution{
		ID:             uuid.NewString(),
		ScheduleID:     e.ScheduleID,
		DefinitionName: e.DefinitionName,
		Runner:         e.Runner,
		Lane:           e.Lane,
		Trigger:        model.TriggerRetry,
		ChainID:        e.ChainID,
		Attempt:        e.Attempt + 1,
		MaxRetries:     e.MaxRetries,
		RetryBaseDelay: e.RetryBaseDelay,
		RetryMaxDelay:  e.RetryMaxDelay,
		State:          model.ExecutionRetryScheduled,
		ScheduledFor:   e.ScheduledFor,
		QueuedAt:       now,
		RetryAt:        &retryAt,
		Params:         e.Params.Clone(),
		Timeout:        e.Timeout,
		UpdatedAt:      now,
	}
}

// ConfirmCancelled records that the runner stopped or skipped an execution
func (t *Tracker) ConfirmCancelled(ctx context.Context, id string, at time.Time) (*model.TaskExecution, error) {
	return t.transition(ctx, id, model.ExecutionCancelled, "confirmed by runner", func(e *model.TaskExecution, now time.Time) {
		finished := orNow(at, now)
		e.FinishedAt = &finished
	}, model.ExecutionQueued, model.ExecutionRunning)
}

// HandleReport applies a worker report. Reports that no longer fit the
// execution's state, such as redelivered duplicates, are logged and dropped.
func (t *Tracker) HandleReport(ctx context.Context, rep runner.Report) error {
	ctx, cancel := t.opContext(ctx)
	defer cancel()

	var err error
	switch rep.Status {
	case runner.ReportStarted:
		_, err = t.Start(ctx, rep.ExecutionID, rep.At)
	case runner.ReportSucceeded:
		_, err = t.Succeed(ctx, rep.ExecutionID, rep.Result, rep.At)
	case runner.ReportFailed:
		_, err = t.Fail(ctx, rep.ExecutionID, &TaskRunnerError{
			Reason:    rep.Reason,
			Message:   rep.Error,
			Retryable: rep.Retryable,
		}, rep.At)
	case runner.ReportCancelled:
		_, err = t.ConfirmCancelled(ctx, rep.ExecutionID, rep.At)
	default:
		t.logger.Warn("Unknown report status",
			zap.String("execution_id", rep.ExecutionID),
			zap.String("status", string(rep.Status)))
		return nil
	}

	switch {
	case err == nil:
	case storage.IsNotFound(err):
		t.logger.Warn("Report for unknown execution", zap.String("execution_id", rep.ExecutionID))
		return nil
	case IsInvalidTransition(err):
		t.logger.Warn("Ignoring stale report",
			zap.String("execution_id", rep.ExecutionID),
			zap.String("status", string(rep.Status)),
			zap.String("worker_id", rep.WorkerID),
			zap.Error(err))
	default:
		return err
	}

	for _, line := range rep.Logs {
		t.appendLog(ctx, rep.ExecutionID, line.At, line.Severity, line.Message)
	}
	return nil
}

// Cancel cancels a queued or retry_scheduled execution at once. A running
// execution only records the request and asks the runner to stop it; the
// runner's confirmation or the cancellation sweep settles it.
func (t *Tracker) Cancel(ctx context.Context, id string) (*model.TaskExecution, error) {
	ctx, cancel := t.opContext(ctx)
	defer cancel()

	for i := 0; i < maxConflictRetries; i++ {
		e, err := t.store.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}

		switch e.State {
		case model.ExecutionQueued, model.ExecutionRetryScheduled:
			cancelled, err := t.transition(ctx, id, model.ExecutionCancelled, "cancelled by operator",
				func(rec *model.TaskExecution, now time.Time) {
					rec.CancelRequestedAt = &now
					rec.FinishedAt = &now
				}, e.State)
			if IsInvalidTransition(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if cancelled.Handle != "" {
				if err := t.runner.Cancel(ctx, id, cancelled.Handle); err != nil {
					t.logger.Warn("Failed to notify runner of cancellation", zap.String("execution_id", id), zap.Error(err))
				}
			}
			t.logger.Info("Execution cancelled", zap.String("execution_id", id))
			return cancelled, nil

		case model.ExecutionRunning:
			if e.CancelRequestedAt != nil {
				return e, nil
			}
			requested, err := t.modify(ctx, id, func(rec *model.TaskExecution) {
				now := t.clock.Now()
				rec.CancelRequestedAt = &now
			}, model.ExecutionRunning)
			if IsInvalidTransition(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			t.appendLog(ctx, id, time.Time{}, model.LogWarning, "Cancellation requested")
			if err := t.runner.Cancel(ctx, id, requested.Handle); err != nil {
				t.logger.Warn("Failed to send cancel request", zap.String("execution_id", id), zap.Error(err))
				t.appendLog(ctx, id, time.Time{}, model.LogWarning, "Cancel request not delivered: "+err.Error())
			}
			return requested, nil

		default:
			return nil, &model.InvalidTransitionError{ExecutionID: id, From: e.State, To: model.ExecutionCancelled}
		}
	}
	return nil, errors.Wrapf(storage.ErrConcurrencyConflict, "cancel %s", id)
}

// SweepCancellations fails running executions whose cancel request was not
// confirmed within the cancel timeout. The failure is not retried.
func (t *Tracker) SweepCancellations(ctx context.Context) (int, error) {
	cutoff := t.clock.Now().Add(-t.cfg.CancelTimeout)
	list, err := t.list(ctx, storage.ExecutionFilter{
		States:            []model.ExecutionState{model.ExecutionRunning},
		CancelRequestedBy: &cutoff,
	})
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, e := range list {
		cause := &TaskRunnerError{
			Reason:  model.ReasonCancelTimeout,
			Message: fmt.Sprintf("runner did not confirm cancellation within %s", t.cfg.CancelTimeout),
		}
		if t.sweepOne(ctx, e, cause) {
			swept++
		}
	}
	return swept, nil
}

// SweepExpired fails running executions that outlived their timeout plus
// grace. The failure is retryable.
func (t *Tracker) SweepExpired(ctx context.Context) (int, error) {
	now := t.clock.Now()
	list, err := t.list(ctx, storage.ExecutionFilter{
		States: []model.ExecutionState{model.ExecutionRunning},
	})
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, e := range list {
		if e.Timeout <= 0 || e.StartedAt == nil {
			continue
		}
		deadline := e.StartedAt.Add(e.Timeout + t.cfg.TimeoutGrace)
		if !now.After(deadline) {
			continue
		}
		cause := &TaskRunnerError{
			Reason:    model.ReasonTimeout,
			Message:   fmt.Sprintf("no result within %s", e.Timeout),
			Retryable: true,
		}
		if t.sweepOne(ctx, e, cause) {
			swept++
			t.notifyCancel(ctx, e)
		}
	}
	return swept, nil
}

// RedispatchStranded resends queued executions that never reached the
// runner, e.g. after a crash between creation and dispatch. The execution id
// is the dispatch message id, so a resend the broker already holds is
// dropped as a duplicate.
func (t *Tracker) RedispatchStranded(ctx context.Context) (int, error) {
	cutoff := t.clock.Now().Add(-t.cfg.RedispatchAfter)
	list, err := t.list(ctx, storage.ExecutionFilter{
		States: []model.ExecutionState{model.ExecutionQueued},
	})
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, e := range list {
		if e.Handle != "" || e.QueuedAt.After(cutoff) {
			continue
		}
		t.logger.Info("Redispatching stranded execution", zap.String("execution_id", e.ID))
		if err := t.Dispatch(ctx, e); err != nil {
			t.logger.Warn("Redispatch failed", zap.String("execution_id", e.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

// DispatchDueRetries queues and dispatches retry attempts whose retry time
// has come, oldest first.
func (t *Tracker) DispatchDueRetries(ctx context.Context) (int, error) {
	now := t.clock.Now()
	list, err := t.list(ctx, storage.ExecutionFilter{
		States:     []model.ExecutionState{model.ExecutionRetryScheduled},
		RetryDueBy: &now,
	})
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for i := len(list) - 1; i >= 0; i-- {
		if t.dispatchRetry(ctx, list[i]) {
			dispatched++
		}
	}
	return dispatched, nil
}

func (t *Tracker) dispatchRetry(ctx context.Context, e *model.TaskExecution) bool {
	ctx, cancel := t.opContext(ctx)
	defer cancel()

	queued, err := t.transition(ctx, e.ID, model.ExecutionQueued, "retry due", func(rec *model.TaskExecution, now time.Time) {
		rec.QueuedAt = now
	}, model.ExecutionRetryScheduled)
	if err != nil {
		if !IsInvalidTransition(err) {
			t.logger.Error("Failed to queue retry", zap.String("execution_id", e.ID), zap.Error(err))
		}
		return false
	}

	if err := t.Dispatch(ctx, queued); err != nil {
		t.logger.Warn("Retry dispatch failed", zap.String("execution_id", e.ID), zap.Error(err))
	}
	return true
}

func (t *Tracker) sweepOne(ctx context.Context, e *model.TaskExecution, cause *TaskRunnerError) bool {
	ctx, cancel := t.opContext(ctx)
	defer cancel()

	_, err := t.fail(ctx, e.ID, cause, time.Time{}, model.ExecutionRunning)
	if err != nil {
		if !IsInvalidTransition(err) {
			t.logger.Error("Sweep failed", zap.String("execution_id", e.ID), zap.String("reason", cause.Reason), zap.Error(err))
		}
		return false
	}
	t.logger.Warn("Execution swept", zap.String("execution_id", e.ID), zap.String("reason", cause.Reason))
	return true
}

func (t *Tracker) notifyCancel(ctx context.Context, e *model.TaskExecution) {
	ctx, cancel := t.opContext(ctx)
	defer cancel()

	if err := t.runner.Cancel(ctx, e.ID, e.Handle); err != nil {
		t.logger.Warn("Failed to cancel expired execution", zap.String("execution_id", e.ID), zap.Error(err))
	}
}

func (t *Tracker) list(ctx context.Context, f storage.ExecutionFilter) ([]*model.TaskExecution, error) {
	ctx, cancel := t.opContext(ctx)
	defer cancel()

	return t.store.ListExecutions(ctx, f)
}

// transition moves execution id to state to. from restricts the accepted
// source states; when empty any legal edge is accepted. Lost optimistic
// races reload the record and try again.
func (t *Tracker) transition(
	ctx context.Context,
	id string,
	to model.ExecutionState,
	note string,
	mutate func(e *model.TaskExecution, now time.Time),
	from ...model.ExecutionState,
) (*model.TaskExecution, error) {
	for i := 0; i < maxConflictRetries; i++ {
		e, err := t.store.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}

		prev := e.State
		if e.Settled() || !model.CanTransition(prev, to) || !stateIn(prev, from) {
			return nil, &model.InvalidTransitionError{ExecutionID: id, From: prev, To: to}
		}

		now := t.clock.Now()
		e.State = to
		e.UpdatedAt = now
		if mutate != nil {
			mutate(e, now)
		}

		err = t.store.UpdateExecution(ctx, e)
		if err == nil {
			msg := fmt.Sprintf("%s -> %s", prev, to)
			if note != "" {
				msg += ": " + note
			}
			t.appendLog(ctx, id, now, severityOf(to), msg)
			t.logger.Debug("Execution transitioned",
				zap.String("execution_id", id),
				zap.String("from", string(prev)),
				zap.String("to", string(to)))
			return e, nil
		}
		if !errors.Is(err, storage.ErrConcurrencyConflict) && !errors.Is(err, storage.ErrImmutable) {
			return nil, errors.Wrapf(err, "transition %s to %s", id, to)
		}
	}
	return nil, errors.Wrapf(storage.ErrConcurrencyConflict, "transition %s to %s", id, to)
}

// modify changes an execution without moving its state. The execution must
// be in one of the given states.
func (t *Tracker) modify(ctx context.Context, id string, mutate func(e *model.TaskExecution), states ...model.ExecutionState) (*model.TaskExecution, error) {
	for i := 0; i < maxConflictRetries; i++ {
		e, err := t.store.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.Settled() || !stateIn(e.State, states) {
			return nil, &model.InvalidTransitionError{ExecutionID: id, From: e.State, To: e.State}
		}

		mutate(e)
		e.UpdatedAt = t.clock.Now()

		err = t.store.UpdateExecution(ctx, e)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, storage.ErrConcurrencyConflict) && !errors.Is(err, storage.ErrImmutable) {
			return nil, errors.Wrapf(err, "update %s", id)
		}
	}
	return nil, errors.Wrapf(storage.ErrConcurrencyConflict, "update %s", id)
}

func (t *Tracker) appendLog(ctx context.Context, id string, at time.Time, severity model.LogSeverity, msg string) {
	if severity == "" {
		severity = model.LogInfo
	}
	l := &model.TaskLog{
		ExecutionID: id,
		Timestamp:   orNow(at, t.clock.Now()),
		Severity:    severity,
		Message:     msg,
	}
	if err := t.store.AppendLog(ctx, l); err != nil {
		t.logger.Error("Failed to append task log", zap.String("execution_id", id), zap.Error(err))
	}
}

func severityOf(s model.ExecutionState) model.LogSeverity {
	switch s {
	case model.ExecutionFailed, model.ExecutionFailedFinal:
		return model.LogError
	case model.ExecutionCancelled:
		return model.LogWarning
	default:
		return model.LogInfo
	}
}

func stateIn(s model.ExecutionState, states []model.ExecutionState) bool {
	if len(states) == 0 {
		return true
	}
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

func orNow(at, now time.Time) time.Time {
	if at.IsZero() {
		return now
	}
	return at.UTC()
}
