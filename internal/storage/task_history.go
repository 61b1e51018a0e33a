package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/model"
)

const executionColumns = `id, schedule_id, definition_name, runner, lane, trigger_kind, chain_id,
	attempt, max_retries, superseded_by, state, scheduled_for, queued_at, started_at, finished_at,
	retry_at, cancel_requested_at, params, timeout, handle, result, error, version, updated_at,
	retry_base_delay, retry_max_delay`

const activeStates = `('queued', 'running', 'retry_scheduled')`

const settledCondition = `(state IN ('succeeded', 'cancelled', 'failed_final')
	OR (state = 'failed' AND superseded_by <> ''))`

func scanExecution(row scanner) (*model.TaskExecution, error) {
	var (
		e                               model.TaskExecution
		scheduleID                      sql.NullString
		scheduledFor, started, finished sql.NullInt64
		retryAt, cancelRequested        sql.NullInt64
		queued, timeout, updated        int64
		baseDelay, maxDelay             int64
		params, result, errPayload      sql.NullString
	)
	if err := row.Scan(&e.ID, &scheduleID, &e.DefinitionName, &e.Runner, &e.Lane, &e.Trigger, &e.ChainID,
		&e.Attempt, &e.MaxRetries, &e.SupersededBy, &e.State, &scheduledFor, &queued, &started, &finished,
		&retryAt, &cancelRequested, &params, &timeout, &e.Handle, &result, &errPayload,
		&e.Version, &updated, &baseDelay, &maxDelay); err != nil {
		return nil, err
	}

	if scheduleID.Valid {
		id := scheduleID.String
		e.ScheduleID = &id
	}
	e.ScheduledFor = timePtr(scheduledFor)
	e.QueuedAt = fromNanos(queued)
	e.StartedAt = timePtr(started)
	e.FinishedAt = timePtr(finished)
	e.RetryAt = timePtr(retryAt)
	e.CancelRequestedAt = timePtr(cancelRequested)
	e.Timeout = time.Duration(timeout)
	e.UpdatedAt = fromNanos(updated)
	e.RetryBaseDelay = time.Duration(baseDelay)
	e.RetryMaxDelay = time.Duration(maxDelay)

	if err := decodeJSON(params, &e.Params); err != nil {
		return nil, err
	}
	if result.Valid && result.String != "" {
		e.Result = json.RawMessage(result.String)
	}
	if errPayload.Valid && errPayload.String != "" {
		e.Error = &model.ExecutionError{}
		if err := decodeJSON(errPayload, e.Error); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func executionArgs(e *model.TaskExecution) ([]any, error) {
	params, err := encodeJSON(e.Params)
	if err != nil {
		return nil, err
	}
	errPayload, err := encodeJSON(e.Error)
	if err != nil {
		return nil, err
	}
	var scheduleID sql.NullString
	if e.ScheduleID != nil {
		scheduleID = sql.NullString{String: *e.ScheduleID, Valid: true}
	}
	var result sql.NullString
	if len(e.Result) > 0 {
		result = sql.NullString{String: string(e.Result), Valid: true}
	}

	return []any{
		scheduleID, e.DefinitionName, e.Runner, e.Lane, e.Trigger, e.ChainID,
		e.Attempt, e.MaxRetries, e.SupersededBy, e.State, nullNanos(e.ScheduledFor), nanos(e.QueuedAt),
		nullNanos(e.StartedAt), nullNanos(e.FinishedAt), nullNanos(e.RetryAt), nullNanos(e.CancelRequestedAt),
		params, int64(e.Timeout), e.Handle, result, errPayload,
	}, nil
}

func insertExecution(ctx context.Context, q querier, e *model.TaskExecution) error {
	args, err := executionArgs(e)
	if err != nil {
		return err
	}
	e.Version = 1
	args = append([]any{e.ID}, args...)
	args = append(args, e.Version, nanos(e.UpdatedAt), int64(e.RetryBaseDelay), int64(e.RetryMaxDelay))

	_, err = q.ExecContext(ctx, `
		INSERT INTO task_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		e.Version = 0
		if isUniqueViolation(err) {
			return errors.Wrapf(ErrAlreadyExists, "execution %s", e.ID)
		}
		return errors.Wrap(err, "failed to store execution")
	}
	return nil
}

func countActive(ctx context.Context, q querier, scheduleID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM task_executions WHERE schedule_id = ? AND state IN `+activeStates,
		scheduleID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active executions")
	}
	return n, nil
}

// CreateExecution implements Store.CreateExecution
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.TaskExecution) error {
	return insertExecution(ctx, s.db, e)
}

// CreateExecutionIfBelowLimit implements Store.CreateExecutionIfBelowLimit
func (s *SQLiteStore) CreateExecutionIfBelowLimit(ctx context.Context, e *model.TaskExecution, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	if e.ScheduleID != nil {
		active, err := countActive(ctx, tx, *e.ScheduleID)
		if err != nil {
			return err
		}
		if active >= limit {
			return errors.Wrapf(ErrConcurrencyLimit, "schedule %s has %d active executions", *e.ScheduleID, active)
		}
	}
	if err := insertExecution(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		e.Version = 0
		return errors.Wrap(err, "commit execution")
	}
	return nil
}

// RecordFailure implements Store.RecordFailure
func (s *SQLiteStore) RecordFailure(ctx context.Context, e, retry *model.TaskExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	settled := *e
	if retry != nil {
		settled.SupersededBy = retry.ID
	}
	if err := updateExecution(ctx, tx, &settled); err != nil {
		return err
	}
	if retry != nil {
		if err := insertExecution(ctx, tx, retry); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		if retry != nil {
			retry.Version = 0
		}
		return errors.Wrap(err, "commit failure")
	}
	*e = settled
	return nil
}

// GetExecution implements Store.GetExecution
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.TaskExecution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM task_executions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "execution %s", id)
		}
		return nil, errors.Wrap(err, "failed to scan execution")
	}
	return e, nil
}

// UpdateExecution implements Store.UpdateExecution
func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *model.TaskExecution) error {
	return updateExecution(ctx, s.db, e)
}

func updateExecution(ctx context.Context, q querier, e *model.TaskExecution) error {
	args, err := executionArgs(e)
	if err != nil {
		return err
	}
	args = append(args, int64(e.RetryBaseDelay), int64(e.RetryMaxDelay), nanos(e.UpdatedAt), e.ID, e.Version)

	res, err := q.ExecContext(ctx, `
		UPDATE task_executions SET
			schedule_id = ?, definition_name = ?, runner = ?, lane = ?, trigger_kind = ?, chain_id = ?,
			attempt = ?, max_retries = ?, superseded_by = ?, state = ?, scheduled_for = ?, queued_at = ?,
			started_at = ?, finished_at = ?, retry_at = ?, cancel_requested_at = ?,
			params = ?, timeout = ?, handle = ?, result = ?, error = ?,
			retry_base_delay = ?, retry_max_delay = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND NOT `+settledCondition, args...)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get affected rows")
	}
	if affected == 0 {
		return classifyExecutionMiss(ctx, q, e)
	}
	e.Version++
	return nil
}

func classifyExecutionMiss(ctx context.Context, q querier, e *model.TaskExecution) error {
	var (
		state      model.ExecutionState
		superseded string
		version    int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT state, superseded_by, version FROM task_executions WHERE id = ?`, e.ID).
		Scan(&state, &superseded, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "execution %s", e.ID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to check execution")
	}
	if state.IsTerminal() || (state == model.ExecutionFailed && superseded != "") {
		return errors.Wrapf(ErrImmutable, "execution %s is %s", e.ID, state)
	}
	return errors.Wrapf(ErrConcurrencyConflict, "execution %s at version %d, have %d", e.ID, version, e.Version)
}

// ListExecutions implements Store.ListExecutions
func (s *SQLiteStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*model.TaskExecution, error) {
	var (
		where []string
		args  []any
	)
	if f.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.DefinitionName != "" {
		where = append(where, "definition_name = ?")
		args = append(args, f.DefinitionName)
	}
	if f.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, f.ChainID)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if f.ScheduledFrom != nil {
		where = append(where, "scheduled_for >= ?")
		args = append(args, nanos(*f.ScheduledFrom))
	}
	if f.FinishedFrom != nil {
		where = append(where, "finished_at >= ?")
		args = append(args, nanos(*f.FinishedFrom))
	}
	if f.FinishedTo != nil {
		where = append(where, "finished_at < ?")
		args = append(args, nanos(*f.FinishedTo))
	}
	if f.RetryDueBy != nil {
		where = append(where, "retry_at <= ?")
		args = append(args, nanos(*f.RetryDueBy))
	}
	if f.CancelRequestedBy != nil {
		where = append(where, "cancel_requested_at <= ?")
		args = append(args, nanos(*f.CancelRequestedBy))
	}

	query := `SELECT ` + executionColumns + ` FROM task_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY queued_at DESC, attempt DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var out []*model.TaskExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "error during row iteration")
}

// CountActiveExecutions implements Store.CountActiveExecutions
func (s *SQLiteStore) CountActiveExecutions(ctx context.Context, scheduleID string) (int, error) {
	return countActive(ctx, s.db, scheduleID)
}

// AppendLog implements Store.AppendLog
func (s *SQLiteStore) AppendLog(ctx context.Context, l *model.TaskLog) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (execution_id, ts, severity, message) VALUES (?, ?, ?, ?)`,
		l.ExecutionID, nanos(l.Timestamp), l.Severity, l.Message)
	if err != nil {
		return errors.Wrap(err, "failed to store task log")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read log id")
	}
	l.ID = id
	return nil
}

// ListLogs implements Store.ListLogs
func (s *SQLiteStore) ListLogs(ctx context.Context, executionID string) ([]*model.TaskLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, ts, severity, message FROM task_logs
		WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list task logs")
	}
	defer rows.Close()

	var logs []*model.TaskLog
	for rows.Next() {
		var (
			l  model.TaskLog
			ts int64
		)
		if err := rows.Scan(&l.ID, &l.ExecutionID, &ts, &l.Severity, &l.Message); err != nil {
			return nil, errors.Wrap(err, "failed to scan task log")
		}
		l.Timestamp = fromNanos(ts)
		logs = append(logs, &l)
	}
	return logs, errors.Wrap(rows.Err(), "error during row iteration")
}

// Prune implements Store.Prune
func (s *SQLiteStore) Prune(ctx context.Context, logsBefore, executionsBefore time.Time) (PruneResult, error) {
	var result PruneResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	expired := `SELECT id FROM task_executions
		WHERE ` + settledCondition + ` AND COALESCE(finished_at, updated_at) < ?`

	res, err := tx.ExecContext(ctx, `
		DELETE FROM task_logs WHERE ts < ? OR execution_id IN (`+expired+`)`,
		nanos(logsBefore), nanos(executionsBefore))
	if err != nil {
		return result, errors.Wrap(err, "failed to delete task logs")
	}
	if result.Logs, err = res.RowsAffected(); err != nil {
		return result, errors.Wrap(err, "failed to get affected rows")
	}

	res, err = tx.ExecContext(ctx, `
		DELETE FROM task_executions WHERE id IN (`+expired+`)`, nanos(executionsBefore))
	if err != nil {
		return result, errors.Wrap(err, "failed to delete executions")
	}
	if result.Executions, err = res.RowsAffected(); err != nil {
		return result, errors.Wrap(err, "failed to get affected rows")
	}

	if err := tx.Commit(); err != nil {
		return PruneResult{}, errors.Wrap(err, "commit prune")
	}

	s.logger.Info("Pruned execution history",
		zap.Time("logs_before", logsBefore),
		zap.Time("executions_before", executionsBefore),
		zap.Int64("logs", result.Logs),
		zap.Int64("executions", result.Executions))

	return result, nil
}
