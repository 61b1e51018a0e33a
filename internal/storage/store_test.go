package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/taskscheduler/internal/model"
)

var base = time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(context.Background(), zaptest.NewLogger(t), ":memory:")
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func seedDefinition(t *testing.T, s Store) *model.TaskDefinition {
	t.Helper()
	def := &model.TaskDefinition{
		Name:          "cleanup-temp",
		Runner:        "file_cleanup",
		Category:      model.TaskCategoryCleanup,
		Lane:          model.DefaultLane,
		DefaultParams: map[string]any{"path": "/tmp", "nested": map[string]any{"a": 1.0}},
		MaxRetries:    2,
		Timeout:       time.Minute,
		CreatedAt:     base,
	}
	require.NoError(t, s.CreateDefinition(context.Background(), def))
	return def
}

func seedSchedule(t *testing.T, s Store, name string, priority int, next time.Time) *model.ScheduledTask {
	t.Helper()
	st := &model.ScheduledTask{
		ID:                      uuid.New().String(),
		Name:                    name,
		DefinitionName:          "cleanup-temp",
		Kind:                    model.ScheduleInterval,
		Payload:                 "3600",
		Priority:                priority,
		Enabled:                 true,
		MaxConcurrentExecutions: 1,
		NextFireAt:              &next,
		CreatedAt:               base,
		UpdatedAt:               base,
	}
	require.NoError(t, s.CreateSchedule(context.Background(), st))
	return st
}

func newExecution(scheduleID string, state model.ExecutionState, queued time.Time) *model.TaskExecution {
	id := uuid.New().String()
	e := &model.TaskExecution{
		ID:             id,
		DefinitionName: "cleanup-temp",
		Runner:         "file_cleanup",
		Lane:           model.DefaultLane,
		Trigger:        model.TriggerSchedule,
		ChainID:        id,
		Attempt:        1,
		MaxRetries:     2,
		State:          state,
		QueuedAt:       queued,
		Params:         model.Params{"path": "/tmp"},
		Timeout:        time.Minute,
		UpdatedAt:      queued,
	}
	if scheduleID != "" {
		e.ScheduleID = &scheduleID
		e.ScheduledFor = &queued
	}
	return e
}

func TestStore_Definitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		def := seedDefinition(t, s)

		err := s.CreateDefinition(ctx, def)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		got, err := s.GetDefinition(ctx, def.Name)
		require.NoError(t, err)
		assert.Equal(t, def.Runner, got.Runner)
		assert.Equal(t, time.Minute, got.Timeout)
		assert.Equal(t, "/tmp", got.DefaultParams["path"])

		_, err = s.GetDefinition(ctx, "missing")
		assert.True(t, IsNotFound(err))

		defs, err := s.ListDefinitions(ctx)
		require.NoError(t, err)
		assert.Len(t, defs, 1)
	})
}

func TestStore_Schedules(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedDefinition(t, s)

		t.Run("unknown definition is rejected", func(t *testing.T) {
			st := &model.ScheduledTask{
				ID: uuid.New().String(), Name: "orphan", DefinitionName: "nope",
				Kind: model.ScheduleInterval, Payload: "60", CreatedAt: base, UpdatedAt: base,
			}
			err := s.CreateSchedule(ctx, st)
			assert.True(t, IsNotFound(err))
		})

		b := seedSchedule(t, s, "b", 1, base)
		a := seedSchedule(t, s, "a", 1, base.Add(-time.Minute))
		c := seedSchedule(t, s, "c", 0, base)
		future := seedSchedule(t, s, "future", 0, base.Add(time.Hour))
		assert.EqualValues(t, 1, a.Version)

		t.Run("due schedules are ordered by priority then name", func(t *testing.T) {
			due, err := s.ListDueSchedules(ctx, base)
			require.NoError(t, err)
			require.Len(t, due, 3)
			assert.Equal(t, []string{c.ID, a.ID, b.ID}, []string{due[0].ID, due[1].ID, due[2].ID})
		})

		t.Run("reevaluate flag makes a schedule due", func(t *testing.T) {
			future.Reevaluate = true
			require.NoError(t, s.UpdateSchedule(ctx, future))
			due, err := s.ListDueSchedules(ctx, base)
			require.NoError(t, err)
			assert.Len(t, due, 4)
		})

		t.Run("disabled schedules are never due", func(t *testing.T) {
			b.Enabled = false
			require.NoError(t, s.UpdateSchedule(ctx, b))
			due, err := s.ListDueSchedules(ctx, base)
			require.NoError(t, err)
			for _, d := range due {
				assert.NotEqual(t, b.ID, d.ID)
			}
		})

		t.Run("stale version conflicts", func(t *testing.T) {
			stale, err := s.GetSchedule(ctx, a.ID)
			require.NoError(t, err)

			a.Priority = 5
			require.NoError(t, s.UpdateSchedule(ctx, a))

			stale.Priority = 9
			err = s.UpdateSchedule(ctx, stale)
			assert.ErrorIs(t, err, ErrConcurrencyConflict)

			got, err := s.GetSchedule(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, 5, got.Priority)
			assert.Equal(t, a.Version, got.Version)
		})
	})
}

func TestStore_ConsumeFire(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedDefinition(t, s)
		st := seedSchedule(t, s, "hourly", 0, base)

		next := base.Add(time.Hour)
		st.NextFireAt = &next
		e1 := newExecution(st.ID, model.ExecutionQueued, base)

		inserted, err := s.ConsumeFire(ctx, st, e1)
		require.NoError(t, err)
		assert.True(t, inserted)
		require.NotNil(t, st.LastFireAt)
		assert.True(t, st.LastFireAt.Equal(base))
		assert.EqualValues(t, 2, st.Version)

		// The first execution is still active so the second fire is skipped.
		later := base.Add(2 * time.Hour)
		st.NextFireAt = &later
		e2 := newExecution(st.ID, model.ExecutionQueued, next)

		inserted, err = s.ConsumeFire(ctx, st, e2)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, 1, st.SkipCount)

		_, err = s.GetExecution(ctx, e2.ID)
		assert.True(t, IsNotFound(err))

		got, err := s.GetSchedule(ctx, st.ID)
		require.NoError(t, err)
		assert.True(t, got.NextFireAt.Equal(later))
		assert.True(t, got.LastFireAt.Equal(base))

		t.Run("stale schedule inserts nothing", func(t *testing.T) {
			stale := *st
			stale.Version--
			e3 := newExecution(st.ID, model.ExecutionQueued, later)
			_, err := s.ConsumeFire(ctx, &stale, e3)
			assert.ErrorIs(t, err, ErrConcurrencyConflict)

			_, err = s.GetExecution(ctx, e3.ID)
			assert.True(t, IsNotFound(err))
		})
	})
}

func TestStore_Executions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedDefinition(t, s)
		st := seedSchedule(t, s, "hourly", 0, base)

		e := newExecution(st.ID, model.ExecutionQueued, base)
		require.NoError(t, s.CreateExecutionIfBelowLimit(ctx, e, 1))

		t.Run("limit is enforced", func(t *testing.T) {
			other := newExecution(st.ID, model.ExecutionQueued, base.Add(time.Second))
			err := s.CreateExecutionIfBelowLimit(ctx, other, 1)
			assert.ErrorIs(t, err, ErrConcurrencyLimit)

			n, err := s.CountActiveExecutions(ctx, st.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})

		t.Run("round trip", func(t *testing.T) {
			got, err := s.GetExecution(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, model.ExecutionQueued, got.State)
			assert.Equal(t, st.ID, got.ScheduleRef())
			assert.Equal(t, "/tmp", got.Params["path"])
			assert.True(t, got.QueuedAt.Equal(base))
			assert.Nil(t, got.Error)
		})

		t.Run("update then settle", func(t *testing.T) {
			started := base.Add(time.Second)
			e.State = model.ExecutionRunning
			e.StartedAt = &started
			require.NoError(t, s.UpdateExecution(ctx, e))

			finished := base.Add(6 * time.Second)
			e.State = model.ExecutionSucceeded
			e.FinishedAt = &finished
			e.Result = []byte(`{"removed":3}`)
			require.NoError(t, s.UpdateExecution(ctx, e))

			e.State = model.ExecutionRunning
			err := s.UpdateExecution(ctx, e)
			assert.ErrorIs(t, err, ErrImmutable)

			got, err := s.GetExecution(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, model.ExecutionSucceeded, got.State)
			assert.JSONEq(t, `{"removed":3}`, string(got.Result))
			d, ok := got.Duration()
			require.True(t, ok)
			assert.Equal(t, 5*time.Second, d)
		})

		t.Run("retry chain", func(t *testing.T) {
			failed := newExecution(st.ID, model.ExecutionRunning, base.Add(time.Hour))
			require.NoError(t, s.CreateExecution(ctx, failed))

			failed.State = model.ExecutionFailed
			failed.Error = &model.ExecutionError{Reason: model.ReasonTaskFailed, Message: "boom", Retryable: true}

			retryAt := base.Add(time.Hour + time.Minute)
			retry := newExecution(st.ID, model.ExecutionRetryScheduled, retryAt)
			retry.ChainID = failed.ChainID
			retry.Attempt = 2
			retry.Trigger = model.TriggerRetry
			retry.RetryAt = &retryAt

			stale := *failed
			require.NoError(t, s.RecordFailure(ctx, failed, retry))
			assert.Equal(t, retry.ID, failed.SupersededBy)
			assert.EqualValues(t, 2, failed.Version)
			assert.EqualValues(t, 1, retry.Version)

			// The chain still holds one active slot.
			active, err := s.CountActiveExecutions(ctx, st.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, active)

			other := newExecution(st.ID, model.ExecutionRetryScheduled, retryAt)
			assert.ErrorIs(t, s.RecordFailure(ctx, &stale, other), ErrImmutable)
			_, err = s.GetExecution(ctx, other.ID)
			assert.True(t, IsNotFound(err))

			chain, err := s.ListExecutions(ctx, ExecutionFilter{ChainID: failed.ChainID})
			require.NoError(t, err)
			require.Len(t, chain, 2)
			assert.Equal(t, 2, chain[0].Attempt)
			assert.Equal(t, "boom", chain[1].Error.Message)

			// A superseded failure is settled.
			failed.State = model.ExecutionFailedFinal
			assert.ErrorIs(t, s.UpdateExecution(ctx, failed), ErrImmutable)

			due, err := s.ListExecutions(ctx, ExecutionFilter{
				States:     []model.ExecutionState{model.ExecutionRetryScheduled},
				RetryDueBy: &retryAt,
			})
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, retry.ID, due[0].ID)
		})

		t.Run("filters", func(t *testing.T) {
			from := base.Add(30 * time.Minute)
			list, err := s.ListExecutions(ctx, ExecutionFilter{ScheduleID: st.ID, ScheduledFrom: &from})
			require.NoError(t, err)
			assert.Len(t, list, 2)

			to := base.Add(time.Minute)
			list, err = s.ListExecutions(ctx, ExecutionFilter{FinishedFrom: &base, FinishedTo: &to})
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, e.ID, list[0].ID)

			list, err = s.ListExecutions(ctx, ExecutionFilter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})

		t.Run("stale version conflicts", func(t *testing.T) {
			x := newExecution("", model.ExecutionQueued, base)
			require.NoError(t, s.CreateExecution(ctx, x))

			stale := *x
			x.State = model.ExecutionRunning
			require.NoError(t, s.UpdateExecution(ctx, x))

			stale.State = model.ExecutionCancelled
			assert.ErrorIs(t, s.UpdateExecution(ctx, &stale), ErrConcurrencyConflict)
		})
	})
}

func TestStore_Logs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, msg := range []string{"queued", "running", "succeeded"} {
			l := &model.TaskLog{
				ExecutionID: "exec-1",
				Timestamp:   base.Add(time.Duration(i) * time.Second),
				Severity:    model.LogInfo,
				Message:     msg,
			}
			require.NoError(t, s.AppendLog(ctx, l))
			assert.NotZero(t, l.ID)
		}

		logs, err := s.ListLogs(ctx, "exec-1")
		require.NoError(t, err)
		require.Len(t, logs, 3)
		assert.Equal(t, "queued", logs[0].Message)
		assert.Equal(t, "succeeded", logs[2].Message)
		assert.Less(t, logs[0].ID, logs[1].ID)
	})
}

func TestStore_Alerts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alert := &model.TaskAlert{
			ID:          uuid.New().String(),
			Kind:        model.AlertMissedRun,
			Severity:    model.AlertSeverityWarning,
			SubjectType: model.SubjectSchedule,
			SubjectID:   "sched-1",
			Message:     "missed",
			State:       model.AlertOpen,
			Data:        map[string]any{"fire_at": base.Format(time.RFC3339)},
			OpenedAt:    base,
		}
		require.NoError(t, s.CreateAlert(ctx, alert))

		dup := *alert
		dup.ID = uuid.New().String()
		assert.ErrorIs(t, s.CreateAlert(ctx, &dup), ErrDuplicateAlert)

		other := dup
		other.Kind = model.AlertStaleSchedule
		require.NoError(t, s.CreateAlert(ctx, &other))

		found, err := s.FindActiveAlert(ctx, model.AlertMissedRun, "sched-1")
		require.NoError(t, err)
		assert.Equal(t, alert.ID, found.ID)
		assert.Equal(t, base.Format(time.RFC3339), found.Data["fire_at"])

		resolvedAt := base.Add(time.Minute)
		alert.State = model.AlertResolved
		alert.ResolvedAt = &resolvedAt
		alert.ResolvedBy = "auto"
		require.NoError(t, s.UpdateAlert(ctx, alert))

		_, err = s.FindActiveAlert(ctx, model.AlertMissedRun, "sched-1")
		assert.True(t, IsNotFound(err))

		// Once resolved the same kind may open again.
		again := dup
		again.ID = uuid.New().String()
		require.NoError(t, s.CreateAlert(ctx, &again))

		open, err := s.ListAlerts(ctx, AlertFilter{State: model.AlertOpen})
		require.NoError(t, err)
		assert.Len(t, open, 2)

		missed, err := s.ListAlerts(ctx, AlertFilter{Kind: model.AlertMissedRun})
		require.NoError(t, err)
		assert.Len(t, missed, 2)
	})
}

func TestStore_Prune(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		old := newExecution("", model.ExecutionSucceeded, base.Add(-48*time.Hour))
		oldFinished := base.Add(-47 * time.Hour)
		old.FinishedAt = &oldFinished
		require.NoError(t, s.CreateExecution(ctx, old))

		running := newExecution("", model.ExecutionRunning, base.Add(-48*time.Hour))
		require.NoError(t, s.CreateExecution(ctx, running))

		for _, l := range []*model.TaskLog{
			{ExecutionID: old.ID, Timestamp: base.Add(-47 * time.Hour), Severity: model.LogInfo, Message: "done"},
			{ExecutionID: running.ID, Timestamp: base.Add(-47 * time.Hour), Severity: model.LogInfo, Message: "old line"},
			{ExecutionID: running.ID, Timestamp: base.Add(-time.Hour), Severity: model.LogInfo, Message: "recent line"},
		} {
			require.NoError(t, s.AppendLog(ctx, l))
		}

		res, err := s.Prune(ctx, base.Add(-24*time.Hour), base.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, res.Executions)
		assert.EqualValues(t, 2, res.Logs)

		_, err = s.GetExecution(ctx, old.ID)
		assert.True(t, IsNotFound(err))

		_, err = s.GetExecution(ctx, running.ID)
		require.NoError(t, err)

		logs, err := s.ListLogs(ctx, running.ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "recent line", logs[0].Message)
	})
}
