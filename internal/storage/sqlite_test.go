package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/taskscheduler/internal/model"
)

func mockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLiteStore(zap.NewNop(), db), mock
}

func TestSQLiteStore_UpdateSchedule(t *testing.T) {
	ctx := context.Background()
	next := base.Add(time.Hour)

	t.Run("lost race reports a conflict", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectExec(`UPDATE scheduled_tasks SET`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT COUNT\(1\) FROM scheduled_tasks WHERE id = \?`).
			WithArgs("sched-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		st := &model.ScheduledTask{ID: "sched-1", Kind: model.ScheduleInterval, Payload: "60", NextFireAt: &next, Version: 3}
		err := s.UpdateSchedule(ctx, st)
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		assert.EqualValues(t, 3, st.Version)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row reports not found", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectExec(`UPDATE scheduled_tasks SET`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT COUNT\(1\) FROM scheduled_tasks`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		err := s.UpdateSchedule(ctx, &model.ScheduledTask{ID: "gone", Version: 1})
		assert.True(t, IsNotFound(err))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("success bumps the version", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectExec(`UPDATE scheduled_tasks SET`).WillReturnResult(sqlmock.NewResult(0, 1))

		st := &model.ScheduledTask{ID: "sched-1", Version: 3}
		require.NoError(t, s.UpdateSchedule(ctx, st))
		assert.EqualValues(t, 4, st.Version)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLiteStore_ConsumeFireRollsBackOnConflict(t *testing.T) {
	s, mock := mockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM task_executions`).
		WithArgs("sched-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO task_executions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE scheduled_tasks SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM scheduled_tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	next := base.Add(time.Hour)
	st := &model.ScheduledTask{ID: "sched-1", Name: "hourly", NextFireAt: &next, Version: 7}
	e := newExecution("sched-1", model.ExecutionQueued, base)

	inserted, err := s.ConsumeFire(ctx, st, e)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.False(t, inserted)
	assert.Nil(t, st.LastFireAt)
	assert.EqualValues(t, 7, st.Version)
	assert.Zero(t, e.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "scheduler.db")

	s, err := OpenSQLite(ctx, zaptest.NewLogger(t), path)
	require.NoError(t, err)
	seedDefinition(t, s)
	require.NoError(t, s.Close())

	// Migrations are recorded and not re-applied.
	s, err = OpenSQLite(ctx, zaptest.NewLogger(t), path)
	require.NoError(t, err)
	defer s.Close()

	defs, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}

func TestSQLiteStore_RecordFailureRollsBackOnInsertError(t *testing.T) {
	s, mock := mockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE task_executions SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_executions`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	failed := newExecution("sched-1", model.ExecutionFailed, base)
	failed.Version = 4
	retry := newExecution("sched-1", model.ExecutionRetryScheduled, base.Add(time.Minute))

	err := s.RecordFailure(ctx, failed, retry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Empty(t, failed.SupersededBy)
	assert.EqualValues(t, 4, failed.Version)
	assert.Zero(t, retry.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}
