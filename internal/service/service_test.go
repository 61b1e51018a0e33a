package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/taskscheduler/internal/catalog"
	"github.com/t77yq/taskscheduler/internal/clock"
	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/monitor"
	"github.com/t77yq/taskscheduler/internal/retry"
	"github.com/t77yq/taskscheduler/internal/runner"
	"github.com/t77yq/taskscheduler/internal/schedule"
	"github.com/t77yq/taskscheduler/internal/storage"
	"github.com/t77yq/taskscheduler/internal/tracker"
)

var t0 = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu         sync.Mutex
	err        error
	dispatched []runner.DispatchRequest
	cancelled  []string
}

func (f *fakeRunner) Dispatch(_ context.Context, req runner.DispatchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.dispatched = append(f.dispatched, req)
	return fmt.Sprintf("TASKS/%d", len(f.dispatched)), nil
}

func (f *fakeRunner) Cancel(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fixture struct {
	svc    *Service
	store  *storage.MemoryStore
	runner *fakeRunner
	clock  *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		store:  storage.NewMemoryStore(),
		runner: &fakeRunner{},
		clock:  clock.NewManual(t0),
	}
	rc := retry.NewController(retry.Policy{BaseDelay: time.Minute, MaxDelay: time.Hour, Jitter: 0.2}, 3)
	tr := tracker.New(logger, f.store, f.runner, rc, f.clock, tracker.Config{})
	cat := catalog.New(logger, f.store, f.clock, []string{"file_cleanup", "shell_command"})
	alerts := monitor.NewAlertManager(logger, f.store, f.clock, nil, monitor.AlertConfig{})
	f.svc = New(logger, f.store, cat, tr, alerts, f.clock, Config{
		Backlog:   schedule.BacklogClamp,
		Retention: Retention{Logs: 24 * time.Hour, Executions: 72 * time.Hour},
	})

	_, err := f.svc.CreateDefinition(context.Background(), &model.TaskDefinition{
		Name:          "cleanup-temp",
		Runner:        "file_cleanup",
		Category:      model.TaskCategoryCleanup,
		Lane:          "maintenance",
		DefaultParams: map[string]any{"dir": "/tmp", "older_than": "24h"},
		MaxRetries:    2,
		Timeout:       time.Minute,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) create(t *testing.T, name string, kind model.ScheduleKind, payload string, enabled bool) *model.ScheduledTask {
	t.Helper()
	s, err := f.svc.CreateSchedule(context.Background(), &model.ScheduledTask{
		Name:           name,
		DefinitionName: "cleanup-temp",
		Kind:           kind,
		Payload:        payload,
		Enabled:        enabled,
	})
	require.NoError(t, err)
	return s
}

func TestService_Definitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def, err := f.svc.GetDefinition(ctx, "cleanup-temp")
	require.NoError(t, err)
	assert.Equal(t, t0, def.CreatedAt)

	_, err = f.svc.CreateDefinition(ctx, &model.TaskDefinition{Name: "bad", Runner: "nope"})
	assert.True(t, errors.Is(err, catalog.ErrInvalidDefinition))

	_, err = f.svc.CreateDefinition(ctx, &model.TaskDefinition{Name: "cleanup-temp", Runner: "file_cleanup"})
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists))

	list, err := f.svc.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.svc.GetDefinition(ctx, "missing")
	assert.True(t, storage.IsNotFound(err))
}

func TestService_CreateSchedule(t *testing.T) {
	ctx := context.Background()

	t.Run("interval schedules fire at once", func(t *testing.T) {
		f := newFixture(t)
		s := f.create(t, "hourly", model.ScheduleInterval, "3600", true)
		assert.NotEmpty(t, s.ID)
		assert.Equal(t, 1, s.MaxConcurrentExecutions)
		require.NotNil(t, s.NextFireAt)
		assert.Equal(t, t0, *s.NextFireAt)

		stored, err := f.svc.GetSchedule(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "3600", stored.Payload)
	})

	t.Run("calendar schedules fire at the next occurrence", func(t *testing.T) {
		f := newFixture(t)
		s := f.create(t, "nightly", model.ScheduleDaily, "02:30", true)
		require.NotNil(t, s.NextFireAt)
		assert.Equal(t, time.Date(2026, time.March, 3, 2, 30, 0, 0, time.UTC), *s.NextFireAt)
	})

	t.Run("disabled schedules have no next fire", func(t *testing.T) {
		f := newFixture(t)
		s := f.create(t, "paused", model.ScheduleCron, "*/5 * * * *", false)
		assert.Nil(t, s.NextFireAt)
	})

	t.Run("rejections", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CreateSchedule(ctx, &model.ScheduledTask{
			Name: "bad", DefinitionName: "cleanup-temp", Kind: model.ScheduleCron, Payload: "61 * * * *",
		})
		assert.True(t, schedule.IsInvalidSchedule(err))

		_, err = f.svc.CreateSchedule(ctx, &model.ScheduledTask{
			Name: "orphan", DefinitionName: "missing", Kind: model.ScheduleInterval, Payload: "60",
		})
		assert.True(t, errors.Is(err, ErrValidation))

		_, err = f.svc.CreateSchedule(ctx, &model.ScheduledTask{
			DefinitionName: "cleanup-temp", Kind: model.ScheduleInterval, Payload: "60",
		})
		assert.True(t, errors.Is(err, ErrValidation))

		f.create(t, "dup", model.ScheduleInterval, "60", true)
		_, err = f.svc.CreateSchedule(ctx, &model.ScheduledTask{
			Name: "dup", DefinitionName: "cleanup-temp", Kind: model.ScheduleInterval, Payload: "60",
		})
		assert.True(t, errors.Is(err, storage.ErrAlreadyExists))
	})
}

// Scenario C: a once schedule at t=100 is disabled at t=50 and re-enabled at
// t=200; it never fires retroactively.
func TestService_OnceNeverFiresRetroactively(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fireAt := t0.Add(100 * time.Second)

	s := f.create(t, "one-shot", model.ScheduleOnce, fireAt.Format(time.RFC3339), true)
	require.NotNil(t, s.NextFireAt)
	assert.Equal(t, fireAt, *s.NextFireAt)

	f.clock.Set(t0.Add(50 * time.Second))
	s, err := f.svc.DisableSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, s.Enabled)
	assert.Nil(t, s.NextFireAt)

	f.clock.Set(t0.Add(200 * time.Second))
	s, err = f.svc.EnableSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, s.Enabled)
	assert.Nil(t, s.NextFireAt)

	next, err := f.svc.NextFires(ctx, s.ID, 3)
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestService_EnableClampsBacklog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "hourly", model.ScheduleInterval, "3600", false)

	s.LastFireAt = ptr(t0.Add(-10 * time.Hour))
	require.NoError(t, f.store.UpdateSchedule(ctx, s))

	enabled, err := f.svc.EnableSchedule(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, enabled.NextFireAt)
	assert.Equal(t, t0, *enabled.NextFireAt, "the backlog collapses into one fire now")

	again, err := f.svc.EnableSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, enabled.Version, again.Version, "enabling twice is a no-op")

	next, err := f.svc.NextFires(ctx, s.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour)}, next)
}

func TestService_Trigger(t *testing.T) {
	ctx := context.Background()

	t.Run("schedule trigger counts toward the limit", func(t *testing.T) {
		f := newFixture(t)
		s := f.create(t, "hourly", model.ScheduleInterval, "3600", true)

		e, err := f.svc.TriggerSchedule(ctx, s.ID, map[string]any{"dir": "/var/tmp"})
		require.NoError(t, err)
		assert.Equal(t, model.TriggerManual, e.Trigger)
		assert.Equal(t, s.ID, e.ScheduleRef())
		assert.Equal(t, "/var/tmp", e.Params["dir"])
		assert.Equal(t, "24h", e.Params["older_than"])
		assert.NotEmpty(t, e.Handle)

		_, err = f.svc.TriggerSchedule(ctx, s.ID, nil)
		assert.True(t, errors.Is(err, storage.ErrConcurrencyLimit))

		stored, err := f.svc.GetSchedule(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, t0, *stored.NextFireAt, "a manual run leaves the time rule alone")
	})

	t.Run("ad-hoc definition run", func(t *testing.T) {
		f := newFixture(t)
		e, err := f.svc.TriggerDefinition(ctx, "cleanup-temp", nil)
		require.NoError(t, err)
		assert.Nil(t, e.ScheduleID)
		assert.Equal(t, model.ExecutionQueued, e.State)
		require.Len(t, f.runner.dispatched, 1)
		assert.Equal(t, "maintenance", f.runner.dispatched[0].Lane)

		detail, err := f.svc.GetExecution(ctx, e.ID)
		require.NoError(t, err)
		require.NotEmpty(t, detail.Logs)
		assert.Contains(t, detail.Logs[0].Message, "Dispatched to lane maintenance")

		_, err = f.svc.TriggerDefinition(ctx, "missing", nil)
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("transport failure is recorded", func(t *testing.T) {
		f := newFixture(t)
		f.runner.err = errors.New("nats: no responders")
		e, err := f.svc.TriggerDefinition(ctx, "cleanup-temp", nil)
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionFailed, e.State)
		require.NotNil(t, e.Error)
		assert.Equal(t, model.ReasonTransport, e.Error.Reason)
		assert.NotEmpty(t, e.SupersededBy)
	})
}

func TestService_Executions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "hourly", model.ScheduleInterval, "3600", true)

	e, err := f.svc.TriggerSchedule(ctx, s.ID, nil)
	require.NoError(t, err)

	list, err := f.svc.ListExecutions(ctx, ExecutionQuery{ScheduleID: s.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = f.svc.ListExecutions(ctx, ExecutionQuery{States: []model.ExecutionState{"bogus"}})
	assert.True(t, errors.Is(err, ErrValidation))

	cancelled, err := f.svc.CancelExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, cancelled.State)
	assert.Equal(t, []string{e.ID}, f.runner.cancelled)

	_, err = f.svc.CancelExecution(ctx, e.ID)
	var invalid *model.InvalidTransitionError
	assert.True(t, errors.As(err, &invalid))

	_, err = f.svc.GetExecution(ctx, "missing")
	assert.True(t, storage.IsNotFound(err))
}

func TestService_Stats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.TriggerDefinition(ctx, "cleanup-temp", nil)
	require.NoError(t, err)
	e.State = model.ExecutionSucceeded
	e.StartedAt = ptr(t0)
	e.FinishedAt = ptr(t0.Add(5 * time.Second))
	require.NoError(t, f.store.UpdateExecution(ctx, e))
	f.clock.Advance(time.Minute)

	r, err := f.svc.Stats(ctx, StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Overall.Total)
	assert.Equal(t, 5*time.Second, r.Overall.P50)
	assert.Equal(t, 5*time.Second, r.Overall.Mean)

	_, err = f.svc.Stats(ctx, StatsQuery{From: t0, To: t0})
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = f.svc.Stats(ctx, StatsQuery{From: t0, To: t0.Add(24 * time.Hour), Bucket: time.Second})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestService_Prune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.TriggerDefinition(ctx, "cleanup-temp", nil)
	require.NoError(t, err)
	_, err = f.svc.CancelExecution(ctx, e.ID)
	require.NoError(t, err)

	res, err := f.svc.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Executions)

	f.clock.Advance(73 * time.Hour)
	res, err = f.svc.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Executions)
	assert.Positive(t, res.Logs)
}

func TestService_Alerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateAlert(ctx, &model.TaskAlert{
		ID:          "alert-1",
		Kind:        model.AlertMissedRun,
		Severity:    model.AlertSeverityWarning,
		SubjectType: model.SubjectSchedule,
		SubjectID:   "sched-1",
		State:       model.AlertOpen,
		OpenedAt:    t0,
	}))

	list, err := f.svc.ListAlerts(ctx, model.AlertOpen, "", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	a, err := f.svc.AcknowledgeAlert(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, model.AlertAcknowledged, a.State)

	sum, err := f.svc.AlertSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Acknowledged[model.AlertSeverityWarning])

	a, err = f.svc.ResolveAlert(ctx, "alert-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", a.ResolvedBy)

	_, err = f.svc.ResolveAlert(ctx, "alert-1", "bob")
	assert.True(t, errors.Is(err, monitor.ErrAlertState))
}

func TestPreview(t *testing.T) {
	times, err := Preview(model.ScheduleWeekly, "mon,fri 09:00", "", t0, 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2026, time.March, 6, 9, 0, 0, 0, time.UTC),
		time.Date(2026, time.March, 9, 9, 0, 0, 0, time.UTC),
	}, times)

	_, err = Preview(model.ScheduleInterval, "0", "", t0, 3)
	assert.True(t, schedule.IsInvalidSchedule(err))
}

func ptr(t time.Time) *time.Time { return &t }
