package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/taskscheduler/internal/clock"
	"github.com/t77yq/taskscheduler/internal/model"
)

// Scenario D: next_fire_at passes with a 120s grace and no execution
// appears; at T+130s exactly one open missed_run alert exists.
func TestMissedRunDetector_MissedRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.addSchedule(t, "hourly", at(t0))

	f.clock.Set(t0.Add(120 * time.Second))
	missed, err := f.detector.Detect(ctx)
	require.NoError(t, err)
	assert.Zero(t, missed, "still inside the grace window")
	assert.Nil(t, f.active(t, model.AlertMissedRun, s.ID))

	f.clock.Set(t0.Add(130 * time.Second))
	missed, err = f.detector.Detect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, missed)

	list := f.alertsOf(t, model.AlertMissedRun)
	require.Len(t, list, 1)
	assert.Equal(t, model.AlertOpen, list[0].State)
	assert.Equal(t, s.ID, list[0].SubjectID)
	assert.Equal(t, model.SubjectSchedule, list[0].SubjectType)

	got, err := f.store.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Reevaluate, "the schedule is flagged for re-evaluation")

	t.Run("a second pass opens no duplicate", func(t *testing.T) {
		f.clock.Advance(time.Minute)
		_, err := f.detector.Detect(ctx)
		require.NoError(t, err)
		assert.Len(t, f.alertsOf(t, model.AlertMissedRun), 1)
	})

	t.Run("a late execution resolves the alert", func(t *testing.T) {
		id := s.ID
		late := f.clock.Now()
		require.NoError(t, f.store.CreateExecution(ctx, &model.TaskExecution{
			ID:             "late",
			ScheduleID:     &id,
			DefinitionName: s.DefinitionName,
			Trigger:        model.TriggerSchedule,
			ChainID:        "late",
			Attempt:        1,
			State:          model.ExecutionQueued,
			ScheduledFor:   at(t0),
			QueuedAt:       late,
		}))

		_, err := f.detector.Detect(ctx)
		require.NoError(t, err)
		assert.Nil(t, f.active(t, model.AlertMissedRun, s.ID))

		_, err = f.detector.Detect(ctx)
		require.NoError(t, err)
		list := f.alertsOf(t, model.AlertMissedRun)
		require.Len(t, list, 1, "the alert is not reopened")
		assert.Equal(t, model.AlertResolved, list[0].State)
	})
}

func TestMissedRunDetector_Ignores(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled schedules", func(t *testing.T) {
		f := newFixture(t)
		s := f.addSchedule(t, "off", at(t0))
		s.Enabled = false
		require.NoError(t, f.store.UpdateSchedule(ctx, s))

		f.clock.Advance(time.Hour)
		missed, err := f.detector.Detect(ctx)
		require.NoError(t, err)
		assert.Zero(t, missed)
	})

	t.Run("schedules without a next fire", func(t *testing.T) {
		f := newFixture(t)
		f.addSchedule(t, "done", nil)

		f.clock.Advance(time.Hour)
		missed, err := f.detector.Detect(ctx)
		require.NoError(t, err)
		assert.Zero(t, missed)
	})

	t.Run("negative grace counts as zero", func(t *testing.T) {
		f := newFixture(t)
		d := NewMissedRunDetector(zaptest.NewLogger(t), f.store, f.alerts, clock.NewManual(t0.Add(time.Nanosecond)), -time.Minute)
		f.addSchedule(t, "hourly", at(t0))

		missed, err := d.Detect(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, missed)
	})
}
