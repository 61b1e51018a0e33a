package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/testutil"
)

func TestMetricsCollector(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	f := newFixture(t)
	ctx := context.Background()
	s := f.addSchedule(t, "hourly", at(t0.Add(time.Hour)))
	f.addRun(t, s, model.ExecutionSucceeded, t0.Add(-2*time.Hour), 10*time.Second)
	f.addRun(t, s, model.ExecutionFailedFinal, t0.Add(-time.Hour), 20*time.Second)
	f.addRun(t, s, model.ExecutionSucceeded, t0.Add(-48*time.Hour), time.Second)

	collector, err := NewMetricsCollector(js, f.store, f.clock, 24*time.Hour, zaptest.NewLogger(t))
	require.NoError(t, err)

	metrics, err := collector.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.Overall.Total, "runs outside the window are ignored")
	require.Len(t, metrics.Schedules, 1)
	assert.InDelta(t, 0.5, metrics.Schedules[0].SuccessRate, 1e-9)

	msgs, err := testutil.ConsumeMessages(js, ScheduleMetricsSubject, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var published ScheduleMetrics
	require.NoError(t, json.Unmarshal(msgs[0], &published))
	assert.Equal(t, t0, published.Timestamp.UTC())
	assert.Equal(t, 24*time.Hour, published.Window)
	require.Len(t, published.Schedules, 1)
	assert.Equal(t, s.ID, published.Schedules[0].ScheduleID)
	assert.Equal(t, 1, published.Schedules[0].Succeeded)
	assert.Equal(t, 1, published.Schedules[0].Failed)

	t.Run("stream is reused", func(t *testing.T) {
		_, err := NewMetricsCollector(js, f.store, f.clock, 0, zaptest.NewLogger(t))
		require.NoError(t, err)
		info, err := js.StreamInfo(MetricsStreamName)
		require.NoError(t, err)
		assert.Equal(t, []string{"metrics.>"}, info.Config.Subjects)
	})
}

func TestNATSNotifier(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	notifier, err := NewNATSNotifier(js, zaptest.NewLogger(t), 0)
	require.NoError(t, err)

	f := newFixture(t)
	f.alerts.notifier = notifier
	ctx := context.Background()

	a, _, err := f.alerts.Open(ctx, &model.TaskAlert{
		Kind:        model.AlertMissedRun,
		Severity:    model.AlertSeverityWarning,
		SubjectType: model.SubjectSchedule,
		SubjectID:   "sched-hourly",
		Message:     "missed",
	})
	require.NoError(t, err)
	_, err = f.alerts.Resolve(ctx, a.ID, "alice")
	require.NoError(t, err)

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, notifier.Flush(flushCtx))

	msgs, err := testutil.ConsumeMessages(js, "alert.>", time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var first, second AlertEvent
	require.NoError(t, json.Unmarshal(msgs[0], &first))
	require.NoError(t, json.Unmarshal(msgs[1], &second))
	assert.Equal(t, EventOpened, first.Type)
	assert.Equal(t, a.ID, first.Alert.ID)
	assert.Equal(t, model.AlertOpen, first.Alert.State)
	assert.Equal(t, EventResolved, second.Type)
	assert.Equal(t, "alice", second.Alert.ResolvedBy)

	t.Run("events over the rate are dropped", func(t *testing.T) {
		throttled, err := NewNATSNotifier(js, zaptest.NewLogger(t), 1)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			throttled.Notify(ctx, AlertEvent{Type: EventOpened, At: t0, Alert: &model.TaskAlert{ID: "burst", Kind: model.AlertStaleSchedule}})
		}
		require.NoError(t, throttled.Flush(flushCtx))

		msgs, err := testutil.ConsumeMessages(js, AlertSubject(string(model.AlertStaleSchedule)), time.Second)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})
}

func TestMonitor_RunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.addSchedule(t, "hourly", at(t0))
	f.clock.Set(t0.Add(5 * time.Minute))

	m := New(zaptest.NewLogger(t), f.detector, f.alerts, nil, time.Minute)
	require.NoError(t, m.RunOnce(ctx))
	assert.NotNil(t, f.active(t, model.AlertMissedRun, s.ID))

	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx))
	m.Stop()
	m.Stop()
}
