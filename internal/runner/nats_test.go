package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/testutil"
)

func TestNATSRunner(t *testing.T) {
	js := testutil.SetupJetStream(t)

	r, err := NewNATSRunner(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Run("streams are created", func(t *testing.T) {
		stream, err := js.StreamInfo(TaskStreamName)
		require.NoError(t, err)
		assert.Equal(t, []string{"task.dispatch.>", "task.report.>"}, stream.Config.Subjects)

		control, err := js.StreamInfo(ControlStreamName)
		require.NoError(t, err)
		assert.Equal(t, []string{"task.cancel.>"}, control.Config.Subjects)

		metrics, err := js.StreamInfo(MetricsStreamName)
		require.NoError(t, err)
		assert.Equal(t, []string{"metrics.>"}, metrics.Config.Subjects)

		// A second runner reuses the existing streams.
		_, err = NewNATSRunner(js, zap.NewNop())
		require.NoError(t, err)
	})

	t.Run("dispatch reaches the lane", func(t *testing.T) {
		sub, err := js.SubscribeSync(DispatchSubject("maintenance"))
		require.NoError(t, err)
		defer sub.Unsubscribe()

		req := DispatchRequest{
			ExecutionID: "exec-1",
			ChainID:     "chain-1",
			Attempt:     1,
			Definition:  "cleanup-temp",
			Runner:      "file_cleanup",
			Lane:        "maintenance",
			Params:      model.Params{"dir": "/tmp"},
			Timeout:     time.Minute,
		}
		handle, err := r.Dispatch(context.Background(), req)
		require.NoError(t, err)
		assert.Contains(t, handle, TaskStreamName+"/")

		msg, err := sub.NextMsg(5 * time.Second)
		require.NoError(t, err)

		var got DispatchRequest
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, "/tmp", got.Params["dir"])
		assert.Equal(t, time.Minute, got.Timeout)
		require.NoError(t, msg.Ack())
	})

	t.Run("cancel is published on the control stream", func(t *testing.T) {
		sub, err := js.SubscribeSync(CancelSubjects)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, r.Cancel(context.Background(), "exec-2", "TASKS/7"))

		msg, err := sub.NextMsg(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, CancelSubject("exec-2"), msg.Subject)

		var got CancelRequest
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "TASKS/7", got.Handle)
	})

	t.Run("reports are redelivered until applied", func(t *testing.T) {
		received := make(chan Report, 4)
		attempts := 0
		sub, err := r.SubscribeReports(func(ctx context.Context, rep Report) error {
			attempts++
			if attempts == 1 {
				return assert.AnError
			}
			received <- rep
			return nil
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		err = PublishReport(context.Background(), js, Report{
			ExecutionID: "exec-3",
			Status:      ReportSucceeded,
			Result:      json.RawMessage(`{"removed":3}`),
			Logs:        []LogLine{{Severity: model.LogInfo, Message: "removed 3 files"}},
		})
		require.NoError(t, err)

		select {
		case rep := <-received:
			assert.Equal(t, "exec-3", rep.ExecutionID)
			assert.Equal(t, ReportSucceeded, rep.Status)
			assert.JSONEq(t, `{"removed":3}`, string(rep.Result))
			require.Len(t, rep.Logs, 1)
		case <-time.After(10 * time.Second):
			t.Fatal("report was not redelivered")
		}
		assert.Equal(t, 2, attempts)
	})
}

func TestLease(t *testing.T) {
	js := testutil.SetupJetStream(t)
	ctx := context.Background()

	a, err := NewLease(js, zap.NewNop(), "scheduler-lease", "instance-a", time.Minute)
	require.NoError(t, err)
	b, err := NewLease(js, zap.NewNop(), "scheduler-lease", "instance-b", time.Minute)
	require.NoError(t, err)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by a")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, a.Release())

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewLease(js, zap.NewNop(), "scheduler-lease", "instance-c", 0)
	assert.Error(t, err)
}
