// Package runner moves dispatched work to workers over NATS JetStream and
// carries their reports back to the scheduler.
package runner

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/model"
)

const (
	// TaskStreamName holds dispatches and reports; both are consumed once.
	TaskStreamName = "TASKS"
	// ControlStreamName holds cancel requests fanned out to every worker.
	ControlStreamName = "TASK_CONTROL"
	// MetricsStreamName holds worker heartbeats and published statistics.
	MetricsStreamName = "METRICS"

	dispatchPrefix = "task.dispatch."
	reportPrefix   = "task.report."
	cancelPrefix   = "task.cancel."

	// MetricsPrefix starts every subject of the metrics stream.
	MetricsPrefix = "metrics."

	// ReportSubjects matches every report.
	ReportSubjects = reportPrefix + "*"
	// CancelSubjects matches every cancel request.
	CancelSubjects = cancelPrefix + "*"

	streamMaxAge    = 24 * time.Hour
	controlMaxAge   = time.Hour
	metricsMaxAge   = 7 * 24 * time.Hour
	duplicateWindow = time.Hour
)

// DispatchSubject returns the subject workers of a lane consume
func DispatchSubject(lane string) string { return dispatchPrefix + lane }

// ReportSubject returns the subject a worker reports an execution on
func ReportSubject(executionID string) string { return reportPrefix + executionID }

// CancelSubject returns the subject a cancel request for an execution goes to
func CancelSubject(executionID string) string { return cancelPrefix + executionID }

// DispatchRequest is the unit of work handed to a worker
type DispatchRequest struct {
	ExecutionID  string        `json:"execution_id"`
	ChainID      string        `json:"chain_id"`
	Attempt      int           `json:"attempt"`
	Definition   string        `json:"definition"`
	Runner       string        `json:"runner"`
	Lane         string        `json:"lane"`
	Params       model.Params  `json:"params"`
	Timeout      time.Duration `json:"timeout"`
	DispatchedAt time.Time     `json:"dispatched_at"`
}

// ReportStatus is what a worker observed about an execution
type ReportStatus string

const (
	ReportStarted   ReportStatus = "started"
	ReportSucceeded ReportStatus = "succeeded"
	ReportFailed    ReportStatus = "failed"
	ReportCancelled ReportStatus = "cancelled"
)

// LogLine is task output captured by the worker
type LogLine struct {
	At       time.Time         `json:"at"`
	Severity model.LogSeverity `json:"severity"`
	Message  string            `json:"message"`
}

// Report is sent by a worker for each step of an execution
type Report struct {
	ExecutionID string          `json:"execution_id"`
	WorkerID    string          `json:"worker_id"`
	Status      ReportStatus    `json:"status"`
	At          time.Time       `json:"at"`
	Result      json.RawMessage `json:"result,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
	Logs        []LogLine       `json:"logs,omitempty"`
}

// CancelRequest asks the worker holding an execution to stop it
type CancelRequest struct {
	ExecutionID string    `json:"execution_id"`
	Handle      string    `json:"handle,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// EnsureStreams creates or updates the task, control and metrics streams
func EnsureStreams(js nats.JetStreamContext, logger *zap.Logger) error {
	streams := []*nats.StreamConfig{
		{
			Name:       TaskStreamName,
			Subjects:   []string{dispatchPrefix + ">", reportPrefix + ">"},
			Retention:  nats.WorkQueuePolicy,
			MaxAge:     streamMaxAge,
			MaxMsgs:    -1,
			MaxBytes:   -1,
			MaxMsgSize: 1 * 1024 * 1024,
			Storage:    nats.FileStorage,
			Replicas:   1,
			Duplicates: duplicateWindow,
		},
		{
			Name:      ControlStreamName,
			Subjects:  []string{cancelPrefix + ">"},
			Retention: nats.LimitsPolicy,
			MaxAge:    controlMaxAge,
			MaxMsgs:   -1,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      MetricsStreamName,
			Subjects:  []string{MetricsPrefix + ">"},
			Retention: nats.LimitsPolicy,
			MaxAge:    metricsMaxAge,
			MaxMsgs:   -1,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		info, err := js.StreamInfo(cfg.Name)
		if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
			return errors.Wrapf(err, "failed to get stream info %s", cfg.Name)
		}

		if info == nil {
			if _, err := js.AddStream(cfg); err != nil {
				return errors.Wrapf(err, "failed to create stream %s", cfg.Name)
			}
			logger.Info("Created stream", zap.String("name", cfg.Name))
			continue
		}

		update := info.Config
		update.Subjects = cfg.Subjects
		update.MaxAge = cfg.MaxAge
		update.Duplicates = cfg.Duplicates
		if _, err := js.UpdateStream(&update); err != nil {
			return errors.Wrapf(err, "failed to update stream %s", cfg.Name)
		}
		logger.Info("Updated stream", zap.String("name", cfg.Name))
	}
	return nil
}

// ConsumerName derives a durable consumer name from a lane
func ConsumerName(lane string) string {
	return "lane-" + lane
}
