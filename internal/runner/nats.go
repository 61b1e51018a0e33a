package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	reportConsumer   = "scheduler-reports"
	reportAckWait    = 30 * time.Second
	reportMaxDeliver = 10
	reportTimeout    = 10 * time.Second
	reportRetryDelay = time.Second
)

// ReportHandler applies a worker report. Returning an error asks for
// redelivery.
type ReportHandler func(ctx context.Context, rep Report) error

// NATSRunner hands executions to workers through JetStream
type NATSRunner struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSRunner creates a runner and makes sure its streams exist
func NewNATSRunner(js nats.JetStreamContext, logger *zap.Logger) (*NATSRunner, error) {
	r := &NATSRunner{
		js:     js,
		logger: logger.Named("nats-runner"),
	}

	if err := EnsureStreams(js, r.logger); err != nil {
		return nil, errors.Wrap(err, "failed to setup streams")
	}

	return r, nil
}

// Dispatch publishes the request on its lane. The returned handle names the
// stream sequence that holds the message. The execution id doubles as the
// JetStream message id so a republished dispatch is dropped as a duplicate.
func (r *NATSRunner) Dispatch(ctx context.Context, req DispatchRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal dispatch")
	}

	ack, err := r.js.Publish(DispatchSubject(req.Lane), data, nats.Context(ctx), nats.MsgId(req.ExecutionID))
	if err != nil {
		return "", errors.Wrapf(err, "failed to publish dispatch %s", req.ExecutionID)
	}

	r.logger.Debug("Dispatched execution",
		zap.String("execution_id", req.ExecutionID),
		zap.String("lane", req.Lane),
		zap.Uint64("seq", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate))

	return fmt.Sprintf("%s/%d", ack.Stream, ack.Sequence), nil
}

// Cancel asks every worker to stop the execution
func (r *NATSRunner) Cancel(ctx context.Context, executionID, handle string) error {
	data, err := json.Marshal(CancelRequest{
		ExecutionID: executionID,
		Handle:      handle,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal cancel request")
	}

	if _, err := r.js.Publish(CancelSubject(executionID), data, nats.Context(ctx)); err != nil {
		return errors.Wrapf(err, "failed to publish cancel %s", executionID)
	}

	r.logger.Info("Cancel requested", zap.String("execution_id", executionID))
	return nil
}

// SubscribeReports delivers worker reports to handler. Reports that cannot
// be decoded are terminated; handler errors are redelivered after a delay.
func (r *NATSRunner) SubscribeReports(handler ReportHandler) (*nats.Subscription, error) {
	sub, err := r.js.QueueSubscribe(ReportSubjects, reportConsumer, func(msg *nats.Msg) {
		var rep Report
		if err := json.Unmarshal(msg.Data, &rep); err != nil {
			r.logger.Error("Failed to unmarshal report", zap.Error(err))
			_ = msg.Term()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()

		if err := handler(ctx, rep); err != nil {
			r.logger.Warn("Failed to apply report",
				zap.String("execution_id", rep.ExecutionID),
				zap.String("status", string(rep.Status)),
				zap.Error(err))
			_ = msg.NakWithDelay(reportRetryDelay)
			return
		}

		if err := msg.Ack(); err != nil {
			r.logger.Error("Failed to ack report", zap.Error(err))
		}
	},
		nats.BindStream(TaskStreamName),
		nats.ManualAck(),
		nats.AckWait(reportAckWait),
		nats.MaxDeliver(reportMaxDeliver),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to reports")
	}

	return sub, nil
}

// PublishReport sends a worker report to the scheduler
func PublishReport(ctx context.Context, js nats.JetStreamContext, rep Report) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return errors.Wrap(err, "failed to marshal report")
	}

	if _, err := js.Publish(ReportSubject(rep.ExecutionID), data, nats.Context(ctx)); err != nil {
		return errors.Wrapf(err, "failed to publish %s report for %s", rep.Status, rep.ExecutionID)
	}
	return nil
}
