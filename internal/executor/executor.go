// Package executor runs dispatched executions on a worker. Each configured
// lane is consumed from JetStream; admission is bounded by task count and
// host usage, and every step is reported back to the scheduler.
package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/runner"
)

const (
	defaultAckWait        = 30 * time.Second
	defaultRetryDelay     = 5 * time.Second
	defaultSampleInterval = 5 * time.Second
	reportTimeout         = 10 * time.Second
	pendingCancelTTL      = time.Hour

	// HeartbeatSubjectPrefix is followed by the worker id
	HeartbeatSubjectPrefix = runner.MetricsPrefix + "workers."
)

// ErrPermanent marks a task failure that must not be retried
var ErrPermanent = errors.New("permanent task failure")

// NoRetry marks err as permanent. The scheduler records it as failed_final
// without scheduling a retry.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// IsNoRetry reports whether err was marked with NoRetry
func IsNoRetry(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Task is what a handler receives for one execution
type Task struct {
	runner.DispatchRequest
	Log *TaskLog
}

// Handler runs the body of a task. The context is cancelled on timeout or
// when an operator cancels the execution.
type Handler interface {
	Execute(ctx context.Context, task *Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task *Task) (json.RawMessage, error)

// Execute calls f
func (f HandlerFunc) Execute(ctx context.Context, task *Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Config defines configuration for the executor
type Config struct {
	ID                string
	Lanes             []string
	Limits            ResourceLimits
	Sampler           Sampler
	AckWait           time.Duration
	RetryDelay        time.Duration
	SampleInterval    time.Duration
	HeartbeatInterval time.Duration
	MaxLogLines       int
}

type runningTask struct {
	cancel          context.CancelFunc
	cancelRequested bool
	startedAt       time.Time
}

// Executor consumes dispatches for its lanes and runs registered handlers
type Executor struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	config    Config
	resources *ResourceManager

	mu        sync.Mutex
	handlers  map[string]Handler
	running   map[string]*runningTask
	cancelled map[string]time.Time
	subs      []*nats.Subscription
	baseCtx   context.Context
	stop      context.CancelFunc
	started   bool

	wg sync.WaitGroup
}

// NewExecutor creates an executor and makes sure the task streams exist
func NewExecutor(js nats.JetStreamContext, config Config, logger *zap.Logger) (*Executor, error) {
	if config.ID == "" {
		return nil, errors.New("executor id is required")
	}
	if len(config.Lanes) == 0 {
		config.Lanes = []string{"default"}
	}
	if config.AckWait <= 0 {
		config.AckWait = defaultAckWait
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaultSampleInterval
	}

	logger = logger.Named("executor").With(zap.String("executor_id", config.ID))
	if err := runner.EnsureStreams(js, logger); err != nil {
		return nil, errors.Wrap(err, "failed to setup streams")
	}

	return &Executor{
		logger:    logger,
		js:        js,
		config:    config,
		resources: NewResourceManager(config.Limits, config.Sampler, logger),
		handlers:  make(map[string]Handler),
		running:   make(map[string]*runningTask),
		cancelled: make(map[string]time.Time),
	}, nil
}

// RegisterHandler registers the handler for a runner name
func (e *Executor) RegisterHandler(name string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = handler
}

// Start subscribes to the cancel stream and every lane. Running tasks
// derive their context from ctx.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("executor already started")
	}

	if err := e.resources.Refresh(); err != nil {
		e.logger.Warn("Failed to sample host resources", zap.Error(err))
	}

	cancelSub, err := e.js.Subscribe(runner.CancelSubjects, e.handleCancel,
		nats.BindStream(runner.ControlStreamName),
		nats.DeliverNew(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to cancel requests")
	}
	subs := []*nats.Subscription{cancelSub}

	for _, lane := range e.config.Lanes {
		sub, err := e.js.QueueSubscribe(runner.DispatchSubject(lane), runner.ConsumerName(lane), e.handleDispatch,
			nats.BindStream(runner.TaskStreamName),
			nats.ManualAck(),
			nats.AckWait(e.config.AckWait),
			nats.MaxDeliver(-1),
		)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return errors.Wrapf(err, "failed to subscribe to lane %s", lane)
		}
		subs = append(subs, sub)
	}

	e.baseCtx, e.stop = context.WithCancel(ctx)
	e.subs = subs
	e.started = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.resources.Run(e.baseCtx, e.config.SampleInterval)
	}()

	if e.config.HeartbeatInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.heartbeat(e.baseCtx)
		}()
	}

	e.logger.Info("Executor started", zap.Strings("lanes", e.config.Lanes))
	return nil
}

// Stop unsubscribes, cancels running tasks and waits for their reports
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	for _, sub := range e.subs {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	e.subs = nil
	e.stop()
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("Executor stopped")
}

// Running returns the ids of the executions this worker is running
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns the worker's resource usage
func (e *Executor) Stats() ResourceStats {
	return e.resources.Stats()
}

func (e *Executor) handleDispatch(msg *nats.Msg) {
	var req runner.DispatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		e.logger.Error("Failed to unmarshal dispatch", zap.Error(err))
		_ = msg.Term()
		return
	}
	logger := e.logger.With(zap.String("execution_id", req.ExecutionID), zap.String("runner", req.Runner))

	if e.takePendingCancel(req.ExecutionID) {
		logger.Info("Execution cancelled before start")
		e.publish(runner.Report{
			ExecutionID: req.ExecutionID,
			WorkerID:    e.config.ID,
			Status:      runner.ReportCancelled,
			At:          time.Now().UTC(),
		})
		e.ack(msg)
		return
	}

	release, err := e.resources.Admit()
	if err != nil {
		logger.Debug("Dispatch deferred", zap.Error(err))
		if err := msg.NakWithDelay(e.config.RetryDelay); err != nil {
			logger.Error("Failed to nak dispatch", zap.Error(err))
		}
		return
	}

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		release()
		_ = msg.Nak()
		return
	}
	if _, dup := e.running[req.ExecutionID]; dup {
		e.mu.Unlock()
		release()
		logger.Warn("Duplicate dispatch ignored")
		e.ack(msg)
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(e.baseCtx, req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(e.baseCtx)
	}
	task := &runningTask{cancel: cancel, startedAt: time.Now().UTC()}
	e.running[req.ExecutionID] = task
	e.wg.Add(1)
	e.mu.Unlock()

	e.ack(msg)

	go func() {
		defer e.wg.Done()
		defer release()
		e.run(ctx, req, task, logger)
	}()
}

func (e *Executor) run(ctx context.Context, req runner.DispatchRequest, task *runningTask, logger *zap.Logger) {
	defer func() {
		task.cancel()
		e.mu.Lock()
		delete(e.running, req.ExecutionID)
		e.mu.Unlock()
	}()

	e.publish(runner.Report{
		ExecutionID: req.ExecutionID,
		WorkerID:    e.config.ID,
		Status:      runner.ReportStarted,
		At:          task.startedAt,
	})
	logger.Info("Execution started", zap.Duration("timeout", req.Timeout))

	out := NewTaskLog(e.config.MaxLogLines)
	rep := e.execute(ctx, req, out)
	rep.ExecutionID = req.ExecutionID
	rep.WorkerID = e.config.ID
	rep.At = time.Now().UTC()
	rep.Logs = out.Lines()

	logger.Info("Execution finished",
		zap.String("status", string(rep.Status)),
		zap.String("reason", rep.Reason),
		zap.Duration("duration", rep.At.Sub(task.startedAt)))
	e.publish(rep)
}

func (e *Executor) execute(ctx context.Context, req runner.DispatchRequest, out *TaskLog) runner.Report {
	e.mu.Lock()
	handler, ok := e.handlers[req.Runner]
	e.mu.Unlock()
	if !ok {
		out.Errorf("no handler registered for runner %q", req.Runner)
		return runner.Report{
			Status: runner.ReportFailed,
			Reason: model.ReasonUnknownRunner,
			Error:  "unknown runner " + req.Runner,
		}
	}

	result, err := invoke(ctx, handler, &Task{DispatchRequest: req, Log: out})

	cancelRequested := e.cancelRequested(req.ExecutionID)
	switch {
	case cancelRequested && (err != nil || ctx.Err() != nil):
		out.Warnf("cancelled by operator")
		return runner.Report{Status: runner.ReportCancelled}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.Errorf("timed out after %s", req.Timeout)
		return runner.Report{
			Status:    runner.ReportFailed,
			Reason:    model.ReasonTimeout,
			Error:     "execution exceeded timeout of " + req.Timeout.String(),
			Retryable: true,
		}
	case ctx.Err() != nil:
		return runner.Report{
			Status:    runner.ReportFailed,
			Reason:    model.ReasonWorkerStopped,
			Error:     "worker stopped during execution",
			Retryable: true,
		}
	case err != nil:
		out.Errorf("%v", err)
		return runner.Report{
			Status:    runner.ReportFailed,
			Reason:    model.ReasonTaskFailed,
			Error:     err.Error(),
			Retryable: !IsNoRetry(err),
		}
	default:
		return runner.Report{Status: runner.ReportSucceeded, Result: result}
	}
}

func invoke(ctx context.Context, h Handler, task *Task) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(errors.Newf("handler panicked: %v", r))
		}
	}()
	return h.Execute(ctx, task)
}

func (e *Executor) handleCancel(msg *nats.Msg) {
	var req runner.CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		e.logger.Error("Failed to unmarshal cancel request", zap.Error(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if task, ok := e.running[req.ExecutionID]; ok {
		task.cancelRequested = true
		task.cancel()
		e.logger.Info("Cancelling execution", zap.String("execution_id", req.ExecutionID))
		return
	}

	// the dispatch may not have reached this worker yet
	now := time.Now()
	e.cancelled[req.ExecutionID] = now
	for id, at := range e.cancelled {
		if now.Sub(at) > pendingCancelTTL {
			delete(e.cancelled, id)
		}
	}
}

func (e *Executor) takePendingCancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cancelled[id]; ok {
		delete(e.cancelled, id)
		return true
	}
	return false
}

func (e *Executor) cancelRequested(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.running[id]
	return ok && task.cancelRequested
}

func (e *Executor) ack(msg *nats.Msg) {
	if err := msg.Ack(); err != nil {
		e.logger.Error("Failed to acknowledge dispatch", zap.Error(err))
	}
}

func (e *Executor) publish(rep runner.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	if err := runner.PublishReport(ctx, e.js, rep); err != nil {
		e.logger.Error("Failed to publish report",
			zap.String("execution_id", rep.ExecutionID),
			zap.String("status", string(rep.Status)),
			zap.Error(err))
	}
}

// Heartbeat is published periodically on HeartbeatSubjectPrefix + worker id
type Heartbeat struct {
	ExecutorID string        `json:"executor_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Lanes      []string      `json:"lanes"`
	Running    []string      `json:"running"`
	Stats      ResourceStats `json:"stats"`
}

func (e *Executor) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		data, err := json.Marshal(Heartbeat{
			ExecutorID: e.config.ID,
			Timestamp:  time.Now().UTC(),
			Lanes:      e.config.Lanes,
			Running:    e.Running(),
			Stats:      e.resources.Stats(),
		})
		if err != nil {
			e.logger.Error("Failed to marshal heartbeat", zap.Error(err))
			continue
		}

		if _, err := e.js.Publish(HeartbeatSubjectPrefix+e.config.ID, data, nats.Context(ctx)); err != nil {
			e.logger.Debug("Failed to publish heartbeat", zap.Error(err))
		}
	}
}
