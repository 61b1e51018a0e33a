package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/catalog"
	"github.com/t77yq/taskscheduler/internal/clock"
	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/schedule"
	"github.com/t77yq/taskscheduler/internal/storage"
)

// Dispatcher is the scheduler loop. Each tick fires due schedules in
// (priority, name) order, then lets the tracker queue due retries and sweep
// stuck executions. It keeps no state between ticks besides the store.
type Dispatcher struct {
	logger  *zap.Logger
	store   storage.Store
	tracker Tracker
	lease   Lease
	clock   clock.Clock
	cfg     Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a dispatcher. lease may be nil for a single instance.
func NewDispatcher(logger *zap.Logger, store storage.Store, tr Tracker, lease Lease, clk clock.Clock, cfg Config) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Backlog == "" {
		cfg.Backlog = schedule.BacklogClamp
	}
	return &Dispatcher{
		logger:  logger.Named("dispatcher"),
		store:   store,
		tracker: tr,
		lease:   lease,
		clock:   clk,
		cfg:     cfg,
	}
}

// Start runs the loop in the background until ctx is done or Stop is called
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return errors.New("dispatcher already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	d.logger.Info("Starting dispatcher",
		zap.Duration("tick_interval", d.cfg.TickInterval),
		zap.String("backlog_policy", string(d.cfg.Backlog)))

	go d.loop(ctx, d.done)
	return nil
}

// Stop stops the loop and waits for the current tick to finish
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.logger.Info("Stopped dispatcher")
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass. Failures are logged and counted; none of
// them stops the pass for other schedules.
func (d *Dispatcher) Tick(ctx context.Context) TickResult {
	var res TickResult
	now := d.clock.Now()

	if d.lease != nil {
		held, err := d.acquireLease(ctx)
		if err != nil {
			d.logger.Error("Failed to acquire lease", zap.Error(err))
			return res
		}
		if !held {
			d.logger.Debug("Lease held by another instance, skipping tick")
			return res
		}
	}
	res.LeaseHeld = true

	due, err := d.listDue(ctx, now)
	if err != nil {
		d.logger.Error("Failed to list due schedules", zap.Error(err))
	}
	for _, s := range due {
		d.fire(ctx, s, now, &res)
	}

	d.sweep(ctx, &res)

	if res.Fired+res.Skipped+res.Failed+res.Retries+res.Swept > 0 {
		d.logger.Info("Tick finished",
			zap.Time("now", now),
			zap.Int("fired", res.Fired),
			zap.Int("skipped", res.Skipped),
			zap.Int("conflicts", res.Conflicts),
			zap.Int("failed", res.Failed),
			zap.Int("retries", res.Retries),
			zap.Int("swept", res.Swept))
	}
	return res
}

func (d *Dispatcher) acquireLease(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	return d.lease.Acquire(ctx)
}

func (d *Dispatcher) listDue(ctx context.Context, now time.Time) ([]*model.ScheduledTask, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	return d.store.ListDueSchedules(ctx, now)
}

// fire consumes one due fire of s. The next fire time is recomputed from the
// consumed fire whether or not an execution is created.
func (d *Dispatcher) fire(ctx context.Context, s *model.ScheduledTask, now time.Time, res *TickResult) {
	logger := d.logger.With(zap.String("schedule_id", s.ID), zap.String("schedule", s.Name))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while firing schedule", zap.Any("panic", r))
			res.Failed++
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()

	compiled, err := schedule.CompileTask(s)
	if err != nil {
		logger.Error("Stored schedule does not compile", zap.Error(err))
		res.Failed++
		return
	}

	if !s.Due(now) {
		d.reevaluate(ctx, logger, s, compiled, now, res)
		return
	}

	fireAt := *s.NextFireAt
	def, err := d.store.GetDefinition(ctx, s.DefinitionName)
	if err != nil {
		logger.Error("Failed to load task definition", zap.String("definition", s.DefinitionName), zap.Error(err))
		res.Failed++
		return
	}
	resolved := catalog.Resolve(def, s, nil)

	e := &model.TaskExecution{
		ID:             uuid.NewString(),
		ScheduleID:     &s.ID,
		DefinitionName: def.Name,
		Runner:         def.Runner,
		Lane:           def.Lane,
		Trigger:        model.TriggerSchedule,
		ChainID:        uuid.NewString(),
		Attempt:        1,
		MaxRetries:     resolved.MaxRetries,
		RetryBaseDelay: resolved.RetryBaseDelay,
		RetryMaxDelay:  resolved.RetryMaxDelay,
		State:          model.ExecutionQueued,
		ScheduledFor:   &fireAt,
		QueuedAt:       now,
		Params:         resolved.Params,
		Timeout:        resolved.Timeout,
		UpdatedAt:      now,
	}

	updated := *s
	updated.NextFireAt = compiled.NextFire(&fireAt, fireAt, now, d.cfg.Backlog)
	updated.Reevaluate = false
	updated.UpdatedAt = now

	inserted, err := d.store.ConsumeFire(ctx, &updated, e)
	switch {
	case errors.Is(err, storage.ErrConcurrencyConflict):
		logger.Debug("Lost schedule update race, retrying next tick")
		res.Conflicts++
		return
	case err != nil:
		logger.Error("Failed to consume fire", zap.Error(err))
		res.Failed++
		return
	}

	if !inserted {
		logger.Info("Fire skipped",
			zap.String("note", skippedNote),
			zap.Time("fire_at", fireAt),
			zap.Int("limit", s.ConcurrencyLimit()),
			zap.Int("skip_count", updated.SkipCount),
			zap.Timep("next_fire_at", updated.NextFireAt))
		res.Skipped++
		return
	}

	res.Fired++
	logger.Info("Schedule fired",
		zap.String("execution_id", e.ID),
		zap.Time("fire_at", fireAt),
		zap.Timep("next_fire_at", updated.NextFireAt))

	if err := d.tracker.Dispatch(ctx, e); err != nil {
		logger.Warn("Dispatch failed, recorded on execution", zap.String("execution_id", e.ID), zap.Error(err))
	}
}

// reevaluate recomputes the next fire time of a schedule the missed-run
// detector flagged, counting from now.
func (d *Dispatcher) reevaluate(ctx context.Context, logger *zap.Logger, s *model.ScheduledTask, compiled *schedule.Compiled, now time.Time, res *TickResult) {
	if !s.Reevaluate {
		return
	}

	updated := *s
	updated.NextFireAt = compiled.NextFire(s.LastFireAt, now, now, d.cfg.Backlog)
	updated.Reevaluate = false
	updated.UpdatedAt = now

	err := d.store.UpdateSchedule(ctx, &updated)
	switch {
	case errors.Is(err, storage.ErrConcurrencyConflict):
		res.Conflicts++
		return
	case err != nil:
		logger.Error("Failed to reevaluate schedule", zap.Error(err))
		res.Failed++
		return
	}

	res.Reevaluated++
	logger.Info("Schedule reevaluated", zap.Timep("next_fire_at", updated.NextFireAt))
}
