package service

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/schedule"
	"github.com/t77yq/taskscheduler/internal/storage"
)

// CreateSchedule validates the time rule, binds it to an existing
// definition and computes the first fire time.
func (s *Service) CreateSchedule(ctx context.Context, sched *model.ScheduledTask) (*model.ScheduledTask, error) {
	if sched == nil {
		return nil, invalidf("schedule is required")
	}
	if sched.Name == "" {
		return nil, invalidf("schedule name is required")
	}
	if sched.MaxConcurrentExecutions < 0 {
		return nil, invalidf("max_concurrent_executions must be >= 0")
	}
	if sched.MaxRetries != nil && *sched.MaxRetries < 0 {
		return nil, invalidf("max_retries must be >= 0")
	}
	if sched.Timeout != nil && *sched.Timeout < 0 {
		return nil, invalidf("timeout must be >= 0")
	}
	if (sched.RetryBaseDelay != nil && *sched.RetryBaseDelay < 0) || (sched.RetryMaxDelay != nil && *sched.RetryMaxDelay < 0) {
		return nil, invalidf("retry delays must be >= 0")
	}

	compiled, err := schedule.CompileTask(sched)
	if err != nil {
		return nil, err
	}
	if _, err := s.catalog.Get(ctx, sched.DefinitionName); err != nil {
		if storage.IsNotFound(err) {
			return nil, invalidf("unknown task definition %q", sched.DefinitionName)
		}
		return nil, err
	}

	now := s.clock.Now()
	sched.ID = uuid.NewString()
	if sched.MaxConcurrentExecutions == 0 {
		sched.MaxConcurrentExecutions = 1
	}
	sched.LastFireAt = nil
	sched.NextFireAt = nil
	sched.Reevaluate = false
	sched.SkipCount = 0
	if sched.Enabled {
		sched.NextFireAt = s.firstFire(compiled, nil, now)
	}
	sched.CreatedAt = now
	sched.UpdatedAt = now

	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, errors.Wrapf(err, "create schedule %s", sched.Name)
	}

	s.logger.Info("Schedule created",
		zap.String("schedule_id", sched.ID),
		zap.String("name", sched.Name),
		zap.String("kind", string(sched.Kind)),
		zap.String("payload", sched.Payload),
		zap.Timep("next_fire_at", sched.NextFireAt))
	return sched, nil
}

// ListSchedules returns every schedule ordered by priority then name
func (s *Service) ListSchedules(ctx context.Context) ([]*model.ScheduledTask, error) {
	return s.store.ListSchedules(ctx)
}

// GetSchedule returns one schedule
func (s *Service) GetSchedule(ctx context.Context, id string) (*model.ScheduledTask, error) {
	return s.store.GetSchedule(ctx, id)
}

// EnableSchedule turns a schedule on. The next fire time counts from the
// last consumed fire, so a once schedule that already fired, or whose time
// passed while it was disabled, never fires retroactively.
func (s *Service) EnableSchedule(ctx context.Context, id string) (*model.ScheduledTask, error) {
	return s.updateSchedule(ctx, id, func(sched *model.ScheduledTask, now time.Time) (bool, error) {
		if sched.Enabled {
			return false, nil
		}
		compiled, err := schedule.CompileTask(sched)
		if err != nil {
			return false, err
		}
		sched.Enabled = true
		sched.Reevaluate = false
		sched.NextFireAt = s.firstFire(compiled, sched.LastFireAt, now)
		return true, nil
	})
}

// DisableSchedule turns a schedule off. Running executions are not touched.
func (s *Service) DisableSchedule(ctx context.Context, id string) (*model.ScheduledTask, error) {
	return s.updateSchedule(ctx, id, func(sched *model.ScheduledTask, _ time.Time) (bool, error) {
		if !sched.Enabled {
			return false, nil
		}
		sched.Enabled = false
		sched.NextFireAt = nil
		sched.Reevaluate = false
		return true, nil
	})
}

// TriggerSchedule starts an immediate run of a schedule outside its time
// rule. The run counts toward the schedule's concurrency limit and does not
// move its next fire time.
func (s *Service) TriggerSchedule(ctx context.Context, id string, overrides map[string]any) (*model.TaskExecution, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := s.catalog.Get(ctx, sched.DefinitionName)
	if err != nil {
		return nil, err
	}

	e := s.newExecution(def, sched, overrides)
	if err := s.store.CreateExecutionIfBelowLimit(ctx, e, sched.ConcurrencyLimit()); err != nil {
		return nil, err
	}
	s.logger.Info("Schedule triggered", zap.String("schedule_id", id), zap.String("execution_id", e.ID))
	return s.dispatch(ctx, e)
}

// NextFires previews up to count upcoming fire times of a schedule
func (s *Service) NextFires(ctx context.Context, id string, count int) ([]time.Time, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	compiled, err := schedule.CompileTask(sched)
	if err != nil {
		return nil, err
	}

	count = previewCount(count)
	first := sched.NextFireAt
	if first == nil {
		first = s.firstFire(compiled, sched.LastFireAt, s.clock.Now())
	}
	if first == nil {
		return []time.Time{}, nil
	}
	return append([]time.Time{*first}, compiled.Upcoming(*first, count-1)...), nil
}

// Preview compiles a time rule and returns up to count fire times after from
func Preview(kind model.ScheduleKind, payload, timezone string, from time.Time, count int) ([]time.Time, error) {
	compiled, err := schedule.Compile(kind, payload, timezone)
	if err != nil {
		return nil, err
	}
	return compiled.Upcoming(from, previewCount(count)), nil
}

func previewCount(n int) int {
	switch {
	case n <= 0:
		return 5
	case n > maxPreview:
		return maxPreview
	}
	return n
}

// firstFire computes the fire time of a schedule that is being turned on.
// A never fired interval schedule fires at once; otherwise the rule is
// evaluated after the last consumed fire under the backlog policy.
func (s *Service) firstFire(c *schedule.Compiled, lastFire *time.Time, now time.Time) *time.Time {
	if lastFire != nil {
		return c.NextFire(lastFire, *lastFire, now, s.cfg.Backlog)
	}
	if c.Kind() == model.ScheduleInterval {
		return &now
	}
	return c.NextFire(nil, now.Add(-time.Nanosecond), now, s.cfg.Backlog)
}

// updateSchedule applies mutate to the stored schedule, reloading on version
// conflicts. mutate reports whether it changed anything.
func (s *Service) updateSchedule(ctx context.Context, id string, mutate func(sched *model.ScheduledTask, now time.Time) (bool, error)) (*model.ScheduledTask, error) {
	for i := 0; i < maxUpdateRetries; i++ {
		sched, err := s.store.GetSchedule(ctx, id)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		changed, err := mutate(sched, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			return sched, nil
		}
		sched.UpdatedAt = now

		err = s.store.UpdateSchedule(ctx, sched)
		if errors.Is(err, storage.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("Schedule updated",
			zap.String("schedule_id", id),
			zap.Bool("enabled", sched.Enabled),
			zap.Timep("next_fire_at", sched.NextFireAt))
		return sched, nil
	}
	return nil, errors.Wrapf(storage.ErrConcurrencyConflict, "update schedule %s", id)
}
