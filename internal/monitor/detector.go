package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/clock"
	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/storage"
)

// MissedRunDetector finds enabled schedules whose expected fire time passed
// more than grace ago without a matching execution.
type MissedRunDetector struct {
	logger *zap.Logger
	store  storage.Store
	alerts *AlertManager
	clock  clock.Clock
	grace  time.Duration
}

// NewMissedRunDetector creates a detector. A negative grace is treated as zero.
func NewMissedRunDetector(logger *zap.Logger, store storage.Store, alerts *AlertManager, clk clock.Clock, grace time.Duration) *MissedRunDetector {
	if grace < 0 {
		grace = 0
	}
	return &MissedRunDetector{
		logger: logger.Named("missed-run-detector"),
		store:  store,
		alerts: alerts,
		clock:  clk,
		grace:  grace,
	}
}

// Detect runs one detection pass and returns the number of schedules found
// missing a run.
func (d *MissedRunDetector) Detect(ctx context.Context) (int, error) {
	schedules, err := d.store.ListSchedules(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list schedules")
	}

	now := d.clock.Now()
	missed := 0
	var errs error
	for _, s := range schedules {
		ok, err := d.check(ctx, s, now)
		if err != nil {
			d.logger.Error("Missed run check failed", zap.String("schedule_id", s.ID), zap.Error(err))
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if ok {
			missed++
		}
	}
	return missed, errs
}

func (d *MissedRunDetector) check(ctx context.Context, s *model.ScheduledTask, now time.Time) (bool, error) {
	expected, err := d.missing(ctx, s, now)
	if err != nil {
		return false, err
	}
	if expected == nil {
		_, err := d.alerts.Clear(ctx, model.AlertMissedRun, s.ID)
		return false, err
	}

	late := now.Sub(*expected)
	_, opened, err := d.alerts.Open(ctx, &model.TaskAlert{
		Kind:        model.AlertMissedRun,
		Severity:    model.AlertSeverityWarning,
		SubjectType: model.SubjectSchedule,
		SubjectID:   s.ID,
		Message:     fmt.Sprintf("Schedule %s missed its run at %s", s.Name, expected.Format(time.RFC3339)),
		Data: map[string]any{
			"expected_at": expected.Format(time.RFC3339),
			"late_by":     late.String(),
			"grace":       d.grace.String(),
		},
	})
	if err != nil {
		return true, err
	}
	if opened {
		d.logger.Warn("Missed run detected",
			zap.String("schedule_id", s.ID),
			zap.Time("expected_at", *expected),
			zap.Duration("late_by", late))
	}

	if !s.Reevaluate {
		s.Reevaluate = true
		if err := d.store.UpdateSchedule(ctx, s); err != nil && !errors.Is(err, storage.ErrConcurrencyConflict) {
			return true, errors.Wrapf(err, "flag schedule %s for re-evaluation", s.ID)
		}
	}
	return true, nil
}

// missing returns the expected fire time when the schedule has missed it
func (d *MissedRunDetector) missing(ctx context.Context, s *model.ScheduledTask, now time.Time) (*time.Time, error) {
	if !s.Enabled || s.NextFireAt == nil {
		return nil, nil
	}
	expected := *s.NextFireAt
	if !expected.Add(d.grace).Before(now) {
		return nil, nil
	}

	found, err := d.store.ListExecutions(ctx, storage.ExecutionFilter{
		ScheduleID:    s.ID,
		ScheduledFrom: &expected,
		Limit:         1,
	})
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		return nil, nil
	}
	return &expected, nil
}
