// Package monitor watches schedules and execution history and raises
// alerts for missed runs, repeated failures, slow runs and stale schedules.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/clock"
	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/schedule"
	"github.com/t77yq/taskscheduler/internal/storage"
)

// ErrAlertState is returned when an operator action does not fit the alert's state
var ErrAlertState = errors.New("alert state does not allow this action")

// Alert lifecycle events
const (
	EventOpened       = "opened"
	EventAcknowledged = "acknowledged"
	EventResolved     = "resolved"
)

const autoResolver = "auto"

// AlertEvent is sent to the notifier on every alert state change
type AlertEvent struct {
	Type  string           `json:"type"`
	At    time.Time        `json:"at"`
	Alert *model.TaskAlert `json:"alert"`
}

// Notifier receives alert events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, ev AlertEvent)
}

// AlertConfig defines the alert rule thresholds
type AlertConfig struct {
	// RepeatedFailures is the number of consecutive failed_final runs that
	// opens a repeated_failure alert.
	RepeatedFailures int
	// StaleFactor multiplies a schedule's period to get the longest
	// tolerated gap between successful runs.
	StaleFactor float64
}

// AlertManager opens, deduplicates and resolves alerts. At most one active
// alert exists per (kind, subject). Acknowledged alerts are never resolved
// automatically.
type AlertManager struct {
	logger   *zap.Logger
	store    storage.Store
	clock    clock.Clock
	notifier Notifier
	cfg      AlertConfig
}

// NewAlertManager creates an alert manager. notifier may be nil.
func NewAlertManager(logger *zap.Logger, store storage.Store, clk clock.Clock, notifier Notifier, cfg AlertConfig) *AlertManager {
	if cfg.RepeatedFailures <= 0 {
		cfg.RepeatedFailures = 3
	}
	if cfg.StaleFactor <= 0 {
		cfg.StaleFactor = 3
	}
	return &AlertManager{
		logger:   logger.Named("alert-manager"),
		store:    store,
		clock:    clk,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Open creates an alert unless an active one of the same kind exists for the
// subject. It reports whether a new alert was created.
func (m *AlertManager) Open(ctx context.Context, a *model.TaskAlert) (*model.TaskAlert, bool, error) {
	existing, err := m.store.FindActiveAlert(ctx, a.Kind, a.SubjectID)
	if err == nil {
		return existing, false, nil
	}
	if !storage.IsNotFound(err) {
		return nil, false, err
	}

	a.ID = uuid.NewString()
	a.State = model.AlertOpen
	a.OpenedAt = m.clock.Now()
	if err := m.store.CreateAlert(ctx, a); err != nil {
		if errors.Is(err, storage.ErrDuplicateAlert) {
			existing, ferr := m.store.FindActiveAlert(ctx, a.Kind, a.SubjectID)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, errors.Wrapf(err, "open %s alert for %s", a.Kind, a.SubjectID)
	}

	m.logger.Warn("Alert opened",
		zap.String("id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("severity", string(a.Severity)),
		zap.String("subject_id", a.SubjectID),
		zap.String("message", a.Message))
	m.notify(ctx, EventOpened, a)
	return a, true, nil
}

// Clear resolves the active alert of kind for the subject once its condition
// has cleared. Acknowledged alerts stay until an operator resolves them.
func (m *AlertManager) Clear(ctx context.Context, kind model.AlertKind, subjectID string) (bool, error) {
	a, err := m.store.FindActiveAlert(ctx, kind, subjectID)
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if a.State != model.AlertOpen {
		return false, nil
	}

	if err := m.resolve(ctx, a, autoResolver); err != nil {
		if errors.Is(err, storage.ErrConcurrencyConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Acknowledge marks an open alert as seen by an operator
func (m *AlertManager) Acknowledge(ctx context.Context, id string) (*model.TaskAlert, error) {
	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	switch a.State {
	case model.AlertAcknowledged:
		return a, nil
	case model.AlertResolved:
		return nil, errors.Wrapf(ErrAlertState, "alert %s is resolved", id)
	}

	now := m.clock.Now()
	a.State = model.AlertAcknowledged
	a.AcknowledgedAt = &now
	if err := m.store.UpdateAlert(ctx, a); err != nil {
		return nil, err
	}

	m.logger.Info("Alert acknowledged", zap.String("id", id), zap.String("kind", string(a.Kind)))
	m.notify(ctx, EventAcknowledged, a)
	return a, nil
}

// Resolve closes an open or acknowledged alert
func (m *AlertManager) Resolve(ctx context.Context, id, by string) (*model.TaskAlert, error) {
	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Active() {
		return nil, errors.Wrapf(ErrAlertState, "alert %s is already resolved", id)
	}
	if by == "" {
		by = "operator"
	}
	if err := m.resolve(ctx, a, by); err != nil {
		return nil, err
	}
	return a, nil
}

func (m *AlertManager) resolve(ctx context.Context, a *model.TaskAlert, by string) error {
	now := m.clock.Now()
	a.State = model.AlertResolved
	a.ResolvedAt = &now
	a.ResolvedBy = by
	if err := m.store.UpdateAlert(ctx, a); err != nil {
		return err
	}

	m.logger.Info("Alert resolved",
		zap.String("id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("subject_id", a.SubjectID),
		zap.String("resolved_by", by))
	m.notify(ctx, EventResolved, a)
	return nil
}

// Summary counts active alerts by severity
func (m *AlertManager) Summary(ctx context.Context) (model.AlertSummary, error) {
	sum := model.AlertSummary{
		Open:         map[model.AlertSeverity]int{},
		Acknowledged: map[model.AlertSeverity]int{},
	}
	for _, state := range []model.AlertState{model.AlertOpen, model.AlertAcknowledged} {
		list, err := m.store.ListAlerts(ctx, storage.AlertFilter{State: state})
		if err != nil {
			return sum, err
		}
		for _, a := range list {
			if state == model.AlertOpen {
				sum.Open[a.Severity]++
			} else {
				sum.Acknowledged[a.Severity]++
			}
			sum.Total++
		}
	}
	return sum, nil
}

// Evaluate runs the repeated_failure, slow_execution and stale_schedule
// rules over every schedule. One schedule failing to evaluate does not stop
// the pass.
func (m *AlertManager) Evaluate(ctx context.Context) error {
	schedules, err := m.store.ListSchedules(ctx)
	if err != nil {
		return errors.Wrap(err, "list schedules")
	}

	now := m.clock.Now()
	defs := make(map[string]*model.TaskDefinition)
	var errs error
	for _, s := range schedules {
		def, ok := defs[s.DefinitionName]
		if !ok {
			def, err = m.store.GetDefinition(ctx, s.DefinitionName)
			if err != nil {
				errs = errors.CombineErrors(errs, err)
				continue
			}
			defs[s.DefinitionName] = def
		}

		for _, rule := range []func(context.Context, *model.ScheduledTask, *model.TaskDefinition, time.Time) error{
			m.evaluateRepeatedFailure,
			m.evaluateSlowExecution,
			m.evaluateStaleSchedule,
		} {
			if err := rule(ctx, s, def, now); err != nil {
				m.logger.Error("Alert rule failed", zap.String("schedule_id", s.ID), zap.Error(err))
				errs = errors.CombineErrors(errs, err)
			}
		}
	}
	return errs
}

func (m *AlertManager) evaluateRepeatedFailure(ctx context.Context, s *model.ScheduledTask, _ *model.TaskDefinition, _ time.Time) error {
	n := m.cfg.RepeatedFailures
	recent, err := m.store.ListExecutions(ctx, storage.ExecutionFilter{
		ScheduleID: s.ID,
		States:     []model.ExecutionState{model.ExecutionSucceeded, model.ExecutionFailedFinal},
		Limit:      n,
	})
	if err != nil {
		return err
	}

	failing := len(recent) == n
	for _, e := range recent {
		if e.State != model.ExecutionFailedFinal {
			failing = false
			break
		}
	}
	if !failing {
		_, err := m.Clear(ctx, model.AlertRepeatedFailure, s.ID)
		return err
	}

	ids := make([]string, 0, len(recent))
	for _, e := range recent {
		ids = append(ids, e.ID)
	}
	data := map[string]any{"executions": ids}
	if last := recent[0].Error; last != nil {
		data["last_reason"] = last.Reason
		data["last_error"] = last.Message
	}
	_, _, err = m.Open(ctx, &model.TaskAlert{
		Kind:        model.AlertRepeatedFailure,
		Severity:    model.AlertSeverityError,
		SubjectType: model.SubjectSchedule,
		SubjectID:   s.ID,
		Message:     fmt.Sprintf("Schedule %s failed %d runs in a row", s.Name, n),
		Data:        data,
	})
	return err
}

func (m *AlertManager) evaluateSlowExecution(ctx context.Context, s *model.ScheduledTask, def *model.TaskDefinition, now time.Time) error {
	threshold := def.SlowThreshold
	if threshold <= 0 {
		_, err := m.Clear(ctx, model.AlertSlowExecution, s.ID)
		return err
	}

	var slow *model.TaskExecution
	var took time.Duration

	running, err := m.store.ListExecutions(ctx, storage.ExecutionFilter{
		ScheduleID: s.ID,
		States:     []model.ExecutionState{model.ExecutionRunning},
	})
	if err != nil {
		return err
	}
	for _, e := range running {
		if e.StartedAt != nil && now.Sub(*e.StartedAt) > threshold {
			slow, took = e, now.Sub(*e.StartedAt)
			break
		}
	}

	if slow == nil {
		latest, err := m.store.ListExecutions(ctx, storage.ExecutionFilter{
			ScheduleID: s.ID,
			States:     []model.ExecutionState{model.ExecutionSucceeded, model.ExecutionFailed, model.ExecutionFailedFinal},
			Limit:      1,
		})
		if err != nil {
			return err
		}
		if len(latest) == 1 {
			if d, ok := latest[0].Duration(); ok && d > threshold {
				slow, took = latest[0], d
			}
		}
	}

	if slow == nil {
		_, err := m.Clear(ctx, model.AlertSlowExecution, s.ID)
		return err
	}

	_, _, err = m.Open(ctx, &model.TaskAlert{
		Kind:        model.AlertSlowExecution,
		Severity:    model.AlertSeverityWarning,
		SubjectType: model.SubjectSchedule,
		SubjectID:   s.ID,
		Message:     fmt.Sprintf("Execution %s of %s took %s, threshold %s", slow.ID, s.Name, took, threshold),
		Data: map[string]any{
			"execution_id": slow.ID,
			"duration":     took.String(),
			"threshold":    threshold.String(),
			"state":        string(slow.State),
		},
	})
	return err
}

func (m *AlertManager) evaluateStaleSchedule(ctx context.Context, s *model.ScheduledTask, _ *model.TaskDefinition, now time.Time) error {
	if !s.Enabled || !s.Kind.Recurring() {
		_, err := m.Clear(ctx, model.AlertStaleSchedule, s.ID)
		return err
	}

	compiled, err := schedule.CompileTask(s)
	if err != nil {
		return err
	}
	period := compiled.Period(now)
	if period <= 0 {
		return nil
	}
	tolerated := time.Duration(float64(period) * m.cfg.StaleFactor)

	since := s.CreatedAt
	last, err := m.store.ListExecutions(ctx, storage.ExecutionFilter{
		ScheduleID: s.ID,
		States:     []model.ExecutionState{model.ExecutionSucceeded},
		Limit:      1,
	})
	if err != nil {
		return err
	}
	if len(last) == 1 && last[0].FinishedAt != nil {
		since = *last[0].FinishedAt
	}

	if now.Sub(since) <= tolerated {
		_, err := m.Clear(ctx, model.AlertStaleSchedule, s.ID)
		return err
	}

	_, _, err = m.Open(ctx, &model.TaskAlert{
		Kind:        model.AlertStaleSchedule,
		Severity:    model.AlertSeverityError,
		SubjectType: model.SubjectSchedule,
		SubjectID:   s.ID,
		Message:     fmt.Sprintf("Schedule %s has not succeeded since %s", s.Name, since.Format(time.RFC3339)),
		Data: map[string]any{
			"last_success": since.Format(time.RFC3339),
			"period":       period.String(),
			"tolerated":    tolerated.String(),
		},
	})
	return err
}

func (m *AlertManager) notify(ctx context.Context, typ string, a *model.TaskAlert) {
	if m.notifier == nil {
		return
	}
	copied := *a
	m.notifier.Notify(ctx, AlertEvent{Type: typ, At: m.clock.Now(), Alert: &copied})
}
