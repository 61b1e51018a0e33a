package service

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/stats"
	"github.com/t77yq/taskscheduler/internal/storage"
)

const defaultStatsWindow = 24 * time.Hour

// ListAlerts returns alerts, newest first
func (s *Service) ListAlerts(ctx context.Context, state model.AlertState, kind model.AlertKind, limit int) ([]*model.TaskAlert, error) {
	list, err := s.store.ListAlerts(ctx, storage.AlertFilter{State: state, Kind: kind, Limit: listLimit(limit)})
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*model.TaskAlert{}
	}
	return list, nil
}

// AcknowledgeAlert marks an alert as seen
func (s *Service) AcknowledgeAlert(ctx context.Context, id string) (*model.TaskAlert, error) {
	return s.alerts.Acknowledge(ctx, id)
}

// ResolveAlert closes an alert
func (s *Service) ResolveAlert(ctx context.Context, id, by string) (*model.TaskAlert, error) {
	return s.alerts.Resolve(ctx, id, by)
}

// AlertSummary counts active alerts by severity
func (s *Service) AlertSummary(ctx context.Context) (model.AlertSummary, error) {
	return s.alerts.Summary(ctx)
}

// StatsQuery selects the statistics window. Zero times default to the last
// 24 hours.
type StatsQuery struct {
	ScheduleID string
	From       time.Time
	To         time.Time
	Bucket     time.Duration
}

// Stats aggregates finished executions in the window
func (s *Service) Stats(ctx context.Context, q StatsQuery) (stats.Report, error) {
	if q.To.IsZero() {
		q.To = s.clock.Now()
	}
	if q.From.IsZero() {
		q.From = q.To.Add(-defaultStatsWindow)
	}
	if !q.From.Before(q.To) {
		return stats.Report{}, invalidf("from must be before to")
	}
	if q.Bucket < 0 {
		return stats.Report{}, invalidf("bucket must be >= 0")
	}
	if q.Bucket > 0 && q.To.Sub(q.From)/q.Bucket >= stats.MaxBuckets {
		return stats.Report{}, invalidf("window holds more than %d buckets", stats.MaxBuckets)
	}

	execs, err := s.store.ListExecutions(ctx, storage.ExecutionFilter{
		ScheduleID:   q.ScheduleID,
		FinishedFrom: &q.From,
		FinishedTo:   &q.To,
	})
	if err != nil {
		return stats.Report{}, errors.Wrap(err, "list finished executions")
	}
	return stats.Aggregate(execs, stats.Query{From: q.From, To: q.To, Bucket: q.Bucket}), nil
}

// Prune applies the retention windows to the stored history
func (s *Service) Prune(ctx context.Context) (storage.PruneResult, error) {
	now := s.clock.Now()
	ret := s.cfg.Retention
	if ret.Logs <= 0 || ret.Executions <= 0 {
		return storage.PruneResult{}, invalidf("retention windows must be > 0")
	}

	res, err := s.store.Prune(ctx, now.Add(-ret.Logs), now.Add(-ret.Executions))
	if err != nil {
		return res, errors.Wrap(err, "prune history")
	}
	s.logger.Info("History pruned",
		zap.Int64("logs", res.Logs),
		zap.Int64("executions", res.Executions))
	return res, nil
}
