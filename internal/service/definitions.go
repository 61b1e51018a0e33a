package service

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/catalog"
	"github.com/t77yq/taskscheduler/internal/model"
)

// CreateDefinition registers a task definition
func (s *Service) CreateDefinition(ctx context.Context, def *model.TaskDefinition) (*model.TaskDefinition, error) {
	if def == nil {
		return nil, invalidf("definition is required")
	}
	if err := s.catalog.Register(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// ListDefinitions returns every definition ordered by name
func (s *Service) ListDefinitions(ctx context.Context) ([]*model.TaskDefinition, error) {
	return s.catalog.List(ctx)
}

// GetDefinition returns one definition
func (s *Service) GetDefinition(ctx context.Context, name string) (*model.TaskDefinition, error) {
	return s.catalog.Get(ctx, name)
}

// TriggerDefinition starts an ad-hoc run of a definition that belongs to no
// schedule. A dispatch failure is recorded on the returned execution.
func (s *Service) TriggerDefinition(ctx context.Context, name string, overrides map[string]any) (*model.TaskExecution, error) {
	def, err := s.catalog.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	e := s.newExecution(def, nil, overrides)
	if err := s.store.CreateExecution(ctx, e); err != nil {
		return nil, errors.Wrapf(err, "create ad-hoc execution of %s", name)
	}
	s.logger.Info("Ad-hoc run triggered", zap.String("definition", name), zap.String("execution_id", e.ID))
	return s.dispatch(ctx, e)
}

func (s *Service) newExecution(def *model.TaskDefinition, sched *model.ScheduledTask, overrides map[string]any) *model.TaskExecution {
	now := s.clock.Now()
	resolved := catalog.Resolve(def, sched, overrides)
	e := &model.TaskExecution{
		ID:             uuid.NewString(),
		DefinitionName: def.Name,
		Runner:         def.Runner,
		Lane:           def.Lane,
		Trigger:        model.TriggerManual,
		ChainID:        uuid.NewString(),
		Attempt:        1,
		MaxRetries:     resolved.MaxRetries,
		RetryBaseDelay: resolved.RetryBaseDelay,
		RetryMaxDelay:  resolved.RetryMaxDelay,
		State:          model.ExecutionQueued,
		QueuedAt:       now,
		Params:         resolved.Params,
		Timeout:        resolved.Timeout,
		UpdatedAt:      now,
	}
	if sched != nil {
		id := sched.ID
		e.ScheduleID = &id
	}
	return e
}

// dispatch hands e to the tracker and returns its stored state
func (s *Service) dispatch(ctx context.Context, e *model.TaskExecution) (*model.TaskExecution, error) {
	if err := s.tracker.Dispatch(ctx, e); err != nil {
		s.logger.Warn("Dispatch failed, recorded on execution", zap.String("execution_id", e.ID), zap.Error(err))
	}
	return s.store.GetExecution(ctx, e.ID)
}
