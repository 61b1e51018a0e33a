package service

import (
	"context"

	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/storage"
)

// ExecutionDetail is an execution with its log
type ExecutionDetail struct {
	*model.TaskExecution
	Logs []*model.TaskLog `json:"logs"`
}

// ExecutionQuery narrows ListExecutions
type ExecutionQuery struct {
	ScheduleID     string
	DefinitionName string
	ChainID        string
	States         []model.ExecutionState
	Limit          int
}

// ListExecutions returns executions, newest first
func (s *Service) ListExecutions(ctx context.Context, q ExecutionQuery) ([]*model.TaskExecution, error) {
	for _, st := range q.States {
		if !st.Valid() {
			return nil, invalidf("unknown execution state %q", st)
		}
	}
	list, err := s.store.ListExecutions(ctx, storage.ExecutionFilter{
		ScheduleID:     q.ScheduleID,
		DefinitionName: q.DefinitionName,
		ChainID:        q.ChainID,
		States:         q.States,
		Limit:          listLimit(q.Limit),
	})
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*model.TaskExecution{}
	}
	return list, nil
}

// GetExecution returns an execution with its log in append order
func (s *Service) GetExecution(ctx context.Context, id string) (*ExecutionDetail, error) {
	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.ListLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []*model.TaskLog{}
	}
	return &ExecutionDetail{TaskExecution: e, Logs: logs}, nil
}

// CancelExecution cancels a non-terminal execution
func (s *Service) CancelExecution(ctx context.Context, id string) (*model.TaskExecution, error) {
	return s.tracker.Cancel(ctx, id)
}
