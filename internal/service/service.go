// Package service is the transport independent management surface of the
// scheduler: definitions, schedules, executions, alerts and statistics.
package service

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/catalog"
	"github.com/t77yq/taskscheduler/internal/clock"
	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/monitor"
	"github.com/t77yq/taskscheduler/internal/schedule"
	"github.com/t77yq/taskscheduler/internal/storage"
)

// ErrValidation marks a request rejected before anything was stored
var ErrValidation = errors.New("validation failed")

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxPreview       = 100
	maxUpdateRetries = 3
)

// Tracker is the part of the execution tracker the service drives
type Tracker interface {
	Dispatch(ctx context.Context, e *model.TaskExecution) error
	Cancel(ctx context.Context, id string) (*model.TaskExecution, error)
}

// Retention defines how long history is kept
type Retention struct {
	Logs       time.Duration
	Executions time.Duration
}

// Config configures the service
type Config struct {
	Backlog   schedule.BacklogPolicy
	Retention Retention
}

// Service implements the management operations
type Service struct {
	logger  *zap.Logger
	store   storage.Store
	catalog *catalog.Catalog
	tracker Tracker
	alerts  *monitor.AlertManager
	clock   clock.Clock
	cfg     Config
}

// New creates the management service
func New(logger *zap.Logger, store storage.Store, cat *catalog.Catalog, tr Tracker, alerts *monitor.AlertManager, clk clock.Clock, cfg Config) *Service {
	if cfg.Backlog == "" {
		cfg.Backlog = schedule.BacklogClamp
	}
	return &Service{
		logger:  logger.Named("service"),
		store:   store,
		catalog: cat,
		tracker: tr,
		alerts:  alerts,
		clock:   clk,
		cfg:     cfg,
	}
}

func invalidf(format string, args ...any) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

func listLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}
