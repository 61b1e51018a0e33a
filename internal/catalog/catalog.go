// Package catalog is the registry of executable task kinds.
package catalog

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/clock"
	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/storage"
)

// ErrInvalidDefinition marks a definition rejected by validation
var ErrInvalidDefinition = errors.New("invalid task definition")

var reName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

var categories = map[model.TaskCategory]bool{
	model.TaskCategoryCleanup:      true,
	model.TaskCategoryMonitoring:   true,
	model.TaskCategoryNotification: true,
	model.TaskCategoryMaintenance:  true,
	model.TaskCategoryGeneral:      true,
}

// Catalog registers and resolves task definitions
type Catalog struct {
	logger  *zap.Logger
	store   storage.Store
	clock   clock.Clock
	runners map[string]bool
}

// New creates a catalog. When runners is non-empty, definitions must name
// one of them.
func New(logger *zap.Logger, store storage.Store, clk clock.Clock, runners []string) *Catalog {
	known := make(map[string]bool, len(runners))
	for _, r := range runners {
		known[r] = true
	}
	return &Catalog{
		logger:  logger.Named("catalog"),
		store:   store,
		clock:   clk,
		runners: known,
	}
}

// Runners returns the registered runner names
func (c *Catalog) Runners() []string {
	out := make([]string, 0, len(c.runners))
	for r := range c.runners {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Validate fills defaults and checks a definition
func (c *Catalog) Validate(def *model.TaskDefinition) error {
	if !reName.MatchString(def.Name) {
		return errors.Wrapf(ErrInvalidDefinition, "bad name %q", def.Name)
	}
	if def.Runner == "" {
		return errors.Wrap(ErrInvalidDefinition, "runner is required")
	}
	if len(c.runners) > 0 && !c.runners[def.Runner] {
		return errors.Wrapf(ErrInvalidDefinition, "unknown runner %q", def.Runner)
	}
	if def.Category == "" {
		def.Category = model.TaskCategoryGeneral
	}
	if !categories[def.Category] {
		return errors.Wrapf(ErrInvalidDefinition, "unknown category %q", def.Category)
	}
	if def.Lane == "" {
		def.Lane = model.DefaultLane
	}
	if !reName.MatchString(def.Lane) {
		return errors.Wrapf(ErrInvalidDefinition, "bad lane %q", def.Lane)
	}
	if def.MaxRetries < 0 {
		return errors.Wrap(ErrInvalidDefinition, "max_retries must be >= 0")
	}
	if def.Timeout < 0 || def.SlowThreshold < 0 || def.RetryBaseDelay < 0 || def.RetryMaxDelay < 0 {
		return errors.Wrap(ErrInvalidDefinition, "durations must be >= 0")
	}
	return nil
}

// Register validates and stores a new definition. Definitions are immutable
// once stored.
func (c *Catalog) Register(ctx context.Context, def *model.TaskDefinition) error {
	if err := c.Validate(def); err != nil {
		return err
	}
	def.CreatedAt = c.clock.Now()

	if err := c.store.CreateDefinition(ctx, def); err != nil {
		return errors.Wrapf(err, "register %s", def.Name)
	}

	c.logger.Info("Registered task definition",
		zap.String("name", def.Name),
		zap.String("runner", def.Runner),
		zap.String("lane", def.Lane))
	return nil
}

// Get returns a definition by name
func (c *Catalog) Get(ctx context.Context, name string) (*model.TaskDefinition, error) {
	return c.store.GetDefinition(ctx, name)
}

// List returns all definitions ordered by name
func (c *Catalog) List(ctx context.Context) ([]*model.TaskDefinition, error) {
	return c.store.ListDefinitions(ctx)
}

// Resolved is the effective configuration of one dispatch
type Resolved struct {
	Params         model.Params
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Resolve applies schedule overrides on top of a definition. The returned
// params are a snapshot that shares nothing with either input. s may be nil
// for runs that reference the definition directly.
func Resolve(def *model.TaskDefinition, s *model.ScheduledTask, overrides map[string]any) Resolved {
	r := Resolved{
		Timeout:        def.Timeout,
		MaxRetries:     def.MaxRetries,
		RetryBaseDelay: def.RetryBaseDelay,
		RetryMaxDelay:  def.RetryMaxDelay,
	}

	merged := def.DefaultParams
	if s != nil {
		merged = model.Merge(merged, s.ParamOverrides)
		if s.Timeout != nil {
			r.Timeout = *s.Timeout
		}
		if s.MaxRetries != nil {
			r.MaxRetries = *s.MaxRetries
		}
		if s.RetryBaseDelay != nil {
			r.RetryBaseDelay = *s.RetryBaseDelay
		}
		if s.RetryMaxDelay != nil {
			r.RetryMaxDelay = *s.RetryMaxDelay
		}
	}
	r.Params = model.Merge(merged, overrides)
	return r
}
