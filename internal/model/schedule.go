package model

import "time"

// ScheduleKind selects the grammar of a schedule payload
type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
	ScheduleMonthly  ScheduleKind = "monthly"
)

// Recurring reports whether the kind fires more than once
func (k ScheduleKind) Recurring() bool {
	return k != ScheduleOnce
}

// ScheduledTask binds a task definition to a time rule
type ScheduledTask struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	DefinitionName string       `json:"definition_name"`
	Kind           ScheduleKind `json:"kind"`
	Payload        string       `json:"payload"`
	Timezone       string       `json:"timezone,omitempty"`
	Priority       int          `json:"priority"`
	Enabled        bool         `json:"enabled"`

	MaxConcurrentExecutions int `json:"max_concurrent_executions"`

	// Overrides of the definition. Nil means inherit.
	ParamOverrides map[string]any `json:"param_overrides,omitempty"`
	Timeout        *time.Duration `json:"timeout,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty"`
	RetryBaseDelay *time.Duration `json:"retry_base_delay,omitempty"`
	RetryMaxDelay  *time.Duration `json:"retry_max_delay,omitempty"`

	LastFireAt *time.Time `json:"last_fire_at,omitempty"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`

	// Reevaluate is set by the missed-run detector; the dispatcher clears it
	// after recomputing the next fire time.
	Reevaluate bool `json:"reevaluate,omitempty"`
	SkipCount  int  `json:"skip_count"`

	// Version guards every update (optimistic concurrency).
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Due reports whether the schedule should fire at now
func (s *ScheduledTask) Due(now time.Time) bool {
	return s.Enabled && s.NextFireAt != nil && !s.NextFireAt.After(now)
}

// ConcurrencyLimit returns the effective concurrent execution limit
func (s *ScheduledTask) ConcurrencyLimit() int {
	if s.MaxConcurrentExecutions <= 0 {
		return 1
	}
	return s.MaxConcurrentExecutions
}
