package model

import (
	"encoding/json"
	"time"
)

// TaskCategory groups task definitions by purpose
type TaskCategory string

const (
	TaskCategoryCleanup      TaskCategory = "cleanup"
	TaskCategoryMonitoring   TaskCategory = "monitoring"
	TaskCategoryNotification TaskCategory = "notification"
	TaskCategoryMaintenance  TaskCategory = "maintenance"
	TaskCategoryGeneral      TaskCategory = "general"
)

// DefaultLane is used when a definition does not name a lane
const DefaultLane = "default"

// TaskDefinition represents an executable task kind registered by an operator
type TaskDefinition struct {
	Name          string         `json:"name"`
	Runner        string         `json:"runner"`
	Description   string         `json:"description,omitempty"`
	Category      TaskCategory   `json:"category"`
	Lane          string         `json:"lane"`
	DefaultParams map[string]any `json:"default_params,omitempty"`
	MaxRetries    int            `json:"max_retries"`
	Timeout       time.Duration  `json:"timeout"`

	// Backoff of the default retry policy. Zero uses the engine default.
	RetryBaseDelay time.Duration `json:"retry_base_delay,omitempty"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay,omitempty"`

	// SlowThreshold opens a slow_execution alert when a run exceeds it. Zero disables.
	SlowThreshold time.Duration `json:"slow_threshold,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Params is a resolved parameter snapshot handed to the task runner
type Params map[string]any

// Clone returns a deep copy of the parameters via a JSON round trip so that
// nested maps and slices never alias the source.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		out := make(Params, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	out := Params{}
	_ = json.Unmarshal(data, &out)
	return out
}

// Merge overlays overrides on top of defaults and returns a new map
func Merge(defaults, overrides map[string]any) Params {
	out := Params(defaults).Clone()
	for k, v := range Params(overrides).Clone() {
		out[k] = v
	}
	return out
}
