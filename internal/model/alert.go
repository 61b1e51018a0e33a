package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertKind represents the kind of operational problem
type AlertKind string

const (
	AlertMissedRun       AlertKind = "missed_run"
	AlertRepeatedFailure AlertKind = "repeated_failure"
	AlertSlowExecution   AlertKind = "slow_execution"
	AlertStaleSchedule   AlertKind = "stale_schedule"
)

// AlertState is the lifecycle state of an alert
type AlertState string

const (
	AlertOpen         AlertState = "open"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// SubjectType names what an alert is about
type SubjectType string

const (
	SubjectSchedule  SubjectType = "schedule"
	SubjectExecution SubjectType = "execution"
)

// TaskAlert represents a surfaced operational problem
type TaskAlert struct {
	ID          string         `json:"id"`
	Kind        AlertKind      `json:"kind"`
	Severity    AlertSeverity  `json:"severity"`
	SubjectType SubjectType    `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	Message     string         `json:"message"`
	State       AlertState     `json:"state"`
	Data        map[string]any `json:"data,omitempty"`

	OpenedAt       time.Time  `json:"opened_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`

	Version int64 `json:"version"`
}

// Active reports whether the alert still blocks a duplicate of its kind
func (a *TaskAlert) Active() bool {
	return a.State == AlertOpen || a.State == AlertAcknowledged
}

// AlertSummary counts alerts by severity
type AlertSummary struct {
	Open         map[AlertSeverity]int `json:"open"`
	Acknowledged map[AlertSeverity]int `json:"acknowledged"`
	Total        int                   `json:"total"`
}
