package model

import "time"

// LogSeverity is the severity of a task log line
type LogSeverity string

const (
	LogDebug   LogSeverity = "debug"
	LogInfo    LogSeverity = "info"
	LogWarning LogSeverity = "warning"
	LogError   LogSeverity = "error"
)

// TaskLog is an append-only line attached to an execution
type TaskLog struct {
	ID          int64       `json:"id"`
	ExecutionID string      `json:"execution_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Severity    LogSeverity `json:"severity"`
	Message     string      `json:"message"`
}
