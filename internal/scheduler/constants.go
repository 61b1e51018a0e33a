package scheduler

import "time"

const (
	defaultTickInterval = 15 * time.Second
	defaultStoreTimeout = 5 * time.Second

	// skippedNote tags fires dropped because the schedule is at its
	// concurrency limit.
	skippedNote = "skipped_due_to_concurrency"
)
