// Package scheduler runs the tick loop that turns due schedules into
// dispatched executions.
package scheduler

import (
	"context"
	"time"

	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/schedule"
)

// Tracker is the part of the execution tracker the loop drives
type Tracker interface {
	// Dispatch hands a queued execution to the task runner
	Dispatch(ctx context.Context, e *model.TaskExecution) error

	// DispatchDueRetries queues retry attempts whose retry time has come
	DispatchDueRetries(ctx context.Context) (int, error)

	// SweepCancellations fails executions that ignored a cancel request
	SweepCancellations(ctx context.Context) (int, error)

	// SweepExpired fails executions that outlived their timeout
	SweepExpired(ctx context.Context) (int, error)

	// RedispatchStranded resends queued executions that never reached the runner
	RedispatchStranded(ctx context.Context) (int, error)
}

// Lease arbitrates between redundant scheduler instances
type Lease interface {
	// Acquire takes or renews the lease and reports whether this instance holds it
	Acquire(ctx context.Context) (bool, error)
}

// Config defines the loop settings
type Config struct {
	TickInterval time.Duration
	Backlog      schedule.BacklogPolicy
	StoreTimeout time.Duration
}

// TickResult counts what one tick did
type TickResult struct {
	Fired       int
	Skipped     int
	Conflicts   int
	Failed      int
	Reevaluated int
	Retries     int
	Swept       int
	// LeaseHeld is false when another instance owns the lease.
	LeaseHeld bool
}
