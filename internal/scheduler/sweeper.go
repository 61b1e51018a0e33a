package scheduler

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// sweep runs the execution maintenance steps of a tick. Each step is
// independent; one failing does not skip the others.
func (d *Dispatcher) sweep(ctx context.Context, res *TickResult) {
	steps := []struct {
		name  string
		run   func(context.Context) (int, error)
		count *int
	}{
		{"due retries", d.tracker.DispatchDueRetries, &res.Retries},
		{"cancellations", d.tracker.SweepCancellations, &res.Swept},
		{"expired executions", d.tracker.SweepExpired, &res.Swept},
		{"stranded executions", d.tracker.RedispatchStranded, &res.Retries},
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			return
		}
		n, err := runStep(ctx, step.run)
		if err != nil {
			d.logger.Error("Sweep step failed", zap.String("step", step.name), zap.Error(err))
			res.Failed++
			continue
		}
		*step.count += n
	}
}

func runStep(ctx context.Context, run func(context.Context) (int, error)) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, errors.Newf("panic: %v", r)
		}
	}()
	return run(ctx)
}
