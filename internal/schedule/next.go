package schedule

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/t77yq/taskscheduler/internal/model"
)

// BacklogPolicy decides what happens to fires that fell behind now
type BacklogPolicy string

const (
	// BacklogClamp collapses a backlog into one catch-up fire at now.
	BacklogClamp BacklogPolicy = "clamp"
	// BacklogBurst replays every missed occurrence.
	BacklogBurst BacklogPolicy = "burst"
)

// ParseBacklogPolicy validates a configured policy name. Empty means clamp.
func ParseBacklogPolicy(v string) (BacklogPolicy, error) {
	switch BacklogPolicy(v) {
	case "", BacklogClamp:
		return BacklogClamp, nil
	case BacklogBurst:
		return BacklogBurst, nil
	}
	return "", errors.Newf("unknown backlog policy %q", v)
}

// NextFire computes the next fire time of s after the given instant. A nil
// result means the schedule is exhausted (a once schedule that is past or
// has already fired).
//
// now is only consulted by the clamp policy; with burst the result depends
// on the schedule and after alone.
func NextFire(s *model.ScheduledTask, after, now time.Time, policy BacklogPolicy) (*time.Time, error) {
	c, err := CompileTask(s)
	if err != nil {
		return nil, err
	}
	return c.NextFire(s.LastFireAt, after, now, policy), nil
}

// NextFire applies the backlog policy on top of Next. lastFire is the fire
// time most recently consumed by the schedule, if any.
func (c *Compiled) NextFire(lastFire *time.Time, after, now time.Time, policy BacklogPolicy) *time.Time {
	if c.kind == model.ScheduleOnce {
		if lastFire != nil {
			return nil
		}
		t, ok := c.Next(after)
		if !ok {
			return nil
		}
		return &t
	}

	t, ok := c.Next(after)
	if !ok {
		return nil
	}
	if policy != BacklogBurst && t.Before(now) {
		t = now
	}
	return &t
}
