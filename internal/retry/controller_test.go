package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/t77yq/taskscheduler/internal/model"
)

func failedAttempt(attempt int, retryable bool) *model.TaskExecution {
	return &model.TaskExecution{
		ID:      "exec",
		Attempt: attempt,
		State:   model.ExecutionFailed,
		Error:   &model.ExecutionError{Reason: model.ReasonTaskFailed, Message: "boom", Retryable: retryable},
	}
}

func TestDecide(t *testing.T) {
	c := NewController(Policy{BaseDelay: time.Minute, MaxDelay: time.Hour, Jitter: 0.2}, 1)
	p := c.Policy(2)

	t.Run("grants a retry below the budget", func(t *testing.T) {
		d := c.Decide(failedAttempt(1, true), p)
		assert.True(t, d.Retry)
		assert.GreaterOrEqual(t, d.After, 48*time.Second)
		assert.LessOrEqual(t, d.After, 72*time.Second)
	})

	t.Run("denies once the budget is spent", func(t *testing.T) {
		d := c.Decide(failedAttempt(2, true), p)
		assert.False(t, d.Retry)
		assert.Equal(t, ReasonExhausted, d.Reason)
	})

	t.Run("non-retryable short circuits", func(t *testing.T) {
		d := c.Decide(failedAttempt(1, false), c.Policy(10))
		assert.False(t, d.Retry)
		assert.Equal(t, ReasonNonRetryable, d.Reason)
	})

	t.Run("zero budget never retries", func(t *testing.T) {
		d := c.Decide(failedAttempt(1, true), c.Policy(0))
		assert.False(t, d.Retry)
	})
}

func TestDecide_DelayBounds(t *testing.T) {
	base := 10 * time.Second
	maxDelay := 5 * time.Minute
	c := NewController(Policy{BaseDelay: base, MaxDelay: maxDelay, Jitter: 0.2}, 42)
	p := c.Policy(20)

	for attempt := 1; attempt < 20; attempt++ {
		nominal := base << (attempt - 1)
		if nominal > maxDelay || nominal <= 0 {
			nominal = maxDelay
		}
		lower := time.Duration(float64(nominal) * 0.8)

		for i := 0; i < 200; i++ {
			d := c.Decide(failedAttempt(attempt, true), p)
			if !assert.True(t, d.Retry) {
				return
			}
			assert.GreaterOrEqual(t, d.After, lower, "attempt %d", attempt)
			assert.LessOrEqual(t, d.After, maxDelay, "attempt %d", attempt)
		}
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: time.Minute, MaxDelay: 10 * time.Minute, Jitter: 0.2}

	assert.Equal(t, time.Minute, Backoff(p, 1, 0))
	assert.Equal(t, 2*time.Minute, Backoff(p, 2, 0))
	assert.Equal(t, 8*time.Minute, Backoff(p, 4, 0))
	assert.Equal(t, 10*time.Minute, Backoff(p, 5, 0))
	assert.Equal(t, 10*time.Minute, Backoff(p, 60, 0))

	assert.Equal(t, 48*time.Second, Backoff(p, 1, -1))
	assert.Equal(t, 72*time.Second, Backoff(p, 1, 1))
	// Jitter never pushes past the cap.
	assert.Equal(t, 10*time.Minute, Backoff(p, 5, 1))
}

func TestPolicyFor(t *testing.T) {
	c := NewController(Policy{BaseDelay: time.Minute, MaxDelay: time.Hour, Jitter: 0.2}, 1)

	e := failedAttempt(1, true)
	e.MaxRetries = 3
	p := c.PolicyFor(e)
	assert.Equal(t, Policy{MaxRetries: 3, BaseDelay: time.Minute, MaxDelay: time.Hour, Jitter: 0.2}, p)

	e.RetryBaseDelay = 5 * time.Second
	e.RetryMaxDelay = 20 * time.Second
	p = c.PolicyFor(e)
	assert.Equal(t, 5*time.Second, p.BaseDelay)
	assert.Equal(t, 20*time.Second, p.MaxDelay)
	assert.Equal(t, 0.2, p.Jitter)

	e.Attempt = 3
	e.MaxRetries = 10
	d := c.Decide(e, c.PolicyFor(e))
	assert.True(t, d.Retry)
	assert.GreaterOrEqual(t, d.After, 16*time.Second)
	assert.LessOrEqual(t, d.After, 20*time.Second)
}
