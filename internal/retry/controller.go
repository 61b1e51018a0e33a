// Package retry decides whether and when a failed execution runs again.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/t77yq/taskscheduler/internal/model"
)

// Policy is the retry policy applied to one execution
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the relative spread applied to each delay, e.g. 0.2 for ±20%.
	Jitter float64
}

// Decision is the outcome of Decide
type Decision struct {
	Retry bool
	After time.Duration
	// Reason explains a denied retry.
	Reason string
}

const (
	ReasonNonRetryable = "non_retryable"
	ReasonExhausted    = "retries_exhausted"
)

// Controller hands out retry decisions. It is safe for concurrent use.
type Controller struct {
	mu  sync.Mutex
	rng *rand.Rand

	defaults Policy
}

// NewController creates a controller whose policies start from defaults
func NewController(defaults Policy, seed int64) *Controller {
	if defaults.BaseDelay <= 0 {
		defaults.BaseDelay = time.Minute
	}
	if defaults.MaxDelay <= 0 {
		defaults.MaxDelay = time.Hour
	}
	if defaults.Jitter < 0 {
		defaults.Jitter = 0
	}
	return &Controller{
		rng:      rand.New(rand.NewSource(seed)),
		defaults: defaults,
	}
}

// Policy returns the configured policy with the given retry budget
func (c *Controller) Policy(maxRetries int) Policy {
	p := c.defaults
	p.MaxRetries = maxRetries
	return p
}

// PolicyFor returns the policy of e's retry chain: its retry budget and any
// backoff delays resolved from its definition or schedule.
func (c *Controller) PolicyFor(e *model.TaskExecution) Policy {
	p := c.Policy(e.MaxRetries)
	if e.RetryBaseDelay > 0 {
		p.BaseDelay = e.RetryBaseDelay
	}
	if e.RetryMaxDelay > 0 {
		p.MaxDelay = e.RetryMaxDelay
	}
	return p
}

// Decide grants a retry iff the error is retryable and the attempt number
// is below the policy's MaxRetries.
func (c *Controller) Decide(e *model.TaskExecution, p Policy) Decision {
	if e.Error != nil && !e.Error.Retryable {
		return Decision{Reason: ReasonNonRetryable}
	}
	if e.Attempt >= p.MaxRetries {
		return Decision{Reason: ReasonExhausted}
	}

	c.mu.Lock()
	r := c.rng.Float64()*2 - 1
	c.mu.Unlock()

	return Decision{Retry: true, After: Backoff(p, e.Attempt, r)}
}

// Backoff returns BaseDelay*2^(attempt-1) capped at MaxDelay, scaled by
// 1+r*Jitter for r in [-1, 1], and capped again.
func Backoff(p Policy, attempt int, r float64) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter > 0 {
		d = time.Duration(math.Round(float64(d) * (1 + r*p.Jitter)))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
