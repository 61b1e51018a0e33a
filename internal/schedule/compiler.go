// Package schedule compiles schedule payloads into fire-time calculators.
//
// Every function here is pure: results depend only on the arguments, never
// on the wall clock, so next-fire computations are reproducible in tests.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/t77yq/taskscheduler/internal/model"
)

// maxInterval bounds interval payloads so that after+interval never overflows.
const maxInterval = 10 * 365 * 24 * time.Hour

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// probeFrom is the fixed reference used to reject expressions that can never fire.
var probeFrom = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

var reTimeOfDay = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)

var weekdays = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// InvalidScheduleError is returned for malformed schedule payloads
type InvalidScheduleError struct {
	Kind    model.ScheduleKind
	Payload string
	Reason  string
	Err     error
}

func (e *InvalidScheduleError) Error() string {
	msg := fmt.Sprintf("invalid %s schedule %q: %s", e.Kind, e.Payload, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

// IsInvalidSchedule reports whether err carries an InvalidScheduleError
func IsInvalidSchedule(err error) bool {
	var target *InvalidScheduleError
	return errors.As(err, &target)
}

func invalid(kind model.ScheduleKind, payload, reason string, err error) error {
	return &InvalidScheduleError{Kind: kind, Payload: payload, Reason: reason, Err: err}
}

// Compiled is a parsed schedule payload
type Compiled struct {
	kind     model.ScheduleKind
	payload  string
	loc      *time.Location
	at       time.Time
	interval time.Duration
	spec     cron.Schedule
	expr     string
}

// Compile parses a payload of the given kind. timezone is an IANA name and
// defaults to UTC; it only affects cron and calendar kinds.
func Compile(kind model.ScheduleKind, payload, timezone string) (*Compiled, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, invalid(kind, payload, "unknown timezone "+timezone, err)
		}
		loc = l
	}

	c := &Compiled{kind: kind, payload: payload, loc: loc}

	switch kind {
	case model.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, payload)
		if err != nil {
			return nil, invalid(kind, payload, "expected an RFC 3339 timestamp", err)
		}
		c.at = at
		c.expr = at.UTC().Format(time.RFC3339)
		return c, nil

	case model.ScheduleInterval:
		secs, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return nil, invalid(kind, payload, "expected integer seconds", err)
		}
		if secs <= 0 {
			return nil, invalid(kind, payload, "interval must be > 0", nil)
		}
		d := time.Duration(secs) * time.Second
		if d > maxInterval {
			return nil, invalid(kind, payload, "interval too large", nil)
		}
		c.interval = d
		c.expr = "@every " + d.String()
		return c, nil

	case model.ScheduleCron:
		trimmed := strings.TrimSpace(payload)
		if strings.HasPrefix(trimmed, "CRON_TZ=") || strings.HasPrefix(trimmed, "TZ=") {
			return nil, invalid(kind, payload, "use the schedule timezone instead of a TZ prefix", nil)
		}
		c.expr = trimmed

	case model.ScheduleDaily:
		sec, min, hour, err := parseTimeOfDay(payload)
		if err != nil {
			return nil, invalid(kind, payload, "expected HH:MM[:SS]", err)
		}
		c.expr = fmt.Sprintf("%d %d %d * * *", sec, min, hour)

	case model.ScheduleWeekly:
		fields := strings.Fields(payload)
		if len(fields) != 2 {
			return nil, invalid(kind, payload, "expected '<days> HH:MM[:SS]'", nil)
		}
		days, err := parseWeekdays(fields[0])
		if err != nil {
			return nil, invalid(kind, payload, "bad weekday list", err)
		}
		sec, min, hour, err := parseTimeOfDay(fields[1])
		if err != nil {
			return nil, invalid(kind, payload, "expected HH:MM[:SS]", err)
		}
		c.expr = fmt.Sprintf("%d %d %d * * %s", sec, min, hour, days)

	case model.ScheduleMonthly:
		fields := strings.Fields(payload)
		if len(fields) != 2 {
			return nil, invalid(kind, payload, "expected '<days of month> HH:MM[:SS]'", nil)
		}
		doms, err := parseMonthDays(fields[0])
		if err != nil {
			return nil, invalid(kind, payload, "bad day-of-month list", err)
		}
		sec, min, hour, err := parseTimeOfDay(fields[1])
		if err != nil {
			return nil, invalid(kind, payload, "expected HH:MM[:SS]", err)
		}
		c.expr = fmt.Sprintf("%d %d %d %s * *", sec, min, hour, doms)

	default:
		return nil, invalid(kind, payload, "unknown schedule kind", nil)
	}

	spec, err := cronParser.Parse(c.expr)
	if err != nil {
		return nil, invalid(kind, payload, "invalid cron expression", err)
	}
	// The parser defaults to time.Local; pin the location so results do not
	// depend on the host.
	if s, ok := spec.(*cron.SpecSchedule); ok {
		s.Location = loc
	}
	c.spec = spec

	if spec.Next(probeFrom).IsZero() {
		return nil, invalid(kind, payload, "expression never fires", nil)
	}
	return c, nil
}

// Kind returns the schedule kind
func (c *Compiled) Kind() model.ScheduleKind { return c.kind }

// Payload returns the payload exactly as it was accepted
func (c *Compiled) Payload() string { return c.payload }

// Describe returns the normalized expression used for evaluation
func (c *Compiled) Describe() string { return c.expr }

// Next returns the earliest fire time strictly greater than after. For a
// once schedule it is the fixed timestamp if that is still ahead.
func (c *Compiled) Next(after time.Time) (time.Time, bool) {
	switch c.kind {
	case model.ScheduleOnce:
		if c.at.After(after) {
			return c.at, true
		}
		return time.Time{}, false
	case model.ScheduleInterval:
		return after.Add(c.interval), true
	}

	next := c.spec.Next(after.In(c.loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}

// Upcoming returns up to n successive fire times after base
func (c *Compiled) Upcoming(base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		t, ok := c.Next(next)
		if !ok {
			break
		}
		times = append(times, t)
		next = t
	}
	return times
}

// Period estimates the gap between consecutive fires around ref. A once
// schedule has no period.
func (c *Compiled) Period(ref time.Time) time.Duration {
	switch c.kind {
	case model.ScheduleOnce:
		return 0
	case model.ScheduleInterval:
		return c.interval
	}
	a, ok := c.Next(ref)
	if !ok {
		return 0
	}
	b, ok := c.Next(a)
	if !ok {
		return 0
	}
	return b.Sub(a)
}

// CompileTask compiles the time rule of a scheduled task
func CompileTask(s *model.ScheduledTask) (*Compiled, error) {
	return Compile(s.Kind, s.Payload, s.Timezone)
}

func parseTimeOfDay(v string) (sec, min, hour int, err error) {
	m := reTimeOfDay.FindStringSubmatch(v)
	if m == nil {
		return 0, 0, 0, errors.Newf("bad time of day %q", v)
	}
	hour, _ = strconv.Atoi(m[1])
	min, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		sec, _ = strconv.Atoi(m[3])
	}
	if hour > 23 || min > 59 || sec > 59 {
		return 0, 0, 0, errors.Newf("time of day out of range %q", v)
	}
	return sec, min, hour, nil
}

func parseWeekdays(v string) (string, error) {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		n, ok := weekdays[strings.ToLower(p)]
		if !ok {
			return "", errors.Newf("unknown weekday %q", p)
		}
		out = append(out, strconv.Itoa(n))
	}
	return strings.Join(out, ","), nil
}

func parseMonthDays(v string) (string, error) {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 31 {
			return "", errors.Newf("day of month out of range %q", p)
		}
		out = append(out, strconv.Itoa(n))
	}
	return strings.Join(out, ","), nil
}
