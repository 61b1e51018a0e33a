// Package stats aggregates execution history into success rates and
// mean and percentile durations. Aggregation is a pure function of its input, so
// re-running it over an unchanged history yields identical results.
package stats

import (
	"sort"
	"time"

	"github.com/t77yq/taskscheduler/internal/model"
)

// MaxBuckets caps the number of windows one report holds
const MaxBuckets = 1000

// Query selects the history window and optional bucket size
type Query struct {
	// From and To bound finished_at as [From, To).
	From time.Time
	To   time.Time
	// Bucket splits the window into consecutive buckets starting at From.
	// Zero disables bucketing.
	Bucket time.Duration
}

// Summary describes a group of finished attempts
type Summary struct {
	ScheduleID  string        `json:"schedule_id,omitempty"`
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Cancelled   int           `json:"cancelled"`
	SuccessRate float64       `json:"success_rate"`
	Mean        time.Duration `json:"mean"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
}

// WindowSummary is the summary of one bucket
type WindowSummary struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Summary
}

// Report is the result of Aggregate
type Report struct {
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Overall    Summary         `json:"overall"`
	BySchedule []Summary       `json:"by_schedule"`
	ByWindow   []WindowSummary `json:"by_window,omitempty"`
}

// Aggregate summarises the attempts in execs that finished inside the query
// window. Every attempt counts once; queued, running and retry_scheduled
// attempts are ignored. The result does not depend on the order of execs.
func Aggregate(execs []*model.TaskExecution, q Query) Report {
	finished := make([]*model.TaskExecution, 0, len(execs))
	for _, e := range execs {
		if e.FinishedAt == nil || e.FinishedAt.Before(q.From) || !e.FinishedAt.Before(q.To) {
			continue
		}
		if outcome(e.State) == outcomeNone {
			continue
		}
		finished = append(finished, e)
	}

	r := Report{
		From:       q.From,
		To:         q.To,
		Overall:    summarize("", finished),
		BySchedule: []Summary{},
	}

	groups := make(map[string][]*model.TaskExecution)
	for _, e := range finished {
		groups[e.ScheduleRef()] = append(groups[e.ScheduleRef()], e)
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.BySchedule = append(r.BySchedule, summarize(id, groups[id]))
	}

	if q.Bucket > 0 {
		start := q.From
		for i := 0; i < MaxBuckets && start.Before(q.To); i++ {
			end := start.Add(q.Bucket)
			if end.After(q.To) {
				end = q.To
			}
			var in []*model.TaskExecution
			for _, e := range finished {
				if !e.FinishedAt.Before(start) && e.FinishedAt.Before(end) {
					in = append(in, e)
				}
			}
			r.ByWindow = append(r.ByWindow, WindowSummary{Start: start, End: end, Summary: summarize("", in)})
			start = end
		}
	}
	return r
}

type result int

const (
	outcomeNone result = iota
	outcomeSucceeded
	outcomeFailed
	outcomeCancelled
)

func outcome(s model.ExecutionState) result {
	switch s {
	case model.ExecutionSucceeded:
		return outcomeSucceeded
	case model.ExecutionFailed, model.ExecutionFailedFinal:
		return outcomeFailed
	case model.ExecutionCancelled:
		return outcomeCancelled
	}
	return outcomeNone
}

func summarize(scheduleID string, execs []*model.TaskExecution) Summary {
	s := Summary{ScheduleID: scheduleID, Total: len(execs)}

	var durations []time.Duration
	for _, e := range execs {
		switch outcome(e.State) {
		case outcomeSucceeded:
			s.Succeeded++
		case outcomeFailed:
			s.Failed++
		case outcomeCancelled:
			s.Cancelled++
			continue
		}
		if d, ok := e.Duration(); ok {
			durations = append(durations, d)
		}
	}

	if decided := s.Succeeded + s.Failed; decided > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(decided)
	}

	if len(durations) > 0 {
		var sum time.Duration
		for _, d := range durations {
			sum += d
		}
		s.Mean = sum / time.Duration(len(durations))
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	s.P50 = Percentile(durations, 50)
	s.P95 = Percentile(durations, 95)
	return s
}

// Percentile returns the nearest-rank pct-th percentile of sorted durations
func Percentile(sorted []time.Duration, pct int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
