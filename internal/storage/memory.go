package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/t77yq/taskscheduler/internal/model"
)

// MemoryStore implements Store in process memory. Records are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.Mutex
	definitions map[string]*model.TaskDefinition
	schedules   map[string]*model.ScheduledTask
	executions  map[string]*model.TaskExecution
	logs        []*model.TaskLog
	alerts      map[string]*model.TaskAlert
	nextLogID   int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*model.TaskDefinition),
		schedules:   make(map[string]*model.ScheduledTask),
		executions:  make(map[string]*model.TaskExecution),
		alerts:      make(map[string]*model.TaskAlert),
	}
}

// Close implements Store.Close
func (m *MemoryStore) Close() error { return nil }

// CreateDefinition implements Store.CreateDefinition
func (m *MemoryStore) CreateDefinition(_ context.Context, def *model.TaskDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.definitions[def.Name]; ok {
		return errors.Wrapf(ErrAlreadyExists, "definition %s", def.Name)
	}
	m.definitions[def.Name] = copyDefinition(def)
	return nil
}

// GetDefinition implements Store.GetDefinition
func (m *MemoryStore) GetDefinition(_ context.Context, name string) (*model.TaskDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.definitions[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "definition %s", name)
	}
	return copyDefinition(def), nil
}

// ListDefinitions implements Store.ListDefinitions
func (m *MemoryStore) ListDefinitions(_ context.Context) ([]*model.TaskDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*model.TaskDefinition, 0, len(m.definitions))
	for _, def := range m.definitions {
		out = append(out, copyDefinition(def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateSchedule implements Store.CreateSchedule
func (m *MemoryStore) CreateSchedule(_ context.Context, s *model.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.definitions[s.DefinitionName]; !ok {
		return errors.Wrapf(ErrNotFound, "definition %s", s.DefinitionName)
	}
	if _, ok := m.schedules[s.ID]; ok {
		return errors.Wrapf(ErrAlreadyExists, "schedule %s", s.ID)
	}
	for _, other := range m.schedules {
		if other.Name == s.Name {
			return errors.Wrapf(ErrAlreadyExists, "schedule %s", s.Name)
		}
	}
	s.Version = 1
	m.schedules[s.ID] = copySchedule(s)
	return nil
}

// GetSchedule implements Store.GetSchedule
func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	return copySchedule(s), nil
}

// ListSchedules implements Store.ListSchedules
func (m *MemoryStore) ListSchedules(_ context.Context) ([]*model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sortedSchedules(func(*model.ScheduledTask) bool { return true }), nil
}

// ListDueSchedules implements Store.ListDueSchedules
func (m *MemoryStore) ListDueSchedules(_ context.Context, now time.Time) ([]*model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sortedSchedules(func(s *model.ScheduledTask) bool {
		return s.Enabled && (s.Reevaluate || s.Due(now))
	}), nil
}

func (m *MemoryStore) sortedSchedules(keep func(*model.ScheduledTask) bool) []*model.ScheduledTask {
	var out []*model.ScheduledTask
	for _, s := range m.schedules {
		if keep(s) {
			out = append(out, copySchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// UpdateSchedule implements Store.UpdateSchedule
func (m *MemoryStore) UpdateSchedule(_ context.Context, s *model.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updateSchedule(s)
}

func (m *MemoryStore) updateSchedule(s *model.ScheduledTask) error {
	stored, ok := m.schedules[s.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "schedule %s", s.ID)
	}
	if stored.Version != s.Version {
		return errors.Wrapf(ErrConcurrencyConflict, "schedule %s", s.ID)
	}
	s.Version++
	updated := copySchedule(s)
	updated.CreatedAt = stored.CreatedAt
	updated.DefinitionName = stored.DefinitionName
	m.schedules[s.ID] = updated
	return nil
}

// ConsumeFire implements Store.ConsumeFire
func (m *MemoryStore) ConsumeFire(_ context.Context, s *model.ScheduledTask, e *model.TaskExecution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.schedules[s.ID]
	if !ok {
		return false, errors.Wrapf(ErrNotFound, "schedule %s", s.ID)
	}
	if stored.Version != s.Version {
		return false, errors.Wrapf(ErrConcurrencyConflict, "schedule %s", s.ID)
	}
	if _, ok := m.executions[e.ID]; ok {
		return false, errors.Wrapf(ErrAlreadyExists, "execution %s", e.ID)
	}

	inserted := m.countActive(s.ID) < s.ConcurrencyLimit()
	if inserted {
		e.Version = 1
		m.executions[e.ID] = copyExecution(e)
		s.LastFireAt = copyTime(e.ScheduledFor)
	} else {
		s.SkipCount++
	}
	return inserted, m.updateSchedule(s)
}

// CreateExecution implements Store.CreateExecution
func (m *MemoryStore) CreateExecution(_ context.Context, e *model.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertExecution(e)
}

func (m *MemoryStore) insertExecution(e *model.TaskExecution) error {
	if _, ok := m.executions[e.ID]; ok {
		return errors.Wrapf(ErrAlreadyExists, "execution %s", e.ID)
	}
	e.Version = 1
	m.executions[e.ID] = copyExecution(e)
	return nil
}

// CreateExecutionIfBelowLimit implements Store.CreateExecutionIfBelowLimit
func (m *MemoryStore) CreateExecutionIfBelowLimit(_ context.Context, e *model.TaskExecution, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ScheduleID != nil {
		if active := m.countActive(*e.ScheduleID); active >= limit {
			return errors.Wrapf(ErrConcurrencyLimit, "schedule %s has %d active executions", *e.ScheduleID, active)
		}
	}
	return m.insertExecution(e)
}

// RecordFailure implements Store.RecordFailure
func (m *MemoryStore) RecordFailure(_ context.Context, e, retry *model.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	settled := *e
	if retry != nil {
		if _, ok := m.executions[retry.ID]; ok {
			return errors.Wrapf(ErrAlreadyExists, "execution %s", retry.ID)
		}
		settled.SupersededBy = retry.ID
	}
	if err := m.updateExecution(&settled); err != nil {
		return err
	}
	if retry != nil {
		retry.Version = 1
		m.executions[retry.ID] = copyExecution(retry)
	}
	*e = settled
	return nil
}

// GetExecution implements Store.GetExecution
func (m *MemoryStore) GetExecution(_ context.Context, id string) (*model.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	return copyExecution(e), nil
}

// UpdateExecution implements Store.UpdateExecution
func (m *MemoryStore) UpdateExecution(_ context.Context, e *model.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updateExecution(e)
}

func (m *MemoryStore) updateExecution(e *model.TaskExecution) error {
	stored, ok := m.executions[e.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "execution %s", e.ID)
	}
	if stored.Settled() {
		return errors.Wrapf(ErrImmutable, "execution %s is %s", e.ID, stored.State)
	}
	if stored.Version != e.Version {
		return errors.Wrapf(ErrConcurrencyConflict, "execution %s at version %d, have %d", e.ID, stored.Version, e.Version)
	}
	e.Version++
	m.executions[e.ID] = copyExecution(e)
	return nil
}

// ListExecutions implements Store.ListExecutions
func (m *MemoryStore) ListExecutions(_ context.Context, f ExecutionFilter) ([]*model.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.TaskExecution
	for _, e := range m.executions {
		if matchExecution(e, f) {
			out = append(out, copyExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.After(b.QueuedAt)
		}
		if a.Attempt != b.Attempt {
			return a.Attempt > b.Attempt
		}
		return a.ID > b.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchExecution(e *model.TaskExecution, f ExecutionFilter) bool {
	if f.ScheduleID != "" && e.ScheduleRef() != f.ScheduleID {
		return false
	}
	if f.DefinitionName != "" && e.DefinitionName != f.DefinitionName {
		return false
	}
	if f.ChainID != "" && e.ChainID != f.ChainID {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if e.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ScheduledFrom != nil && (e.ScheduledFor == nil || e.ScheduledFor.Before(*f.ScheduledFrom)) {
		return false
	}
	if f.FinishedFrom != nil && (e.FinishedAt == nil || e.FinishedAt.Before(*f.FinishedFrom)) {
		return false
	}
	if f.FinishedTo != nil && (e.FinishedAt == nil || !e.FinishedAt.Before(*f.FinishedTo)) {
		return false
	}
	if f.RetryDueBy != nil && (e.RetryAt == nil || e.RetryAt.After(*f.RetryDueBy)) {
		return false
	}
	if f.CancelRequestedBy != nil && (e.CancelRequestedAt == nil || e.CancelRequestedAt.After(*f.CancelRequestedBy)) {
		return false
	}
	return true
}

// CountActiveExecutions implements Store.CountActiveExecutions
func (m *MemoryStore) CountActiveExecutions(_ context.Context, scheduleID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.countActive(scheduleID), nil
}

func (m *MemoryStore) countActive(scheduleID string) int {
	n := 0
	for _, e := range m.executions {
		if e.ScheduleRef() == scheduleID && e.State.Active() {
			n++
		}
	}
	return n
}

// AppendLog implements Store.AppendLog
func (m *MemoryStore) AppendLog(_ context.Context, l *model.TaskLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextLogID++
	l.ID = m.nextLogID
	entry := *l
	m.logs = append(m.logs, &entry)
	return nil
}

// ListLogs implements Store.ListLogs
func (m *MemoryStore) ListLogs(_ context.Context, executionID string) ([]*model.TaskLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.TaskLog
	for _, l := range m.logs {
		if l.ExecutionID == executionID {
			entry := *l
			out = append(out, &entry)
		}
	}
	return out, nil
}

// CreateAlert implements Store.CreateAlert
func (m *MemoryStore) CreateAlert(_ context.Context, a *model.TaskAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[a.ID]; ok {
		return errors.Wrapf(ErrAlreadyExists, "alert %s", a.ID)
	}
	if a.Active() {
		if existing := m.findActive(a.Kind, a.SubjectID); existing != nil {
			return errors.Wrapf(ErrDuplicateAlert, "%s for %s", a.Kind, a.SubjectID)
		}
	}
	a.Version = 1
	m.alerts[a.ID] = copyAlert(a)
	return nil
}

// GetAlert implements Store.GetAlert
func (m *MemoryStore) GetAlert(_ context.Context, id string) (*model.TaskAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "alert %s", id)
	}
	return copyAlert(a), nil
}

// UpdateAlert implements Store.UpdateAlert
func (m *MemoryStore) UpdateAlert(_ context.Context, a *model.TaskAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.alerts[a.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "alert %s", a.ID)
	}
	if stored.Version != a.Version {
		return errors.Wrapf(ErrConcurrencyConflict, "alert %s", a.ID)
	}
	a.Version++
	updated := copyAlert(a)
	updated.Kind = stored.Kind
	updated.SubjectType = stored.SubjectType
	updated.SubjectID = stored.SubjectID
	updated.OpenedAt = stored.OpenedAt
	m.alerts[a.ID] = updated
	return nil
}

// ListAlerts implements Store.ListAlerts
func (m *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]*model.TaskAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.TaskAlert
	for _, a := range m.alerts {
		if f.State != "" && a.State != f.State {
			continue
		}
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.SubjectID != "" && a.SubjectID != f.SubjectID {
			continue
		}
		out = append(out, copyAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.After(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// FindActiveAlert implements Store.FindActiveAlert
func (m *MemoryStore) FindActiveAlert(_ context.Context, kind model.AlertKind, subjectID string) (*model.TaskAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findActive(kind, subjectID)
	if a == nil {
		return nil, errors.Wrapf(ErrNotFound, "active %s alert for %s", kind, subjectID)
	}
	return copyAlert(a), nil
}

func (m *MemoryStore) findActive(kind model.AlertKind, subjectID string) *model.TaskAlert {
	for _, a := range m.alerts {
		if a.Kind == kind && a.SubjectID == subjectID && a.Active() {
			return a
		}
	}
	return nil
}

// Prune implements Store.Prune
func (m *MemoryStore) Prune(_ context.Context, logsBefore, executionsBefore time.Time) (PruneResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result PruneResult
	expired := make(map[string]bool)
	for id, e := range m.executions {
		if !e.Settled() {
			continue
		}
		at := e.UpdatedAt
		if e.FinishedAt != nil {
			at = *e.FinishedAt
		}
		if at.Before(executionsBefore) {
			expired[id] = true
		}
	}

	kept := m.logs[:0]
	for _, l := range m.logs {
		if l.Timestamp.Before(logsBefore) || expired[l.ExecutionID] {
			result.Logs++
			continue
		}
		kept = append(kept, l)
	}
	m.logs = kept

	for id := range expired {
		delete(m.executions, id)
		result.Executions++
	}
	return result, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	return model.Params(in).Clone()
}

func copyDefinition(d *model.TaskDefinition) *model.TaskDefinition {
	out := *d
	out.DefaultParams = copyMap(d.DefaultParams)
	return &out
}

func copySchedule(s *model.ScheduledTask) *model.ScheduledTask {
	out := *s
	out.ParamOverrides = copyMap(s.ParamOverrides)
	if s.Timeout != nil {
		d := *s.Timeout
		out.Timeout = &d
	}
	if s.MaxRetries != nil {
		n := *s.MaxRetries
		out.MaxRetries = &n
	}
	if s.RetryBaseDelay != nil {
		d := *s.RetryBaseDelay
		out.RetryBaseDelay = &d
	}
	if s.RetryMaxDelay != nil {
		d := *s.RetryMaxDelay
		out.RetryMaxDelay = &d
	}
	out.LastFireAt = copyTime(s.LastFireAt)
	out.NextFireAt = copyTime(s.NextFireAt)
	return &out
}

func copyExecution(e *model.TaskExecution) *model.TaskExecution {
	out := *e
	if e.ScheduleID != nil {
		id := *e.ScheduleID
		out.ScheduleID = &id
	}
	out.ScheduledFor = copyTime(e.ScheduledFor)
	out.StartedAt = copyTime(e.StartedAt)
	out.FinishedAt = copyTime(e.FinishedAt)
	out.RetryAt = copyTime(e.RetryAt)
	out.CancelRequestedAt = copyTime(e.CancelRequestedAt)
	if e.Params != nil {
		out.Params = e.Params.Clone()
	}
	if e.Result != nil {
		out.Result = append(json.RawMessage(nil), e.Result...)
	}
	if e.Error != nil {
		errCopy := *e.Error
		out.Error = &errCopy
	}
	return &out
}

func copyAlert(a *model.TaskAlert) *model.TaskAlert {
	out := *a
	out.Data = copyMap(a.Data)
	out.AcknowledgedAt = copyTime(a.AcknowledgedAt)
	out.ResolvedAt = copyTime(a.ResolvedAt)
	return &out
}
