package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/t77yq/taskscheduler/internal/model"
)

type createDefinitionRequest struct {
	Name           string         `json:"name"`
	Runner         string         `json:"runner"`
	Description    string         `json:"description"`
	Category       string         `json:"category"`
	Lane           string         `json:"lane"`
	DefaultParams  map[string]any `json:"default_params"`
	MaxRetries     int            `json:"max_retries"`
	Timeout        string         `json:"timeout"`
	SlowThreshold  string         `json:"slow_threshold"`
	RetryBaseDelay string         `json:"retry_base_delay"`
	RetryMaxDelay  string         `json:"retry_max_delay"`
}

type createScheduleRequest struct {
	Name                    string         `json:"name"`
	Definition              string         `json:"definition"`
	Kind                    string         `json:"kind"`
	Payload                 string         `json:"payload"`
	Timezone                string         `json:"timezone"`
	Priority                int            `json:"priority"`
	Enabled                 *bool          `json:"enabled"`
	MaxConcurrentExecutions int            `json:"max_concurrent_executions"`
	ParamOverrides          map[string]any `json:"param_overrides"`
	Timeout                 *string        `json:"timeout"`
	MaxRetries              *int           `json:"max_retries"`
	RetryBaseDelay          *string        `json:"retry_base_delay"`
	RetryMaxDelay           *string        `json:"retry_max_delay"`
}

type triggerRequest struct {
	Params map[string]any `json:"params"`
}

func (s *Server) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	var req createDefinitionRequest
	if !decode(w, r, &req, false) {
		return
	}
	timeout, err := parseDuration(req.Timeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "timeout: "+err.Error())
		return
	}
	slow, err := parseDuration(req.SlowThreshold)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "slow_threshold: "+err.Error())
		return
	}
	baseDelay, err := parseDuration(req.RetryBaseDelay)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "retry_base_delay: "+err.Error())
		return
	}
	maxDelay, err := parseDuration(req.RetryMaxDelay)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "retry_max_delay: "+err.Error())
		return
	}

	def, err := s.svc.CreateDefinition(r.Context(), &model.TaskDefinition{
		Name:          strings.TrimSpace(req.Name),
		Runner:        strings.TrimSpace(req.Runner),
		Description:   req.Description,
		Category:      model.TaskCategory(req.Category),
		Lane:          req.Lane,
		DefaultParams: req.DefaultParams,
		MaxRetries:    req.MaxRetries,
		Timeout:       timeout,
		SlowThreshold: slow,

		RetryBaseDelay: baseDelay,
		RetryMaxDelay:  maxDelay,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.svc.ListDefinitions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.svc.GetDefinition(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleTriggerDefinition(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decode(w, r, &req, true) {
		return
	}
	e, err := s.svc.TriggerDefinition(r.Context(), chi.URLParam(r, "name"), req.Params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decode(w, r, &req, false) {
		return
	}

	sched := &model.ScheduledTask{
		Name:                    strings.TrimSpace(req.Name),
		DefinitionName:          strings.TrimSpace(req.Definition),
		Kind:                    model.ScheduleKind(req.Kind),
		Payload:                 req.Payload,
		Timezone:                req.Timezone,
		Priority:                req.Priority,
		Enabled:                 req.Enabled == nil || *req.Enabled,
		MaxConcurrentExecutions: req.MaxConcurrentExecutions,
		ParamOverrides:          req.ParamOverrides,
		MaxRetries:              req.MaxRetries,
	}
	if req.Timeout != nil {
		d, err := parseDuration(*req.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "timeout: "+err.Error())
			return
		}
		sched.Timeout = &d
	}
	for _, o := range []struct {
		field string
		value *string
		dst   **time.Duration
	}{
		{"retry_base_delay", req.RetryBaseDelay, &sched.RetryBaseDelay},
		{"retry_max_delay", req.RetryMaxDelay, &sched.RetryMaxDelay},
	} {
		if o.value == nil {
			continue
		}
		d, err := parseDuration(*o.value)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", o.field+": "+err.Error())
			return
		}
		*o.dst = &d
	}

	created, err := s.svc.CreateSchedule(r.Context(), sched)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListSchedules(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*model.ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.svc.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.svc.EnableSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.svc.DisableSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decode(w, r, &req, true) {
		return
	}
	e, err := s.svc.TriggerSchedule(r.Context(), chi.URLParam(r, "scheduleID"), req.Params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) handleNextFires(w http.ResponseWriter, r *http.Request) {
	count, err := intParam(r, "count")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	times, err := s.svc.NextFires(r.Context(), chi.URLParam(r, "scheduleID"), count)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"next": times})
}

// decode reads a JSON body into dst. With optional set an empty body is
// accepted.
func decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
	return false
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Newf("%s must be an integer", name)
	}
	return n, nil
}
