package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/service"
)

type resolveRequest struct {
	By string `json:"by"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	query := service.ExecutionQuery{
		ScheduleID:     q.Get("schedule_id"),
		DefinitionName: q.Get("definition"),
		ChainID:        q.Get("chain_id"),
		Limit:          limit,
	}
	if v := q.Get("state"); v != "" {
		for _, st := range strings.Split(v, ",") {
			query.States = append(query.States, model.ExecutionState(strings.TrimSpace(st)))
		}
	}

	list, err := s.svc.ListExecutions(r.Context(), query)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.GetExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.CancelExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	list, err := s.svc.ListAlerts(r.Context(), model.AlertState(q.Get("state")), model.AlertKind(q.Get("kind")), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list})
}

func (s *Server) handleAlertSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.AlertSummary(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.AcknowledgeAlert(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req, true) {
		return
	}
	a, err := s.svc.ResolveAlert(r.Context(), chi.URLParam(r, "alertID"), req.By)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := service.StatsQuery{ScheduleID: q.Get("schedule_id")}

	var err error
	if query.From, err = timeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "from: "+err.Error())
		return
	}
	if query.To, err = timeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "to: "+err.Error())
		return
	}
	if query.Bucket, err = parseDuration(q.Get("bucket")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "bucket: "+err.Error())
		return
	}

	report, err := s.svc.Stats(r.Context(), query)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
