package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"groupcast/internal/campaign"
	"groupcast/internal/store"
	logx "groupcast/pkg/logx"
)

type submitCampaignRequest struct {
	TenantID      string     `json:"tenant_id" validate:"required"`
	Name          string     `json:"name" validate:"required"`
	Messages      []string   `json:"messages" validate:"required,min=1,dive,required"`
	Groups        []string   `json:"groups" validate:"required,min=1,dive,required"`
	IntervalHours float64    `json:"interval_hours" validate:"omitempty,gt=0"`
	StartDate     time.Time  `json:"start_date" validate:"required"`
	EndDate       *time.Time `json:"end_date,omitempty"`
}

type submitCampaignResponse struct {
	Campaign     *campaign.Campaign `json:"campaign"`
	TasksCreated int                `json:"tasks_created"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmitCampaign(w http.ResponseWriter, r *http.Request) {
	var req submitCampaignRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	c := &campaign.Campaign{
		TenantID: req.TenantID,
		Name:     req.Name,
		Messages: req.Messages,
		Groups:   req.Groups,
		Interval: time.Duration(req.IntervalHours * float64(time.Hour)),
		StartAt:  req.StartDate,
	}
	if req.EndDate != nil {
		c.EndAt = *req.EndDate
	}

	created, tasks, err := s.campaigns.Submit(r.Context(), c)
	if err != nil {
		if errors.Is(err, campaign.ErrInvalidCampaign) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("campaign submission failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "campaign submission failed")
		return
	}
	writeJSON(w, http.StatusCreated, submitCampaignResponse{Campaign: created, TasksCreated: tasks})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		s.log.Error("campaign lookup failed", logx.String("campaign", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "campaign lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleTenantReport(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	sum, err := s.reports.Summarize(r.Context(), tenantID)
	if err != nil {
		s.log.Error("report failed", logx.String("tenant", tenantID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "report failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleTenantTasks(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	status := campaign.TaskStatus(r.URL.Query().Get("status"))
	switch status {
	case "", campaign.TaskPending, campaign.TaskSent, campaign.TaskFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	tasks, err := s.store.ListTasks(r.Context(), tenantID, status, limit)
	if err != nil {
		s.log.Error("task listing failed", logx.String("tenant", tenantID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "task listing failed")
		return
	}
	if tasks == nil {
		tasks = []campaign.SendTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type channelStatusResponse struct {
	TenantID string `json:"tenant_id"`
	Status   string `json:"status"`
}

func (s *Server) handleTenantChannel(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	resp := channelStatusResponse{TenantID: tenantID, Status: "absent"}
	if ch, ok := s.reg.Lookup(tenantID); ok {
		resp.Status = string(ch.Status())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
