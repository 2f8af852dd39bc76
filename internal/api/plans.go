package api

import (
	"bytes"
	"context"
	"net/http"

	"equiroute/internal/ingest"
	"equiroute/internal/model"
	"equiroute/internal/service"
)

func (s *Server) CreatePlanHandler(w http.ResponseWriter, r *http.Request) {
	var req service.CreatePlanRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	plan, err := s.Planner.CreatePlan(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/plans/"+plan.ID)
	writeJSON(w, http.StatusCreated, plan)
}

// ListPlansHandler handles GET /v1/plans?date=YYYY-MM-DD
func (s *Server) ListPlansHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.Planner.ListPlans(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetPlanHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := s.Planner.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// OptimizeHandler handles POST /v1/plans/{id}/optimize. Missing body fields
// keep their defaults. With ?async=true the run is queued and a task returned.
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg := model.DefaultOptimizeConfig()
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	async, err := queryBool(r, "async")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if async != nil && *async {
		if _, err := s.Planner.GetPlan(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		task, err := s.Tasks.Submit("optimize", id, func(ctx context.Context) (any, error) {
			return s.Planner.Optimize(ctx, id, cfg)
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/tasks/"+task.ID)
		writeJSON(w, http.StatusAccepted, task)
		return
	}
	res, err := s.Planner.Optimize(r.Context(), id, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type transitionRequest struct {
	ExpectedVersion int    `json:"expectedVersion"`
	ApprovedBy      string `json:"approvedBy"`
}

func (s *Server) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	plan, err := s.Planner.Approve(r.Context(), r.PathValue("id"), req.ExpectedVersion, req.ApprovedBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) StartHandler(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	plan, err := s.Planner.Start(r.Context(), r.PathValue("id"), req.ExpectedVersion)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	plan, err := s.Planner.Complete(r.Context(), r.PathValue("id"), req.ExpectedVersion)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) CoverageHandler(w http.ResponseWriter, r *http.Request) {
	cov, err := s.Planner.Coverage(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cov)
}

// ExportPlanHandler returns the plan as an XLSX workbook.
func (s *Server) ExportPlanHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := s.Planner.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := ingest.ExportPlan(&buf, plan); err != nil {
		s.writeError(w, r, err)
		return
	}
	attachment(w, "plan-"+plan.PlanDate+"-"+plan.ID+".xlsx", xlsxType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// UpdateStopHandler handles PATCH /v1/plans/{id}/stops/{stopId}
func (s *Server) UpdateStopHandler(w http.ResponseWriter, r *http.Request) {
	var upd model.StopUpdate
	if err := decodeJSON(r, &upd); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.Planner.UpdateStop(r.Context(), r.PathValue("id"), r.PathValue("stopId"), upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
