package api

import (
	"context"
	"mime"
	"net/http"
	"strings"

	"equiroute/internal/apperr"
	"equiroute/internal/ingest"
	"equiroute/internal/model"
	"equiroute/internal/store"
)

// ListPrioritiesHandler handles GET /v1/priorities
func (s *Server) ListPrioritiesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.PriorityFilter{Label: model.PriorityLabel(strings.ToUpper(q.Get("label"))), Sort: q.Get("sort")}
	var err error
	if f.MinScore, err = queryFloat(r, "minScore"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.MaxScore, err = queryFloat(r, "maxScore"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Core20, err = queryBool(r, "core20"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Limit, err = queryInt(r, "limit", 100); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		s.writeError(w, r, err)
		return
	}
	items, total, err := s.Scorer.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total, "limit": f.Limit, "offset": f.Offset})
}

// PrioritySummaryHandler handles GET /v1/priorities/summary
func (s *Server) PrioritySummaryHandler(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Scorer.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// RecalculateHandler handles POST /v1/priorities/recalculate. The batch runs
// as a background task; poll /v1/tasks/{id} for the summary.
func (s *Server) RecalculateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UnitIDs []string `json:"unitIds"`
		AsOf    string   `json:"asOf"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Fail fast without an active configuration instead of queueing a doomed task.
	if _, err := s.Models.Active(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.Tasks.Submit("recalculate", req.AsOf, func(ctx context.Context) (any, error) {
		return s.Scorer.RecalculateBatch(ctx, req.UnitIDs, req.AsOf)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/tasks/"+task.ID)
	writeJSON(w, http.StatusAccepted, task)
}

// LatestPriorityHandler handles GET /v1/priorities/{unit}
func (s *Server) LatestPriorityHandler(w http.ResponseWriter, r *http.Request) {
	ps, err := s.Scorer.Latest(r.Context(), r.PathValue("unit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) ExplainPriorityHandler(w http.ResponseWriter, r *http.Request) {
	ex, err := s.Scorer.Explain(r.Context(), r.PathValue("unit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) PriorityHistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 30)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.Scorer.History(r.Context(), r.PathValue("unit"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unitId": r.PathValue("unit"), "items": items})
}

// ComputePriorityHandler handles POST /v1/priorities/{unit}/compute?asOf=YYYY-MM-DD
func (s *Server) ComputePriorityHandler(w http.ResponseWriter, r *http.Request) {
	ps, err := s.Scorer.ComputePriority(r.Context(), r.PathValue("unit"), r.URL.Query().Get("asOf"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

const xlsxType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ImportIndicatorsHandler handles POST /v1/indicators. The body is a JSON
// array of bundles, a CSV file (text/csv) or an XLSX workbook.
func (s *Server) ImportIndicatorsHandler(w http.ResponseWriter, r *http.Request) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	body := http.MaxBytesReader(w, r.Body, maxBody)
	var (
		bundles []model.IndicatorBundle
		err     error
	)
	switch ct {
	case "text/csv":
		bundles, err = ingest.ReadIndicatorsCSV(body)
	case xlsxType:
		bundles, err = ingest.ReadIndicatorsXLSX(body, r.URL.Query().Get("sheet"))
	case "", "application/json":
		err = decodeJSON(r, &bundles)
	default:
		err = apperr.Validation("Content-Type", "unsupported media type %q", ct)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.Catalog.ImportIndicators(r.Context(), bundles)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
