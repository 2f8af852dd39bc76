package api

import "net/http"

// DashboardSummaryHandler handles GET /v1/dashboard/summary?date=YYYY-MM-DD.
func (s *Server) DashboardSummaryHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.Planner.Dashboard(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// EquityCoverageHandler handles GET /v1/dashboard/equity-coverage. The
// period defaults to the 30 days ending today.
func (s *Server) EquityCoverageHandler(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "periodDays", 30)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.Planner.EquityCoverage(r.Context(), days, r.URL.Query().Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
