package api

import (
	"net/http"

	"equiroute/internal/model"
)

// ListLocationsHandler handles GET /v1/locations?active=true
func (s *Server) ListLocationsHandler(w http.ResponseWriter, r *http.Request) {
	active, err := queryBool(r, "active")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.Catalog.Locations(r.Context(), active != nil && *active)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) UpsertLocationHandler(w http.ResponseWriter, r *http.Request) {
	var l model.VisitLocation
	if err := decodeJSON(r, &l); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Catalog.UpsertLocation(r.Context(), l)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ListResourcesHandler handles GET /v1/resources?teamId=
func (s *Server) ListResourcesHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.Catalog.Resources(r.Context(), r.URL.Query().Get("teamId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) UpsertResourceHandler(w http.ResponseWriter, r *http.Request) {
	var res model.Resource
	if err := decodeJSON(r, &res); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Catalog.UpsertResource(r.Context(), res)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
