package api

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"equiroute/internal/apperr"
	"equiroute/internal/dex"
)

func (s *Server) ListModelConfigsHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.Models.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// CreateModelConfigHandler accepts the configuration as JSON or, with a YAML
// content type, in the same format as the model config files.
func (s *Server) CreateModelConfigHandler(w http.ResponseWriter, r *http.Request) {
	var cfg dex.ModelConfig
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasSuffix(ct, "yaml") {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.KindValidation, err, "read body"))
			return
		}
		if cfg, err = dex.LoadConfigYAML(data); err != nil {
			s.writeError(w, r, err)
			return
		}
	} else if err := decodeJSON(r, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Models.Create(r.Context(), cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/model-configs/"+out.Version)
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) ActiveModelConfigHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Models.Active(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) ActivationsHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.Models.Activations(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetModelConfigHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Models.Get(r.Context(), r.PathValue("version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ActivateModelConfigHandler handles POST /v1/model-configs/{version}/activate.
// expectedActive is the version the caller believes is active ("" for none).
func (s *Server) ActivateModelConfigHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpectedActive string `json:"expectedActive"`
		ActivatedBy    string `json:"activatedBy"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.Models.Activate(r.Context(), r.PathValue("version"), req.ExpectedActive, req.ActivatedBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
