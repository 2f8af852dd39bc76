package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"equiroute/internal/apperr"
	"equiroute/internal/tasks"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Field    string `json:"field,omitempty"`
}

const maxBody = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeProblemBody(w, Problem{Title: title, Status: status, Detail: detail, Instance: instance})
}

func writeProblemBody(w http.ResponseWriter, p Problem) {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeError maps classified errors onto problem responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := Problem{Detail: err.Error(), Instance: r.URL.Path, Kind: string(apperr.KindOf(err)), Field: apperr.FieldOf(err)}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		p.Status, p.Title = http.StatusBadRequest, "Invalid request"
	case apperr.KindNotFound:
		p.Status, p.Title = http.StatusNotFound, "Not found"
	case apperr.KindConflict:
		p.Status, p.Title = http.StatusConflict, "Conflict"
	case apperr.KindDataIncomplete:
		p.Status, p.Title = http.StatusUnprocessableEntity, "Incomplete data"
	case apperr.KindConfiguration:
		p.Status, p.Title = http.StatusUnprocessableEntity, "Configuration error"
	default:
		switch {
		case errors.Is(err, tasks.ErrQueueFull):
			p.Status, p.Title = http.StatusServiceUnavailable, "Task queue full"
			w.Header().Set("Retry-After", "5")
		case errors.Is(err, tasks.ErrUnknown):
			p.Status, p.Title = http.StatusNotFound, "Not found"
		default:
			p.Status, p.Title = http.StatusInternalServerError, "Internal error"
			s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
			p.Detail = "internal error"
		}
	}
	writeProblemBody(w, p)
}

// decodeJSON reads a JSON body into v. An empty body leaves v unchanged.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Wrap(apperr.KindValidation, err, "invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation(key, "expected a non-negative integer, got %q", v)
	}
	return n, nil
}

func queryFloat(r *http.Request, key string) (*float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, apperr.Validation(key, "expected a number, got %q", v)
	}
	return &f, nil
}

func queryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, apperr.Validation(key, "expected true or false, got %q", v)
	}
	return &b, nil
}

func attachment(w http.ResponseWriter, name, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
}
