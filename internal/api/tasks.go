package api

import "net/http"

func (s *Server) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tasks.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTaskHandler cancels a queued or running task. Finished tasks are
// returned unchanged.
func (s *Server) CancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tasks.Cancel(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
