package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.Stats(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "stopping",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":                 "healthy",
		"uptime_seconds":         int64(time.Since(s.startTime).Seconds()),
		"active_sessions":        st.Live,
		"authenticated_sessions": st.Authenticated,
	})
}

// StatsHandler serves the registry snapshot as JSON
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.Stats(r.Context())
	if err != nil {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	nicknames := st.Nicknames
	if nicknames == nil {
		nicknames = []string{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"live":          st.Live,
		"authenticated": st.Authenticated,
		"nicknames":     nicknames,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Error encoding JSON response", "error", err)
	}
}
