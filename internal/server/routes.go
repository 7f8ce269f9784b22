package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/wgst88w/Gemini-CLI-UI/internal/agentsessions"
)

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"sessions":          s.sessions.Count(),
		"activeInvocations": len(s.supervisor.Active()),
		"authEnabled":       s.jwtValidator != nil,
		"invocationLog":     s.store != nil,
		"startedAt":         s.startedAt.UTC().Format(time.RFC3339),
		"uptime":            time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleListSessions lists conversation sessions, optionally only those
// rooted at ?projectPath=.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List(r.URL.Query().Get("projectPath"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	messages, err := s.sessions.Messages(id)
	if err != nil {
		if errors.Is(err, agentsessions.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": id,
		"messages":  messages,
	})
}

// handleDeleteSession aborts any running turn of the session, then forgets
// its history and its logged invocations.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	aborted := s.supervisor.Abort(id)
	if !s.sessions.Delete(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if s.store != nil {
		if err := s.store.DeleteSessionInvocations(id); err != nil {
			slog.Warn("Failed to delete session invocations", "sessionId", id, "error", err)
		}
	}

	slog.Info("Session deleted", "sessionId", id, "aborted", aborted)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": id,
		"aborted":   aborted,
	})
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, sessionAborted{
		Type:      "session-aborted",
		SessionID: id,
		Success:   s.supervisor.Abort(id),
	})
}

// handleListInvocations lists logged invocations, newest first.
func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "invocation log is disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	invocations, err := s.store.ListInvocations(r.URL.Query().Get("sessionId"), limit)
	if err != nil {
		slog.Error("Failed to list invocations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list invocations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"invocations": invocations,
	})
}

func (s *Server) handleActiveInvocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"invocations": s.supervisor.Active(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
