package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/ptyhub/ptyhub/internal/session"
)

// startRequest is the body of POST /sessions/{id}/start.
type startRequest struct {
	ProjectPath  string      `json:"projectPath"`
	TerminalKind string      `json:"terminalKind,omitempty"`
	UserID       string      `json:"userId,omitempty"`
	Config       startConfig `json:"config"`
}

type startConfig struct {
	Cols uint16            `json:"cols,omitempty"`
	Rows uint16            `json:"rows,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

type startResponse struct {
	Success bool `json:"success"`
	PID     int  `json:"pid"`
}

type stopRequest struct {
	Force bool `json:"force,omitempty"`
}

type statusResponse struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
	PID     int    `json:"pid,omitempty"`
	Kind    string `json:"terminalKind"`
}

func (s *APIServer) handleSessionsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleSessionsList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *APIServer) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	if s.sessionManager == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager unavailable")
		return
	}
	infos := s.sessionManager.List()
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleSessionSubroutes dispatches /sessions/{id}/... paths. The shell
// variants pin the terminal kind; the plain variants default to the agent
// and accept an explicit terminalKind in the body or query.
func (s *APIServer) handleSessionSubroutes(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if trimmed == "" || trimmed == "/" {
		s.handleSessionsRoot(w, r)
		return
	}

	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	sessionID := parts[0]
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	rest := parts[1:]
	pinnedShell := false
	if len(rest) > 0 && rest[0] == "shell" {
		pinnedShell = true
		rest = rest[1:]
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch rest[0] {
	case "start":
		s.handleSessionStart(w, r, sessionID, pinnedShell)
	case "stop":
		s.handleSessionStop(w, r, sessionID, pinnedShell)
	case "status":
		s.handleSessionStatus(w, r, sessionID, pinnedShell)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *APIServer) resolveKind(r *http.Request, raw string, pinnedShell bool) (session.TerminalKind, error) {
	if pinnedShell {
		return session.KindShell, nil
	}
	if raw == "" {
		raw = r.URL.Query().Get("terminalKind")
	}
	return session.ParseTerminalKind(raw)
}

func (s *APIServer) handleSessionStart(w http.ResponseWriter, r *http.Request, sessionID string, pinnedShell bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.sessionManager == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager unavailable")
		return
	}

	var payload startRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}
	if strings.TrimSpace(payload.ProjectPath) == "" {
		writeError(w, http.StatusBadRequest, "projectPath is required")
		return
	}

	kind, err := s.resolveKind(r, payload.TerminalKind, pinnedShell)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pid, err := s.sessionManager.Start(r.Context(), sessionID, kind, session.StartSpec{
		WorkDir: payload.ProjectPath,
		Cols:    payload.Config.Cols,
		Rows:    payload.Config.Rows,
		Env:     payload.Config.Env,
		UserID:  payload.UserID,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyRunning):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, session.ErrInvalidWorkDir):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			// Spawn failures (unresolvable executable included) are server
			// errors; the caller may re-issue start.
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	log.Printf("[APIServer] Started session %s/%s pid=%d", sessionID, kind, pid)
	writeJSON(w, http.StatusOK, startResponse{Success: true, PID: pid})
}

func (s *APIServer) handleSessionStop(w http.ResponseWriter, r *http.Request, sessionID string, pinnedShell bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.sessionManager == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager unavailable")
		return
	}

	// The body is optional; absence means a graceful stop.
	var payload stopRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
			return
		}
	}

	kind, err := s.resolveKind(r, "", pinnedShell)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.sessionManager.Stop(sessionID, kind, payload.Force); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "session not running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *APIServer) handleSessionStatus(w http.ResponseWriter, r *http.Request, sessionID string, pinnedShell bool) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.sessionManager == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager unavailable")
		return
	}

	kind, err := s.resolveKind(r, "", pinnedShell)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := s.sessionManager.Status(sessionID, kind)
	resp := statusResponse{
		Running: s.sessionManager.IsRunning(sessionID, kind),
		Status:  string(status),
		Kind:    string(kind),
	}
	if resp.Running {
		resp.PID = s.sessionManager.PID(sessionID, kind)
	}
	writeJSON(w, http.StatusOK, resp)
}
