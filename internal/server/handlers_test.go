package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ptyhub/ptyhub/internal/session"
)

type fakeSessionManager struct {
	mu       sync.Mutex
	running  map[session.Key]bool
	startErr error
	stopErr  error
	lastSpec session.StartSpec
	lastKind session.TerminalKind
	stops    []bool
}

func newFakeSessionManager() *fakeSessionManager {
	return &fakeSessionManager{running: make(map[session.Key]bool)}
}

func (f *fakeSessionManager) Start(_ context.Context, sessionID string, kind session.TerminalKind, spec session.StartSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.lastSpec = spec
	f.lastKind = kind
	f.running[session.Key{SessionID: sessionID, Kind: kind}] = true
	return 1234, nil
}

func (f *fakeSessionManager) Stop(sessionID string, kind session.TerminalKind, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stops = append(f.stops, force)
	delete(f.running, session.Key{SessionID: sessionID, Kind: kind})
	return nil
}

func (f *fakeSessionManager) Status(sessionID string, kind session.TerminalKind) session.Status {
	if f.IsRunning(sessionID, kind) {
		return session.StatusRunning
	}
	return session.StatusIdle
}

func (f *fakeSessionManager) PID(sessionID string, kind session.TerminalKind) int {
	if f.IsRunning(sessionID, kind) {
		return 1234
	}
	return 0
}

func (f *fakeSessionManager) IsRunning(sessionID string, kind session.TerminalKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[session.Key{SessionID: sessionID, Kind: kind}]
}

func (f *fakeSessionManager) List() []session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]session.Info, 0, len(f.running))
	for key := range f.running {
		infos = append(infos, session.Info{SessionID: key.SessionID, Kind: key.Kind, PID: 1234, Status: session.StatusRunning})
	}
	return infos
}

func newTestServer(manager SessionManager) *APIServer {
	return New(Options{SessionManager: manager})
}

func doRequest(t *testing.T, s *APIServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response %s: %v", rec.Body.String(), err)
	}
	return decoded
}

func TestStartSessionReturnsPID(t *testing.T) {
	manager := newFakeSessionManager()
	s := newTestServer(manager)

	rec := doRequest(t, s, http.MethodPost, "/sessions/s1/start", map[string]any{
		"projectPath": "/tmp/proj",
		"config":      map[string]any{"cols": 120, "rows": 40, "env": map[string]string{"FOO": "bar"}},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["pid"] != float64(1234) {
		t.Fatalf("unexpected body %v", body)
	}
	if manager.lastKind != session.KindAgent {
		t.Fatalf("default kind must be agent, got %q", manager.lastKind)
	}
	if manager.lastSpec.WorkDir != "/tmp/proj" || manager.lastSpec.Cols != 120 || manager.lastSpec.Env["FOO"] != "bar" {
		t.Fatalf("spec not forwarded: %+v", manager.lastSpec)
	}
}

func TestStartShellPinsKind(t *testing.T) {
	manager := newFakeSessionManager()
	s := newTestServer(manager)

	rec := doRequest(t, s, http.MethodPost, "/sessions/s1/shell/start", map[string]any{
		"projectPath": "/tmp/proj",
		// terminalKind in the body is ignored on the shell route.
		"terminalKind": "agent",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if manager.lastKind != session.KindShell {
		t.Fatalf("shell route must pin shell kind, got %q", manager.lastKind)
	}
}

func TestStartRequiresProjectPath(t *testing.T) {
	s := newTestServer(newFakeSessionManager())
	rec := doRequest(t, s, http.MethodPost, "/sessions/s1/start", map[string]any{"config": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStartAlreadyRunningIsCallerError(t *testing.T) {
	manager := newFakeSessionManager()
	manager.startErr = session.ErrAlreadyRunning
	s := newTestServer(manager)

	rec := doRequest(t, s, http.MethodPost, "/sessions/s1/start", map[string]any{"projectPath": "/tmp/proj"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for already running, got %d", rec.Code)
	}
}

func TestStartSpawnFailureIsServerError(t *testing.T) {
	manager := newFakeSessionManager()
	manager.startErr = session.ErrExecutableNotFound
	s := newTestServer(manager)

	rec := doRequest(t, s, http.MethodPost, "/sessions/s1/start", map[string]any{"projectPath": "/tmp/proj"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for spawn failure, got %d", rec.Code)
	}
}

func TestStopNotRunningIsCallerError(t *testing.T) {
	manager := newFakeSessionManager()
	manager.stopErr = session.ErrNotFound
	s := newTestServer(manager)

	rec := doRequest(t, s, http.MethodPost, "/sessions/s1/stop", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for stop on idle session, got %d", rec.Code)
	}
}

func TestStopForceForwarded(t *testing.T) {
	manager := newFakeSessionManager()
	s := newTestServer(manager)

	rec := doRequest(t, s, http.MethodPost, "/sessions/s1/stop", map[string]any{"force": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(manager.stops) != 1 || !manager.stops[0] {
		t.Fatalf("force flag not forwarded: %v", manager.stops)
	}

	// Omitted body means a graceful stop.
	rec = doRequest(t, s, http.MethodPost, "/sessions/s1/shell/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(manager.stops) != 2 || manager.stops[1] {
		t.Fatalf("empty body must mean graceful stop: %v", manager.stops)
	}
}

func TestStatusEndpoints(t *testing.T) {
	manager := newFakeSessionManager()
	manager.running[session.Key{SessionID: "s1", Kind: session.KindShell}] = true
	s := newTestServer(manager)

	rec := doRequest(t, s, http.MethodGet, "/sessions/s1/shell/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["running"] != true || body["status"] != "running" || body["pid"] != float64(1234) {
		t.Fatalf("unexpected shell status %v", body)
	}

	rec = doRequest(t, s, http.MethodGet, "/sessions/s1/status", nil)
	body = decodeBody(t, rec)
	if body["running"] != false || body["status"] != "idle" {
		t.Fatalf("agent slot must be independent of shell slot: %v", body)
	}
	if _, ok := body["pid"]; ok {
		t.Fatalf("idle status must omit pid: %v", body)
	}
}

func TestSessionsListing(t *testing.T) {
	manager := newFakeSessionManager()
	s := newTestServer(manager)

	rec := doRequest(t, s, http.MethodGet, "/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "[]\n" {
		t.Fatalf("empty listing must be a JSON array, got %q", rec.Body.String())
	}

	manager.running[session.Key{SessionID: "s1", Kind: session.KindAgent}] = true
	rec = doRequest(t, s, http.MethodGet, "/sessions", nil)
	var infos []session.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(infos) != 1 || infos[0].SessionID != "s1" {
		t.Fatalf("unexpected listing %v", infos)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(newFakeSessionManager())
	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health payload %v", body)
	}
}

func TestUnknownSubroute(t *testing.T) {
	s := newTestServer(newFakeSessionManager())
	rec := doRequest(t, s, http.MethodPost, "/sessions/s1/restart", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
