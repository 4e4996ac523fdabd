package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	configstore "github.com/ptyhub/ptyhub/internal/config/store"
	"github.com/ptyhub/ptyhub/internal/version"
)

// DefaultListenAddr is used when no transport.listen_addr setting exists.
const DefaultListenAddr = "127.0.0.1:7321"

// SettingsSource provides transport configuration overrides.
type SettingsSource interface {
	GetSetting(ctx context.Context, key string) (string, error)
}

// RealtimeHandler exposes the relay's websocket endpoints.
type RealtimeHandler interface {
	HandleTerminal(w http.ResponseWriter, r *http.Request)
	HandleCollab(w http.ResponseWriter, r *http.Request)
	ConnectionCount() int
}

// Options groups the API server's dependencies. Metrics is optional.
type Options struct {
	SessionManager SessionManager
	Realtime       RealtimeHandler
	Settings       SettingsSource
	Metrics        http.Handler
}

// APIServer is the synchronous control-plane surface plus the websocket
// upgrade endpoints, served on one listener.
type APIServer struct {
	sessionManager SessionManager
	realtime       RealtimeHandler
	settings       SettingsSource
	metrics        http.Handler

	startTime time.Time

	mu         sync.Mutex
	listenAddr string
	listener   net.Listener
	httpServer *http.Server
}

// New creates an API server. Prepare and Start bring it online.
func New(opts Options) *APIServer {
	return &APIServer{
		sessionManager: opts.SessionManager,
		realtime:       opts.Realtime,
		settings:       opts.Settings,
		metrics:        opts.Metrics,
		startTime:      time.Now(),
	}
}

// Prepare resolves the listen address from the settings store. Missing or
// empty settings fall back to DefaultListenAddr.
func (s *APIServer) Prepare(ctx context.Context) error {
	addr := DefaultListenAddr
	if s.settings != nil {
		value, err := s.settings.GetSetting(ctx, configstore.SettingListenAddr)
		switch {
		case err == nil && value != "":
			addr = value
		case err != nil && !configstore.IsNotFound(err):
			return err
		}
	}

	s.mu.Lock()
	s.listenAddr = addr
	s.mu.Unlock()
	return nil
}

// Start binds the listener and begins serving. It returns once the listener
// is bound; serving continues on a background goroutine.
func (s *APIServer) Start() error {
	s.mu.Lock()
	addr := s.listenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	s.mu.Unlock()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = httpServer
	s.mu.Unlock()

	log.Printf("[APIServer] Listening on %s (version %s)", listener.Addr(), version.String())

	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[APIServer] Serve: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or empty before Start.
func (s *APIServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and resolves only once the listener
// has fully closed.
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

func (s *APIServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", s.handleSessionsRoot)
	mux.HandleFunc("/sessions/", s.handleSessionSubroutes)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.realtime != nil {
		mux.HandleFunc("/ws/terminal", s.realtime.HandleTerminal)
		mux.HandleFunc("/ws/collab", s.realtime.HandleCollab)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}
