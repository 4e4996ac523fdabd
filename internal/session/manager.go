package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ptyhub/ptyhub/internal/credentials"
	"github.com/ptyhub/ptyhub/internal/eventbus"
	"github.com/ptyhub/ptyhub/internal/pty"
)

// Status represents the lifecycle state of a terminal handle.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusIdle     Status = "idle"
)

// DefaultStopGrace is the window between SIGTERM and the SIGKILL escalation.
const DefaultStopGrace = 5 * time.Second

// StopSignal enumerates the signals deliverable to a handle.
type StopSignal string

const (
	SignalInterrupt StopSignal = "interrupt"
	SignalTerminate StopSignal = "terminate"
	SignalKill      StopSignal = "kill"
)

// ParseStopSignal validates a wire-level signal name.
func ParseStopSignal(raw string) (StopSignal, error) {
	switch StopSignal(raw) {
	case SignalInterrupt, SignalTerminate, SignalKill:
		return StopSignal(raw), nil
	default:
		return "", fmt.Errorf("session: unknown signal %q", raw)
	}
}

// StartSpec carries caller-supplied parameters for one spawn.
type StartSpec struct {
	WorkDir string
	Cols    uint16
	Rows    uint16
	Env     map[string]string // session-scoped env, highest credential precedence
	UserID  string            // scopes per-user credential lookup; may be empty
}

// Handle is one running OS process bound to a pseudo-terminal.
type Handle struct {
	Key       Key
	WorkDir   string
	StartedAt time.Time

	pty        *pty.Wrapper
	scrollback *Scrollback

	mu           sync.RWMutex
	status       Status
	lastActivity time.Time
	stopTimer    *time.Timer
	outputSeq    uint64
}

func (h *Handle) setStatus(status Status) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

// Status returns the handle's lifecycle state.
func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// LastActivity returns when the handle last saw input or output.
func (h *Handle) LastActivity() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastActivity
}

func (h *Handle) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

// cancelStopTimer stops a pending kill escalation, if armed. Called when the
// process exits inside the grace window so a stray kill cannot reach a
// reused key.
func (h *Handle) cancelStopTimer() {
	h.mu.Lock()
	if h.stopTimer != nil {
		h.stopTimer.Stop()
		h.stopTimer = nil
	}
	h.mu.Unlock()
}

func (h *Handle) armStopTimer(grace time.Duration, escalate func()) {
	h.mu.Lock()
	if h.stopTimer != nil {
		h.stopTimer.Stop()
	}
	h.stopTimer = time.AfterFunc(grace, escalate)
	h.mu.Unlock()
}

func (h *Handle) nextOutputSequence() uint64 {
	return atomic.AddUint64(&h.outputSeq, 1)
}

// PID returns the process id of the underlying process.
func (h *Handle) PID() int {
	return h.pty.GetPID()
}

// Info is a read-only projection of a handle for listings.
type Info struct {
	SessionID    string       `json:"sessionId"`
	Kind         TerminalKind `json:"terminalKind"`
	PID          int          `json:"pid"`
	Status       Status       `json:"status"`
	WorkDir      string       `json:"workDir"`
	StartedAt    time.Time    `json:"startedAt"`
	LastActivity time.Time    `json:"lastActivityAt"`
}

// Options groups the manager's dependencies.
type Options struct {
	Bus         *eventbus.Bus
	Resolver    *ExecResolver
	Credentials credentials.Resolver
	StopGrace   time.Duration // defaults to DefaultStopGrace
	Scrollback  int           // lines per handle, defaults to DefaultScrollbackLines
}

// Manager owns the registry of running terminal handles, keyed by
// (session id, terminal kind). It is the sole writer of handle state.
type Manager struct {
	mu      sync.RWMutex
	handles map[Key]*Handle

	bus         *eventbus.Bus
	resolver    *ExecResolver
	credentials credentials.Resolver
	stopGrace   time.Duration
	scrollback  int
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.Resolver == nil {
		opts.Resolver = NewExecResolver(nil)
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.Scrollback <= 0 {
		opts.Scrollback = DefaultScrollbackLines
	}
	return &Manager{
		handles:     make(map[Key]*Handle),
		bus:         opts.Bus,
		resolver:    opts.Resolver,
		credentials: opts.Credentials,
		stopGrace:   opts.StopGrace,
		scrollback:  opts.Scrollback,
	}
}

// Start spawns the executable for the requested kind inside a fresh PTY and
// registers the handle. A key that already has a live handle is a caller
// error; the existing handle is never replaced.
func (m *Manager) Start(ctx context.Context, sessionID string, kind TerminalKind, spec StartSpec) (int, error) {
	key := Key{SessionID: sessionID, Kind: kind}

	info, err := os.Stat(spec.WorkDir)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidWorkDir, spec.WorkDir)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%w: %s is not a directory", ErrInvalidWorkDir, spec.WorkDir)
	}

	command, err := m.resolver.Resolve(ctx, kind)
	if err != nil {
		m.publishError(key, "executable_not_found", err.Error())
		return 0, err
	}

	env, err := m.buildEnv(ctx, spec)
	if err != nil {
		return 0, err
	}

	handle := &Handle{
		Key:        key,
		WorkDir:    spec.WorkDir,
		StartedAt:  time.Now(),
		pty:        pty.New(),
		scrollback: NewScrollback(m.scrollback),
		status:     StatusStarting,
	}
	handle.lastActivity = handle.StartedAt

	// Reserve the key before spawning so concurrent starts race on the
	// registry, not on the OS.
	m.mu.Lock()
	if _, exists := m.handles[key]; exists {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	m.handles[key] = handle
	m.mu.Unlock()

	m.publishLifecycle(handle, eventbus.HandleStateStarting, nil, "", "start_requested")

	handle.pty.AddSink(&handleSink{manager: m, handle: handle})

	if err := handle.pty.Start(pty.StartOptions{
		Command:    command,
		WorkingDir: spec.WorkDir,
		Env:        env,
		Cols:       spec.Cols,
		Rows:       spec.Rows,
	}); err != nil {
		m.remove(key)
		m.publishError(key, "spawn_failed", err.Error())
		return 0, fmt.Errorf("session: start %s: %w", key, err)
	}

	handle.setStatus(StatusRunning)
	m.publishLifecycle(handle, eventbus.HandleStateRunning, nil, "", "process_started")
	log.Printf("[SessionManager] Started %s pid=%d workdir=%s", key, handle.PID(), spec.WorkDir)

	go m.monitorHandle(handle)

	return handle.PID(), nil
}

// buildEnv overlays resolved credentials (admin < user < session) onto the
// daemon's own environment.
func (m *Manager) buildEnv(ctx context.Context, spec StartSpec) ([]string, error) {
	overlay := spec.Env
	if m.credentials != nil {
		resolved, err := m.credentials.Resolve(ctx, spec.UserID, spec.Env)
		if err != nil {
			return nil, fmt.Errorf("session: resolve credentials: %w", err)
		}
		overlay = resolved
	}
	if len(overlay) == 0 {
		return nil, nil
	}

	env := os.Environ()
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// monitorHandle consumes PTY lifecycle events for one handle and retires it
// on exit. Scrollback is discarded with the handle; a later Start for the
// same key begins from an empty buffer.
func (m *Manager) monitorHandle(handle *Handle) {
	for event := range handle.pty.Events() {
		if event.Type != pty.EventProcessExited {
			continue
		}

		handle.cancelStopTimer()
		handle.setStatus(StatusIdle)
		m.remove(handle.Key)

		exitCode := event.ExitCode
		var exitPtr *int
		if exitCode >= 0 {
			exitPtr = &exitCode
		}
		m.publishLifecycle(handle, eventbus.HandleStateIdle, exitPtr, event.Signal, "process_exit")
		log.Printf("[SessionManager] Exited %s code=%d signal=%q", handle.Key, exitCode, event.Signal)
	}
}

// Write forwards raw input bytes to the process. Unlike Resize and Signal,
// writing to an absent handle is a caller error.
func (m *Manager) Write(sessionID string, kind TerminalKind, data []byte) error {
	handle, ok := m.lookup(Key{SessionID: sessionID, Kind: kind})
	if !ok {
		return ErrNotFound
	}
	if _, err := handle.pty.Write(data); err != nil {
		return fmt.Errorf("session: write %s: %w", handle.Key, err)
	}
	handle.touch()
	return nil
}

// Resize updates the PTY geometry. Resizes racing a shutdown are expected;
// an absent handle is a silent no-op.
func (m *Manager) Resize(sessionID string, kind TerminalKind, cols, rows uint16) {
	handle, ok := m.lookup(Key{SessionID: sessionID, Kind: kind})
	if !ok {
		return
	}
	if err := handle.pty.SetWinSize(int(rows), int(cols)); err != nil {
		log.Printf("[SessionManager] Resize %s: %v", handle.Key, err)
	}
}

// Signal delivers an interrupt/terminate/kill to the process. Absent handles
// are a silent no-op for the same reason as Resize.
func (m *Manager) Signal(sessionID string, kind TerminalKind, sig StopSignal) {
	handle, ok := m.lookup(Key{SessionID: sessionID, Kind: kind})
	if !ok {
		return
	}

	var err error
	switch sig {
	case SignalInterrupt:
		err = handle.pty.Interrupt()
	case SignalTerminate:
		err = handle.pty.Terminate()
	case SignalKill:
		err = handle.pty.Kill()
	}
	if err != nil {
		log.Printf("[SessionManager] Signal %s %s: %v", handle.Key, sig, err)
	}
}

// Stop shuts the handle down. Without force it delivers SIGTERM and arms the
// kill escalation timer; the timer is cancelled if the process exits inside
// the grace window. With force it kills immediately, short-circuiting any
// in-flight graceful stop.
func (m *Manager) Stop(sessionID string, kind TerminalKind, force bool) error {
	handle, ok := m.lookup(Key{SessionID: sessionID, Kind: kind})
	if !ok {
		return ErrNotFound
	}

	handle.setStatus(StatusStopping)
	m.publishLifecycle(handle, eventbus.HandleStateStopping, nil, "", "stop_requested")

	if force {
		handle.cancelStopTimer()
		if err := handle.pty.Kill(); err != nil {
			return fmt.Errorf("session: kill %s: %w", handle.Key, err)
		}
		return nil
	}

	if err := handle.pty.Terminate(); err != nil {
		return fmt.Errorf("session: terminate %s: %w", handle.Key, err)
	}

	key := handle.Key
	handle.armStopTimer(m.stopGrace, func() {
		// Escalate only if this exact handle is still registered.
		current, ok := m.lookup(key)
		if !ok || current != handle {
			return
		}
		log.Printf("[SessionManager] Escalating stop for %s after %s grace", key, m.stopGrace)
		if err := handle.pty.Kill(); err != nil {
			log.Printf("[SessionManager] Kill escalation %s: %v", key, err)
		}
	})

	return nil
}

// Scrollback returns a snapshot of the handle's buffered output lines.
// An absent key yields an empty slice, never an error.
func (m *Manager) Scrollback(sessionID string, kind TerminalKind) []string {
	handle, ok := m.lookup(Key{SessionID: sessionID, Kind: kind})
	if !ok {
		return nil
	}
	return handle.scrollback.Snapshot()
}

// Status reports the lifecycle state for a key; absent keys are idle.
func (m *Manager) Status(sessionID string, kind TerminalKind) Status {
	handle, ok := m.lookup(Key{SessionID: sessionID, Kind: kind})
	if !ok {
		return StatusIdle
	}
	return handle.Status()
}

// PID returns the process id for a key, or zero when absent.
func (m *Manager) PID(sessionID string, kind TerminalKind) int {
	handle, ok := m.lookup(Key{SessionID: sessionID, Kind: kind})
	if !ok {
		return 0
	}
	return handle.PID()
}

// IsRunning reports whether a live handle exists for the key.
func (m *Manager) IsRunning(sessionID string, kind TerminalKind) bool {
	handle, ok := m.lookup(Key{SessionID: sessionID, Kind: kind})
	if !ok {
		return false
	}
	return handle.pty.IsRunning()
}

// List returns a stable-ordered snapshot of all live handles.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.handles))
	for _, handle := range m.handles {
		infos = append(infos, Info{
			SessionID:    handle.Key.SessionID,
			Kind:         handle.Key.Kind,
			PID:          handle.PID(),
			Status:       handle.Status(),
			WorkDir:      handle.WorkDir,
			StartedAt:    handle.StartedAt,
			LastActivity: handle.LastActivity(),
		})
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].SessionID != infos[j].SessionID {
			return infos[i].SessionID < infos[j].SessionID
		}
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}

// ShutdownAll force-stops every registered handle and waits briefly for the
// registry to drain. Used on daemon termination.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, handle := range m.handles {
		handles = append(handles, handle)
	}
	m.mu.RUnlock()

	for _, handle := range handles {
		handle.cancelStopTimer()
		handle.setStatus(StatusStopping)
		if err := handle.pty.Kill(); err != nil {
			log.Printf("[SessionManager] Shutdown kill %s: %v", handle.Key, err)
		}
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.RLock()
		remaining := len(m.handles)
		m.mu.RUnlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			log.Printf("[SessionManager] Shutdown timed out with %d handle(s) unreaped", remaining)
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) lookup(key Key) (*Handle, bool) {
	m.mu.RLock()
	handle, ok := m.handles[key]
	m.mu.RUnlock()
	return handle, ok
}

func (m *Manager) remove(key Key) {
	m.mu.Lock()
	delete(m.handles, key)
	m.mu.Unlock()
}

func (m *Manager) publishLifecycle(handle *Handle, state eventbus.HandleState, exitCode *int, signal, reason string) {
	eventbus.Publish(context.Background(), m.bus, eventbus.TerminalLifecycle, eventbus.SourceSessionManager, eventbus.TerminalLifecycleEvent{
		SessionID: handle.Key.SessionID,
		Kind:      string(handle.Key.Kind),
		State:     state,
		PID:       handle.PID(),
		ExitCode:  exitCode,
		Signal:    signal,
		Reason:    reason,
	})
}

func (m *Manager) publishError(key Key, code, message string) {
	eventbus.Publish(context.Background(), m.bus, eventbus.TerminalError, eventbus.SourceSessionManager, eventbus.TerminalErrorEvent{
		SessionID: key.SessionID,
		Kind:      string(key.Kind),
		Code:      code,
		Message:   message,
	})
}

// IsCallerError reports whether err should surface as a bad request rather
// than a server failure.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrNotFound)
}

// handleSink feeds PTY output into the handle's scrollback and publishes it
// on the bus as raw chunks. Line splitting happens only in the scrollback;
// the bus payload preserves exact byte sequences, partial escape codes
// included.
type handleSink struct {
	manager *Manager
	handle  *Handle
}

func (s *handleSink) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	s.handle.scrollback.Append(data)
	s.handle.touch()

	eventbus.Publish(context.Background(), s.manager.bus, eventbus.TerminalOutput, eventbus.SourceSessionManager, eventbus.TerminalOutputEvent{
		SessionID: s.handle.Key.SessionID,
		Kind:      string(s.handle.Key.Kind),
		Sequence:  s.handle.nextOutputSequence(),
		Data:      append([]byte(nil), data...),
	})

	return nil
}
