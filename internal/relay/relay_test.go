package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ptyhub/ptyhub/internal/eventbus"
	"github.com/ptyhub/ptyhub/internal/protocol"
	"github.com/ptyhub/ptyhub/internal/session"
)

type fakeManager struct {
	mu         sync.Mutex
	scrollback map[session.Key][]string
	status     map[session.Key]session.Status
	writes     [][]byte
	writeErr   error
	resizes    []string
	signals    []session.StopSignal
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		scrollback: make(map[session.Key][]string),
		status:     make(map[session.Key]session.Status),
	}
}

func (f *fakeManager) Write(sessionID string, kind session.TerminalKind, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeManager) Resize(sessionID string, kind session.TerminalKind, cols, rows uint16) {
	f.mu.Lock()
	f.resizes = append(f.resizes, sessionID)
	f.mu.Unlock()
}

func (f *fakeManager) Signal(sessionID string, kind session.TerminalKind, sig session.StopSignal) {
	f.mu.Lock()
	f.signals = append(f.signals, sig)
	f.mu.Unlock()
}

func (f *fakeManager) Scrollback(sessionID string, kind session.TerminalKind) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scrollback[session.Key{SessionID: sessionID, Kind: kind}]
}

func (f *fakeManager) Status(sessionID string, kind session.TerminalKind) session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.status[session.Key{SessionID: sessionID, Kind: kind}]; ok {
		return status
	}
	return session.StatusIdle
}

func (f *fakeManager) PID(sessionID string, kind session.TerminalKind) int { return 4242 }

func (f *fakeManager) IsRunning(sessionID string, kind session.TerminalKind) bool {
	return f.Status(sessionID, kind) == session.StatusRunning
}

type testRig struct {
	relay   *Relay
	manager *fakeManager
	bus     *eventbus.Bus
	server  *httptest.Server
}

func newTestRig(t *testing.T, sweep time.Duration) *testRig {
	t.Helper()

	manager := newFakeManager()
	bus := eventbus.New()
	r := New(Options{Manager: manager, Bus: bus, SweepInterval: sweep})
	r.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/terminal", r.HandleTerminal)
	mux.HandleFunc("/ws/collab", r.HandleCollab)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		r.Shutdown()
		bus.Shutdown()
	})

	return &testRig{relay: r, manager: manager, bus: bus, server: server}
}

func (rig *testRig) dial(t *testing.T, path, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(rig.server.URL, "http") + path
	if query != "" {
		url += "?" + query
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("decode frame %s: %v", frame, err)
	}
	return decoded
}

func readFrameOfType(t *testing.T, ws *websocket.Conn, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, ws)
		if frame["type"] == want {
			return frame
		}
	}
	t.Fatalf("never received frame of type %q", want)
	return nil
}

func sendFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func TestTerminalJoinSequenceEmptyScrollback(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	rig.manager.status[session.Key{SessionID: "s1", Kind: session.KindShell}] = session.StatusRunning

	ws := rig.dial(t, "/ws/terminal", "sessionId=s1&terminalKind=shell")

	established := readFrame(t, ws)
	if established["type"] != "connection:established" || established["sessionId"] != "s1" {
		t.Fatalf("expected connection:established first, got %v", established)
	}

	// Empty scrollback is skipped, so status follows directly.
	status := readFrame(t, ws)
	if status["type"] != "session:status" {
		t.Fatalf("expected session:status, got %v", status)
	}
	if status["status"] != "running" || status["pid"] != float64(4242) {
		t.Fatalf("unexpected status payload %v", status)
	}
}

func TestTerminalJoinReplaysScrollback(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	key := session.Key{SessionID: "s1", Kind: session.KindAgent}
	rig.manager.scrollback[key] = []string{"line-1", "line-2"}

	ws := rig.dial(t, "/ws/terminal", "sessionId=s1")

	if frame := readFrame(t, ws); frame["type"] != "connection:established" {
		t.Fatalf("expected connection:established, got %v", frame)
	}
	scrollback := readFrame(t, ws)
	if scrollback["type"] != "terminal:scrollback" {
		t.Fatalf("expected scrollback before status, got %v", scrollback)
	}
	lines, ok := scrollback["data"].([]any)
	if !ok || len(lines) != 2 || lines[0] != "line-1" {
		t.Fatalf("unexpected scrollback payload %v", scrollback)
	}
	if frame := readFrame(t, ws); frame["type"] != "session:status" {
		t.Fatalf("expected session:status last, got %v", frame)
	}
}

func TestTerminalJoinFramesPrecedeLiveOutput(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	key := session.Key{SessionID: "s1", Kind: session.KindShell}
	rig.manager.scrollback[key] = []string{"earlier"}

	// Saturate the room with live output while connections join. No matter
	// when a join lands, its first frames must be the join sequence.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			eventbus.Publish(t.Context(), rig.bus, eventbus.TerminalOutput, eventbus.SourceSessionManager, eventbus.TerminalOutputEvent{
				SessionID: "s1",
				Kind:      "shell",
				Data:      []byte("x"),
			})
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for attempt := 0; attempt < 20; attempt++ {
		ws := rig.dial(t, "/ws/terminal", "sessionId=s1&terminalKind=shell")
		if frame := readFrame(t, ws); frame["type"] != "connection:established" {
			t.Fatalf("attempt %d: first frame was %v, not connection:established", attempt, frame)
		}
		if frame := readFrame(t, ws); frame["type"] != "terminal:scrollback" {
			t.Fatalf("attempt %d: second frame was %v, not terminal:scrollback", attempt, frame)
		}
		if frame := readFrame(t, ws); frame["type"] != "session:status" {
			t.Fatalf("attempt %d: third frame was %v, not session:status", attempt, frame)
		}
		ws.Close()
	}
}

func TestTerminalMissingSessionID(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	ws := rig.dial(t, "/ws/terminal", "")

	frame := readFrame(t, ws)
	if frame["type"] != "error" || frame["code"] != "missing_session_id" {
		t.Fatalf("expected missing_session_id error, got %v", frame)
	}

	// The server closes after the error frame.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected connection to close after rejection")
	}
}

func TestTerminalInputForwardedToManager(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	ws := rig.dial(t, "/ws/terminal", "sessionId=s1&terminalKind=shell")
	readFrame(t, ws) // established
	readFrame(t, ws) // status

	sendFrame(t, ws, protocol.InputMessage{Type: protocol.TypeTerminalInput, Data: "echo hi\n"})
	sendFrame(t, ws, protocol.ResizeMessage{Type: protocol.TypeTerminalResize, Cols: 120, Rows: 40})
	sendFrame(t, ws, protocol.SignalMessage{Type: protocol.TypeTerminalSignal, Signal: "interrupt"})

	waitForCond(t, func() bool {
		rig.manager.mu.Lock()
		defer rig.manager.mu.Unlock()
		return len(rig.manager.writes) == 1 && len(rig.manager.resizes) == 1 && len(rig.manager.signals) == 1
	}, "manager never saw forwarded messages")

	rig.manager.mu.Lock()
	if string(rig.manager.writes[0]) != "echo hi\n" {
		t.Fatalf("unexpected input %q", rig.manager.writes[0])
	}
	if rig.manager.signals[0] != session.SignalInterrupt {
		t.Fatalf("unexpected signal %q", rig.manager.signals[0])
	}
	rig.manager.mu.Unlock()
}

func TestTerminalInputToDeadHandleRejected(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	rig.manager.writeErr = session.ErrNotFound

	ws := rig.dial(t, "/ws/terminal", "sessionId=s1&terminalKind=shell")
	readFrame(t, ws) // established
	readFrame(t, ws) // status

	sendFrame(t, ws, protocol.InputMessage{Type: protocol.TypeTerminalInput, Data: "x"})

	frame := readFrame(t, ws)
	if frame["type"] != "error" || frame["code"] != "session-not-running" {
		t.Fatalf("expected session-not-running error, got %v", frame)
	}
}

func TestTerminalUnknownTagKeepsConnectionOpen(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	ws := rig.dial(t, "/ws/terminal", "sessionId=s1")
	readFrame(t, ws) // established
	readFrame(t, ws) // status

	sendFrame(t, ws, map[string]any{"type": "terminal:reboot"})
	frame := readFrame(t, ws)
	if frame["type"] != "error" || frame["code"] != "unknown_message_type" {
		t.Fatalf("expected unknown_message_type error, got %v", frame)
	}

	// The connection survives a bad frame.
	sendFrame(t, ws, protocol.PingMessage{Type: protocol.TypePing})
	if frame := readFrame(t, ws); frame["type"] != "pong" {
		t.Fatalf("expected pong after bad frame, got %v", frame)
	}
}

func TestOutputBroadcastToAllRoomMembers(t *testing.T) {
	rig := newTestRig(t, time.Minute)

	wsA := rig.dial(t, "/ws/terminal", "sessionId=s1&terminalKind=shell")
	readFrame(t, wsA)
	readFrame(t, wsA)
	wsB := rig.dial(t, "/ws/terminal", "sessionId=s1&terminalKind=shell")
	readFrame(t, wsB)
	readFrame(t, wsB)

	// A third member in a different room must not receive the output.
	wsOther := rig.dial(t, "/ws/terminal", "sessionId=s2&terminalKind=shell")
	readFrame(t, wsOther)
	readFrame(t, wsOther)

	eventbus.Publish(t.Context(), rig.bus, eventbus.TerminalOutput, eventbus.SourceSessionManager, eventbus.TerminalOutputEvent{
		SessionID: "s1",
		Kind:      "shell",
		Sequence:  1,
		Data:      []byte("hi\r\n"),
	})

	for _, ws := range []*websocket.Conn{wsA, wsB} {
		frame := readFrameOfType(t, ws, "terminal:output")
		if frame["data"] != "hi\r\n" {
			t.Fatalf("unexpected output payload %v", frame)
		}
	}

	wsOther.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, frame, err := wsOther.ReadMessage(); err == nil {
		t.Fatalf("other room must not receive the broadcast, got %s", frame)
	}
}

func TestLifecycleBroadcast(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	ws := rig.dial(t, "/ws/terminal", "sessionId=s1&terminalKind=shell")
	readFrame(t, ws)
	readFrame(t, ws)

	code := 0
	eventbus.Publish(t.Context(), rig.bus, eventbus.TerminalLifecycle, eventbus.SourceSessionManager, eventbus.TerminalLifecycleEvent{
		SessionID: "s1",
		Kind:      "shell",
		State:     eventbus.HandleStateIdle,
		ExitCode:  &code,
	})

	frame := readFrameOfType(t, ws, "session:status")
	if frame["status"] != "idle" || frame["exitCode"] != float64(0) {
		t.Fatalf("unexpected status payload %v", frame)
	}
}

func TestCollabPresenceRecomputedOnJoinAndLeave(t *testing.T) {
	rig := newTestRig(t, time.Minute)

	wsA := rig.dial(t, "/ws/collab", "sessionId=s1&userId=u1")
	readFrame(t, wsA) // established
	sendFrame(t, wsA, protocol.JoinMessage{Type: protocol.TypeCollabJoin, UserName: "ada", UserColor: "#f80"})

	presence := readFrameOfType(t, wsA, "collab:presence")
	roster := presence["collaborators"].([]any)
	if len(roster) != 1 {
		t.Fatalf("expected 1 collaborator, got %v", roster)
	}

	wsB := rig.dial(t, "/ws/collab", "sessionId=s1&userId=u1")
	readFrame(t, wsB)
	sendFrame(t, wsB, protocol.JoinMessage{Type: protocol.TypeCollabJoin, UserName: "brin", UserColor: "#08f"})

	// Both members receive the full recomputed roster.
	for _, ws := range []*websocket.Conn{wsA, wsB} {
		presence := readFrameOfType(t, ws, "collab:presence")
		roster := presence["collaborators"].([]any)
		if len(roster) != 2 {
			t.Fatalf("expected roster of 2, got %v", roster)
		}
	}

	wsB.Close()
	presence = readFrameOfType(t, wsA, "collab:presence")
	roster = presence["collaborators"].([]any)
	if len(roster) != 1 {
		t.Fatalf("expected roster of 1 after leave, got %v", roster)
	}
	if roster[0].(map[string]any)["userName"] != "ada" {
		t.Fatalf("expected ada to remain, got %v", roster)
	}
}

func TestCollabChatRelayedSenderExcluded(t *testing.T) {
	rig := newTestRig(t, time.Minute)

	wsA := rig.dial(t, "/ws/collab", "sessionId=s1&userId=u1")
	readFrame(t, wsA)
	sendFrame(t, wsA, protocol.JoinMessage{Type: protocol.TypeCollabJoin, UserName: "ada"})
	readFrameOfType(t, wsA, "collab:presence")

	wsB := rig.dial(t, "/ws/collab", "sessionId=s1&userId=u1")
	readFrame(t, wsB)
	sendFrame(t, wsB, protocol.JoinMessage{Type: protocol.TypeCollabJoin, UserName: "brin"})
	readFrameOfType(t, wsA, "collab:presence")
	readFrameOfType(t, wsB, "collab:presence")

	sendFrame(t, wsA, protocol.ChatMessage{Type: protocol.TypeCollabChat, UserName: "ada", Message: "hello"})

	chat := readFrameOfType(t, wsB, "collab:chat")
	if chat["message"] != "hello" || chat["userName"] != "ada" {
		t.Fatalf("unexpected chat relay %v", chat)
	}

	// The sender must not receive its own chat back.
	wsA.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, frame, err := wsA.ReadMessage(); err == nil {
		t.Fatalf("sender received its own chat: %s", frame)
	}
}

func TestLivenessSweepTerminatesSilentConnections(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond)

	ws := rig.dial(t, "/ws/terminal", "sessionId=s1")
	readFrame(t, ws)
	readFrame(t, ws)
	if got := rig.relay.ConnectionCount(); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}

	// Stop reading so ping control frames are never answered with pongs.
	// After two sweep intervals the flag has been cleared and not reset.
	waitForCond(t, func() bool {
		return rig.relay.ConnectionCount() == 0
	}, "sweep never terminated the silent connection")
}

func TestLivenessSweepKeepsResponsiveConnections(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond)

	ws := rig.dial(t, "/ws/terminal", "sessionId=s1")
	readFrame(t, ws)
	readFrame(t, ws)

	// A background read loop services ping control frames, which gorilla
	// answers with pongs by default.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			ws.SetReadDeadline(time.Now().Add(time.Second))
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	if got := rig.relay.ConnectionCount(); got != 1 {
		t.Fatalf("responsive connection was swept, count=%d", got)
	}
}

func waitForCond(t *testing.T, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s", message)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
