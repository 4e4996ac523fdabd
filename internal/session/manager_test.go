package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	configstore "github.com/ptyhub/ptyhub/internal/config/store"
	"github.com/ptyhub/ptyhub/internal/eventbus"
)

func skipIfNoPTY(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("manager tests rely on POSIX PTYs")
	}
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skipf("no PTY device available: %v", err)
	}
}

// writeScript drops an executable shell script into a temp dir and returns
// its path, for use as a configured agent binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestManager(t *testing.T, settings fakeSettings, grace time.Duration) *Manager {
	t.Helper()
	m := NewManager(Options{
		Resolver:  NewExecResolver(settings),
		StopGrace: grace,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.ShutdownAll(ctx)
	})
	return m
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
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

func TestManagerStartWriteAndScrollback(t *testing.T) {
	skipIfNoPTY(t)

	m := newTestManager(t, fakeSettings{configstore.SettingPreferredShell: "sh"}, DefaultStopGrace)

	pid, err := m.Start(context.Background(), "sess-1", KindShell, StartSpec{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if pid == 0 {
		t.Fatal("expected a non-zero PID")
	}
	if !m.IsRunning("sess-1", KindShell) {
		t.Fatal("expected handle to report running")
	}
	if status := m.Status("sess-1", KindShell); status != StatusRunning {
		t.Fatalf("expected running status, got %q", status)
	}

	if err := m.Write("sess-1", KindShell, []byte("echo scrollback-probe\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool {
		for _, line := range m.Scrollback("sess-1", KindShell) {
			if strings.Contains(line, "scrollback-probe") {
				return true
			}
		}
		return false
	}, 3*time.Second, "echoed output never reached scrollback")
}

func TestManagerRejectsDuplicateStart(t *testing.T) {
	skipIfNoPTY(t)

	m := newTestManager(t, fakeSettings{configstore.SettingPreferredShell: "sh"}, DefaultStopGrace)
	workDir := t.TempDir()

	if _, err := m.Start(context.Background(), "sess-1", KindShell, StartSpec{WorkDir: workDir}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := m.Start(context.Background(), "sess-1", KindShell, StartSpec{WorkDir: workDir}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	// A different kind under the same session id is an independent slot.
	if _, err := m.Start(context.Background(), "sess-1", KindAgent, StartSpec{WorkDir: workDir}); err == nil {
		t.Log("agent binary resolved; second slot started independently")
	} else if errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("agent slot must not collide with shell slot: %v", err)
	}
}

func TestManagerStartInvalidWorkDir(t *testing.T) {
	m := newTestManager(t, fakeSettings{configstore.SettingPreferredShell: "sh"}, DefaultStopGrace)

	if _, err := m.Start(context.Background(), "sess-1", KindShell, StartSpec{WorkDir: "/no/such/dir-41c2"}); !errors.Is(err, ErrInvalidWorkDir) {
		t.Fatalf("expected ErrInvalidWorkDir, got %v", err)
	}
	if m.IsRunning("sess-1", KindShell) {
		t.Fatal("nothing must be registered after a failed start")
	}
}

func TestManagerWriteToAbsentHandle(t *testing.T) {
	m := newTestManager(t, fakeSettings{}, DefaultStopGrace)
	if err := m.Write("ghost", KindShell, []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.Stop("ghost", KindShell, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from stop, got %v", err)
	}

	// Reads and advisory operations on absent handles are benign.
	m.Resize("ghost", KindShell, 80, 24)
	m.Signal("ghost", KindShell, SignalInterrupt)
	if lines := m.Scrollback("ghost", KindShell); len(lines) != 0 {
		t.Fatalf("expected empty scrollback, got %v", lines)
	}
	if status := m.Status("ghost", KindShell); status != StatusIdle {
		t.Fatalf("expected idle status, got %q", status)
	}
	if pid := m.PID("ghost", KindShell); pid != 0 {
		t.Fatalf("expected zero PID, got %d", pid)
	}
}

func TestManagerHandleRemovedOnExit(t *testing.T) {
	skipIfNoPTY(t)

	script := writeScript(t, "exit 0")
	bus := eventbus.New()
	defer bus.Shutdown()
	sub := eventbus.SubscribeTo(bus, eventbus.TerminalLifecycle)
	defer sub.Close()

	m := NewManager(Options{
		Bus:      bus,
		Resolver: NewExecResolver(fakeSettings{configstore.SettingAgentBinary: script}),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.ShutdownAll(ctx)
	})

	if _, err := m.Start(context.Background(), "sess-1", KindAgent, StartSpec{WorkDir: t.TempDir()}); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, func() bool {
		return m.Status("sess-1", KindAgent) == StatusIdle
	}, 3*time.Second, "handle never retired after process exit")

	// The lifecycle stream must end in an idle transition for the key.
	sawIdle := false
	deadline := time.After(2 * time.Second)
	for !sawIdle {
		select {
		case env := <-sub.C():
			if env.Payload.State == eventbus.HandleStateIdle && env.Payload.SessionID == "sess-1" {
				sawIdle = true
			}
		case <-deadline:
			t.Fatal("no idle lifecycle event observed")
		}
	}

	// The key is free again; scrollback starts fresh.
	if _, err := m.Start(context.Background(), "sess-1", KindAgent, StartSpec{WorkDir: t.TempDir()}); err != nil {
		t.Fatalf("restart after exit: %v", err)
	}
}

func TestManagerStopEscalatesAfterGrace(t *testing.T) {
	skipIfNoPTY(t)

	script := writeScript(t, "trap '' TERM\nwhile true; do sleep 1; done")
	m := newTestManager(t, fakeSettings{configstore.SettingAgentBinary: script}, 200*time.Millisecond)

	if _, err := m.Start(context.Background(), "sess-1", KindAgent, StartSpec{WorkDir: t.TempDir()}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Stop("sess-1", KindAgent, false); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// SIGTERM is trapped, so only the kill escalation can retire the handle.
	waitFor(t, func() bool {
		return m.Status("sess-1", KindAgent) == StatusIdle
	}, 3*time.Second, "kill escalation never fired")
}

func TestManagerForceStopKillsImmediately(t *testing.T) {
	skipIfNoPTY(t)

	script := writeScript(t, "trap '' TERM\nwhile true; do sleep 1; done")
	m := newTestManager(t, fakeSettings{configstore.SettingAgentBinary: script}, 30*time.Second)

	if _, err := m.Start(context.Background(), "sess-1", KindAgent, StartSpec{WorkDir: t.TempDir()}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Stop("sess-1", KindAgent, true); err != nil {
		t.Fatalf("force stop: %v", err)
	}

	// With a 30s grace, only the immediate kill path can retire this fast.
	waitFor(t, func() bool {
		return m.Status("sess-1", KindAgent) == StatusIdle
	}, 3*time.Second, "force stop did not kill the process")
}

func TestManagerList(t *testing.T) {
	skipIfNoPTY(t)

	m := newTestManager(t, fakeSettings{configstore.SettingPreferredShell: "sh"}, DefaultStopGrace)
	workDir := t.TempDir()

	if infos := m.List(); len(infos) != 0 {
		t.Fatalf("expected empty listing, got %v", infos)
	}

	if _, err := m.Start(context.Background(), "sess-b", KindShell, StartSpec{WorkDir: workDir}); err != nil {
		t.Fatalf("start sess-b: %v", err)
	}
	if _, err := m.Start(context.Background(), "sess-a", KindShell, StartSpec{WorkDir: workDir}); err != nil {
		t.Fatalf("start sess-a: %v", err)
	}

	infos := m.List()
	if len(infos) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(infos))
	}
	if infos[0].SessionID != "sess-a" || infos[1].SessionID != "sess-b" {
		t.Fatalf("expected session-id ordering, got %v", infos)
	}
	if infos[0].PID == 0 || infos[0].WorkDir != workDir {
		t.Fatalf("incomplete info: %+v", infos[0])
	}
}

func TestManagerShutdownAll(t *testing.T) {
	skipIfNoPTY(t)

	m := newTestManager(t, fakeSettings{configstore.SettingPreferredShell: "sh"}, DefaultStopGrace)
	workDir := t.TempDir()

	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := m.Start(context.Background(), id, KindShell, StartSpec{WorkDir: workDir}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m.ShutdownAll(ctx)

	if infos := m.List(); len(infos) != 0 {
		t.Fatalf("expected empty registry after shutdown, got %v", infos)
	}
}
