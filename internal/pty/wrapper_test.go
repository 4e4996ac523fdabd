package pty_test

import (
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ptyhub/ptyhub/internal/pty"
)

type collectSink struct {
	mu  sync.Mutex
	buf []byte
}

func (s *collectSink) Write(data []byte) error {
	s.mu.Lock()
	s.buf = append(s.buf, data...)
	s.mu.Unlock()
	return nil
}

func (s *collectSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}

func requireEventually(t *testing.T, cond func() bool, timeout time.Duration, step time.Duration, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s", message)
		}
		time.Sleep(step)
	}
}

func TestWrapperStreamsOutputAndEmitsEvents(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("PTY wrapper tests rely on POSIX shell")
	}

	w := pty.New()
	sink := &collectSink{}
	w.AddSink(sink)

	opts := pty.StartOptions{
		Command: "/bin/sh",
		Args:    []string{"-c", "printf foo"},
	}

	if err := w.Start(opts); err != nil {
		t.Fatalf("failed to start PTY: %v", err)
	}

	events := w.Events()

	startEvent := <-events
	if startEvent.Type != pty.EventProcessStarted {
		t.Fatalf("expected process_started event, got %q", startEvent.Type)
	}
	if startEvent.PID == 0 {
		t.Fatal("expected a non-zero PID on the start event")
	}

	exitEvent := <-events
	if exitEvent.Type != pty.EventProcessExited {
		t.Fatalf("expected process_exited event, got %q", exitEvent.Type)
	}

	if _, ok := <-events; ok {
		t.Fatalf("expected events channel to be closed")
	}

	if out := sink.String(); !strings.Contains(out, "foo") {
		t.Fatalf("expected sink to contain 'foo', got %q", out)
	}
}

func TestWrapperUnresolvableCommandFailsFast(t *testing.T) {
	w := pty.New()
	err := w.Start(pty.StartOptions{Command: "definitely-not-a-real-binary-9f2c"})
	if !errors.Is(err, pty.ErrCommandNotFound) {
		t.Fatalf("expected ErrCommandNotFound, got %v", err)
	}
	if w.IsRunning() {
		t.Fatal("wrapper must not report running after a failed start")
	}
}

func TestWrapperStopTerminatesProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("PTY wrapper tests rely on POSIX shell")
	}

	w := pty.New()
	opts := pty.StartOptions{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 5"},
	}

	if err := w.Start(opts); err != nil {
		t.Fatalf("failed to start PTY: %v", err)
	}

	if err := w.Stop(500 * time.Millisecond); err != nil {
		t.Fatalf("stop returned error: %v", err)
	}

	requireEventually(t, func() bool { return !w.IsRunning() }, time.Second, 50*time.Millisecond, "process did not stop")
}

func TestWrapperResizeTracksGeometry(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("PTY wrapper tests rely on POSIX shell")
	}

	w := pty.New()
	if err := w.Start(pty.StartOptions{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 2"},
		Rows:    24,
		Cols:    80,
	}); err != nil {
		t.Fatalf("failed to start PTY: %v", err)
	}
	defer w.Stop(500 * time.Millisecond)

	if err := w.SetWinSize(50, 132); err != nil {
		t.Fatalf("SetWinSize failed: %v", err)
	}
	rows, cols := w.GetWinSize()
	if rows != 50 || cols != 132 {
		t.Fatalf("expected 50x132, got %dx%d", rows, cols)
	}
}
