package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	ptyDevice "github.com/creack/pty"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/ptyhub/ptyhub/internal/procutil"
)

// StartOptions contains options for starting a PTY process.
type StartOptions struct {
	Command    string   // Executable to run (must resolve via exec.LookPath)
	Args       []string // Command arguments
	WorkingDir string   // Working directory
	Env        []string // Environment variables (defaults to os.Environ)
	Rows       uint16   // Terminal rows
	Cols       uint16   // Terminal columns
}

// OutputSink is a generic interface for output consumers.
type OutputSink interface {
	Write([]byte) error
}

// Event types emitted on the wrapper's event channel.
const (
	EventProcessStarted = "process_started"
	EventProcessExited  = "process_exited"
)

// Event represents a PTY lifecycle event.
type Event struct {
	Type      string
	Timestamp time.Time
	PID       int
	ExitCode  int
	Signal    string // terminating signal name, empty for plain exits
	Err       error
}

// ErrCommandNotFound is wrapped into Start errors when the executable
// cannot be resolved.
var ErrCommandNotFound = errors.New("command not found")

// Wrapper owns one OS process attached to a pseudo-terminal. It fans process
// output out to registered sinks and reports lifecycle transitions on an
// event channel. A Wrapper is single-use: one Start, one exit.
type Wrapper struct {
	ptyFile *os.File
	command *exec.Cmd

	currentRows atomic.Int32
	currentCols atomic.Int32

	outputSinks []OutputSink
	sinksMutex  sync.RWMutex

	events       chan Event
	eventsMutex  sync.RWMutex
	eventsClosed bool

	commandMu    sync.RWMutex
	ptyCloseOnce sync.Once

	isRunning  atomic.Bool
	exitCode   atomic.Int32
	exitSignal atomic.Value // string
	waitOnce   sync.Once
	startTime  time.Time
	pid        int
}

// New creates a new PTY wrapper.
func New() *Wrapper {
	return &Wrapper{
		outputSinks: make([]OutputSink, 0),
		events:      make(chan Event, 100),
	}
}

// Start launches the command attached to a fresh PTY. The executable must
// already be resolved by the caller; an unresolvable command fails fast
// without spawning anything.
func (w *Wrapper) Start(opts StartOptions) error {
	if _, err := exec.LookPath(opts.Command); err != nil {
		return fmt.Errorf("%w: %s", ErrCommandNotFound, opts.Command)
	}

	w.command = exec.Command(opts.Command, opts.Args...)

	if opts.WorkingDir != "" {
		w.command.Dir = opts.WorkingDir
	}

	if len(opts.Env) > 0 {
		w.command.Env = opts.Env
	} else {
		w.command.Env = os.Environ()
	}

	termSet := false
	langSet := false
	for _, env := range w.command.Env {
		if strings.HasPrefix(env, "TERM=") {
			termSet = true
		}
		if strings.HasPrefix(env, "LANG=") || strings.HasPrefix(env, "LC_ALL=") {
			langSet = true
		}
	}
	if !termSet {
		w.command.Env = append(w.command.Env, "TERM=xterm-256color")
	}
	if !langSet {
		w.command.Env = append(w.command.Env, "LANG=C.UTF-8")
	}

	ptyFile, err := ptyDevice.Start(w.command)
	if err != nil {
		return err
	}
	w.ptyFile = ptyFile

	cols := int(opts.Cols)
	rows := int(opts.Rows)
	if cols == 0 || rows == 0 {
		if terminal.IsTerminal(0) {
			cols, rows, _ = terminal.GetSize(0)
		}
		if cols == 0 {
			cols = 80
		}
		if rows == 0 {
			rows = 24
		}
	}
	w.SetWinSize(rows, cols)

	w.isRunning.Store(true)
	w.exitCode.Store(-1)
	w.exitSignal.Store("")
	w.startTime = time.Now()
	if w.command.Process != nil {
		w.pid = w.command.Process.Pid
	}

	w.emitEvent(Event{
		Type:      EventProcessStarted,
		Timestamp: time.Now(),
		PID:       w.pid,
	})

	go w.captureLoop()

	return nil
}

// captureLoop pumps PTY output to sinks until the PTY read fails, which on
// every platform we support means the child has exited or the fd was closed.
func (w *Wrapper) captureLoop() {
	buffer := make([]byte, 4096)

	for {
		n, err := w.ptyFile.Read(buffer)
		if n > 0 {
			w.broadcastToSinks(buffer[:n])
		}
		if err != nil {
			w.closePTY()
			w.isRunning.Store(false)
			_ = w.reapProcess()

			w.emitEvent(Event{
				Type:      EventProcessExited,
				Timestamp: time.Now(),
				PID:       w.pid,
				ExitCode:  int(w.exitCode.Load()),
				Signal:    w.ExitSignal(),
			})
			w.closeEvents()
			return
		}
	}
}

func (w *Wrapper) broadcastToSinks(data []byte) {
	w.sinksMutex.RLock()
	defer w.sinksMutex.RUnlock()

	for _, sink := range w.outputSinks {
		sink.Write(data)
	}
}

// AddSink adds an output sink.
func (w *Wrapper) AddSink(sink OutputSink) {
	w.sinksMutex.Lock()
	defer w.sinksMutex.Unlock()
	w.outputSinks = append(w.outputSinks, sink)
}

// RemoveSink removes an output sink.
func (w *Wrapper) RemoveSink(sink OutputSink) {
	w.sinksMutex.Lock()
	defer w.sinksMutex.Unlock()

	for i, s := range w.outputSinks {
		if s == sink {
			w.outputSinks = append(w.outputSinks[:i], w.outputSinks[i+1:]...)
			return
		}
	}
}

// Write sends data to the PTY.
func (w *Wrapper) Write(data []byte) (int, error) {
	if w.ptyFile == nil {
		return 0, io.ErrClosedPipe
	}
	return w.ptyFile.Write(data)
}

// SetWinSize sets the PTY window size.
func (w *Wrapper) SetWinSize(rows, cols int) error {
	if w.ptyFile == nil {
		return io.ErrClosedPipe
	}

	winSize := ptyDevice.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	}

	if err := ptyDevice.Setsize(w.ptyFile, &winSize); err != nil {
		return err
	}

	w.currentRows.Store(int32(rows))
	w.currentCols.Store(int32(cols))

	return nil
}

// GetWinSize returns the current PTY window size.
func (w *Wrapper) GetWinSize() (rows, cols int) {
	return int(w.currentRows.Load()), int(w.currentCols.Load())
}

// Interrupt delivers SIGINT to the process, as if Ctrl-C were pressed.
func (w *Wrapper) Interrupt() error {
	return w.signal(procutil.Interrupt)
}

// Terminate delivers SIGTERM for graceful shutdown.
func (w *Wrapper) Terminate() error {
	return w.signal(procutil.GracefulTerminate)
}

// Kill forcibly terminates the process.
func (w *Wrapper) Kill() error {
	return w.signal(procutil.Kill)
}

func (w *Wrapper) signal(deliver func(*os.Process) error) error {
	w.commandMu.RLock()
	cmd := w.command
	w.commandMu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return deliver(cmd.Process)
}

// closePTY closes the PTY file descriptor exactly once.
// This unblocks any goroutine blocked in ptyFile.Read() and releases the fd.
func (w *Wrapper) closePTY() {
	w.ptyCloseOnce.Do(func() {
		if w.ptyFile != nil {
			w.ptyFile.Close()
		}
	})
}

func (w *Wrapper) closeEvents() {
	w.eventsMutex.Lock()
	if !w.eventsClosed {
		close(w.events)
		w.eventsClosed = true
	}
	w.eventsMutex.Unlock()
}

// isExpectedTerminationError reports whether err is a normal process exit
// caused by signalled termination. Any ExitError after a deliberate
// Terminate/Kill is expected.
func isExpectedTerminationError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// Stop terminates the process gracefully, escalating to SIGKILL once the
// timeout elapses without an exit.
func (w *Wrapper) Stop(timeout time.Duration) error {
	if !w.isRunning.Load() {
		return nil
	}

	// Close the PTY fd after process cleanup to unblock any Read()
	// blocked in captureLoop and release the file descriptor.
	defer w.closePTY()

	w.commandMu.RLock()
	cmd := w.command
	w.commandMu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := procutil.GracefulTerminate(cmd.Process); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- w.reapProcess()
	}()

	select {
	case err := <-done:
		w.isRunning.Store(false)
		if err != nil && isExpectedTerminationError(err) {
			return nil
		}
		return err
	case <-time.After(timeout):
		if err := procutil.Kill(cmd.Process); err != nil {
			return err
		}
		w.isRunning.Store(false)
		err := <-done
		if err != nil && isExpectedTerminationError(err) {
			return nil
		}
		return err
	}
}

func (w *Wrapper) reapProcess() error {
	var waitErr error
	w.waitOnce.Do(func() {
		w.commandMu.Lock()
		defer w.commandMu.Unlock()

		if w.command == nil {
			w.exitCode.Store(-1)
			return
		}

		waitErr = w.command.Wait()

		if state := w.command.ProcessState; state != nil {
			w.exitCode.Store(int32(state.ExitCode()))
			if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				w.exitSignal.Store(ws.Signal().String())
			}
		} else {
			w.exitCode.Store(-1)
		}
	})
	return waitErr
}

// IsRunning returns whether the PTY process is running.
func (w *Wrapper) IsRunning() bool {
	return w.isRunning.Load()
}

// GetPID returns the process ID.
func (w *Wrapper) GetPID() int {
	return w.pid
}

// GetExitCode returns the exit code (or -1 if still running).
func (w *Wrapper) GetExitCode() int {
	if w.isRunning.Load() {
		return -1
	}
	return int(w.exitCode.Load())
}

// ExitSignal returns the name of the terminating signal, if any.
func (w *Wrapper) ExitSignal() string {
	if sig, ok := w.exitSignal.Load().(string); ok {
		return sig
	}
	return ""
}

// StartTime returns when the process was started.
func (w *Wrapper) StartTime() time.Time {
	return w.startTime
}

// Events returns the event channel. It is closed after the exit event.
func (w *Wrapper) Events() <-chan Event {
	w.eventsMutex.RLock()
	defer w.eventsMutex.RUnlock()
	return w.events
}

// emitEvent sends an event to the channel.
func (w *Wrapper) emitEvent(event Event) {
	w.eventsMutex.RLock()
	defer w.eventsMutex.RUnlock()

	if w.eventsClosed {
		return
	}

	select {
	case w.events <- event:
	default:
	}
}
