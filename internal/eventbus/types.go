package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

const (
	TopicTerminalOutput    Topic = "terminal.output"
	TopicTerminalLifecycle Topic = "terminal.lifecycle"
	TopicTerminalError     Topic = "terminal.error"
)

// Source describes which component produced an event.
type Source string

const (
	SourceSessionManager Source = "session_manager"
	SourceRelay          Source = "relay"
	SourceUnknown        Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic     Topic
	Timestamp time.Time
	Source    Source
	Payload   any
}

// HandleState summarises terminal handle lifecycle transitions.
type HandleState string

const (
	HandleStateStarting HandleState = "starting"
	HandleStateRunning  HandleState = "running"
	HandleStateStopping HandleState = "stopping"
	HandleStateIdle     HandleState = "idle"
)

// TerminalOutputEvent carries one raw PTY chunk for a terminal handle.
// Data is the exact byte sequence the process emitted, including partial
// escape codes, so viewers can feed it straight into a terminal emulator.
type TerminalOutputEvent struct {
	SessionID string
	Kind      string
	Sequence  uint64
	Data      []byte
}

// TerminalLifecycleEvent notifies consumers about handle state transitions.
// ExitCode and Signal are set only for HandleStateIdle.
type TerminalLifecycleEvent struct {
	SessionID string
	Kind      string
	State     HandleState
	PID       int
	ExitCode  *int
	Signal    string
	Reason    string
}

// TerminalErrorEvent reports a process-level failure (e.g. spawn error)
// to any already-joined viewers.
type TerminalErrorEvent struct {
	SessionID string
	Kind      string
	Code      string
	Message   string
}

// Typed topic descriptors used throughout the daemon.
var (
	TerminalOutput    = NewTopicDef[TerminalOutputEvent](TopicTerminalOutput)
	TerminalLifecycle = NewTopicDef[TerminalLifecycleEvent](TopicTerminalLifecycle)
	TerminalError     = NewTopicDef[TerminalErrorEvent](TopicTerminalError)
)
