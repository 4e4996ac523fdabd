// Package protocol defines the JSON wire format spoken over realtime
// connections. Every frame is a JSON object tagged by a "type" field; the
// set of types per channel is closed, and decoding an unlisted tag is an
// error rather than a silent drop.
package protocol

import (
	"fmt"
	"time"
)

// Type tags one wire frame.
type Type string

// Client to server.
const (
	TypeTerminalInput  Type = "terminal:input"
	TypeTerminalResize Type = "terminal:resize"
	TypeTerminalSignal Type = "terminal:signal"
	TypePing           Type = "ping"
	TypeCollabJoin     Type = "collab:join"
	TypeCollabChat     Type = "collab:chat"
	TypeCollabCursor   Type = "collab:cursor"
	TypeCollabTyping   Type = "collab:typing"
)

// Server to client.
const (
	TypeConnectionEstablished Type = "connection:established"
	TypeTerminalScrollback    Type = "terminal:scrollback"
	TypeSessionStatus         Type = "session:status"
	TypeTerminalOutput        Type = "terminal:output"
	TypeSessionError          Type = "session:error"
	TypeError                 Type = "error"
	TypePong                  Type = "pong"
	TypeCollabPresence        Type = "collab:presence"
)

// UnknownMessageTypeError is returned when a frame carries a tag outside the
// channel's closed set.
type UnknownMessageTypeError struct {
	Type Type
}

func (e UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown message type %q", e.Type)
}

// TerminalClientMessage is the closed set of frames a terminal-channel
// client may send.
type TerminalClientMessage interface{ terminalClient() }

// CollabClientMessage is the closed set of frames a collaboration-channel
// client may send.
type CollabClientMessage interface{ collabClient() }

// InputMessage forwards raw bytes to the process.
type InputMessage struct {
	Type Type   `json:"type"`
	Data string `json:"data"`
}

// ResizeMessage updates the PTY geometry.
type ResizeMessage struct {
	Type Type   `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// SignalMessage delivers interrupt/terminate/kill to the process.
type SignalMessage struct {
	Type   Type   `json:"type"`
	Signal string `json:"signal"`
}

// PingMessage is an application-level keepalive, valid on both channels and
// independent of the server's liveness sweep.
type PingMessage struct {
	Type Type `json:"type"`
}

// JoinMessage declares a collaborator's identity on the collaboration
// channel. Presence is recomputed and rebroadcast after every join.
type JoinMessage struct {
	Type      Type   `json:"type"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
}

// ChatMessage is relayed verbatim to every other room member.
type ChatMessage struct {
	Type     Type   `json:"type"`
	UserName string `json:"userName,omitempty"`
	Message  string `json:"message"`
}

// CursorMessage is relayed verbatim to every other room member.
type CursorMessage struct {
	Type     Type           `json:"type"`
	UserName string         `json:"userName,omitempty"`
	Cursor   map[string]any `json:"cursor"`
}

// TypingMessage is relayed verbatim to every other room member.
type TypingMessage struct {
	Type     Type   `json:"type"`
	UserName string `json:"userName,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

func (InputMessage) terminalClient()  {}
func (ResizeMessage) terminalClient() {}
func (SignalMessage) terminalClient() {}
func (PingMessage) terminalClient()   {}

func (JoinMessage) collabClient()   {}
func (ChatMessage) collabClient()   {}
func (CursorMessage) collabClient() {}
func (TypingMessage) collabClient() {}
func (PingMessage) collabClient()   {}

// EstablishedMessage is the first frame on every accepted connection.
type EstablishedMessage struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
}

// ScrollbackMessage replays buffered output lines on join. It is skipped
// entirely when the buffer is empty.
type ScrollbackMessage struct {
	Type Type     `json:"type"`
	Data []string `json:"data"`
}

// StatusMessage reports the handle's lifecycle state. PID is set while
// running; ExitCode only once idle.
type StatusMessage struct {
	Type     Type   `json:"type"`
	Status   string `json:"status"`
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// OutputMessage carries one raw output chunk. Timestamp is Unix
// milliseconds.
type OutputMessage struct {
	Type      Type   `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// SessionErrorMessage reports a process-level failure such as a failed
// spawn.
type SessionErrorMessage struct {
	Type    Type   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorMessage reports a connection-level failure such as a malformed frame.
type ErrorMessage struct {
	Type    Type   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMessage answers a client ping.
type PongMessage struct {
	Type Type `json:"type"`
}

// Collaborator is one entry in the presence roster.
type Collaborator struct {
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
	IsTyping  bool   `json:"isTyping"`
	JoinedAt  int64  `json:"joinedAt"`
}

// PresenceMessage carries the full recomputed roster, never a delta.
type PresenceMessage struct {
	Type          Type           `json:"type"`
	Collaborators []Collaborator `json:"collaborators"`
}

func NewEstablished(sessionID string) EstablishedMessage {
	return EstablishedMessage{Type: TypeConnectionEstablished, SessionID: sessionID}
}

func NewScrollback(lines []string) ScrollbackMessage {
	return ScrollbackMessage{Type: TypeTerminalScrollback, Data: lines}
}

func NewStatus(status string, pid int, exitCode *int) StatusMessage {
	return StatusMessage{Type: TypeSessionStatus, Status: status, PID: pid, ExitCode: exitCode}
}

func NewOutput(data []byte, at time.Time) OutputMessage {
	return OutputMessage{Type: TypeTerminalOutput, Data: string(data), Timestamp: at.UnixMilli()}
}

func NewSessionError(code, message string) SessionErrorMessage {
	return SessionErrorMessage{Type: TypeSessionError, Code: code, Message: message}
}

func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}

func NewPong() PongMessage {
	return PongMessage{Type: TypePong}
}

func NewPresence(collaborators []Collaborator) PresenceMessage {
	if collaborators == nil {
		collaborators = []Collaborator{}
	}
	return PresenceMessage{Type: TypeCollabPresence, Collaborators: collaborators}
}
