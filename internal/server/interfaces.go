package server

import (
	"context"

	"github.com/ptyhub/ptyhub/internal/session"
)

// SessionManager is the control-plane slice of the session manager.
type SessionManager interface {
	Start(ctx context.Context, sessionID string, kind session.TerminalKind, spec session.StartSpec) (int, error)
	Stop(sessionID string, kind session.TerminalKind, force bool) error
	Status(sessionID string, kind session.TerminalKind) session.Status
	PID(sessionID string, kind session.TerminalKind) int
	IsRunning(sessionID string, kind session.TerminalKind) bool
	List() []session.Info
}
