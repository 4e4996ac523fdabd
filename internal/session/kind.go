package session

import "fmt"

// TerminalKind selects which interactive process a session slot runs.
type TerminalKind string

const (
	// KindAgent is the primary AI coding agent.
	KindAgent TerminalKind = "agent"
	// KindShell is a plain interactive shell.
	KindShell TerminalKind = "shell"
	// KindAltAgent is a secondary, separately configured agent.
	KindAltAgent TerminalKind = "alt-agent"
)

// ParseTerminalKind validates a wire-level kind string. An empty value
// defaults to the primary agent.
func ParseTerminalKind(raw string) (TerminalKind, error) {
	switch TerminalKind(raw) {
	case "":
		return KindAgent, nil
	case KindAgent, KindShell, KindAltAgent:
		return TerminalKind(raw), nil
	default:
		return "", fmt.Errorf("session: unknown terminal kind %q", raw)
	}
}

// Key identifies one terminal handle: a logical session combined with the
// terminal kind it runs. At most one live handle exists per key.
type Key struct {
	SessionID string
	Kind      TerminalKind
}

func (k Key) String() string {
	return k.SessionID + "/" + string(k.Kind)
}
