package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	configstore "github.com/ptyhub/ptyhub/internal/config/store"
)

// Default executables used when the operator has not configured overrides.
const defaultAgentBinary = "claude"

// shellFallbacks is tried in order when neither the configured shell nor
// $SHELL resolves.
var shellFallbacks = []string{"bash", "sh"}

// SettingsSource provides operator overrides for executable resolution.
// *configstore.Store satisfies it; a nil source means defaults only.
type SettingsSource interface {
	GetSetting(ctx context.Context, key string) (string, error)
}

// ExecResolver maps a terminal kind to the executable that should run in it.
type ExecResolver struct {
	settings SettingsSource
}

// NewExecResolver creates a resolver backed by the given settings source.
func NewExecResolver(settings SettingsSource) *ExecResolver {
	return &ExecResolver{settings: settings}
}

// Resolve returns the executable for the requested kind, verifying it exists
// on PATH. A kind with no resolvable executable yields ErrExecutableNotFound
// without side effects.
func (r *ExecResolver) Resolve(ctx context.Context, kind TerminalKind) (string, error) {
	switch kind {
	case KindShell:
		return r.resolveShell(ctx)
	case KindAgent:
		binary := r.setting(ctx, configstore.SettingAgentBinary)
		if binary == "" {
			binary = defaultAgentBinary
		}
		return lookPath(binary)
	case KindAltAgent:
		binary := r.setting(ctx, configstore.SettingAltAgentBinary)
		if binary == "" {
			return "", fmt.Errorf("%w: no alternate agent configured", ErrExecutableNotFound)
		}
		return lookPath(binary)
	default:
		return "", fmt.Errorf("%w: unsupported terminal kind %q", ErrExecutableNotFound, kind)
	}
}

// resolveShell walks the shell preference chain: configured shell, then
// $SHELL, then bash, then sh. The first candidate present on PATH wins.
func (r *ExecResolver) resolveShell(ctx context.Context) (string, error) {
	candidates := make([]string, 0, 4)
	if configured := r.setting(ctx, configstore.SettingPreferredShell); configured != "" {
		candidates = append(candidates, configured)
	}
	if envShell := os.Getenv("SHELL"); envShell != "" {
		candidates = append(candidates, envShell)
	}
	candidates = append(candidates, shellFallbacks...)

	for _, candidate := range candidates {
		if resolved, err := exec.LookPath(candidate); err == nil {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: no usable shell (tried %v)", ErrExecutableNotFound, candidates)
}

func (r *ExecResolver) setting(ctx context.Context, key string) string {
	if r.settings == nil {
		return ""
	}
	value, err := r.settings.GetSetting(ctx, key)
	if err != nil {
		return ""
	}
	return value
}

func lookPath(binary string) (string, error) {
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, binary)
	}
	return resolved, nil
}
