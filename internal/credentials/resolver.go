// Package credentials resolves the environment map injected into spawned
// terminal processes. Sources are consulted in fixed precedence order:
// session-supplied entries override per-user stored entries, which override
// instance-wide (admin) entries, which override the daemon's own process
// environment.
package credentials

import (
	"context"
	"fmt"
)

// Resolver produces the merged credential environment for one spawn.
type Resolver interface {
	Resolve(ctx context.Context, userID string, sessionEnv map[string]string) (map[string]string, error)
}

// EnvStore is the persistence surface the chain reads from.
// *configstore.Store satisfies it.
type EnvStore interface {
	LoadCredentialEnv(ctx context.Context, userID string) (map[string]string, error)
}

// Chain implements Resolver over an EnvStore. A nil store degrades to
// session-env-only resolution.
type Chain struct {
	store EnvStore
}

// NewChain creates the standard resolution chain.
func NewChain(store EnvStore) *Chain {
	return &Chain{store: store}
}

// Resolve merges all scopes into a single environment map. Later merges win,
// so the map is built from lowest to highest precedence. The daemon's own
// process environment is not included here; callers overlay the result onto
// it when building the child environment.
func (c *Chain) Resolve(ctx context.Context, userID string, sessionEnv map[string]string) (map[string]string, error) {
	merged := make(map[string]string)

	if c.store != nil {
		global, err := c.store.LoadCredentialEnv(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("credentials: load admin scope: %w", err)
		}
		for k, v := range global {
			merged[k] = v
		}

		if userID != "" {
			user, err := c.store.LoadCredentialEnv(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("credentials: load user scope: %w", err)
			}
			for k, v := range user {
				merged[k] = v
			}
		}
	}

	for k, v := range sessionEnv {
		merged[k] = v
	}

	return merged, nil
}

// Static is a Resolver returning a fixed map merged under the session env.
// Used by tests and by deployments without a backing store.
type Static map[string]string

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, _ string, sessionEnv map[string]string) (map[string]string, error) {
	merged := make(map[string]string, len(s)+len(sessionEnv))
	for k, v := range s {
		merged[k] = v
	}
	for k, v := range sessionEnv {
		merged[k] = v
	}
	return merged, nil
}
