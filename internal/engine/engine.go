// Package engine runs whitelisted tools as isolated, time- and
// resource-bounded child processes. Starting an execution is non-blocking;
// the terminal outcome is delivered exactly once through the returned
// Handle. Tool failures are data, not errors: a failed or timed-out run
// still produces a terminal Outcome, and Start only returns an error for
// requests that are rejected before any process exists.
package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"agent-toollease/internal/config"
	"agent-toollease/internal/registry"
)

// StartRequest describes one tool invocation.
type StartRequest struct {
	ExecutionID string
	SessionID   string
	Tool        *registry.ToolDefinition
	Args        registry.Args
	Workspace   string // the session's exclusive working directory (host path)
}

func (r *StartRequest) validate() error {
	if r.ExecutionID == "" || r.SessionID == "" {
		return fmt.Errorf("%w: missing execution or session id", ErrInvalidRequest)
	}
	if r.Tool == nil {
		return fmt.Errorf("%w: missing tool definition", ErrInvalidRequest)
	}
	if r.Workspace == "" {
		return fmt.Errorf("%w: missing workspace", ErrInvalidRequest)
	}
	return nil
}

// Backend is an execution backend. The default is the plain subprocess
// runner; a containerd-backed runner is available for providers that want
// kernel-level isolation on top of the workspace sandbox.
type Backend interface {
	Start(ctx context.Context, req StartRequest) (*Handle, error)
	ActiveCount() int64
	Close() error
}

// NewBackend picks the configured backend: "process" (default),
// "containerd", or "auto" which prefers containerd when reachable.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Engine.Backend {
	case "", "process":
		return NewProcessEngine(cfg.Engine.MaxConcurrent, cfg.Engine.ExecPath, cfg.Engine.MaxOutputBytes), nil
	case "containerd":
		return newContainerdEngine(ctx, cfg)
	case "auto":
		backend, err := newContainerdEngine(ctx, cfg)
		if err == nil {
			log.Info().Msg("using containerd backend")
			return backend, nil
		}
		log.Warn().Err(err).Msg("containerd unavailable, falling back to subprocess backend")
		return NewProcessEngine(cfg.Engine.MaxConcurrent, cfg.Engine.ExecPath, cfg.Engine.MaxOutputBytes), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q: must be process, containerd, or auto", cfg.Engine.Backend)
	}
}
